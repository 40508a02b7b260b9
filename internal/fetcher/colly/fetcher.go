// Package collyfetcher implements monitor.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultTimeout      = 12 * time.Second
	DefaultMaxBodyBytes = 1_500_000
	DefaultUserAgent    = "PagewatchMonitor/0.1 (+https://github.com/JakeFAU/pagewatch)"

	acceptHeader         = "text/html,application/xhtml+xml"
	acceptLanguageHeader = "en-US,en;q=0.9"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Waiter spaces requests to the same host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements monitor.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// the backend is shared by every clone, so the timeout is set once here
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch performs one GET with the timeout, size and content-type guards.
// Failures are *monitor.CheckError values; nothing is retried here.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return monitor.FetchResponse{}, monitor.NewCheckError(monitor.CodeFetchFailed,
				"Unable to reach the URL. Please ensure it is publicly accessible.", err)
		}
	}

	var (
		result   monitor.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return monitor.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	start time.Time,
	result *monitor.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	// one extra byte lets an oversized body be told apart from one exactly at the cap
	collector.MaxBodySize = f.cfg.MaxBodyBytes + 1

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *monitor.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		r.Headers.Set("Accept-Language", acceptLanguageHeader)
	})

	hooks.OnResponse(func(r *colly.Response) {
		if err := f.checkResponse(r); err != nil {
			*fetchErr = err
			return
		}
		*result = monitor.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Bytes:      len(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		if *fetchErr == nil {
			*fetchErr = err
		}
	})
}

func (f *Fetcher) checkResponse(r *colly.Response) error {
	if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusBadRequest {
		return monitor.StatusError(r.StatusCode)
	}
	var contentType, contentLength string
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
		contentLength = r.Headers.Get("Content-Length")
	}
	if !isHTML(contentType) {
		return monitor.NewCheckError(monitor.CodeUnsupportedContent,
			"The URL must return HTML content (text/html).", nil)
	}
	if n, err := strconv.Atoi(contentLength); err == nil && n > f.cfg.MaxBodyBytes {
		return tooLarge(f.cfg.MaxBodyBytes)
	}
	if len(r.Body) > f.cfg.MaxBodyBytes {
		return tooLarge(f.cfg.MaxBodyBytes)
	}
	return nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return unreachable(fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		// guard failures win over the transport error colly reports for the same response
		if *fetchErr != nil {
			if ce, ok := (*fetchErr).(*monitor.CheckError); ok {
				return ce
			}
			return unreachable(fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		if err != nil {
			return unreachable(fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

func unreachable(err error) error {
	return monitor.NewCheckError(monitor.CodeFetchFailed,
		"Unable to reach the URL. Please ensure it is publicly accessible.", err)
}

func tooLarge(limit int) error {
	return monitor.NewCheckError(monitor.CodeTooLarge,
		fmt.Sprintf("HTML response is too large (over %d bytes).", limit), nil)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
