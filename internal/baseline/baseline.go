// Package baseline runs one fetch-normalize-hash cycle for a monitor target.
package baseline

import (
	"context"
	"fmt"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/normalize"
)

// Checker composes the fetcher, the normalizer and the fingerprinter.
type Checker struct {
	fetcher monitor.Fetcher
	hasher  monitor.Hasher
	clock   monitor.Clock
}

// New builds a Checker.
func New(fetcher monitor.Fetcher, hasher monitor.Hasher, clock monitor.Clock) *Checker {
	return &Checker{fetcher: fetcher, hasher: hasher, clock: clock}
}

// Check fetches the target and returns its baseline. Fetch and normalize failures are
// returned unchanged so their CheckError code survives.
func (c *Checker) Check(ctx context.Context, jobID string, target monitor.Target) (monitor.Baseline, error) {
	resp, err := c.fetcher.Fetch(ctx, monitor.FetchRequest{JobID: jobID, URL: target.URL})
	if err != nil {
		return monitor.Baseline{}, err
	}

	norm, err := normalize.Normalize(resp.Body, target.Mode, target.Selector)
	if err != nil {
		return monitor.Baseline{}, err
	}

	hash, err := c.hasher.Hash([]byte(norm.Text))
	if err != nil {
		return monitor.Baseline{}, fmt.Errorf("hash normalized text: %w", err)
	}

	finalURL := resp.URL
	if finalURL == "" {
		finalURL = target.URL
	}
	return monitor.Baseline{
		NormalizedText: norm.Text,
		ContentHash:    hash,
		HTTPStatus:     resp.StatusCode,
		FinalURL:       finalURL,
		HTMLBytes:      resp.Bytes,
		TextBytes:      norm.Bytes,
		FetchedAt:      c.clock.Now().UTC(),
		RawHTML:        resp.Body,
	}, nil
}
