package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	pubmemory "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	"github.com/JakeFAU/pagewatch/internal/recorder"
	blobmemory "github.com/JakeFAU/pagewatch/internal/storage/memory"
)

const pricingURL = "https://example.com/pricing"

var fetchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *fakeStore
	checker   *fakeChecker
	archive   *blobmemory.BlobStore
	publisher *pubmemory.Publisher
	logs      *observer.ObservedLogs
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		store:     newFakeStore(),
		checker:   &fakeChecker{baselines: map[string]monitor.Baseline{}, errs: map[string]error{}},
		archive:   blobmemory.NewBlobStore(),
		publisher: pubmemory.New(),
		logs:      logs,
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = "change-events"
	}
	h.worker = New(
		h.store,
		h.checker,
		recorder.New(diff.New(diff.Options{})),
		h.archive,
		h.publisher,
		&fakeClock{now: fetchedAt.Add(-time.Minute)},
		cfg,
		zap.New(core),
	)
	return h
}

func (h *harness) serve(url, text, hash string) {
	h.checker.baselines[url] = monitor.Baseline{
		NormalizedText: text,
		ContentHash:    hash,
		HTTPStatus:     200,
		FinalURL:       url,
		HTMLBytes:      len(text) + 26,
		TextBytes:      len(text),
		FetchedAt:      fetchedAt,
		RawHTML:        []byte("<html><body>" + text + "</body></html>"),
	}
}

func pricingJob(id string) monitor.Job {
	return monitor.Job{
		ID:         id,
		MonitorID:  "mon-1",
		OrgID:      "org-1",
		LeaseToken: "lease-1",
		Target: monitor.Target{
			ID:              "mon-1",
			OrgID:           "org-1",
			URL:             pricingURL,
			Mode:            monitor.ModeWholePage,
			IntervalMinutes: 60,
			Sensitivity:     monitor.SensitivityNormal,
			Enabled:         true,
		},
	}
}

func TestProcessJobFirstCheckRecordsBaseline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ArchivePrefix: "html"})
	h.serve(pricingURL, "Plan: Free tier. Limit: 10 users.", "h1")

	outcome := h.worker.ProcessJob(context.Background(), pricingJob("job-1"))
	require.Equal(t, monitor.OutcomeBaseline, outcome)

	require.Equal(t, []string{"job-1"}, h.store.completed)
	require.Len(t, h.store.checks, 1)
	check := h.store.checks[0]
	assert.Equal(t, "h1", check.Hash)
	assert.Equal(t, 200, check.HTTPStatus)
	assert.Equal(t, fetchedAt, check.FinishedAt)
	assert.True(t, check.StartedAt.Before(check.FinishedAt))

	snaps := h.store.snapshots["mon-1"]
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].Text)
	assert.Equal(t, "Plan: Free tier. Limit: 10 users.", *snaps[0].Text)
	require.NotNil(t, snaps[0].HTMLPath)
	assert.Equal(t, "memory://html/mon-1/h1.html", *snaps[0].HTMLPath)
	require.NotNil(t, snaps[0].ExpiresAt)
	assert.Equal(t, fetchedAt.AddDate(0, 0, 30), *snaps[0].ExpiresAt)

	raw, ok := h.archive.Object("html/mon-1/h1.html")
	require.True(t, ok)
	assert.Contains(t, string(raw), "Limit: 10 users.")

	require.Len(t, h.store.successes, 1)
	assert.Equal(t, fetchedAt.Add(time.Hour), h.store.successes[0].NextCheckAt)
	assert.Empty(t, h.store.events)
	assert.Empty(t, h.publisher.Messages())

	entries := h.logs.FilterMessage("check recorded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "mon-1", fields["monitor_id"])
	assert.EqualValues(t, 1, fields["attempt"])
}

func TestProcessJobUnchangedHashSkipsDiff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.serve(pricingURL, "Plan: Free tier. Limit: 10 users.", "h1")

	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))
	require.Equal(t, monitor.OutcomeUnchanged, h.worker.ProcessJob(context.Background(), pricingJob("job-2")))

	assert.Len(t, h.store.checks, 2)
	assert.Len(t, h.store.snapshots["mon-1"], 2)
	assert.Empty(t, h.store.events)
	assert.Empty(t, h.store.histories)
	assert.Empty(t, h.store.changedAt)
}

func TestProcessJobRecordsAndPublishesChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.serve(pricingURL, "Plan: Free tier. Limit: 10 users.", "h1")
	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))

	h.serve(pricingURL, "Plan: Free tier. Limit: 25 users, priority support included.", "h2")
	require.Equal(t, monitor.OutcomeChanged, h.worker.ProcessJob(context.Background(), pricingJob("job-2")))

	require.Len(t, h.store.events, 1)
	event := h.store.events[0]
	assert.Equal(t, monitor.SeverityMedium, event.Severity)
	assert.Equal(t, "3 words added", event.Summary)
	payload, ok := event.Diff.(monitor.TextSegmentsDiff)
	require.True(t, ok)
	assert.Contains(t, payload.BeforeSegments, monitor.Segment{Kind: monitor.SegmentRemoved, Text: "10 users."})
	assert.Contains(t, payload.AfterSegments,
		monitor.Segment{Kind: monitor.SegmentAdded, Text: "25 users, priority support included."})

	require.Len(t, h.store.histories, 1)
	assert.Equal(t, "check-1", h.store.histories[0].OldCheckID)
	assert.Equal(t, fetchedAt, h.store.changedAt["mon-1"])
	assert.Empty(t, h.store.blocks, "structured blocks need semantic_diff")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "change-events", msgs[0].Topic)
	note, ok := msgs[0].Payload.(ChangeNotification)
	require.True(t, ok)
	assert.Equal(t, event.ID, note.ChangeEventID)
	assert.Equal(t, "text_segments", note.DiffType)
	require.NotNil(t, note.WordDelta)
	assert.Equal(t, 3, *note.WordDelta)
	assert.Equal(t, "medium", note.Attributes()["severity"])
}

func TestProcessJobWithoutFullTextFallsBackToHashOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	job := pricingJob("job-1")
	noText := false
	tier := "free"
	job.Target.Entitlements = monitor.Entitlements{DetailedSnapshots: &noText, PlanTier: &tier}

	h.serve(pricingURL, "before", "h1")
	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), job))
	h.serve(pricingURL, "after", "h2")
	require.Equal(t, monitor.OutcomeChanged, h.worker.ProcessJob(context.Background(), job))

	snaps := h.store.snapshots["mon-1"]
	require.Len(t, snaps, 2)
	assert.Nil(t, snaps[1].Text)
	require.NotNil(t, snaps[1].Tier)
	assert.Equal(t, "free", *snaps[1].Tier)
	require.Len(t, h.store.events, 1)
	assert.Equal(t, monitor.HashOnlyDiff{BeforeHash: "h1", AfterHash: "h2"}, h.store.events[0].Diff)
	assert.Equal(t, diff.SummaryUnchanged, h.store.events[0].Summary)
}

func TestProcessJobFetchFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.checker.errs[pricingURL] = monitor.StatusError(404)

	outcome := h.worker.ProcessJob(context.Background(), pricingJob("job-1"))
	require.Equal(t, monitor.OutcomeRetry, outcome)

	require.Len(t, h.store.failures, 1)
	require.ErrorIs(t, h.store.failures[0].cause, monitor.ErrInvalidStatus)
	assert.Equal(t, 1, h.store.attempts["job-1"])
	assert.Empty(t, h.store.checks)
	assert.Empty(t, h.store.snapshots)
	assert.Empty(t, h.store.completed)

	entries := h.logs.FilterMessage("check failed; retry scheduled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, 5*time.Minute, entries[0].ContextMap()["retry_after"])
	assert.Equal(t, "INVALID_STATUS", entries[0].ContextMap()["code"])
}

func TestProcessJobFifthFailureAbandons(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.checker.errs[pricingURL] = monitor.NewCheckError(monitor.CodeFetchFailed, strings.Repeat("x", 20), nil)
	job := pricingJob("job-1")
	job.Attempts = 4

	require.Equal(t, monitor.OutcomeAbandoned, h.worker.ProcessJob(context.Background(), job))
	require.Len(t, h.logs.FilterMessage("job abandoned").All(), 1)
}

func TestProcessJobConfigErrorFailsWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	job := pricingJob("job-1")
	job.ConfigErr = errors.New(`monitor mon-1: unknown monitor mode "screenshot"`)

	require.Equal(t, monitor.OutcomeRetry, h.worker.ProcessJob(context.Background(), job))
	assert.Zero(t, h.checker.calls)
	require.Len(t, h.store.failures, 1)
	assert.Equal(t, job.ConfigErr, h.store.failures[0].cause)
}

func TestProcessJobDisabledMonitorIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	job := pricingJob("job-1")
	job.Target.Enabled = false

	require.Equal(t, monitor.OutcomeSkipped, h.worker.ProcessJob(context.Background(), job))
	assert.Equal(t, []string{"job-1"}, h.store.dropped)
	assert.Zero(t, h.checker.calls)
	assert.Empty(t, h.store.checks)
}

func TestProcessJobLeaseLostDiscardsResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.serve(pricingURL, "text", "h1")
	h.store.leaseLost = true

	require.Equal(t, monitor.OutcomeLeaseLost, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))
	assert.Empty(t, h.store.checks)
	assert.Empty(t, h.store.snapshots)
	assert.Empty(t, h.store.failures)
}

func TestProcessJobTransactionErrorRollsBackAndFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.serve(pricingURL, "before", "h1")
	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))

	h.store.eventErr = true
	h.serve(pricingURL, "after", "h2")
	require.Equal(t, monitor.OutcomeRetry, h.worker.ProcessJob(context.Background(), pricingJob("job-2")))

	assert.Len(t, h.store.checks, 1, "the second check rolled back")
	assert.Len(t, h.store.snapshots["mon-1"], 1)
	require.Len(t, h.store.failures, 1)
	assert.ErrorContains(t, h.store.failures[0].cause, "insert change event")
}

func TestProcessJobFailJobErrorIsLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.checker.errs[pricingURL] = monitor.StatusError(500)
	h.store.failErr = errors.New("connection reset")

	require.Equal(t, monitor.OutcomeRetry, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))
	require.Len(t, h.logs.FilterMessage("record job failure").All(), 1)
}

func TestProcessJobPublishFailureKeepsChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.serve(pricingURL, "before", "h1")
	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))

	h.publisher.FailWith(errors.New("topic not found"))
	h.serve(pricingURL, "after", "h2")
	require.Equal(t, monitor.OutcomeChanged, h.worker.ProcessJob(context.Background(), pricingJob("job-2")))
	assert.Len(t, h.store.events, 1)
	assert.Len(t, h.logs.FilterMessage("publish change event").All(), 1)
}

func TestProcessJobArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.worker.archive = failingArchive{}
	h.serve(pricingURL, "text", "h1")

	require.Equal(t, monitor.OutcomeBaseline, h.worker.ProcessJob(context.Background(), pricingJob("job-1")))
	snaps := h.store.snapshots["mon-1"]
	require.Len(t, snaps, 1)
	assert.Nil(t, snaps[0].HTMLPath)
	assert.Len(t, h.logs.FilterMessage("archive raw html").All(), 1)
}

type failingArchive struct{}

func (failingArchive) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

func TestProcessBatchKeepsOrder(t *testing.T) {
	t.Parallel()

	for _, concurrency := range []int{1, 4} {
		h := newHarness(t, Config{Concurrency: concurrency})
		jobs := make([]monitor.Job, 0, 6)
		for i, url := range []string{"https://a.example", "https://b.example", "https://c.example"} {
			h.serve(url, url, "hash-"+url)
			job := pricingJob(url)
			job.MonitorID = "mon-" + string(rune('a'+i))
			job.Target.ID = job.MonitorID
			job.Target.URL = url
			jobs = append(jobs, job)
		}
		h.checker.errs["https://bad.example"] = monitor.StatusError(503)
		bad := pricingJob("bad")
		bad.Target.URL = "https://bad.example"
		jobs = append(jobs, bad)

		outcomes := h.worker.ProcessBatch(context.Background(), jobs)
		require.Equal(t, []monitor.JobOutcome{
			monitor.OutcomeBaseline,
			monitor.OutcomeBaseline,
			monitor.OutcomeBaseline,
			monitor.OutcomeRetry,
		}, outcomes, "concurrency %d", concurrency)
		assert.Len(t, h.store.completed, 3)
	}
}
