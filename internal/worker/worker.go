// Package worker runs claimed check jobs through the baseline check, the per-job
// transaction and the post-commit fan-out.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/recorder"
	"github.com/JakeFAU/pagewatch/internal/storage"
)

const tracerName = "github.com/JakeFAU/pagewatch/internal/worker"

// Checker runs one fetch-normalize-hash cycle.
type Checker interface {
	Check(ctx context.Context, jobID string, target monitor.Target) (monitor.Baseline, error)
}

// Config controls Worker behavior.
type Config struct {
	// Concurrency bounds how many jobs of a batch run at once. Values below 2 run jobs
	// sequentially.
	Concurrency   int
	ArchivePrefix string
	EventsTopic   string
}

// Worker processes claimed jobs.
type Worker struct {
	store     monitor.JobStore
	checker   Checker
	recorder  *recorder.Recorder
	archive   monitor.BlobStore
	publisher monitor.Publisher
	clock     monitor.Clock
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a Worker. archive and publisher are optional.
func New(
	store monitor.JobStore,
	checker Checker,
	rec *recorder.Recorder,
	archive monitor.BlobStore,
	publisher monitor.Publisher,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	metrics.Init()
	return &Worker{
		store:     store,
		checker:   checker,
		recorder:  rec,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// ProcessBatch runs every job of a claimed batch and returns their outcomes in order.
func (w *Worker) ProcessBatch(ctx context.Context, jobs []monitor.Job) []monitor.JobOutcome {
	outcomes := make([]monitor.JobOutcome, len(jobs))
	if w.cfg.Concurrency == 1 {
		for i, job := range jobs {
			outcomes[i] = w.ProcessJob(ctx, job)
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = w.ProcessJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ProcessJob runs one job to completion. Every failure is routed to the lease manager, so
// the returned outcome is the only result.
func (w *Worker) ProcessJob(ctx context.Context, job monitor.Job) monitor.JobOutcome {
	start := w.clock.Now()
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	ctx, span := w.tracer.Start(ctx, "check monitor", trace.WithAttributes(
		attribute.String("pagewatch.job_id", job.ID),
		attribute.String("pagewatch.monitor_id", job.MonitorID),
		attribute.Int("pagewatch.attempt", job.Attempts+1),
	))
	defer span.End()

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("monitor_id", job.MonitorID),
		zap.Int("attempt", job.Attempts+1),
	)
	outcome := w.run(ctx, log, job, start)
	metrics.ObserveJob(string(outcome), w.clock.Now().Sub(start))
	span.SetAttributes(attribute.String("pagewatch.outcome", string(outcome)))
	if outcome == monitor.OutcomeRetry || outcome == monitor.OutcomeAbandoned {
		span.SetStatus(codes.Error, "check failed")
	}
	return outcome
}

func (w *Worker) run(ctx context.Context, log *zap.Logger, job monitor.Job, start time.Time) monitor.JobOutcome {
	if job.ConfigErr != nil {
		return w.fail(ctx, log, job, job.ConfigErr)
	}
	if !job.Target.Enabled {
		if err := w.store.DropJob(ctx, job); err != nil {
			log.Warn("drop job for disabled monitor", zap.Error(err))
			if errors.Is(err, monitor.ErrLeaseLost) {
				return monitor.OutcomeLeaseLost
			}
		}
		log.Info("monitor disabled; job dropped")
		return monitor.OutcomeSkipped
	}

	base, err := w.checker.Check(ctx, job.ID, job.Target)
	if err != nil {
		metrics.ObserveCheckFailure(string(monitor.CodeOf(err)))
		return w.fail(ctx, log, job, err)
	}
	metrics.ObserveFetch(job.Target.URL, base.HTMLBytes)
	log.Debug("baseline check finished",
		zap.Int("http_status", base.HTTPStatus),
		zap.String("content_hash", base.ContentHash),
		zap.Int("text_bytes", base.TextBytes),
	)

	htmlPath := w.archiveHTML(ctx, log, job, base)

	var res result
	err = w.store.CompleteJob(ctx, job, func(ctx context.Context, tx monitor.JobTx) error {
		var err error
		res, err = w.persist(ctx, tx, job, base, htmlPath, start)
		return err
	})
	if errors.Is(err, monitor.ErrLeaseLost) {
		log.Warn("lease lost before commit; results discarded")
		return monitor.OutcomeLeaseLost
	}
	if err != nil {
		return w.fail(ctx, log, job, err)
	}

	if res.event == nil {
		log.Info("check recorded", zap.String("outcome", string(res.outcome)), zap.String("check_id", res.checkID))
		return res.outcome
	}
	metrics.ObserveChange(string(res.event.Severity))
	log.Info("change recorded",
		zap.String("change_event_id", res.event.ID),
		zap.String("severity", string(res.event.Severity)),
		zap.String("summary", res.event.Summary),
		zap.String("diff_type", string(res.event.Diff.Kind())),
	)
	w.publish(ctx, log, job, res)
	return res.outcome
}

type result struct {
	outcome    monitor.JobOutcome
	checkID    string
	snapshotID string
	event      *monitor.ChangeEvent
}

// persist writes the check, the snapshot, the monitor bookkeeping and any change inside
// the job transaction.
func (w *Worker) persist(
	ctx context.Context,
	tx monitor.JobTx,
	job monitor.Job,
	base monitor.Baseline,
	htmlPath *string,
	start time.Time,
) (result, error) {
	target := job.Target
	if err := tx.LockMonitor(ctx, target.ID); err != nil {
		return result{}, err
	}
	prev, err := tx.LatestSnapshot(ctx, target.ID)
	if err != nil {
		return result{}, err
	}

	checkID, err := tx.InsertCheck(ctx, monitor.CheckRecord{
		MonitorID:  target.ID,
		OrgID:      target.OrgID,
		StartedAt:  start.UTC(),
		FinishedAt: base.FetchedAt,
		HTTPStatus: base.HTTPStatus,
		Hash:       base.ContentHash,
		TextBytes:  base.TextBytes,
		HTMLBytes:  base.HTMLBytes,
		FinalURL:   base.FinalURL,
	})
	if err != nil {
		return result{}, err
	}

	ent := target.Entitlements
	expires := ent.SnapshotExpiry(base.FetchedAt)
	snap := monitor.Snapshot{
		MonitorID: target.ID,
		CheckID:   checkID,
		Tier:      ent.Tier(),
		Hash:      base.ContentHash,
		HTMLPath:  htmlPath,
		ExpiresAt: &expires,
		CreatedAt: base.FetchedAt,
	}
	if ent.StoreFullText() {
		text := base.NormalizedText
		snap.Text = &text
	}
	if snap.ID, err = tx.InsertSnapshot(ctx, snap); err != nil {
		return result{}, err
	}

	if err := tx.MarkCheckSuccess(ctx, monitor.CheckSuccess{
		MonitorID:   target.ID,
		CheckedAt:   base.FetchedAt,
		CheckID:     checkID,
		NextCheckAt: base.FetchedAt.Add(time.Duration(target.IntervalMinutes) * time.Minute),
	}); err != nil {
		return result{}, err
	}

	res := result{checkID: checkID, snapshotID: snap.ID}
	switch {
	case prev == nil:
		res.outcome = monitor.OutcomeBaseline
		return res, nil
	case prev.Hash == snap.Hash:
		res.outcome = monitor.OutcomeUnchanged
		return res, nil
	}

	event, err := w.recorder.Record(ctx, tx, recorder.Change{
		Target:   target,
		Previous: *prev,
		Next:     snap,
		At:       base.FetchedAt,
	})
	if err != nil {
		return result{}, err
	}
	res.outcome = monitor.OutcomeChanged
	res.event = &event
	return res, nil
}

// archiveHTML stores the raw page. Archive failures never fail the job.
func (w *Worker) archiveHTML(ctx context.Context, log *zap.Logger, job monitor.Job, base monitor.Baseline) *string {
	if w.archive == nil {
		return nil
	}
	path := storage.ObjectPath(w.cfg.ArchivePrefix, job.MonitorID, base.ContentHash)
	loc, err := w.archive.PutObject(ctx, path, storage.HTMLContentType, base.RawHTML)
	if err != nil {
		log.Warn("archive raw html", zap.String("path", path), zap.Error(err))
		return nil
	}
	if loc == "" {
		return nil
	}
	return &loc
}

// publish fans the committed change out. It is best effort.
func (w *Worker) publish(ctx context.Context, log *zap.Logger, job monitor.Job, res result) {
	if w.publisher == nil || w.cfg.EventsTopic == "" {
		return
	}
	note := newChangeNotification(job, res.checkID, *res.event)
	id, err := w.publisher.Publish(ctx, w.cfg.EventsTopic, note)
	if err != nil {
		log.Warn("publish change event", zap.String("change_event_id", res.event.ID), zap.Error(err))
		return
	}
	log.Debug("change event published", zap.String("message_id", id))
}

// fail hands a failed attempt to the lease manager.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job monitor.Job, cause error) monitor.JobOutcome {
	res, err := w.store.FailJob(ctx, job, cause)
	if errors.Is(err, monitor.ErrLeaseLost) {
		log.Warn("lease lost before failure was recorded", zap.NamedError("cause", cause))
		return monitor.OutcomeLeaseLost
	}
	if err != nil {
		// the lease reclaim sweep retries the job once its lease expires
		log.Error("record job failure", zap.NamedError("cause", cause), zap.Error(err))
		return monitor.OutcomeRetry
	}
	if res.Abandoned {
		log.Error("job abandoned",
			zap.Int("attempts", res.Attempts),
			zap.String("code", string(monitor.CodeOf(cause))),
			zap.String("error", res.StoredError),
		)
		return monitor.OutcomeAbandoned
	}
	log.Warn("check failed; retry scheduled",
		zap.Int("attempts", res.Attempts),
		zap.Duration("retry_after", res.RetryAfter),
		zap.String("code", string(monitor.CodeOf(cause))),
		zap.String("error", res.StoredError),
	)
	return monitor.OutcomeRetry
}
