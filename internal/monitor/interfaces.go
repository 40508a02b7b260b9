package monitor

import (
	"context"
	"time"
)

// Fetcher retrieves a page and returns the raw HTML plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher fingerprints normalized text.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lease tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore archives raw HTML and returns its location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes committed change events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobStore is the lease manager seen by the worker.
type JobStore interface {
	// ClaimJobs leases up to limit due jobs.
	ClaimJobs(ctx context.Context, limit int) ([]Job, error)
	// CompleteJob runs fn inside one transaction and deletes the leased row as its final
	// statement. ErrLeaseLost is returned, and everything rolled back, when the lease is gone.
	CompleteJob(ctx context.Context, job Job, fn func(ctx context.Context, tx JobTx) error) error
	// FailJob records a failed attempt and reschedules or abandons the job.
	FailJob(ctx context.Context, job Job, cause error) (FailureResult, error)
	// DropJob deletes a leased row without recording a check.
	DropJob(ctx context.Context, job Job) error
}

// ChangeWriter persists the change artifacts for one detected change.
type ChangeWriter interface {
	InsertChangeEvent(ctx context.Context, event ChangeEvent) (string, error)
	InsertChangeHistory(ctx context.Context, history ChangeHistory) error
	MarkChanged(ctx context.Context, monitorID string, at time.Time) error
	InsertChangeBlock(ctx context.Context, block ChangeBlock) error
}

// JobTx is the set of writes a job performs inside its transaction.
type JobTx interface {
	ChangeWriter
	// LockMonitor takes a row lock on the monitor so checks of one monitor serialize.
	LockMonitor(ctx context.Context, monitorID string) error
	// LatestSnapshot returns the most recent snapshot, or nil when none exists.
	LatestSnapshot(ctx context.Context, monitorID string) (*Snapshot, error)
	InsertCheck(ctx context.Context, check CheckRecord) (string, error)
	InsertSnapshot(ctx context.Context, snapshot Snapshot) (string, error)
	MarkCheckSuccess(ctx context.Context, success CheckSuccess) error
}
