package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how much of a page is watched.
type Mode string

const (
	// ModeWholePage watches the visible text of the document body.
	ModeWholePage Mode = "page"
	// ModeScopedSection watches the first element matching a CSS selector.
	ModeScopedSection Mode = "section"
)

// ParseMode accepts both the stored values and their long spellings.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "page", "whole-page":
		return ModeWholePage, nil
	case "section", "scoped-section":
		return ModeScopedSection, nil
	default:
		return "", fmt.Errorf("unknown monitor mode %q", raw)
	}
}

// Sensitivity is the configured severity-mapping policy of a monitor.
type Sensitivity string

// Supported sensitivities.
const (
	SensitivityStrict  Sensitivity = "strict"
	SensitivityNormal  Sensitivity = "normal"
	SensitivityRelaxed Sensitivity = "relaxed"
)

// Severity ranks a detected change.
type Severity string

// Supported severities.
const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Target is the read-only monitor configuration the worker acts on.
type Target struct {
	ID              string
	OrgID           string
	URL             string
	Mode            Mode
	Selector        string
	IntervalMinutes int
	Sensitivity     Sensitivity
	Enabled         bool
	Entitlements    Entitlements
}

// Job is a claimed pending check together with its monitor.
type Job struct {
	ID           string
	MonitorID    string
	OrgID        string
	ScheduledFor time.Time
	Attempts     int
	LeaseToken   string
	LockedAt     time.Time
	LastError    string
	Target       Target
	// ConfigErr is set when the stored monitor or plan configuration could not be decoded.
	// The worker fails such jobs instead of checking them.
	ConfigErr error
}

// AbandonedJob is a pending check that exhausted its attempts.
type AbandonedJob struct {
	ID           string
	MonitorID    string
	OrgID        string
	ScheduledFor time.Time
	Attempts     int
	ErrorMessage string
}

// FetchRequest describes one page retrieval.
type FetchRequest struct {
	JobID string
	URL   string
}

// FetchResponse is the raw outcome of a successful page retrieval.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Bytes      int
	Duration   time.Duration
}

// Baseline is the result of one fetch-normalize-hash cycle.
type Baseline struct {
	NormalizedText string
	ContentHash    string
	HTTPStatus     int
	FinalURL       string
	HTMLBytes      int
	TextBytes      int
	FetchedAt      time.Time
	RawHTML        []byte
}

// CheckRecord is the append-only row written for a successful check.
type CheckRecord struct {
	MonitorID  string
	OrgID      string
	StartedAt  time.Time
	FinishedAt time.Time
	HTTPStatus int
	Hash       string
	TextBytes  int
	HTMLBytes  int
	FinalURL   string
}

// Snapshot is a stored baseline. Text is nil when the plan does not retain full text.
type Snapshot struct {
	ID        string
	MonitorID string
	CheckID   string
	Tier      *string
	Hash      string
	Text      *string
	HTMLPath  *string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// ChangeEvent links two snapshots whose hashes differ.
type ChangeEvent struct {
	ID             string
	MonitorID      string
	PrevSnapshotID string
	NextSnapshotID string
	Severity       Severity
	Summary        string
	Diff           DiffPayload
	CreatedAt      time.Time
}

// ChangeHistory is the lightweight listing row recorded next to a ChangeEvent.
type ChangeHistory struct {
	MonitorID  string
	OrgID      string
	NewCheckID string
	OldCheckID string
	CreatedAt  time.Time
	Summary    string
	Severity   Severity
}

// BlockAction classifies a ChangeBlock.
type BlockAction string

// Supported block actions.
const (
	BlockAdded    BlockAction = "added"
	BlockRemoved  BlockAction = "removed"
	BlockModified BlockAction = "modified"
)

// BlockMetadata travels with a ChangeBlock as JSON.
type BlockMetadata struct {
	TruncatedPrefix bool `json:"truncated_prefix"`
	TruncatedSuffix bool `json:"truncated_suffix"`
	WordDelta       *int `json:"word_delta"`
}

// ChangeBlock is the structured single-block view of a ChangeEvent.
type ChangeBlock struct {
	ChangeEventID string
	Key           string
	Action        BlockAction
	Title         string
	Excerpt       string
	Metadata      BlockMetadata
}

// CheckSuccess is the monitor bookkeeping written after a successful check.
type CheckSuccess struct {
	MonitorID   string
	CheckedAt   time.Time
	CheckID     string
	NextCheckAt time.Time
}

// JobOutcome labels how a job attempt ended.
type JobOutcome string

// Job outcomes.
const (
	OutcomeUnchanged JobOutcome = "unchanged"
	OutcomeBaseline  JobOutcome = "baseline"
	OutcomeChanged   JobOutcome = "changed"
	OutcomeSkipped   JobOutcome = "skipped"
	OutcomeRetry     JobOutcome = "retry"
	OutcomeAbandoned JobOutcome = "abandoned"
	OutcomeLeaseLost JobOutcome = "lease_lost"
)

// FailureResult reports what the lease manager did with a failed job.
type FailureResult struct {
	Attempts    int
	Abandoned   bool
	RetryAfter  time.Duration
	StoredError string
}
