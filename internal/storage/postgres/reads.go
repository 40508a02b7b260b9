package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	listChangeEventsSQL = `
SELECT id, monitor_id, prev_snapshot_id, next_snapshot_id, severity, summary, diff_blob, created_at
FROM change_events
WHERE monitor_id = $1
ORDER BY created_at DESC
LIMIT $2`

	listAbandonedSQL = `
SELECT id, monitor_id, org_id, scheduled_for, attempts, error_message
FROM pending_checks
WHERE locked_at IS NULL
  AND attempts >= $1
ORDER BY scheduled_for ASC
LIMIT $2`
)

// ListChangeEvents returns the newest change events of a monitor with decoded payloads.
func (s *Store) ListChangeEvents(ctx context.Context, monitorID string, limit int) ([]monitor.ChangeEvent, error) {
	rows, err := s.db.Query(ctx, listChangeEventsSQL, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	events := []monitor.ChangeEvent{}
	for rows.Next() {
		var (
			e        monitor.ChangeEvent
			severity string
			blob     []byte
		)
		if err := rows.Scan(&e.ID, &e.MonitorID, &e.PrevSnapshotID, &e.NextSnapshotID,
			&severity, &e.Summary, &blob, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		e.Severity = monitor.Severity(severity)
		if e.Diff, err = monitor.UnmarshalDiff(blob); err != nil {
			return nil, fmt.Errorf("change event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return events, nil
}

// ListAbandoned returns unlocked jobs that exhausted their attempts.
func (s *Store) ListAbandoned(ctx context.Context, limit int) ([]monitor.AbandonedJob, error) {
	rows, err := s.db.Query(ctx, listAbandonedSQL, s.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned jobs: %w", err)
	}
	defer rows.Close()

	jobs := []monitor.AbandonedJob{}
	for rows.Next() {
		var (
			j      monitor.AbandonedJob
			errMsg pgtype.Text
		)
		if err := rows.Scan(&j.ID, &j.MonitorID, &j.OrgID, &j.ScheduledFor, &j.Attempts, &errMsg); err != nil {
			return nil, fmt.Errorf("scan abandoned job: %w", err)
		}
		j.ErrorMessage = errMsg.String
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate abandoned jobs: %w", err)
	}
	return jobs, nil
}
