package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	monitorOrgSQL = `SELECT org_id FROM monitors WHERE id = $1`

	// a leased row is never reset; the WHERE on the conflict branch leaves it untouched
	enqueueNowSQL = `
INSERT INTO pending_checks (monitor_id, org_id, scheduled_for, attempts)
VALUES ($1, $2, NOW(), 0)
ON CONFLICT (monitor_id) DO UPDATE
SET scheduled_for = EXCLUDED.scheduled_for,
    attempts = 0,
    error_message = NULL
WHERE pending_checks.locked_at IS NULL
RETURNING id`

	enqueueDueSQL = `
INSERT INTO pending_checks (monitor_id, org_id, scheduled_for)
SELECT m.id, m.org_id, COALESCE(m.next_check_at, NOW())
FROM monitors m
WHERE m.enabled
  AND (m.next_check_at IS NULL OR m.next_check_at <= NOW())
ON CONFLICT (monitor_id) DO NOTHING`

	purgeExpiredTextSQL = `
UPDATE monitor_snapshots s
SET text_normalized = NULL
WHERE s.text_normalized IS NOT NULL
  AND s.expires_at IS NOT NULL
  AND s.expires_at < NOW()
  AND s.id <> (
	SELECT l.id
	FROM monitor_snapshots l
	WHERE l.monitor_id = s.monitor_id
	ORDER BY l.created_at DESC
	LIMIT 1
  )`
)

// EnqueueNow upserts a due job for the monitor and resets its attempts and error. It
// returns ErrNotFound for an unknown monitor and ErrJobLeased while a worker holds the job.
func (s *Store) EnqueueNow(ctx context.Context, monitorID string) (string, error) {
	var orgID string
	err := s.db.QueryRow(ctx, monitorOrgSQL, monitorID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", monitor.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load monitor: %w", err)
	}

	var jobID string
	err = s.db.QueryRow(ctx, enqueueNowSQL, monitorID, orgID).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", monitor.ErrJobLeased
	}
	if err != nil {
		return "", fmt.Errorf("enqueue pending check: %w", err)
	}
	return jobID, nil
}

// EnqueueDue creates jobs for enabled monitors whose next check is due. Monitors that
// already have a job keep it.
func (s *Store) EnqueueDue(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, enqueueDueSQL)
	if err != nil {
		return 0, fmt.Errorf("enqueue due monitors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpiredText drops the normalized text of snapshots past their retention. The
// latest snapshot of each monitor keeps its text because it is the next comparison baseline.
func (s *Store) PurgeExpiredText(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeExpiredTextSQL)
	if err != nil {
		return 0, fmt.Errorf("purge expired snapshot text: %w", err)
	}
	return tag.RowsAffected(), nil
}
