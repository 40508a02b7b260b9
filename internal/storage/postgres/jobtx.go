package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	lockMonitorSQL = `SELECT id FROM monitors WHERE id = $1 FOR UPDATE`

	latestSnapshotSQL = `
SELECT id, check_id, content_hash, text_normalized, created_at
FROM monitor_snapshots
WHERE monitor_id = $1
ORDER BY created_at DESC
LIMIT 1`

	insertCheckSQL = `
INSERT INTO checks (
	monitor_id,
	org_id,
	started_at,
	finished_at,
	status,
	http_status,
	content_hash,
	extracted_text_bytes,
	html_bytes,
	final_url,
	error_message
) VALUES ($1, $2, $3, $4, 'ok', $5, $6, $7, $8, $9, NULL)
RETURNING id`

	insertSnapshotSQL = `
INSERT INTO monitor_snapshots (
	monitor_id,
	check_id,
	tier,
	content_hash,
	html_path,
	text_normalized,
	expires_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

	markCheckSuccessSQL = `
UPDATE monitors
SET last_checked_at = $2,
    last_success_at = $2,
    last_status = 'ok',
    last_error = NULL,
    last_check_id = $3,
    next_check_at = $4
WHERE id = $1`

	insertChangeEventSQL = `
INSERT INTO change_events (
	monitor_id,
	prev_snapshot_id,
	next_snapshot_id,
	change_type,
	severity,
	summary,
	diff_blob
) VALUES ($1, $2, $3, 'content', $4, $5, $6)
RETURNING id`

	insertChangeHistorySQL = `
INSERT INTO changes (
	monitor_id,
	org_id,
	check_id_new,
	check_id_old,
	created_at,
	summary,
	severity
) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	markChangedSQL = `UPDATE monitors SET last_change_at = $2 WHERE id = $1`

	insertChangeBlockSQL = `
INSERT INTO change_blocks (
	change_event_id,
	block_key,
	action,
	title,
	text_excerpt,
	metadata
) VALUES ($1, $2, $3, $4, $5, $6)`
)

// jobTx implements monitor.JobTx on one pgx transaction.
type jobTx struct {
	tx pgx.Tx
}

var _ monitor.JobTx = (*jobTx)(nil)

func (j *jobTx) LockMonitor(ctx context.Context, monitorID string) error {
	var id string
	err := j.tx.QueryRow(ctx, lockMonitorSQL, monitorID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock monitor: %w", err)
	}
	return nil
}

func (j *jobTx) LatestSnapshot(ctx context.Context, monitorID string) (*monitor.Snapshot, error) {
	var (
		snap    monitor.Snapshot
		checkID pgtype.Text
		text    pgtype.Text
	)
	err := j.tx.QueryRow(ctx, latestSnapshotSQL, monitorID).
		Scan(&snap.ID, &checkID, &snap.Hash, &text, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	snap.MonitorID = monitorID
	snap.CheckID = checkID.String
	if text.Valid {
		snap.Text = &text.String
	}
	return &snap, nil
}

func (j *jobTx) InsertCheck(ctx context.Context, c monitor.CheckRecord) (string, error) {
	var id string
	err := j.tx.QueryRow(ctx, insertCheckSQL,
		c.MonitorID,
		c.OrgID,
		c.StartedAt,
		c.FinishedAt,
		c.HTTPStatus,
		c.Hash,
		c.TextBytes,
		c.HTMLBytes,
		c.FinalURL,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert check: %w", err)
	}
	return id, nil
}

func (j *jobTx) InsertSnapshot(ctx context.Context, s monitor.Snapshot) (string, error) {
	var id string
	err := j.tx.QueryRow(ctx, insertSnapshotSQL,
		s.MonitorID,
		s.CheckID,
		s.Tier,
		s.Hash,
		s.HTMLPath,
		s.Text,
		s.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

func (j *jobTx) MarkCheckSuccess(ctx context.Context, s monitor.CheckSuccess) error {
	if _, err := j.tx.Exec(ctx, markCheckSuccessSQL, s.MonitorID, s.CheckedAt, s.CheckID, s.NextCheckAt); err != nil {
		return fmt.Errorf("update monitor after check: %w", err)
	}
	return nil
}

func (j *jobTx) InsertChangeEvent(ctx context.Context, e monitor.ChangeEvent) (string, error) {
	blob, err := monitor.MarshalDiff(e.Diff)
	if err != nil {
		return "", err
	}
	var id string
	err = j.tx.QueryRow(ctx, insertChangeEventSQL,
		e.MonitorID,
		e.PrevSnapshotID,
		e.NextSnapshotID,
		string(e.Severity),
		e.Summary,
		blob,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert change event: %w", err)
	}
	return id, nil
}

func (j *jobTx) InsertChangeHistory(ctx context.Context, h monitor.ChangeHistory) error {
	_, err := j.tx.Exec(ctx, insertChangeHistorySQL,
		h.MonitorID,
		h.OrgID,
		h.NewCheckID,
		nullable(h.OldCheckID),
		h.CreatedAt,
		h.Summary,
		string(h.Severity),
	)
	if err != nil {
		return fmt.Errorf("insert change history: %w", err)
	}
	return nil
}

func (j *jobTx) MarkChanged(ctx context.Context, monitorID string, at time.Time) error {
	if _, err := j.tx.Exec(ctx, markChangedSQL, monitorID, at); err != nil {
		return fmt.Errorf("update last_change_at: %w", err)
	}
	return nil
}

func (j *jobTx) InsertChangeBlock(ctx context.Context, b monitor.ChangeBlock) error {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshal block metadata: %w", err)
	}
	_, err = j.tx.Exec(ctx, insertChangeBlockSQL,
		b.ChangeEventID,
		b.Key,
		string(b.Action),
		b.Title,
		nullable(b.Excerpt),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert change block: %w", err)
	}
	return nil
}
