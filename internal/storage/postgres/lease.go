package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const claimJobsSQL = `
WITH candidates AS (
	SELECT pc.id
	FROM pending_checks pc
	WHERE pc.locked_at IS NULL
	  AND pc.scheduled_for <= NOW()
	  AND pc.attempts < $2
	ORDER BY pc.scheduled_for ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
), claimed AS (
	UPDATE pending_checks pc
	SET locked_at = NOW(),
	    lock_id = $3
	WHERE pc.id IN (SELECT id FROM candidates)
	RETURNING pc.id, pc.monitor_id, pc.org_id, pc.scheduled_for, pc.attempts, pc.locked_at, pc.error_message
)
SELECT c.id, c.monitor_id, c.org_id, c.scheduled_for, c.attempts, c.locked_at, c.error_message,
       m.url, m.type, m.selector_css, m.interval_minutes, m.sensitivity, m.enabled, o.plan_features
FROM claimed c
JOIN monitors m ON m.id = c.monitor_id
JOIN orgs o ON o.id = c.org_id
ORDER BY c.scheduled_for ASC`

// retrySchedule keeps abandoned rows where they are and pushes the others out by the
// linear backoff. Every expression sees the pre-update attempts value.
const retrySchedule = `CASE
		WHEN attempts + 1 >= $%[1]d THEN scheduled_for
		ELSE NOW() + make_interval(mins => LEAST(60, (attempts + 1) * 5))
	END`

var failJobSQL = fmt.Sprintf(`
UPDATE pending_checks
SET attempts = attempts + 1,
    error_message = $3,
    locked_at = NULL,
    lock_id = NULL,
    scheduled_for = %s
WHERE id = $1 AND lock_id = $2
RETURNING attempts`, fmt.Sprintf(retrySchedule, 4))

const markMonitorFailedSQL = `
UPDATE monitors
SET last_status = 'error',
    last_error = $2,
    last_checked_at = NOW()
WHERE id = $1`

const deleteLeasedJobSQL = `DELETE FROM pending_checks WHERE id = $1 AND lock_id = $2`

var reclaimLeasesSQL = fmt.Sprintf(`
UPDATE pending_checks
SET attempts = attempts + 1,
    error_message = $2,
    locked_at = NULL,
    lock_id = NULL,
    scheduled_for = %s
WHERE locked_at IS NOT NULL
  AND locked_at < NOW() - make_interval(secs => $1)`, fmt.Sprintf(retrySchedule, 3))

// ReclaimedLeaseError is stored on jobs whose lease expired before completion.
const ReclaimedLeaseError = "lease expired before completion"

// ClaimJobs leases up to limit due, unlocked jobs that still have attempts left. All jobs in
// one claim share a freshly generated lease token.
func (s *Store) ClaimJobs(ctx context.Context, limit int) ([]monitor.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	token, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate lease token: %w", err)
	}

	var jobs []monitor.Job
	err = s.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimJobsSQL, limit, s.maxAttempts, token)
		if err != nil {
			return fmt.Errorf("claim pending checks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanClaimedJob(rows)
			if err != nil {
				return err
			}
			job.LeaseToken = token
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claimed checks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanClaimedJob(rows pgx.Rows) (monitor.Job, error) {
	var (
		job          monitor.Job
		lastError    pgtype.Text
		mode         string
		selector     pgtype.Text
		interval     int
		sensitivity  string
		planFeatures []byte
	)
	if err := rows.Scan(
		&job.ID,
		&job.MonitorID,
		&job.OrgID,
		&job.ScheduledFor,
		&job.Attempts,
		&job.LockedAt,
		&lastError,
		&job.Target.URL,
		&mode,
		&selector,
		&interval,
		&sensitivity,
		&job.Target.Enabled,
		&planFeatures,
	); err != nil {
		return monitor.Job{}, fmt.Errorf("scan claimed check: %w", err)
	}
	job.LastError = lastError.String

	// a bad row must not poison the whole claim, so decode errors travel with the job
	parsedMode, err := monitor.ParseMode(mode)
	if err != nil {
		job.ConfigErr = fmt.Errorf("monitor %s: %w", job.MonitorID, err)
	}
	entitlements, err := monitor.ParseEntitlements(planFeatures)
	if err != nil && job.ConfigErr == nil {
		job.ConfigErr = fmt.Errorf("org %s: %w", job.OrgID, err)
	}

	job.Target.ID = job.MonitorID
	job.Target.OrgID = job.OrgID
	job.Target.Mode = parsedMode
	job.Target.Selector = selector.String
	job.Target.IntervalMinutes = interval
	job.Target.Sensitivity = monitor.Sensitivity(sensitivity)
	job.Target.Entitlements = entitlements
	return job, nil
}

// FailJob records a failed attempt. Below the attempt budget the job is unlocked and
// rescheduled after min(60, attempts*5) minutes; at the budget it is unlocked and left
// abandoned with its error. The monitor's status is updated in the same transaction.
func (s *Store) FailJob(ctx context.Context, job monitor.Job, cause error) (monitor.FailureResult, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	stored := TruncateError(msg)

	var attempts int
	err := s.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, failJobSQL, job.ID, job.LeaseToken, stored, s.maxAttempts).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("reschedule pending check: %w", err)
		}
		if _, err := tx.Exec(ctx, markMonitorFailedSQL, job.MonitorID, stored); err != nil {
			return fmt.Errorf("mark monitor failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return monitor.FailureResult{}, err
	}

	res := monitor.FailureResult{Attempts: attempts, StoredError: stored}
	if attempts >= s.maxAttempts {
		res.Abandoned = true
	} else {
		res.RetryAfter = time.Duration(BackoffMinutes(attempts)) * time.Minute
	}
	return res, nil
}

// DropJob deletes a leased job without recording a check.
func (s *Store) DropJob(ctx context.Context, job monitor.Job) error {
	tag, err := s.db.Exec(ctx, deleteLeasedJobSQL, job.ID, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("delete pending check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrLeaseLost
	}
	return nil
}

// CompleteJob runs fn inside one read-committed transaction and deletes the leased row as
// the last statement. When the row no longer carries the lease token everything is rolled
// back and ErrLeaseLost is returned.
func (s *Store) CompleteJob(
	ctx context.Context,
	job monitor.Job,
	fn func(ctx context.Context, tx monitor.JobTx) error,
) error {
	return s.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		if err := fn(ctx, &jobTx{tx: tx}); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, deleteLeasedJobSQL, job.ID, job.LeaseToken)
		if err != nil {
			return fmt.Errorf("delete pending check: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return monitor.ErrLeaseLost
		}
		return nil
	})
}

// ReclaimExpiredLeases unlocks jobs whose lease is older than the lease timeout and
// counts the lost lease as a failed attempt.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, reclaimLeasesSQL, s.leaseTimeout.Seconds(), ReclaimedLeaseError, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}
