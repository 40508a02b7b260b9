package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestEnqueueNow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT org_id FROM monitors").WithArgs("mon-1").
		WillReturnRows(pgxmock.NewRows([]string{"org_id"}).AddRow("org-1"))
	mock.ExpectQuery("INSERT INTO pending_checks").WithArgs("mon-1", "org-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-9"))

	id, err := store.EnqueueNow(context.Background(), "mon-1")
	require.NoError(t, err)
	require.Equal(t, "job-9", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNowUnknownMonitor(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT org_id FROM monitors").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"org_id"}))

	_, err := store.EnqueueNow(context.Background(), "nope")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNowLeasedJobUntouched(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT org_id FROM monitors").WithArgs("mon-1").
		WillReturnRows(pgxmock.NewRows([]string{"org_id"}).AddRow("org-1"))
	mock.ExpectQuery("INSERT INTO pending_checks").WithArgs("mon-1", "org-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.EnqueueNow(context.Background(), "mon-1")
	require.ErrorIs(t, err, monitor.ErrJobLeased)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceStatements(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO pending_checks").WillReturnResult(pgxmock.NewResult("INSERT", 4))
	mock.ExpectExec("SET text_normalized = NULL").WillReturnResult(pgxmock.NewResult("UPDATE", 7))
	mock.ExpectExec("SET text_normalized = NULL").WillReturnError(errors.New("timeout"))

	n, err := store.EnqueueDue(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	n, err = store.PurgeExpiredText(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, n)

	_, err = store.PurgeExpiredText(context.Background())
	require.ErrorContains(t, err, "purge expired snapshot text")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChangeEvents(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	diff := monitor.TextExcerptDiff{BeforeHash: "h1", AfterHash: "h2", WordDelta: 1, BeforeExcerpt: "a", AfterExcerpt: "a b"}
	blob, err := monitor.MarshalDiff(diff)
	require.NoError(t, err)

	cols := []string{"id", "monitor_id", "prev_snapshot_id", "next_snapshot_id", "severity", "summary", "diff_blob", "created_at"}
	mock.ExpectQuery("FROM change_events").WithArgs("mon-1", 20).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("evt-1", "mon-1", "snap-1", "snap-2", "high", "1 word added", blob, created))
	mock.ExpectQuery("FROM change_events").WithArgs("mon-2", 20).
		WillReturnRows(pgxmock.NewRows(cols))
	mock.ExpectQuery("FROM change_events").WithArgs("mon-3", 20).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("evt-3", "mon-3", "snap-1", "snap-2", "high", "x", []byte(`{"type":"visual"}`), created))

	events, err := store.ListChangeEvents(context.Background(), "mon-1", 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, monitor.SeverityHigh, events[0].Severity)
	require.Equal(t, diff, events[0].Diff)
	require.Equal(t, created, events[0].CreatedAt)

	events, err = store.ListChangeEvents(context.Background(), "mon-2", 20)
	require.NoError(t, err)
	require.NotNil(t, events)
	require.Empty(t, events)

	_, err = store.ListChangeEvents(context.Background(), "mon-3", 20)
	require.ErrorContains(t, err, "evt-3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAbandoned(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM pending_checks").WithArgs(5, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "monitor_id", "org_id", "scheduled_for", "attempts", "error_message"}).
			AddRow("job-1", "mon-1", "org-1", due, 5, "INVALID_STATUS"))

	jobs, err := store.ListAbandoned(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, []monitor.AbandonedJob{{
		ID:           "job-1",
		MonitorID:    "mon-1",
		OrgID:        "org-1",
		ScheduledFor: due,
		Attempts:     5,
		ErrorMessage: "INVALID_STATUS",
	}}, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}
