package worker

import (
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// ChangeNotification is the message published after a change event commits.
type ChangeNotification struct {
	ChangeEventID  string    `json:"change_event_id"`
	MonitorID      string    `json:"monitor_id"`
	OrgID          string    `json:"org_id"`
	URL            string    `json:"url"`
	CheckID        string    `json:"check_id"`
	PrevSnapshotID string    `json:"prev_snapshot_id"`
	NextSnapshotID string    `json:"next_snapshot_id"`
	Severity       string    `json:"severity"`
	Summary        string    `json:"summary"`
	DiffType       string    `json:"diff_type"`
	WordDelta      *int      `json:"word_delta,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
}

func newChangeNotification(job monitor.Job, checkID string, event monitor.ChangeEvent) ChangeNotification {
	n := ChangeNotification{
		ChangeEventID:  event.ID,
		MonitorID:      job.MonitorID,
		OrgID:          job.OrgID,
		URL:            job.Target.URL,
		CheckID:        checkID,
		PrevSnapshotID: event.PrevSnapshotID,
		NextSnapshotID: event.NextSnapshotID,
		Severity:       string(event.Severity),
		Summary:        event.Summary,
		DiffType:       string(event.Diff.Kind()),
		DetectedAt:     event.CreatedAt,
	}
	if delta, ok := monitor.WordDeltaOf(event.Diff); ok {
		n.WordDelta = &delta
	}
	return n
}

// Attributes lets subscribers filter by monitor, org and severity.
func (n ChangeNotification) Attributes() map[string]string {
	return map[string]string{
		"monitor_id": n.MonitorID,
		"org_id":     n.OrgID,
		"severity":   n.Severity,
	}
}
