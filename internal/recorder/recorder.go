// Package recorder persists a detected change: the change event, its history row, the
// monitor's last_change_at and, when the plan allows, the structured primary block.
package recorder

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	// PrimaryBlockKey names the single block derived per change event.
	PrimaryBlockKey = "primary"

	blockExcerptChars = 600
	blockTitleChars   = 120
)

// Change describes two consecutive snapshots with differing hashes.
type Change struct {
	Target   monitor.Target
	Previous monitor.Snapshot
	Next     monitor.Snapshot
	At       time.Time
}

// Recorder writes change artifacts through a ChangeWriter.
type Recorder struct {
	engine *diff.Engine
}

// New builds a Recorder around a diff engine.
func New(engine *diff.Engine) *Recorder {
	return &Recorder{engine: engine}
}

// Record diffs the snapshots and writes every artifact through w. It must run inside the
// job transaction so a failure anywhere rolls all of it back.
func (r *Recorder) Record(ctx context.Context, w monitor.ChangeWriter, c Change) (monitor.ChangeEvent, error) {
	if c.Previous.Hash == c.Next.Hash {
		return monitor.ChangeEvent{}, fmt.Errorf("record change for monitor %s: hashes are equal", c.Target.ID)
	}

	res := r.engine.Compare(diff.Input{
		BeforeText:  c.Previous.Text,
		AfterText:   c.Next.Text,
		BeforeHash:  c.Previous.Hash,
		AfterHash:   c.Next.Hash,
		Sensitivity: c.Target.Sensitivity,
	})

	event := monitor.ChangeEvent{
		MonitorID:      c.Target.ID,
		PrevSnapshotID: c.Previous.ID,
		NextSnapshotID: c.Next.ID,
		Severity:       res.Severity,
		Summary:        res.Summary,
		Diff:           res.Payload,
		CreatedAt:      c.At,
	}
	id, err := w.InsertChangeEvent(ctx, event)
	if err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("insert change event: %w", err)
	}
	event.ID = id

	if err := w.InsertChangeHistory(ctx, monitor.ChangeHistory{
		MonitorID:  c.Target.ID,
		OrgID:      c.Target.OrgID,
		NewCheckID: c.Next.CheckID,
		OldCheckID: c.Previous.CheckID,
		CreatedAt:  c.At,
		Summary:    res.Summary,
		Severity:   res.Severity,
	}); err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("insert change history: %w", err)
	}

	if err := w.MarkChanged(ctx, c.Target.ID, c.At); err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("update last_change_at: %w", err)
	}

	if !c.Target.Entitlements.StructuredBlocks() {
		return event, nil
	}
	block, ok := PrimaryBlock(event)
	if !ok {
		return event, nil
	}
	if err := w.InsertChangeBlock(ctx, block); err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("insert change block: %w", err)
	}
	return event, nil
}

// PrimaryBlock derives the structured block for segment diffs. Other payloads have none.
func PrimaryBlock(event monitor.ChangeEvent) (monitor.ChangeBlock, bool) {
	switch p := event.Diff.(type) {
	case monitor.TextSegmentsDiff:
		excerpt := p.AfterExcerpt
		if excerpt == "" {
			excerpt = p.BeforeExcerpt
		}
		if excerpt == "" {
			excerpt = event.Summary
		}
		delta := p.WordDelta
		return monitor.ChangeBlock{
			ChangeEventID: event.ID,
			Key:           PrimaryBlockKey,
			Action:        blockAction(p),
			Title:         blockTitle(event.Summary, excerpt),
			Excerpt:       diff.Truncate(excerpt, blockExcerptChars),
			Metadata: monitor.BlockMetadata{
				TruncatedPrefix: p.TruncatedPrefix,
				TruncatedSuffix: p.TruncatedSuffix,
				WordDelta:       &delta,
			},
		}, true
	case monitor.HashOnlyDiff, monitor.TextExcerptDiff:
		return monitor.ChangeBlock{}, false
	default:
		return monitor.ChangeBlock{}, false
	}
}

func blockAction(p monitor.TextSegmentsDiff) monitor.BlockAction {
	hasBefore := hasChange(p.BeforeSegments)
	hasAfter := hasChange(p.AfterSegments)
	switch {
	case hasAfter && !hasBefore:
		return monitor.BlockAdded
	case hasBefore && !hasAfter:
		return monitor.BlockRemoved
	case p.WordDelta > 0:
		return monitor.BlockAdded
	case p.WordDelta < 0:
		return monitor.BlockRemoved
	default:
		return monitor.BlockModified
	}
}

func hasChange(segs []monitor.Segment) bool {
	for _, s := range segs {
		if s.Kind != monitor.SegmentContext {
			return true
		}
	}
	return false
}

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

func blockTitle(summary, excerpt string) string {
	if summary != "" && summary != diff.SummaryUnchanged {
		return diff.Truncate(summary, blockTitleChars)
	}
	if excerpt == "" {
		return diff.SummaryUnchanged
	}
	first := excerpt
	if loc := sentenceEnd.FindStringIndex(excerpt); loc != nil {
		// keep the punctuation, drop the whitespace after it
		first = excerpt[:loc[0]+1]
	}
	return diff.Truncate(first, blockTitleChars)
}
