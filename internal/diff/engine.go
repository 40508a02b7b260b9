// Package diff compares two normalized texts and produces the bounded, reviewable
// artifacts stored on a change event.
package diff

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Default limits, in characters.
const (
	DefaultWindowChars          = 480
	DefaultExcerptChars         = 600
	DefaultFallbackExcerptChars = 400
)

// SummaryUnchanged is used when the word count did not move or is unknown.
const SummaryUnchanged = "Content updated"

// Options bounds the generated artifacts.
type Options struct {
	WindowChars          int
	ExcerptChars         int
	FallbackExcerptChars int
}

// Engine derives diff payloads.
type Engine struct {
	opts Options
}

// New builds an Engine, filling zero options with defaults.
func New(opts Options) *Engine {
	if opts.WindowChars <= 0 {
		opts.WindowChars = DefaultWindowChars
	}
	if opts.ExcerptChars <= 0 {
		opts.ExcerptChars = DefaultExcerptChars
	}
	if opts.FallbackExcerptChars <= 0 {
		opts.FallbackExcerptChars = DefaultFallbackExcerptChars
	}
	return &Engine{opts: opts}
}

// Input is one pair of consecutive snapshots. A nil text means it was not retained.
type Input struct {
	BeforeText  *string
	AfterText   *string
	BeforeHash  string
	AfterHash   string
	Sensitivity monitor.Sensitivity
}

// Result is what the recorder persists.
type Result struct {
	Payload  monitor.DiffPayload
	Summary  string
	Severity monitor.Severity
}

// Compare builds the payload, summary and severity for a hash change.
func (e *Engine) Compare(in Input) Result {
	res := Result{Severity: SeverityFor(in.Sensitivity), Summary: SummaryUnchanged}
	if in.BeforeText == nil || in.AfterText == nil {
		res.Payload = monitor.HashOnlyDiff{BeforeHash: in.BeforeHash, AfterHash: in.AfterHash}
		return res
	}

	before, after := *in.BeforeText, *in.AfterText
	delta := WordDelta(before, after)
	res.Summary = Summarize(delta)

	if p, ok := e.segmentDiff(before, after, delta); ok {
		p.BeforeHash, p.AfterHash = in.BeforeHash, in.AfterHash
		res.Payload = p
		return res
	}
	res.Payload = monitor.TextExcerptDiff{
		BeforeHash:    in.BeforeHash,
		AfterHash:     in.AfterHash,
		WordDelta:     delta,
		BeforeExcerpt: head(before, e.opts.FallbackExcerptChars),
		AfterExcerpt:  head(after, e.opts.FallbackExcerptChars),
	}
	return res
}

func (e *Engine) segmentDiff(before, after string, delta int) (monitor.TextSegmentsDiff, bool) {
	runs, ok := wordRuns(before, after)
	if !ok || len(runs) == 0 {
		return monitor.TextSegmentsDiff{}, false
	}
	changed := false
	for _, r := range runs {
		if r.changed() {
			changed = true
			break
		}
	}
	if !changed {
		return monitor.TextSegmentsDiff{}, false
	}

	w := selectWindow(runs, e.opts.WindowChars)
	beforeSegs, afterSegs := segments(runs[w.start : w.end+1])
	return monitor.TextSegmentsDiff{
		WordDelta:       delta,
		BeforeSegments:  beforeSegs,
		AfterSegments:   afterSegs,
		BeforeExcerpt:   excerpt(beforeSegs, e.opts.ExcerptChars),
		AfterExcerpt:    excerpt(afterSegs, e.opts.ExcerptChars),
		TruncatedPrefix: w.truncatedPrefix(),
		TruncatedSuffix: w.truncatedSuffix(len(runs)),
	}, true
}

// WordDelta is the after word count minus the before word count.
func WordDelta(before, after string) int {
	return len(strings.Fields(after)) - len(strings.Fields(before))
}

// Summarize renders the word delta as a short human summary.
func Summarize(delta int) string {
	switch {
	case delta == 0:
		return SummaryUnchanged
	case delta == 1:
		return "1 word added"
	case delta > 1:
		return fmt.Sprintf("%d words added", delta)
	case delta == -1:
		return "1 word removed"
	default:
		return fmt.Sprintf("%d words removed", -delta)
	}
}

// SeverityFor maps a monitor's sensitivity to the severity of its changes.
func SeverityFor(s monitor.Sensitivity) monitor.Severity {
	switch s {
	case monitor.SensitivityStrict:
		return monitor.SeverityHigh
	case monitor.SensitivityRelaxed:
		return monitor.SeverityLow
	default:
		return monitor.SeverityMedium
	}
}
