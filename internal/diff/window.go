package diff

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// window is an inclusive [start, end] range over a run sequence.
type window struct {
	start int
	end   int
}

func (w window) truncatedPrefix() bool { return w.start > 0 }

func (w window) truncatedSuffix(n int) bool { return w.end < n-1 }

// selectWindow starts from the span between the first and last changed runs and grows it
// one neighbour at a time, shorter side first and left on ties, while the growth still fits
// in budget. The changed span itself is never cut.
func selectWindow(runs []run, budget int) window {
	first, last := -1, -1
	for i, r := range runs {
		if r.changed() {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return window{start: 0, end: len(runs) - 1}
	}

	w := window{start: first, end: last}
	length := 0
	for i := w.start; i <= w.end; i++ {
		length += runLen(runs[i])
	}

	for length < budget && (w.start > 0 || w.end < len(runs)-1) {
		prev, next := -1, -1
		if w.start > 0 {
			prev = runLen(runs[w.start-1])
		}
		if w.end < len(runs)-1 {
			next = runLen(runs[w.end+1])
		}

		takeLeft := prev >= 0 && (next < 0 || prev <= next)
		grow := next
		if takeLeft {
			grow = prev
		}
		if length+grow > budget {
			break
		}
		if takeLeft {
			w.start--
		} else {
			w.end++
		}
		length += grow
	}
	return w
}

// segments splits the windowed runs into the before and after sequences.
func segments(runs []run) (before, after []monitor.Segment) {
	for _, r := range runs {
		switch r.op {
		case opInsert:
			after = append(after, monitor.Segment{Kind: monitor.SegmentAdded, Text: r.text})
		case opDelete:
			before = append(before, monitor.Segment{Kind: monitor.SegmentRemoved, Text: r.text})
		case opEqual:
			seg := monitor.Segment{Kind: monitor.SegmentContext, Text: r.text}
			before = append(before, seg)
			after = append(after, seg)
		}
	}
	return before, after
}

// excerpt joins segment text with single spaces and bounds it to limit characters.
func excerpt(segs []monitor.Segment, limit int) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return Truncate(strings.TrimSpace(strings.Join(parts, " ")), limit)
}

// Truncate bounds s to limit characters, appending "..." when anything was cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// head returns the first limit characters of s without a marker.
func head(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func runLen(r run) int {
	return utf8.RuneCountInString(r.text)
}
