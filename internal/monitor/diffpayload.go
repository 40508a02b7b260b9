package monitor

import (
	"encoding/json"
	"fmt"
)

// DiffKind is the discriminator stored in the diff payload's "type" field.
type DiffKind string

// Diff payload kinds.
const (
	DiffHashOnly     DiffKind = "hash_only"
	DiffTextExcerpt  DiffKind = "text_excerpt"
	DiffTextSegments DiffKind = "text_segments"
)

// DiffPayload is the tagged variant persisted on a ChangeEvent.
// Implementations: HashOnlyDiff, TextExcerptDiff, TextSegmentsDiff.
type DiffPayload interface {
	Kind() DiffKind
	Hashes() (before, after string)
	diffPayload()
}

// SegmentKind labels one windowed diff run.
type SegmentKind string

// Segment kinds.
const (
	SegmentContext SegmentKind = "context"
	SegmentAdded   SegmentKind = "added"
	SegmentRemoved SegmentKind = "removed"
)

// Segment is one run of words in a before/after sequence.
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
}

// HashOnlyDiff is emitted when either side's text is unavailable.
type HashOnlyDiff struct {
	BeforeHash string
	AfterHash  string
}

// TextExcerptDiff carries raw head-truncated excerpts.
type TextExcerptDiff struct {
	BeforeHash    string
	AfterHash     string
	WordDelta     int
	BeforeExcerpt string
	AfterExcerpt  string
}

// TextSegmentsDiff carries the windowed word diff.
type TextSegmentsDiff struct {
	BeforeHash      string
	AfterHash       string
	WordDelta       int
	BeforeSegments  []Segment
	AfterSegments   []Segment
	BeforeExcerpt   string
	AfterExcerpt    string
	TruncatedPrefix bool
	TruncatedSuffix bool
}

// Kind implements DiffPayload.
func (HashOnlyDiff) Kind() DiffKind { return DiffHashOnly }

// Kind implements DiffPayload.
func (TextExcerptDiff) Kind() DiffKind { return DiffTextExcerpt }

// Kind implements DiffPayload.
func (TextSegmentsDiff) Kind() DiffKind { return DiffTextSegments }

// Hashes implements DiffPayload.
func (d HashOnlyDiff) Hashes() (string, string) { return d.BeforeHash, d.AfterHash }

// Hashes implements DiffPayload.
func (d TextExcerptDiff) Hashes() (string, string) { return d.BeforeHash, d.AfterHash }

// Hashes implements DiffPayload.
func (d TextSegmentsDiff) Hashes() (string, string) { return d.BeforeHash, d.AfterHash }

func (HashOnlyDiff) diffPayload()     {}
func (TextExcerptDiff) diffPayload()  {}
func (TextSegmentsDiff) diffPayload() {}

// WordDeltaOf returns the word delta when the payload carries one.
func WordDeltaOf(p DiffPayload) (int, bool) {
	switch d := p.(type) {
	case HashOnlyDiff:
		return 0, false
	case TextExcerptDiff:
		return d.WordDelta, true
	case TextSegmentsDiff:
		return d.WordDelta, true
	default:
		return 0, false
	}
}

// diffWire is the JSON document stored in change_events.diff_blob.
type diffWire struct {
	Type            DiffKind  `json:"type"`
	BeforeHash      string    `json:"before_hash"`
	AfterHash       string    `json:"after_hash"`
	WordDelta       *int      `json:"word_delta,omitempty"`
	BeforeExcerpt   *string   `json:"before_excerpt,omitempty"`
	AfterExcerpt    *string   `json:"after_excerpt,omitempty"`
	BeforeSegments  []Segment `json:"before_segments,omitempty"`
	AfterSegments   []Segment `json:"after_segments,omitempty"`
	TruncatedPrefix *bool     `json:"truncated_prefix,omitempty"`
	TruncatedSuffix *bool     `json:"truncated_suffix,omitempty"`
}

// MarshalDiff encodes a payload for storage.
func MarshalDiff(p DiffPayload) ([]byte, error) {
	var w diffWire
	switch d := p.(type) {
	case HashOnlyDiff:
		w = diffWire{Type: DiffHashOnly, BeforeHash: d.BeforeHash, AfterHash: d.AfterHash}
	case TextExcerptDiff:
		w = diffWire{
			Type:          DiffTextExcerpt,
			BeforeHash:    d.BeforeHash,
			AfterHash:     d.AfterHash,
			WordDelta:     &d.WordDelta,
			BeforeExcerpt: &d.BeforeExcerpt,
			AfterExcerpt:  &d.AfterExcerpt,
		}
	case TextSegmentsDiff:
		w = diffWire{
			Type:            DiffTextSegments,
			BeforeHash:      d.BeforeHash,
			AfterHash:       d.AfterHash,
			WordDelta:       &d.WordDelta,
			BeforeExcerpt:   optionalString(d.BeforeExcerpt),
			AfterExcerpt:    optionalString(d.AfterExcerpt),
			BeforeSegments:  d.BeforeSegments,
			AfterSegments:   d.AfterSegments,
			TruncatedPrefix: &d.TruncatedPrefix,
			TruncatedSuffix: &d.TruncatedSuffix,
		}
	default:
		return nil, fmt.Errorf("unsupported diff payload %T", p)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal diff payload: %w", err)
	}
	return data, nil
}

// UnmarshalDiff decodes a stored payload back into its variant.
func UnmarshalDiff(data []byte) (DiffPayload, error) {
	var w diffWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal diff payload: %w", err)
	}
	switch w.Type {
	case DiffHashOnly:
		return HashOnlyDiff{BeforeHash: w.BeforeHash, AfterHash: w.AfterHash}, nil
	case DiffTextExcerpt:
		return TextExcerptDiff{
			BeforeHash:    w.BeforeHash,
			AfterHash:     w.AfterHash,
			WordDelta:     derefInt(w.WordDelta),
			BeforeExcerpt: derefString(w.BeforeExcerpt),
			AfterExcerpt:  derefString(w.AfterExcerpt),
		}, nil
	case DiffTextSegments:
		return TextSegmentsDiff{
			BeforeHash:      w.BeforeHash,
			AfterHash:       w.AfterHash,
			WordDelta:       derefInt(w.WordDelta),
			BeforeSegments:  w.BeforeSegments,
			AfterSegments:   w.AfterSegments,
			BeforeExcerpt:   derefString(w.BeforeExcerpt),
			AfterExcerpt:    derefString(w.AfterExcerpt),
			TruncatedPrefix: w.TruncatedPrefix != nil && *w.TruncatedPrefix,
			TruncatedSuffix: w.TruncatedSuffix != nil && *w.TruncatedSuffix,
		}, nil
	default:
		return nil, fmt.Errorf("unknown diff payload type %q", w.Type)
	}
}

// an empty excerpt is stored as null
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
