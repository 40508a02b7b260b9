package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// op classifies one run of words.
type op int

const (
	opEqual op = iota
	opInsert
	opDelete
)

// run is a maximal sequence of words sharing one op.
type run struct {
	op   op
	text string
}

func (r run) changed() bool { return r.op != opEqual }

// maxTokens is the number of distinct words that fit in the rune space once the
// surrogate block is skipped.
const maxTokens = 0x10FFFF - 0x800

// wordRuns computes a word-level LCS diff of before and after. ok is false when the
// texts contain more distinct words than can be encoded.
func wordRuns(before, after string) (runs []run, ok bool) {
	beforeWords := strings.Fields(before)
	afterWords := strings.Fields(after)

	enc := newEncoder(len(beforeWords) + len(afterWords))
	a, okA := enc.encode(beforeWords)
	b, okB := enc.encode(afterWords)
	if !okA || !okB {
		return nil, false
	}

	dmp := diffmatchpatch.New()
	// no deadline: the result must not depend on machine speed
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(a, b, false)

	runs = make([]run, 0, len(diffs))
	for _, d := range diffs {
		text := strings.Join(enc.decode([]rune(d.Text)), " ")
		if strings.TrimSpace(text) == "" {
			continue
		}
		var o op
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			o = opInsert
		case diffmatchpatch.DiffDelete:
			o = opDelete
		default:
			o = opEqual
		}
		runs = append(runs, run{op: o, text: text})
	}
	return runs, true
}

// encoder maps each distinct word to a valid, non-zero rune.
type encoder struct {
	index map[string]rune
	words []string
}

func newEncoder(capacity int) *encoder {
	return &encoder{
		index: make(map[string]rune, capacity),
		words: make([]string, 1, capacity+1),
	}
}

func (e *encoder) encode(words []string) ([]rune, bool) {
	out := make([]rune, len(words))
	for i, w := range words {
		r, seen := e.index[w]
		if !seen {
			n := len(e.words)
			if n > maxTokens {
				return nil, false
			}
			r = tokenRune(n)
			e.index[w] = r
			e.words = append(e.words, w)
		}
		out[i] = r
	}
	return out, true
}

func (e *encoder) decode(runes []rune) []string {
	out := make([]string, 0, len(runes))
	for _, r := range runes {
		n := int(r)
		if r >= 0xE000 {
			n -= 0x800
		}
		if n > 0 && n < len(e.words) {
			out = append(out, e.words[n])
		}
	}
	return out
}

func tokenRune(n int) rune {
	r := rune(n)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}
