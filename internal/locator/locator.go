// Package locator places analysis findings at exact offsets of the source document.
package locator

import (
	"strings"

	"github.com/IliaW/content-proof/internal/chunker"
	"github.com/IliaW/content-proof/internal/model"
)

const (
	DefaultWindow    = 50
	DefaultDampening = 0.8
)

// Located is a finding mapped onto the document. Ambiguous is set when several occurrences matched and
// none could be preferred by position.
type Located struct {
	Start      int
	End        int
	Confidence float64
	Ambiguous  bool
}

// Locator searches a chunk for the literal text of a finding rather than trusting reported offsets.
//
// Tie-break: with a reported position, the occurrence closest to it wins (earlier on equal distance).
// Without one, or when nothing matches inside the window around it, the first/closest occurrence of the
// whole chunk is used and the confidence is multiplied by the dampening factor if there was more than one.
type Locator struct {
	window    int
	dampening float64
}

func New(window int, dampening float64) *Locator {
	if window < 0 {
		window = 0
	}
	if dampening <= 0 || dampening > 1 {
		dampening = DefaultDampening
	}
	return &Locator{window: window, dampening: dampening}
}

// Locate returns the global span of f inside chunk. ok is false when the quoted text is not in the chunk.
func (l *Locator) Locate(chunk chunker.Chunk, f model.Finding) (Located, bool) {
	if f.OriginalText == "" {
		return Located{}, false
	}

	res := Located{Confidence: f.Confidence}
	local := -1

	if f.Position != nil {
		pos := *f.Position
		from := max(pos-l.window, 0)
		to := min(pos+len(f.OriginalText)+l.window, len(chunk.Text))
		if from < to {
			if idx, ok := closest(occurrences(chunk.Text[from:to], f.OriginalText, from), pos); ok {
				local = idx
			}
		}
	}

	if local < 0 {
		occ := occurrences(chunk.Text, f.OriginalText, 0)
		if len(occ) == 0 {
			return Located{}, false
		}
		if f.Position != nil {
			local, _ = closest(occ, *f.Position)
		} else {
			local = occ[0]
		}
		if len(occ) > 1 {
			res.Ambiguous = true
			res.Confidence *= l.dampening
		}
	}

	res.Start = chunk.Offset + local
	res.End = res.Start + len(f.OriginalText)
	return res, true
}

// occurrences returns every (possibly overlapping) index of sub in s, shifted by base.
func occurrences(s, sub string, base int) []int {
	var out []int
	for i := 0; i <= len(s)-len(sub); {
		idx := strings.Index(s[i:], sub)
		if idx < 0 {
			break
		}
		out = append(out, base+i+idx)
		i += idx + 1
	}
	return out
}

func closest(candidates []int, pos int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if abs(c-pos) < abs(best-pos) {
			best = c
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
