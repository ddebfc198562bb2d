package analysis

import (
	"regexp"
	"sort"

	"github.com/IliaW/content-proof/internal/model"
)

// Hit is a finding already placed in the text it was produced from.
type Hit struct {
	Start   int
	End     int
	Finding model.Finding
}

type fallbackRule struct {
	pattern     *regexp.Regexp
	explanation string
	replace     func(match string) string
}

var fallbackRules = []fallbackRule{
	{
		pattern:     regexp.MustCompile(` {2,}`),
		explanation: "Multiple spaces should be replaced with a single space",
		replace:     func(string) string { return " " },
	},
	{
		// lower case is left alone so domain names and file names don't match
		pattern:     regexp.MustCompile(`[.!?][A-Z]`),
		explanation: "Missing space after punctuation",
		replace:     func(m string) string { return m[:1] + " " + m[1:] },
	},
	{
		pattern:     regexp.MustCompile(`\w( +)[,;:]`),
		explanation: "No space before punctuation",
		replace:     nil,
	},
}

// Fallback runs the pattern heuristics over text. Every hit is a punctuation suggestion with the
// given confidence. Overlapping hits keep the earliest one.
func Fallback(text string, confidence float64) []Hit {
	var hits []Hit
	for _, rule := range fallbackRules {
		for _, loc := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			var suggested string
			if rule.replace != nil {
				suggested = rule.replace(text[start:end])
			} else {
				// the group is the run of spaces, keep everything around it
				start, end = loc[2], loc[3]+1
				suggested = text[end-1 : end]
			}
			hits = append(hits, Hit{
				Start: start,
				End:   end,
				Finding: model.Finding{
					ErrorType:     model.ErrorPunctuation,
					OriginalText:  text[start:end],
					SuggestedText: suggested,
					Explanation:   rule.explanation,
					Confidence:    confidence,
				},
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Start < hits[j].Start })
	kept := hits[:0]
	lastEnd := -1
	for _, h := range hits {
		if h.Start < lastEnd {
			continue
		}
		kept = append(kept, h)
		lastEnd = h.End
	}

	return kept
}
