package model

import (
	"fmt"
	"time"
)

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionApplied  SuggestionStatus = "applied"
)

// ErrorType is an open set, these are the values the analysis prompt asks for.
type ErrorType string

const (
	ErrorSpelling    ErrorType = "spelling"
	ErrorGrammar     ErrorType = "grammar"
	ErrorStyle       ErrorType = "style"
	ErrorPunctuation ErrorType = "punctuation"
	ErrorClarity     ErrorType = "clarity"
)

// Suggestion is a candidate correction of CleanedText[StartPosition:EndPosition].
type Suggestion struct {
	ID              string           `json:"id"`
	ContentID       string           `json:"content_id"`
	OriginalText    string           `json:"original_text"`
	SuggestedText   string           `json:"suggested_text"`
	ErrorType       ErrorType        `json:"error_type"`
	Explanation     string           `json:"explanation"`
	ConfidenceScore float64          `json:"confidence_score"`
	StartPosition   int              `json:"start_position"`
	EndPosition     int              `json:"end_position"`
	Status          SuggestionStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Matches reports whether the recorded span still holds OriginalText in text.
func (s *Suggestion) Matches(text string) bool {
	if s.StartPosition < 0 || s.EndPosition < s.StartPosition || s.EndPosition > len(text) {
		return false
	}
	return text[s.StartPosition:s.EndPosition] == s.OriginalText
}

// Delta is the signed length change applying the suggestion causes.
func (s *Suggestion) Delta() int {
	return len(s.SuggestedText) - len(s.OriginalText)
}

// IsOpen is true for suggestions that can still be applied.
func (s *Suggestion) IsOpen() bool {
	return s.Status == SuggestionPending || s.Status == SuggestionApproved
}

var suggestionTransitions = map[SuggestionStatus][]SuggestionStatus{
	SuggestionPending:  {SuggestionApproved, SuggestionRejected, SuggestionApplied},
	SuggestionApproved: {SuggestionApplied},
}

// CanTransition reports whether from -> to is a legal suggestion transition.
func CanTransition(from, to SuggestionStatus) bool {
	for _, s := range suggestionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CheckTransition(from, to SuggestionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SuggestionFilter narrows ListSuggestions. Zero values mean "any".
type SuggestionFilter struct {
	ContentID     string
	Status        SuggestionStatus
	ErrorType     ErrorType
	MinConfidence *float64
	Offset        int
	Limit         int
}

// Finding is one validated item of an analysis capability response.
// Position is the chunk-local offset the capability reported, if any.
type Finding struct {
	ErrorType     ErrorType
	OriginalText  string
	SuggestedText string
	Explanation   string
	Confidence    float64
	Position      *int
}
