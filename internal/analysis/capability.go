// Package analysis turns content text into suggestions: it chunks the text, asks the analysis
// capability about each chunk, places the findings, and degrades to pattern heuristics when the
// capability fails.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/IliaW/content-proof/internal/model"
)

var (
	// ErrCapability wraps every failure of the external analysis capability.
	ErrCapability        = errors.New("analysis capability failed")
	ErrMalformedResponse = errors.New("malformed analysis response")
)

// Capability is the external text-analysis service.
type Capability interface {
	AnalyzeChunk(ctx context.Context, text string, instruction string) ([]model.Finding, error)
}

// Unavailable is used when no capability is configured. Every call fails, so the orchestrator
// produces heuristic suggestions only.
type Unavailable struct {
	Reason error
}

func (u Unavailable) AnalyzeChunk(context.Context, string, string) ([]model.Finding, error) {
	return nil, fmt.Errorf("%w: %w", ErrCapability, u.Reason)
}

// DefaultInstruction is sent with every chunk.
const DefaultInstruction = `You are a professional editor and proofreader. Analyze the text given by the user for:
1. Spelling mistakes
2. Grammar errors
3. Punctuation issues
4. Style improvements
5. Clarity and readability issues

Respond with a JSON object of this form and nothing else:
{
    "suggestions": [
        {
            "original_text": "exact text that needs to be changed, copied verbatim from the input",
            "suggested_text": "corrected or improved text",
            "error_type": "spelling|grammar|punctuation|style|clarity",
            "explanation": "brief explanation of why this change is suggested",
            "confidence_score": 0.8,
            "start_position": 0
        }
    ]
}

Rules:
- Only include actual errors or improvements, not minor stylistic preferences.
- original_text must appear exactly in the input; keep it as short as possible.
- start_position is the character offset of original_text in the input.
- Use confidence scores: 0.9+ for clear errors, 0.7-0.8 for likely improvements, 0.5-0.6 for style suggestions.
- If there is nothing to fix, return {"suggestions": []}.`
