package analysis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IliaW/content-proof/internal/model"
	"github.com/tidwall/gjson"
)

// ParseFindings validates an untyped capability payload into findings.
// The payload must be a JSON object with a "suggestions" array or a bare array. Invalid items are
// skipped; an invalid payload is ErrMalformedResponse.
func ParseFindings(payload string) ([]model.Finding, error) {
	payload = stripCodeFence(payload)
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("%w: not valid json", ErrMalformedResponse)
	}

	root := gjson.Parse(payload)
	items := root
	if root.IsObject() {
		items = root.Get("suggestions")
		if !items.Exists() {
			return nil, fmt.Errorf("%w: missing suggestions", ErrMalformedResponse)
		}
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("%w: suggestions is not an array", ErrMalformedResponse)
	}

	findings := make([]model.Finding, 0)
	for i, item := range items.Array() {
		f, err := parseFinding(item)
		if err != nil {
			slog.Warn("skip invalid finding.", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		findings = append(findings, f)
	}

	return findings, nil
}

func parseFinding(item gjson.Result) (model.Finding, error) {
	var f model.Finding
	if !item.IsObject() {
		return f, fmt.Errorf("item is %s, not an object", item.Type)
	}

	original := item.Get("original_text")
	if original.Type != gjson.String || original.Str == "" {
		return f, fmt.Errorf("original_text is required")
	}
	suggested := item.Get("suggested_text")
	if suggested.Type != gjson.String {
		return f, fmt.Errorf("suggested_text is required")
	}
	if suggested.Str == original.Str {
		return f, fmt.Errorf("suggested_text equals original_text")
	}
	errorType := item.Get("error_type")
	if errorType.Type != gjson.String || strings.TrimSpace(errorType.Str) == "" {
		return f, fmt.Errorf("error_type is required")
	}

	confidence := item.Get("confidence_score")
	if !confidence.Exists() {
		confidence = item.Get("confidence")
	}
	if confidence.Type != gjson.Number {
		return f, fmt.Errorf("confidence is required")
	}
	if confidence.Num < 0 || confidence.Num > 1 {
		return f, fmt.Errorf("confidence %v out of range", confidence.Num)
	}

	f.OriginalText = original.Str
	f.SuggestedText = suggested.Str
	f.ErrorType = model.ErrorType(strings.ToLower(strings.TrimSpace(errorType.Str)))
	f.Confidence = confidence.Num
	if explanation := item.Get("explanation"); explanation.Type == gjson.String {
		f.Explanation = explanation.Str
	}
	if pos := item.Get("start_position"); pos.Type == gjson.Number && pos.Num >= 0 {
		p := int(pos.Int())
		f.Position = &p
	}

	return f, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add despite the instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

type wireFinding struct {
	OriginalText  string  `json:"original_text"`
	SuggestedText string  `json:"suggested_text"`
	ErrorType     string  `json:"error_type"`
	Explanation   string  `json:"explanation"`
	Confidence    float64 `json:"confidence_score"`
	StartPosition *int    `json:"start_position,omitempty"`
}

// EncodeFindings writes findings in the payload shape ParseFindings reads.
func EncodeFindings(findings []model.Finding) ([]byte, error) {
	wire := struct {
		Suggestions []wireFinding `json:"suggestions"`
	}{Suggestions: make([]wireFinding, 0, len(findings))}
	for _, f := range findings {
		wire.Suggestions = append(wire.Suggestions, wireFinding{
			OriginalText:  f.OriginalText,
			SuggestedText: f.SuggestedText,
			ErrorType:     string(f.ErrorType),
			Explanation:   f.Explanation,
			Confidence:    f.Confidence,
			StartPosition: f.Position,
		})
	}
	return json.Marshal(wire)
}
