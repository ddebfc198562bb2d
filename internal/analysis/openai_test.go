package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func newTestOpenAIClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewOpenAIClient(&config.OpenAIConfig{
		ApiKey:     "sk-test",
		BaseURL:    srv.URL + "/",
		Model:      "gpt-4o-mini",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})
	require.NoError(t, err)
	c.baseBackoff = time.Millisecond
	return c
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(&config.OpenAIConfig{})
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestOpenAIClient_AnalyzeChunk(t *testing.T) {
	var request string
	c := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		request = string(b)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody(`{"suggestions":[{"original_text":"teh","suggested_text":"the","error_type":"spelling","explanation":"typo","confidence_score":0.9,"start_position":4}]}`))
	})

	findings, err := c.AnalyzeChunk(context.Background(), "See teh cat.", "be an editor")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "teh", findings[0].OriginalText)

	assert.Equal(t, "gpt-4o-mini", gjson.Get(request, "model").String())
	assert.Equal(t, "system", gjson.Get(request, "messages.0.role").String())
	assert.Equal(t, "be an editor", gjson.Get(request, "messages.0.content").String())
	assert.Equal(t, "See teh cat.", gjson.Get(request, "messages.1.content").String())
	assert.Equal(t, "json_object", gjson.Get(request, "response_format.type").String())
}

func TestOpenAIClient_MalformedResponseIsCapabilityError(t *testing.T) {
	c := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Sorry, I can't help with that."))
	})

	_, err := c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	assert.ErrorIs(t, err, ErrCapability)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
			return
		}
		fmt.Fprint(w, completionBody(`{"suggestions":[]}`))
	})

	findings, err := c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	})

	_, err := c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	assert.ErrorIs(t, err, ErrCapability)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	})

	_, err := c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	assert.ErrorIs(t, err, ErrCapability)
	assert.Equal(t, int32(1), calls.Load())
}
