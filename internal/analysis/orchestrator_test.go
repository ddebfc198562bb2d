package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/broker"
	"github.com/IliaW/content-proof/internal/locks"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/persistence"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capabilityFunc func(ctx context.Context, text string) ([]model.Finding, error)

func (f capabilityFunc) AnalyzeChunk(ctx context.Context, text string, _ string) ([]model.Finding, error) {
	return f(ctx, text)
}

func testAnalysisConfig() *config.AnalysisConfig {
	return &config.AnalysisConfig{
		MaxChunkSize:       2000,
		MinConfidence:      0.7,
		FallbackConfidence: 0.6,
		AmbiguityDampening: 0.8,
		SearchWindow:       50,
		ChunkWorkers:       2,
	}
}

func newTestOrchestrator(t *testing.T, text string, capability Capability,
	cfg *config.AnalysisConfig) (*Orchestrator, *persistence.MemoryStore, *broker.MemoryAuditSink) {
	t.Helper()
	store := persistence.NewMemoryStore()
	require.NoError(t, store.CreateContent(context.Background(), &model.Content{
		ID:          "c1",
		URL:         "https://example.com/a",
		CleanedText: text,
		Status:      model.ContentPending,
	}))
	audit := &broker.MemoryAuditSink{}
	o := NewOrchestrator(store, capability, locks.NewKeyed(), audit, telemetry.NoopMetrics().AnalysisMetrics, cfg)
	return o, store, audit
}

func finding(original, suggested string, confidence float64) model.Finding {
	return model.Finding{
		ErrorType:     model.ErrorSpelling,
		OriginalText:  original,
		SuggestedText: suggested,
		Confidence:    confidence,
	}
}

func TestAnalyze_PlacesFindings(t *testing.T) {
	text := "We recieve the package tomorow."
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return []model.Finding{
			finding("tomorow", "tomorrow", 0.9),
			finding("recieve", "receive", 0.95),
		}, nil
	})
	o, store, audit := newTestOrchestrator(t, text, capability, testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, suggestions, 2)

	assert.Equal(t, "recieve", suggestions[0].OriginalText)
	assert.Equal(t, 3, suggestions[0].StartPosition)
	assert.Equal(t, 10, suggestions[0].EndPosition)
	assert.Equal(t, "tomorow", suggestions[1].OriginalText)
	for _, sg := range suggestions {
		assert.Equal(t, sg.OriginalText, text[sg.StartPosition:sg.EndPosition])
		assert.Equal(t, model.SuggestionPending, sg.Status)
	}

	content, err := store.GetContent(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ContentAnalyzed, content.Status)
	assert.Equal(t, []string{model.AuditSuggestionCreated, model.AuditSuggestionCreated, model.AuditAnalyzed},
		audit.Actions())
}

func TestAnalyze_DropsLowConfidence(t *testing.T) {
	text := "Their going home."
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return []model.Finding{finding("Their", "They're", 0.65)}, nil
	})
	o, _, _ := newTestOrchestrator(t, text, capability, testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestAnalyze_DiscardsHallucinations(t *testing.T) {
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return []model.Finding{finding("not in the text", "x", 0.99)}, nil
	})
	o, _, _ := newTestOrchestrator(t, "Some text.", capability, testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestAnalyze_FallbackOnCapabilityFailure(t *testing.T) {
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return nil, ErrCapability
	})
	o, store, _ := newTestOrchestrator(t, "This is a  problem", capability, testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, suggestions, 1)

	sg := suggestions[0]
	assert.Equal(t, model.ErrorPunctuation, sg.ErrorType)
	assert.Equal(t, "  ", sg.OriginalText)
	assert.Equal(t, " ", sg.SuggestedText)
	assert.InDelta(t, 0.6, sg.ConfidenceScore, 1e-9)

	content, err := store.GetContent(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ContentAnalyzed, content.Status)
}

func TestAnalyze_UnavailableCapabilityUsesHeuristics(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "Done.Next step is here", Unavailable{Reason: ErrAPIKeyNotSet},
		testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, ".N", suggestions[0].OriginalText)
	assert.Equal(t, ". N", suggestions[0].SuggestedText)
}

func TestAnalyze_FallbackOnlyForFailedChunk(t *testing.T) {
	first := "Alpha has an  error here."
	second := "Beta has a speling error."
	text := first + "\n" + second
	cfg := testAnalysisConfig()
	cfg.MaxChunkSize = 30

	capability := capabilityFunc(func(_ context.Context, chunk string) ([]model.Finding, error) {
		if strings.HasPrefix(chunk, "Alpha") {
			return nil, errors.New("quota exceeded")
		}
		return []model.Finding{finding("speling", "spelling", 0.9)}, nil
	})
	o, _, _ := newTestOrchestrator(t, text, capability, cfg)

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, suggestions, 2)

	assert.Equal(t, model.ErrorPunctuation, suggestions[0].ErrorType)
	assert.Equal(t, 12, suggestions[0].StartPosition)
	assert.Equal(t, "speling", suggestions[1].OriginalText)
	assert.Equal(t, len(first)+1+11, suggestions[1].StartPosition)
	for _, sg := range suggestions {
		assert.Equal(t, sg.OriginalText, text[sg.StartPosition:sg.EndPosition])
	}
}

func TestAnalyze_DeduplicatesAndOrders(t *testing.T) {
	cfg := testAnalysisConfig()
	pos := 10
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		f := finding("wrold", "world", 0.9)
		f.Position = &pos
		return []model.Finding{f, f, finding("Helo", "Hello", 0.9)}, nil
	})
	o, _, _ := newTestOrchestrator(t, "Helo the wrold.", capability, cfg)

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, 0, suggestions[0].StartPosition)
	assert.Equal(t, 9, suggestions[1].StartPosition)
}

func TestAnalyze_ReanalysisSkipsOpenDuplicates(t *testing.T) {
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return []model.Finding{finding("teh", "the", 0.9)}, nil
	})
	o, store, _ := newTestOrchestrator(t, "See teh cat.", capability, testAnalysisConfig())

	first, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, second)

	all, err := store.ListSuggestions(context.Background(), model.SuggestionFilter{ContentID: "c1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAnalyze_EmptyText(t *testing.T) {
	called := false
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		called = true
		return nil, nil
	})
	o, store, _ := newTestOrchestrator(t, "", capability, testAnalysisConfig())

	suggestions, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, suggestions)
	assert.False(t, called)

	content, err := store.GetContent(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ContentAnalyzed, content.Status)
}

func TestAnalyze_UnknownContent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "x", capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		return nil, nil
	}), testAnalysisConfig())

	_, err := o.Analyze(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAnalyze_CancelledContextLeavesContentPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	capability := capabilityFunc(func(ctx context.Context, _ string) ([]model.Finding, error) {
		cancel()
		return nil, ctx.Err()
	})
	o, store, _ := newTestOrchestrator(t, "Some  text.", capability, testAnalysisConfig())

	_, err := o.Analyze(ctx, "c1")
	require.ErrorIs(t, err, context.Canceled)

	content, err := store.GetContent(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ContentPending, content.Status)
}

func TestAnalyze_ChunksRunConcurrentlyWithinLimit(t *testing.T) {
	cfg := testAnalysisConfig()
	cfg.MaxChunkSize = 10
	cfg.ChunkWorkers = 2

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	capability := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()
		return nil, nil
	})
	o, _, _ := newTestOrchestrator(t, strings.Repeat("word. ", 40), capability, cfg)

	_, err := o.Analyze(context.Background(), "c1")
	require.NoError(t, err)
	assert.LessOrEqual(t, maxSeen, 2)
}
