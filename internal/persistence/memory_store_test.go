package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/content-proof/internal/model"
)

func TestMemoryStore_ContentURLIsUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateContent(ctx, &model.Content{ID: "c1", URL: "https://example.com"}))
	err := s.CreateContent(ctx, &model.Content{ID: "c2", URL: "https://example.com"})

	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContent(ctx, &model.Content{ID: "c1", URL: "u", CleanedText: "abc"}))

	c, err := s.GetContent(ctx, "c1")
	require.NoError(t, err)
	c.CleanedText = "changed"

	again, err := s.GetContent(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "abc", again.CleanedText)
}

func TestMemoryStore_UpdateContentChecksVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContent(ctx, &model.Content{ID: "c1", URL: "u"}))

	first, _ := s.GetContent(ctx, "c1")
	second, _ := s.GetContent(ctx, "c1")

	first.Title = "one"
	require.NoError(t, s.UpdateContent(ctx, first))
	assert.Equal(t, 1, first.Version)

	second.Title = "two"
	assert.ErrorIs(t, s.UpdateContent(ctx, second), model.ErrConflict)
}

func TestMemoryStore_ListSuggestionsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContent(ctx, &model.Content{ID: "c1", URL: "u1"}))
	require.NoError(t, s.CreateContent(ctx, &model.Content{ID: "c2", URL: "u2"}))

	for _, sg := range []*model.Suggestion{
		{ID: "a", ContentID: "c1", ErrorType: model.ErrorSpelling, ConfidenceScore: 0.9, StartPosition: 20, Status: model.SuggestionPending},
		{ID: "b", ContentID: "c1", ErrorType: model.ErrorGrammar, ConfidenceScore: 0.75, StartPosition: 5, Status: model.SuggestionPending},
		{ID: "c", ContentID: "c1", ErrorType: model.ErrorSpelling, ConfidenceScore: 0.95, StartPosition: 1, Status: model.SuggestionRejected},
		{ID: "d", ContentID: "c2", ErrorType: model.ErrorSpelling, ConfidenceScore: 0.8, StartPosition: 0, Status: model.SuggestionPending},
	} {
		require.NoError(t, s.CreateSuggestion(ctx, sg))
	}

	byContent, err := s.ListSuggestions(ctx, model.SuggestionFilter{ContentID: "c1", Status: model.SuggestionPending})
	require.NoError(t, err)
	require.Len(t, byContent, 2)
	assert.Equal(t, "b", byContent[0].ID)
	assert.Equal(t, "a", byContent[1].ID)

	minConf := 0.85
	confident, err := s.ListSuggestions(ctx, model.SuggestionFilter{ErrorType: model.ErrorSpelling, MinConfidence: &minConf})
	require.NoError(t, err)
	assert.Len(t, confident, 2)

	paged, err := s.ListSuggestions(ctx, model.SuggestionFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
}

func TestMemoryStore_CreateSuggestionNeedsContent(t *testing.T) {
	s := NewMemoryStore()

	err := s.CreateSuggestion(context.Background(), &model.Suggestion{ID: "s", ContentID: "nope"})

	assert.ErrorIs(t, err, model.ErrNotFound)
}
