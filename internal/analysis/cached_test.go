package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IliaW/content-proof/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *mapCache) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Close() {}

func TestCachedCapability_ServesRepeatedChunksFromCache(t *testing.T) {
	calls := 0
	next := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		calls++
		return []model.Finding{finding("teh", "the", 0.9)}, nil
	})
	c := NewCachedCapability(next, &mapCache{data: map[string][]byte{}})

	first, err := c.AnalyzeChunk(context.Background(), "See teh cat.", DefaultInstruction)
	require.NoError(t, err)
	second, err := c.AnalyzeChunk(context.Background(), "See teh cat.", DefaultInstruction)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	_, err = c.AnalyzeChunk(context.Background(), "Another chunk.", DefaultInstruction)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachedCapability_DoesNotCacheFailures(t *testing.T) {
	calls := 0
	next := capabilityFunc(func(context.Context, string) ([]model.Finding, error) {
		calls++
		return nil, errors.New("timeout")
	})
	cache := &mapCache{data: map[string][]byte{}}
	c := NewCachedCapability(next, cache)

	_, err := c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	require.Error(t, err)
	_, err = c.AnalyzeChunk(context.Background(), "text", DefaultInstruction)
	require.Error(t, err)

	assert.Equal(t, 2, calls)
	assert.Empty(t, cache.data)
}
