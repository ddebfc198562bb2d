package analysis

import (
	"context"
	"log/slog"

	"github.com/IliaW/content-proof/internal/cache"
	"github.com/IliaW/content-proof/internal/model"
)

// CachedCapability remembers findings per (instruction, chunk text). Failures are never cached.
type CachedCapability struct {
	next  Capability
	cache cache.CachedClient
}

var _ Capability = (*CachedCapability)(nil)

func NewCachedCapability(next Capability, c cache.CachedClient) *CachedCapability {
	return &CachedCapability{next: next, cache: c}
}

func (c *CachedCapability) AnalyzeChunk(ctx context.Context, text string, instruction string) ([]model.Finding, error) {
	key := cache.Key("findings", instruction, text)
	if payload, ok := c.cache.Get(key); ok {
		findings, err := ParseFindings(string(payload))
		if err == nil {
			slog.Debug("findings served from cache.", slog.String("key", key))
			return findings, nil
		}
		slog.Warn("cached findings are unreadable, asking the capability.", slog.String("key", key),
			slog.String("err", err.Error()))
	}

	findings, err := c.next.AnalyzeChunk(ctx, text, instruction)
	if err != nil {
		return nil, err
	}

	payload, err := EncodeFindings(findings)
	if err != nil {
		slog.Error("failed to encode findings for cache.", slog.String("err", err.Error()))
		return findings, nil
	}
	_ = c.cache.Set(key, payload)

	return findings, nil
}
