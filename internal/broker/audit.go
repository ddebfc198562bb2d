package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/content-proof/internal/model"
)

// AuditSink records state changes of contents, suggestions and crawls.
// Record must not block the caller on the sink's transport.
type AuditSink interface {
	Record(ctx context.Context, action string, contentID string, details string)
}

// LogAuditSink writes audit events to the structured log. Used when kafka is disabled.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, action string, contentID string, details string) {
	slog.Info("audit.", slog.String("action", action), slog.String("content_id", contentID),
		slog.String("details", details))
}

// MemoryAuditSink keeps events in memory.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (m *MemoryAuditSink) Record(_ context.Context, action string, contentID string, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, model.AuditEvent{
		Action:    action,
		ContentID: contentID,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *MemoryAuditSink) Events() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

// Actions returns the recorded action names in order.
func (m *MemoryAuditSink) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, 0, len(m.events))
	for _, e := range m.events {
		actions = append(actions, e.Action)
	}
	return actions
}
