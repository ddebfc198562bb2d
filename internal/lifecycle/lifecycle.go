// Package lifecycle governs review of suggestions and their application onto content text.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/broker"
	"github.com/IliaW/content-proof/internal/locks"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/persistence"
	"github.com/IliaW/content-proof/internal/telemetry"
)

type Storage interface {
	persistence.ContentStorage
	persistence.SuggestionStorage
}

// Lifecycle serializes every mutation of one content under a per-content lock. Stored spans are
// re-validated against the current text before each apply.
type Lifecycle struct {
	storage Storage
	locks   *locks.Keyed
	audit   broker.AuditSink
	metrics *telemetry.LifecycleMetrics
	cfg     *config.LifecycleConfig
}

func New(storage Storage, keyed *locks.Keyed, audit broker.AuditSink, metrics *telemetry.LifecycleMetrics,
	cfg *config.LifecycleConfig) *Lifecycle {
	return &Lifecycle{
		storage: storage,
		locks:   keyed,
		audit:   audit,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (l *Lifecycle) List(ctx context.Context, filter model.SuggestionFilter) ([]*model.Suggestion, error) {
	if filter.Offset < 0 || filter.Limit < 0 {
		return nil, fmt.Errorf("offset and limit must not be negative")
	}
	return l.storage.ListSuggestions(ctx, filter)
}

func (l *Lifecycle) Approve(ctx context.Context, suggestionID string) (*model.Suggestion, error) {
	sg, err := l.transition(ctx, suggestionID, model.SuggestionApproved, model.AuditSuggestionApproved)
	if err != nil {
		return nil, err
	}
	l.metrics.ApprovedCnt(1)
	return sg, nil
}

func (l *Lifecycle) Reject(ctx context.Context, suggestionID string) (*model.Suggestion, error) {
	sg, err := l.transition(ctx, suggestionID, model.SuggestionRejected, model.AuditSuggestionRejected)
	if err != nil {
		return nil, err
	}
	l.metrics.RejectedCnt(1)
	return sg, nil
}

// transition is a pure status change, the text is never touched.
func (l *Lifecycle) transition(ctx context.Context, suggestionID string, to model.SuggestionStatus,
	action string) (*model.Suggestion, error) {
	sg, unlock, err := l.lockSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err = model.CheckTransition(sg.Status, to); err != nil {
		return nil, err
	}
	if err = l.storage.UpdateSuggestionStatus(ctx, sg.ID, to); err != nil {
		return nil, err
	}
	sg.Status = to
	l.audit.Record(ctx, action, sg.ContentID, fmt.Sprintf("suggestion %s", sg.ID))

	if err = l.markReviewedIfDone(ctx, sg.ContentID); err != nil {
		slog.Error("failed to update content review status.", slog.String("content_id", sg.ContentID),
			slog.String("err", err.Error()))
	}
	return sg, nil
}

// Apply splices the suggested text into the content and shifts the spans of the open suggestions that
// follow it. A span that no longer holds its original text is model.ErrConflict, as is applying
// the same suggestion twice.
func (l *Lifecycle) Apply(ctx context.Context, suggestionID string) (*model.Content, error) {
	sg, unlock, err := l.lockSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return l.apply(ctx, sg)
}

func (l *Lifecycle) apply(ctx context.Context, sg *model.Suggestion) (*model.Content, error) {
	if sg.Status == model.SuggestionApplied {
		l.metrics.ConflictCnt(1)
		return nil, fmt.Errorf("%w: suggestion %s is already applied", model.ErrConflict, sg.ID)
	}
	if err := model.CheckTransition(sg.Status, model.SuggestionApplied); err != nil {
		return nil, err
	}

	content, err := l.storage.GetContent(ctx, sg.ContentID)
	if err != nil {
		return nil, err
	}
	if !sg.Matches(content.CleanedText) {
		l.metrics.ConflictCnt(1)
		slog.Info("suggestion no longer matches the content.", slog.String("suggestion_id", sg.ID),
			slog.String("content_id", content.ID), slog.Int("start", sg.StartPosition),
			slog.Int("end", sg.EndPosition))
		return nil, fmt.Errorf("%w: suggestion %s does not match content %s at [%d,%d)", model.ErrConflict,
			sg.ID, content.ID, sg.StartPosition, sg.EndPosition)
	}

	open, err := l.openSuggestions(ctx, content.ID)
	if err != nil {
		return nil, err
	}
	shifted, remaining := shiftFollowing(open, sg)

	text := content.CleanedText
	content.CleanedText = text[:sg.StartPosition] + sg.SuggestedText + text[sg.EndPosition:]
	sg.Status = model.SuggestionApplied

	if err = l.storage.CommitApply(ctx, content, sg, shifted); err != nil {
		if errors.Is(err, model.ErrConflict) {
			l.metrics.ConflictCnt(1)
		}
		return nil, err
	}

	l.metrics.AppliedCnt(1)
	l.audit.Record(ctx, model.AuditSuggestionApplied, content.ID,
		fmt.Sprintf("suggestion %s: %q -> %q at [%d,%d), %d spans shifted by %d", sg.ID, sg.OriginalText,
			sg.SuggestedText, sg.StartPosition, sg.EndPosition, len(shifted), sg.Delta()))

	if remaining == 0 {
		if err = l.markReviewed(ctx, content); err != nil {
			slog.Error("failed to update content review status.", slog.String("content_id", content.ID),
				slog.String("err", err.Error()))
		}
	}
	return content, nil
}

// AutoApplyResult lists what AutoApply did, by suggestion id.
type AutoApplyResult struct {
	Applied   []string
	Conflicts []string
}

// AutoApply applies the pending suggestions of a content at or above the configured threshold, in
// ascending offset order. Conflicting suggestions are skipped.
func (l *Lifecycle) AutoApply(ctx context.Context, contentID string) (*AutoApplyResult, error) {
	threshold := l.cfg.AutoApplyThreshold
	candidates, err := l.storage.ListSuggestions(ctx, model.SuggestionFilter{
		ContentID:     contentID,
		Status:        model.SuggestionPending,
		MinConfidence: &threshold,
	})
	if err != nil {
		return nil, err
	}

	res := new(AutoApplyResult)
	for _, c := range candidates {
		if err = ctx.Err(); err != nil {
			return res, err
		}
		// spans move as earlier suggestions are applied, Apply reads the current ones
		_, err = l.Apply(ctx, c.ID)
		switch {
		case err == nil:
			res.Applied = append(res.Applied, c.ID)
			l.metrics.AutoAppliedCnt(1)
		case errors.Is(err, model.ErrConflict):
			res.Conflicts = append(res.Conflicts, c.ID)
		default:
			return res, err
		}
	}

	slog.Info("auto apply finished.", slog.String("content_id", contentID), slog.Int("applied",
		len(res.Applied)), slog.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

// lockSuggestion takes the lock of the suggestion's content and returns the suggestion as read under it.
func (l *Lifecycle) lockSuggestion(ctx context.Context, suggestionID string) (*model.Suggestion, func(), error) {
	sg, err := l.storage.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, nil, err
	}
	unlock := l.locks.Lock(sg.ContentID)
	sg, err = l.storage.GetSuggestion(ctx, suggestionID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return sg, unlock, nil
}

func (l *Lifecycle) openSuggestions(ctx context.Context, contentID string) ([]*model.Suggestion, error) {
	all, err := l.storage.ListSuggestions(ctx, model.SuggestionFilter{ContentID: contentID})
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, sg := range all {
		if sg.IsOpen() {
			open = append(open, sg)
		}
	}
	return open, nil
}

// shiftFollowing moves every other open suggestion starting at or after the applied span's end by
// the applied delta. Suggestions overlapping the span keep their offsets and will conflict on apply.
// remaining counts the open suggestions left besides the applied one.
func shiftFollowing(open []*model.Suggestion, applied *model.Suggestion) ([]*model.Suggestion, int) {
	delta := applied.Delta()
	var shifted []*model.Suggestion
	remaining := 0
	for _, sg := range open {
		if sg.ID == applied.ID {
			continue
		}
		remaining++
		if sg.StartPosition < applied.EndPosition || delta == 0 {
			continue
		}
		sg.StartPosition += delta
		sg.EndPosition += delta
		shifted = append(shifted, sg)
	}
	return shifted, remaining
}

func (l *Lifecycle) markReviewedIfDone(ctx context.Context, contentID string) error {
	open, err := l.openSuggestions(ctx, contentID)
	if err != nil || len(open) > 0 {
		return err
	}
	content, err := l.storage.GetContent(ctx, contentID)
	if err != nil {
		return err
	}
	return l.markReviewed(ctx, content)
}

func (l *Lifecycle) markReviewed(ctx context.Context, content *model.Content) error {
	if content.Status == model.ContentReviewed {
		return nil
	}
	content.Status = model.ContentReviewed
	if err := l.storage.UpdateContent(ctx, content); err != nil {
		return err
	}
	l.audit.Record(ctx, model.AuditContentReviewed, content.ID, "no open suggestions left")
	return nil
}
