package analysis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/broker"
	"github.com/IliaW/content-proof/internal/chunker"
	"github.com/IliaW/content-proof/internal/locator"
	"github.com/IliaW/content-proof/internal/locks"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/persistence"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Storage interface {
	persistence.ContentStorage
	persistence.SuggestionStorage
}

// Orchestrator analyses one content document at a time. Chunks of a document are analysed concurrently,
// bounded by ChunkWorkers.
type Orchestrator struct {
	storage     Storage
	capability  Capability
	chunker     *chunker.Chunker
	locator     *locator.Locator
	locks       *locks.Keyed
	audit       broker.AuditSink
	metrics     *telemetry.AnalysisMetrics
	cfg         *config.AnalysisConfig
	instruction string
}

func NewOrchestrator(storage Storage, capability Capability, keyed *locks.Keyed, audit broker.AuditSink,
	metrics *telemetry.AnalysisMetrics, cfg *config.AnalysisConfig) *Orchestrator {
	return &Orchestrator{
		storage:     storage,
		capability:  capability,
		chunker:     chunker.New(cfg.MaxChunkSize),
		locator:     locator.New(cfg.SearchWindow, cfg.AmbiguityDampening),
		locks:       keyed,
		audit:       audit,
		metrics:     metrics,
		cfg:         cfg,
		instruction: DefaultInstruction,
	}
}

type placed struct {
	Hit
	fallback bool
}

// Analyze produces and stores the suggestions for a content document, then marks it analyzed.
// Capability failures degrade the affected chunk to the heuristics and never fail the call.
// It fails with model.ErrConflict when the text was rewritten while the analysis ran.
func (o *Orchestrator) Analyze(ctx context.Context, contentID string) ([]*model.Suggestion, error) {
	content, err := o.storage.GetContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	slog.Debug("analysing content.", slog.String("content_id", contentID), slog.Int("length",
		len(content.CleanedText)))

	chunks := o.chunker.Split(content.CleanedText)
	if err = o.chunker.Verify(content.CleanedText, chunks); err != nil {
		return nil, err
	}

	results := make([][]placed, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ChunkWorkers)
	for i, ch := range chunks {
		g.Go(func() error {
			hits, err := o.analyzeChunk(gctx, ch)
			results[i] = hits
			return err
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	hits := o.merge(content.CleanedText, results)
	return o.store(ctx, content, hits)
}

func (o *Orchestrator) analyzeChunk(ctx context.Context, ch chunker.Chunk) ([]placed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings, err := o.capability.AnalyzeChunk(ctx, ch.Text, o.instruction)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Warn("analysis capability failed, using heuristics for the chunk.", slog.Int("chunk", ch.Index),
			slog.String("err", err.Error()))
		o.metrics.FallbackCnt(1)
		return o.fallback(ch), nil
	}

	out := make([]placed, 0, len(findings))
	for _, f := range findings {
		loc, ok := o.locator.Locate(ch, f)
		if !ok {
			slog.Debug("finding not found in chunk, discarded.", slog.Int("chunk", ch.Index),
				slog.String("original_text", f.OriginalText))
			o.metrics.DiscardedCnt(1)
			continue
		}
		f.Confidence = loc.Confidence
		out = append(out, placed{Hit: Hit{Start: loc.Start, End: loc.End, Finding: f}})
	}
	return out, nil
}

func (o *Orchestrator) fallback(ch chunker.Chunk) []placed {
	hits := Fallback(ch.Text, o.cfg.FallbackConfidence)
	out := make([]placed, 0, len(hits))
	for _, h := range hits {
		h.Start += ch.Offset
		h.End += ch.Offset
		out = append(out, placed{Hit: h, fallback: true})
	}
	return out
}

// merge orders the hits of all chunks by offset, drops weak capability findings and exact duplicates.
// Heuristic hits are kept regardless of the threshold since their fixed confidence is below it by default.
func (o *Orchestrator) merge(text string, results [][]placed) []Hit {
	var all []Hit
	for _, hits := range results {
		for _, h := range hits {
			if !h.fallback && h.Finding.Confidence < o.cfg.MinConfidence {
				continue
			}
			if text[h.Start:h.End] != h.Finding.OriginalText {
				slog.Error("placed finding does not match the text, discarded.", slog.Int("start", h.Start),
					slog.Int("end", h.End))
				o.metrics.DiscardedCnt(1)
				continue
			}
			all = append(all, h.Hit)
		}
	}

	slices.SortStableFunc(all, func(a, b Hit) int {
		return cmp.Or(
			cmp.Compare(a.Start, b.Start),
			cmp.Compare(a.End, b.End),
			cmp.Compare(a.Finding.SuggestedText, b.Finding.SuggestedText),
		)
	})
	return slices.CompactFunc(all, sameEdit)
}

func sameEdit(a, b Hit) bool {
	return a.Start == b.Start && a.End == b.End && a.Finding.SuggestedText == b.Finding.SuggestedText
}

func (o *Orchestrator) store(ctx context.Context, content *model.Content, hits []Hit) ([]*model.Suggestion, error) {
	unlock := o.locks.Lock(content.ID)
	defer unlock()

	existing, err := o.storage.ListSuggestions(ctx, model.SuggestionFilter{ContentID: content.ID})
	if err != nil {
		return nil, err
	}

	content.Status = model.ContentAnalyzed
	if err = o.storage.UpdateContent(ctx, content); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("content %s changed during analysis: %w", content.ID, err)
		}
		return nil, err
	}

	suggestions := make([]*model.Suggestion, 0, len(hits))
	for _, h := range hits {
		if hasOpenDuplicate(existing, h) {
			continue
		}
		sg := &model.Suggestion{
			ID:              uuid.NewString(),
			ContentID:       content.ID,
			OriginalText:    h.Finding.OriginalText,
			SuggestedText:   h.Finding.SuggestedText,
			ErrorType:       h.Finding.ErrorType,
			Explanation:     h.Finding.Explanation,
			ConfidenceScore: h.Finding.Confidence,
			StartPosition:   h.Start,
			EndPosition:     h.End,
			Status:          model.SuggestionPending,
		}
		if err = o.storage.CreateSuggestion(ctx, sg); err != nil {
			return suggestions, err
		}
		suggestions = append(suggestions, sg)
		o.audit.Record(ctx, model.AuditSuggestionCreated, content.ID,
			fmt.Sprintf("suggestion %s: %s at [%d,%d)", sg.ID, sg.ErrorType, sg.StartPosition, sg.EndPosition))
	}

	o.metrics.SuggestionsCnt(int64(len(suggestions)))
	o.metrics.ContentsDoneCnt(1)
	o.audit.Record(ctx, model.AuditAnalyzed, content.ID, fmt.Sprintf("%d suggestions", len(suggestions)))
	slog.Info("content analysed.", slog.String("content_id", content.ID),
		slog.Int("suggestions", len(suggestions)))

	return suggestions, nil
}

func hasOpenDuplicate(existing []*model.Suggestion, h Hit) bool {
	for _, sg := range existing {
		if sg.IsOpen() && sg.StartPosition == h.Start && sg.EndPosition == h.End &&
			sg.SuggestedText == h.Finding.SuggestedText {
			return true
		}
	}
	return false
}
