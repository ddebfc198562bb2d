package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/broker"
	"github.com/IliaW/content-proof/internal/lifecycle"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/telemetry"
)

var (
	ErrUnknownAction = errors.New("unknown task action")
	ErrInvalidTask   = errors.New("invalid task")
)

type CrawlStarter interface {
	Start(ctx context.Context, seedURL string) (*model.CrawlJob, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, contentID string) ([]*model.Suggestion, error)
}

type AutoApplier interface {
	AutoApply(ctx context.Context, contentID string) (*lifecycle.AutoApplyResult, error)
}

// TaskWorker executes crawl and analyze tasks read from InputSqsChan.
// A task that cannot be decoded or executed is sent to the DLQ.
type TaskWorker struct {
	InputSqsChan <-chan *string
	Crawler      CrawlStarter
	Analyzer     Analyzer
	Applier      AutoApplier
	Cfg          *config.Config
	Wg           *sync.WaitGroup
	DLQ          broker.DeadLetterQueue
	Metrics      *telemetry.SQSMetrics
}

func (w *TaskWorker) Run() {
	defer w.Wg.Done()
	slog.Debug("start task worker")

	for str := range w.InputSqsChan {
		if err := w.process(context.Background(), *str); err != nil {
			w.DLQ.SendTaskToDLQ(*str, err)
			w.Metrics.FailMsgCnt(1)
		}
	}
}

func (w *TaskWorker) process(ctx context.Context, body string) error {
	// Expected string format: {"action": "crawl", "url": "https://example.com"}
	var task model.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		slog.Error("failed to unmarshal the task.", slog.String("task", body), slog.String("err", err.Error()))
		return err
	}

	switch task.Action {
	case model.ActionCrawl:
		job, err := w.Crawler.Start(ctx, task.URL)
		if err != nil {
			slog.Error("failed to start crawl.", slog.String("url", task.URL), slog.String("err", err.Error()))
			return err
		}
		slog.Info("crawl started.", slog.String("job_id", job.ID), slog.String("url", job.SeedURL))
		return nil
	case model.ActionAnalyze:
		return w.analyze(ctx, task.ContentID)
	default:
		slog.Error("unknown task action.", slog.String("action", string(task.Action)))
		return fmt.Errorf("%w: %q", ErrUnknownAction, task.Action)
	}
}

func (w *TaskWorker) analyze(ctx context.Context, contentID string) error {
	suggestions, err := w.Analyzer.Analyze(ctx, contentID)
	if err != nil {
		slog.Error("analysis failed.", slog.String("content_id", contentID), slog.String("err", err.Error()))
		return err
	}
	slog.Debug("content analyzed.", slog.String("content_id", contentID), slog.Int("suggestions", len(suggestions)))

	if !w.Cfg.LifecycleSettings.AutoApplyEnabled {
		return nil
	}
	if _, err = w.Applier.AutoApply(ctx, contentID); err != nil {
		slog.Error("auto apply failed.", slog.String("content_id", contentID), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// EncodeTask returns the queue message for task. A task the workers could never execute is rejected
// here rather than queued.
func EncodeTask(task model.Task) (*string, error) {
	switch task.Action {
	case model.ActionCrawl:
		if task.URL == "" {
			return nil, fmt.Errorf("%w: crawl task without url", ErrInvalidTask)
		}
	case model.ActionAnalyze:
		if task.ContentID == "" {
			return nil, fmt.Errorf("%w: analyze task without content id", ErrInvalidTask)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, task.Action)
	}

	b, err := json.Marshal(task)
	if err != nil {
		slog.Error("failed to marshal the task.", slog.String("action", string(task.Action)),
			slog.String("err", err.Error()))
		return nil, err
	}
	msg := string(b)
	return &msg, nil
}
