// Package crawler discovers pages of one site breadth-first and stores their readable text as content.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/broker"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/persistence"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	ErrJobFinished   = errors.New("crawl job already finished")
	ErrCrawlerClosed = errors.New("crawler is shut down")
)

type Storage interface {
	persistence.ContentStorage
	persistence.CrawlJobStorage
}

// ContentHandler is called with the id of every content a crawl stores.
type ContentHandler func(contentID string)

// Crawler runs any number of crawl jobs. Each job owns its frontier and visited set, the fetch pool
// and the per-host politeness are shared by all of them.
type Crawler struct {
	storage    Storage
	fetcher    Fetcher
	politeness *Politeness
	pool       *semaphore.Weighted
	audit      broker.AuditSink
	dlq        broker.DeadLetterQueue
	metrics    *telemetry.CrawlMetrics
	cfg        *config.CrawlerConfig
	onContent  ContentHandler

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	cancelled atomic.Bool
	done      chan struct{}
}

func New(storage Storage, fetcher Fetcher, audit broker.AuditSink, dlq broker.DeadLetterQueue,
	metrics *telemetry.CrawlMetrics, cfg *config.CrawlerConfig) *Crawler {
	return &Crawler{
		storage:    storage,
		fetcher:    fetcher,
		politeness: NewPoliteness(cfg.CrawlDelay, cfg.DelayJitter),
		pool:       semaphore.NewWeighted(cfg.FetchWorkers),
		audit:      audit,
		dlq:        dlq,
		metrics:    metrics,
		cfg:        cfg,
		runs:       make(map[string]*run),
	}
}

// OnContent registers h for stored contents. Must be called before the first Start.
func (c *Crawler) OnContent(h ContentHandler) {
	c.onContent = h
}

// Start creates a job for seedURL and crawls it in the background.
func (c *Crawler) Start(ctx context.Context, seedURL string) (*model.CrawlJob, error) {
	seed, err := NormalizeURL(seedURL)
	if err != nil {
		return nil, err
	}

	job := &model.CrawlJob{
		ID:      uuid.NewString(),
		SeedURL: seed,
		Status:  model.CrawlPending,
	}

	r := &run{done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCrawlerClosed
	}
	c.runs[job.ID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	if err = c.storage.CreateCrawlJob(ctx, job); err != nil {
		c.mu.Lock()
		delete(c.runs, job.ID)
		c.mu.Unlock()
		close(r.done)
		c.wg.Done()
		return nil, err
	}

	snapshot := *job
	go func() {
		defer c.wg.Done()
		c.crawl(context.WithoutCancel(ctx), job, r)
	}()

	slog.Info("crawl job started.", slog.String("job_id", job.ID), slog.String("seed", seed))
	return &snapshot, nil
}

// Cancel asks a running job to stop. Fetches in flight finish, nothing new is started.
func (c *Crawler) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		slog.Info("crawl job cancellation requested.", slog.String("job_id", jobID))
		return nil
	}

	job, err := c.storage.GetCrawlJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrJobFinished, job.ID, job.Status)
}

func (c *Crawler) Job(ctx context.Context, jobID string) (*model.CrawlJob, error) {
	return c.storage.GetCrawlJob(ctx, jobID)
}

func (c *Crawler) Jobs(ctx context.Context) ([]*model.CrawlJob, error) {
	return c.storage.ListCrawlJobs(ctx)
}

// Wait blocks until the job is no longer running or ctx is done.
func (c *Crawler) Wait(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running job and waits for them to stop. Start fails afterwards.
func (c *Crawler) Shutdown() {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.runs {
		r.cancelled.Store(true)
	}
	c.mu.Unlock()
	c.wg.Wait()
	slog.Info("crawler stopped.")
}

// jobState is the job record of one run. Writes go through it so counters and status are stored together.
type jobState struct {
	mu  sync.Mutex
	job *model.CrawlJob
}

func (c *Crawler) crawl(ctx context.Context, job *model.CrawlJob, r *run) {
	defer func() {
		c.mu.Lock()
		delete(c.runs, job.ID)
		c.mu.Unlock()
		close(r.done)
	}()

	st := &jobState{job: job}
	now := time.Now()
	err := c.update(ctx, st, func(j *model.CrawlJob) {
		j.Status = model.CrawlRunning
		j.StartedAt = &now
		j.TotalPages = 1
	})
	if err != nil {
		c.finish(ctx, st, model.CrawlFailed, err)
		return
	}

	t := &traversal{
		crawler: c,
		run:     r,
		state:   st,
		seed:    job.SeedURL,
		host:    hostOf(job.SeedURL),
		visited: newVisitedSet(),
	}
	status, err := t.walk(ctx)
	c.finish(ctx, st, status, err)
}

func (c *Crawler) finish(ctx context.Context, st *jobState, status model.CrawlStatus, cause error) {
	now := time.Now()
	err := c.update(ctx, st, func(j *model.CrawlJob) {
		j.Status = status
		j.CompletedAt = &now
		if cause != nil {
			j.ErrorMessage = cause.Error()
		}
	})
	if err != nil {
		slog.Error("failed to store the final crawl job state.", slog.String("job_id", st.job.ID),
			slog.String("err", err.Error()))
	}
	c.metrics.JobsFinishedCnt(1)

	attrs := []any{slog.String("job_id", st.job.ID), slog.String("status", string(status)),
		slog.Int("pages_crawled", st.job.PagesCrawled), slog.Int("pages_failed", st.job.PagesFailed)}
	if cause != nil {
		slog.Error("crawl job failed.", append(attrs, slog.String("err", cause.Error()))...)
		return
	}
	slog.Info("crawl job finished.", attrs...)
}

// update applies fn to the job and stores the whole record under the job lock.
func (c *Crawler) update(ctx context.Context, st *jobState, fn func(j *model.CrawlJob)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.job)
	return c.storage.UpdateCrawlJob(ctx, st.job)
}
