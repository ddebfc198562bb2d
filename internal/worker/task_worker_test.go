package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/lifecycle"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCrawler struct {
	mu    sync.Mutex
	seeds []string
	err   error
}

func (f *fakeCrawler) Start(_ context.Context, seedURL string) (*model.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seeds = append(f.seeds, seedURL)
	return &model.CrawlJob{ID: "job-1", SeedURL: seedURL, Status: model.CrawlPending}, nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	analyzed []string
	applied  []string
	err      error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, contentID string) ([]*model.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.analyzed = append(f.analyzed, contentID)
	return nil, nil
}

func (f *fakeAnalyzer) AutoApply(_ context.Context, contentID string) (*lifecycle.AutoApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, contentID)
	return &lifecycle.AutoApplyResult{}, nil
}

type recordingDLQ struct {
	mu    sync.Mutex
	tasks []string
	errs  []error
}

func (d *recordingDLQ) SendUrlToDLQ(string, error) {}

func (d *recordingDLQ) SendTaskToDLQ(body string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, body)
	d.errs = append(d.errs, err)
}

func runWorker(t *testing.T, w *TaskWorker, messages ...string) {
	t.Helper()
	in := make(chan *string, len(messages))
	for i := range messages {
		in <- &messages[i]
	}
	close(in)
	w.InputSqsChan = in
	w.Wg = &sync.WaitGroup{}
	w.Wg.Add(1)
	w.Run()
}

func newTestWorker(autoApply bool) (*TaskWorker, *fakeCrawler, *fakeAnalyzer, *recordingDLQ) {
	c, a, dlq := &fakeCrawler{}, &fakeAnalyzer{}, &recordingDLQ{}
	return &TaskWorker{
		Crawler:  c,
		Analyzer: a,
		Applier:  a,
		Cfg:      &config.Config{LifecycleSettings: &config.LifecycleConfig{AutoApplyEnabled: autoApply}},
		DLQ:      dlq,
		Metrics:  telemetry.NoopMetrics().SQSMetrics,
	}, c, a, dlq
}

func TestTaskWorker_Dispatch(t *testing.T) {
	w, c, a, dlq := newTestWorker(false)

	runWorker(t, w,
		`{"action":"crawl","url":"https://example.com"}`,
		`{"action":"analyze","content_id":"c1"}`,
	)

	assert.Equal(t, []string{"https://example.com"}, c.seeds)
	assert.Equal(t, []string{"c1"}, a.analyzed)
	assert.Empty(t, a.applied)
	assert.Empty(t, dlq.tasks)
}

func TestTaskWorker_AutoApplyAfterAnalyze(t *testing.T) {
	w, _, a, _ := newTestWorker(true)

	runWorker(t, w, `{"action":"analyze","content_id":"c1"}`)

	assert.Equal(t, []string{"c1"}, a.applied)
}

func TestTaskWorker_BadTasksGoToDLQ(t *testing.T) {
	w, _, _, dlq := newTestWorker(false)
	var failed int64
	w.Metrics.FailMsgCnt = func(n int64) { failed += n }

	runWorker(t, w, `not json`, `{"action":"delete","content_id":"c1"}`)

	require.Len(t, dlq.tasks, 2)
	assert.Equal(t, "not json", dlq.tasks[0])
	assert.ErrorIs(t, dlq.errs[1], ErrUnknownAction)
	assert.Equal(t, int64(2), failed)
}

func TestTaskWorker_ExecutionErrorsGoToDLQ(t *testing.T) {
	w, c, a, dlq := newTestWorker(true)
	errBadSeed := errors.New("invalid url")
	c.err = errBadSeed
	a.err = model.ErrNotFound

	runWorker(t, w,
		`{"action":"crawl","url":"ftp://example.com"}`,
		`{"action":"analyze","content_id":"missing"}`,
	)

	require.Len(t, dlq.errs, 2)
	assert.ErrorIs(t, dlq.errs[0], errBadSeed)
	assert.ErrorIs(t, dlq.errs[1], model.ErrNotFound)
	assert.Empty(t, a.applied)
}

func TestTaskWorker_UnknownActionError(t *testing.T) {
	w, _, _, _ := newTestWorker(false)
	err := w.process(context.Background(), `{"action":""}`)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestEncodeTask_RoundTripsThroughWorker(t *testing.T) {
	w, c, a, dlq := newTestWorker(false)

	crawl, err := EncodeTask(model.Task{Action: model.ActionCrawl, URL: "https://example.com"})
	require.NoError(t, err)
	analyze, err := EncodeTask(model.Task{Action: model.ActionAnalyze, ContentID: "c1"})
	require.NoError(t, err)
	runWorker(t, w, *crawl, *analyze)

	assert.Equal(t, []string{"https://example.com"}, c.seeds)
	assert.Equal(t, []string{"c1"}, a.analyzed)
	assert.Empty(t, dlq.tasks)
}

func TestEncodeTask_RejectsTasksThatCannotRun(t *testing.T) {
	tests := []struct {
		name string
		task model.Task
		want error
	}{
		{"crawl without url", model.Task{Action: model.ActionCrawl}, ErrInvalidTask},
		{"analyze without content", model.Task{Action: model.ActionAnalyze}, ErrInvalidTask},
		{"unknown action", model.Task{Action: "delete", ContentID: "c1"}, ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := EncodeTask(tt.task)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, msg)
		})
	}
}
