package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IliaW/content-proof/internal/model"
	"github.com/google/uuid"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrNotHTML          = errors.New("not an html page")
)

// visitedSet is owned by one traversal. Only the level loop writes it.
type visitedSet map[string]struct{}

func newVisitedSet() visitedSet {
	return make(visitedSet)
}

// markIfNotVisited reports whether url was new.
func (v visitedSet) markIfNotVisited(url string) bool {
	if _, ok := v[url]; ok {
		return false
	}
	v[url] = struct{}{}
	return true
}

type traversal struct {
	crawler *Crawler
	run     *run
	state   *jobState
	seed    string
	host    string
	visited visitedSet
	// admitted counts urls ever put in the frontier, it never exceeds MaxPagesPerDomain
	admitted int
}

// pageResult is what one fetch of a level produced. systemic is set when the job can't go on.
type pageResult struct {
	task     model.URLTask
	links    []string
	err      error
	systemic bool
}

// walk crawls level by level. All pages of depth d are fetched before any page of depth d+1.
func (t *traversal) walk(ctx context.Context) (model.CrawlStatus, error) {
	cfg := t.crawler.cfg
	t.visited.markIfNotVisited(t.seed)
	t.admitted = 1
	frontier := []model.URLTask{{URL: t.seed, Depth: 0}}

	for len(frontier) > 0 {
		if t.run.cancelled.Load() {
			return model.CrawlCancelled, nil
		}

		results := t.fetchLevel(ctx, frontier)
		if t.run.cancelled.Load() {
			return model.CrawlCancelled, nil
		}

		var next []model.URLTask
		for _, res := range results {
			if res.systemic {
				return model.CrawlFailed, res.err
			}
			if res.err != nil {
				if res.task.Depth == 0 {
					return model.CrawlFailed, fmt.Errorf("seed %s: %w", res.task.URL, res.err)
				}
				continue
			}
			if res.task.Depth >= cfg.MaxDepth {
				continue
			}
			next = append(next, t.admit(res)...)
		}

		if len(next) > 0 {
			total := t.admitted
			if err := t.crawler.update(ctx, t.state, func(j *model.CrawlJob) { j.TotalPages = total }); err != nil {
				return model.CrawlFailed, err
			}
		}
		frontier = next
	}

	if t.run.cancelled.Load() {
		return model.CrawlCancelled, nil
	}
	return model.CrawlCompleted, nil
}

// admit filters the links of a page into the next level. The page budget is checked here, before
// enqueueing, so no url beyond it is ever fetched.
func (t *traversal) admit(res pageResult) []model.URLTask {
	cfg := t.crawler.cfg
	var next []model.URLTask
	followed := 0
	for _, link := range res.links {
		if cfg.MaxLinksPerPage > 0 && followed >= cfg.MaxLinksPerPage {
			break
		}
		if hostOf(link) != t.host {
			continue
		}
		if t.admitted >= cfg.MaxPagesPerDomain {
			break
		}
		if !t.visited.markIfNotVisited(link) {
			continue
		}
		followed++
		t.admitted++
		next = append(next, model.URLTask{URL: link, Depth: res.task.Depth + 1})
	}
	return next
}

// fetchLevel visits the frontier concurrently. Results keep frontier order.
func (t *traversal) fetchLevel(ctx context.Context, frontier []model.URLTask) []pageResult {
	results := make([]pageResult, len(frontier))
	var wg sync.WaitGroup
	for i, task := range frontier {
		results[i].task = task
		if t.run.cancelled.Load() {
			results[i].err = context.Canceled
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.visit(ctx, task)
		}()
	}
	wg.Wait()
	return results
}

// visit fetches, extracts and stores one page.
func (t *traversal) visit(ctx context.Context, task model.URLTask) pageResult {
	c := t.crawler
	res := pageResult{task: task}

	extracted, err := t.fetch(ctx, task.URL)
	if err != nil {
		res.err = err
		if !t.run.cancelled.Load() && ctx.Err() == nil {
			t.pageFailed(ctx, task, err)
		}
		return res
	}

	contentID, err := t.store(ctx, task.URL, extracted)
	if err != nil {
		res.err = fmt.Errorf("store content %s: %w", task.URL, err)
		res.systemic = true
		return res
	}

	if err = c.update(ctx, t.state, func(j *model.CrawlJob) { j.PagesCrawled++ }); err != nil {
		res.err = err
		res.systemic = true
		return res
	}
	c.metrics.PagesCrawledCnt(1)
	c.audit.Record(ctx, model.AuditCrawled, contentID, fmt.Sprintf("crawled %s at depth %d", task.URL, task.Depth))
	slog.Debug("page crawled.", slog.String("url", task.URL), slog.Int("depth", task.Depth),
		slog.Int("links", len(extracted.Links)))

	if c.onContent != nil && !t.run.cancelled.Load() {
		c.onContent(contentID)
	}

	res.links = extracted.Links
	return res
}

// fetch holds a pool slot only for the request and the extraction. The politeness wait happens
// before a slot is taken, so a job sleeping on its host never holds back jobs on other hosts.
func (t *traversal) fetch(ctx context.Context, url string) (*model.Extracted, error) {
	c := t.crawler
	if err := c.politeness.Wait(ctx, t.host); err != nil {
		return nil, err
	}
	if t.run.cancelled.Load() {
		return nil, context.Canceled
	}

	if err := c.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.pool.Release(1)
	// checked again, the wait for a slot may have been long
	if t.run.cancelled.Load() {
		return nil, context.Canceled
	}

	page, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if !page.IsSuccess() {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, page.StatusCode)
	}
	if !page.IsHTML() {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, page.ContentType)
	}

	return ExtractReadableText(url, page.Body)
}

// store saves the page as content unless its url is already stored, and returns the content id.
func (t *traversal) store(ctx context.Context, url string, ex *model.Extracted) (string, error) {
	storage := t.crawler.storage
	existing, err := storage.GetContentByURL(ctx, url)
	if err == nil {
		return t.refresh(ctx, existing, ex)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}

	content := &model.Content{
		ID:           uuid.NewString(),
		URL:          url,
		Title:        ex.Title,
		OriginalText: ex.RawText,
		CleanedText:  ex.Text,
		Language:     ex.Language,
		Status:       model.ContentPending,
	}
	err = storage.CreateContent(ctx, content)
	if errors.Is(err, model.ErrConflict) {
		// another job stored the url first
		if existing, err = storage.GetContentByURL(ctx, url); err == nil {
			return existing.ID, nil
		}
	}
	if err != nil {
		return "", err
	}
	return content.ID, nil
}

// refresh rewrites a stored content whose page changed since it was crawled. The version bump makes
// every open suggestion span re-validate against the new text on apply.
func (t *traversal) refresh(ctx context.Context, content *model.Content, ex *model.Extracted) (string, error) {
	if content.OriginalText == ex.RawText {
		return content.ID, nil
	}
	content.Title = ex.Title
	content.OriginalText = ex.RawText
	content.CleanedText = ex.Text
	content.Language = ex.Language
	content.Status = model.ContentPending
	err := t.crawler.storage.UpdateContent(ctx, content)
	if errors.Is(err, model.ErrConflict) {
		slog.Warn("content changed while re-crawling, keeping the stored version.",
			slog.String("content_id", content.ID), slog.String("url", content.URL))
		return content.ID, nil
	}
	if err != nil {
		return "", err
	}
	slog.Debug("content updated from re-crawl.", slog.String("content_id", content.ID),
		slog.String("url", content.URL))
	return content.ID, nil
}

func (t *traversal) pageFailed(ctx context.Context, task model.URLTask, cause error) {
	c := t.crawler
	slog.Warn("failed to crawl page.", slog.String("url", task.URL), slog.Int("depth", task.Depth),
		slog.String("err", cause.Error()))
	c.metrics.PagesFailedCnt(1)
	c.dlq.SendUrlToDLQ(task.URL, cause)
	c.audit.Record(ctx, model.AuditCrawlFailed, "", fmt.Sprintf("%s: %s", task.URL, cause.Error()))
	if err := c.update(ctx, t.state, func(j *model.CrawlJob) { j.PagesFailed++ }); err != nil {
		slog.Error("failed to update crawl job.", slog.String("job_id", t.state.job.ID),
			slog.String("err", err.Error()))
	}
}
