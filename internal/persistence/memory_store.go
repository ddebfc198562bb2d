package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IliaW/content-proof/internal/model"
)

// MemoryStore keeps every record in process memory. Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	contents    map[string]*model.Content
	urls        map[string]string
	suggestions map[string]*model.Suggestion
	jobs        map[string]*model.CrawlJob
}

var _ Storage = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contents:    make(map[string]*model.Content),
		urls:        make(map[string]string),
		suggestions: make(map[string]*model.Suggestion),
		jobs:        make(map[string]*model.CrawlJob),
	}
}

func (s *MemoryStore) CreateContent(_ context.Context, content *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.urls[content.URL]; ok {
		return fmt.Errorf("%w: content with url %s already exists", model.ErrConflict, content.URL)
	}
	now := time.Now()
	content.CreatedAt, content.UpdatedAt = now, now
	c := *content
	s.contents[c.ID] = &c
	s.urls[c.URL] = c.ID
	return nil
}

func (s *MemoryStore) GetContent(_ context.Context, id string) (*model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetContentByURL(ctx context.Context, url string) (*model.Content, error) {
	s.mu.RLock()
	id, ok := s.urls[url]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("content %s: %w", url, model.ErrNotFound)
	}
	return s.GetContent(ctx, id)
}

func (s *MemoryStore) UpdateContent(_ context.Context, content *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contents[content.ID]
	if !ok {
		return fmt.Errorf("content %s: %w", content.ID, model.ErrNotFound)
	}
	if stored.Version != content.Version {
		return fmt.Errorf("%w: content %s is at version %d, not %d", model.ErrConflict, content.ID,
			stored.Version, content.Version)
	}
	content.Version++
	content.UpdatedAt = time.Now()
	c := *content
	s.contents[c.ID] = &c
	return nil
}

func (s *MemoryStore) CreateSuggestion(_ context.Context, suggestion *model.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contents[suggestion.ContentID]; !ok {
		return fmt.Errorf("content %s: %w", suggestion.ContentID, model.ErrNotFound)
	}
	suggestion.CreatedAt = time.Now()
	sg := *suggestion
	s.suggestions[sg.ID] = &sg
	return nil
}

func (s *MemoryStore) GetSuggestion(_ context.Context, id string) (*model.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sg, ok := s.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", id, model.ErrNotFound)
	}
	cp := *sg
	return &cp, nil
}

func (s *MemoryStore) ListSuggestions(_ context.Context, filter model.SuggestionFilter) ([]*model.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Suggestion, 0)
	for _, sg := range s.suggestions {
		if filter.ContentID != "" && sg.ContentID != filter.ContentID {
			continue
		}
		if filter.Status != "" && sg.Status != filter.Status {
			continue
		}
		if filter.ErrorType != "" && sg.ErrorType != filter.ErrorType {
			continue
		}
		if filter.MinConfidence != nil && sg.ConfidenceScore < *filter.MinConfidence {
			continue
		}
		cp := *sg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentID != out[j].ContentID {
			return out[i].ContentID < out[j].ContentID
		}
		if out[i].StartPosition != out[j].StartPosition {
			return out[i].StartPosition < out[j].StartPosition
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*model.Suggestion{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateSuggestionStatus(_ context.Context, id string, status model.SuggestionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s: %w", id, model.ErrNotFound)
	}
	sg.Status = status
	return nil
}

func (s *MemoryStore) CommitApply(_ context.Context, content *model.Content, applied *model.Suggestion,
	shifted []*model.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contents[content.ID]
	if !ok {
		return fmt.Errorf("content %s: %w", content.ID, model.ErrNotFound)
	}
	if stored.Version != content.Version {
		return fmt.Errorf("%w: content %s is at version %d, not %d", model.ErrConflict, content.ID,
			stored.Version, content.Version)
	}
	if _, ok := s.suggestions[applied.ID]; !ok {
		return fmt.Errorf("suggestion %s: %w", applied.ID, model.ErrNotFound)
	}
	for _, sg := range shifted {
		if _, ok := s.suggestions[sg.ID]; !ok {
			return fmt.Errorf("suggestion %s: %w", sg.ID, model.ErrNotFound)
		}
	}

	content.Version++
	content.UpdatedAt = time.Now()
	c := *content
	s.contents[c.ID] = &c
	s.suggestions[applied.ID].Status = applied.Status
	for _, sg := range shifted {
		s.suggestions[sg.ID].StartPosition = sg.StartPosition
		s.suggestions[sg.ID].EndPosition = sg.EndPosition
	}
	return nil
}

func (s *MemoryStore) CreateCrawlJob(_ context.Context, job *model.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	j := *job
	s.jobs[j.ID] = &j
	return nil
}

func (s *MemoryStore) GetCrawlJob(_ context.Context, id string) (*model.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("crawl job %s: %w", id, model.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListCrawlJobs(_ context.Context) ([]*model.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.CrawlJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateCrawlJob replaces the whole record so readers never see a partial update.
func (s *MemoryStore) UpdateCrawlJob(_ context.Context, job *model.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("crawl job %s: %w", job.ID, model.ErrNotFound)
	}
	j := *job
	s.jobs[j.ID] = &j
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
