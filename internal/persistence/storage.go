package persistence

import (
	"context"

	"github.com/IliaW/content-proof/internal/model"
)

type ContentStorage interface {
	CreateContent(ctx context.Context, content *model.Content) error
	GetContent(ctx context.Context, id string) (*model.Content, error)
	GetContentByURL(ctx context.Context, url string) (*model.Content, error)
	// UpdateContent succeeds only if the stored version equals content.Version, then bumps it.
	UpdateContent(ctx context.Context, content *model.Content) error
}

type SuggestionStorage interface {
	CreateSuggestion(ctx context.Context, suggestion *model.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	ListSuggestions(ctx context.Context, filter model.SuggestionFilter) ([]*model.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus) error
	// CommitApply stores the rewritten content, the applied suggestion and the shifted spans at once.
	// It fails with model.ErrConflict if the content version moved since it was read.
	CommitApply(ctx context.Context, content *model.Content, applied *model.Suggestion, shifted []*model.Suggestion) error
}

type CrawlJobStorage interface {
	CreateCrawlJob(ctx context.Context, job *model.CrawlJob) error
	GetCrawlJob(ctx context.Context, id string) (*model.CrawlJob, error)
	ListCrawlJobs(ctx context.Context) ([]*model.CrawlJob, error)
	UpdateCrawlJob(ctx context.Context, job *model.CrawlJob) error
}

type Storage interface {
	ContentStorage
	SuggestionStorage
	CrawlJobStorage
	Close() error
}
