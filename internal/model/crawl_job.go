package model

import "time"

type CrawlStatus string

const (
	CrawlPending   CrawlStatus = "pending"
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
	CrawlCancelled CrawlStatus = "cancelled"
)

// IsTerminal is true once the job can no longer change.
func (s CrawlStatus) IsTerminal() bool {
	return s == CrawlCompleted || s == CrawlFailed || s == CrawlCancelled
}

// CrawlJob is owned by the crawler goroutine running it. TotalPages is the number of URLs admitted to
// the frontier so far, an estimate until the job ends.
type CrawlJob struct {
	ID           string      `json:"id"`
	SeedURL      string      `json:"seed_url"`
	Status       CrawlStatus `json:"status"`
	PagesCrawled int         `json:"pages_crawled"`
	PagesFailed  int         `json:"pages_failed"`
	TotalPages   int         `json:"total_pages"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// URLTask is a frontier entry.
type URLTask struct {
	URL   string
	Depth int
}
