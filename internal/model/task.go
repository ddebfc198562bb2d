package model

type TaskAction string

const (
	ActionCrawl   TaskAction = "crawl"
	ActionAnalyze TaskAction = "analyze"
)

// Task is the queue message format.
// Expected: {"action": "crawl", "url": "https://example.com"} or {"action": "analyze", "content_id": "..."}
type Task struct {
	Action    TaskAction `json:"action"`
	URL       string     `json:"url,omitempty"`
	ContentID string     `json:"content_id,omitempty"`
}

// AuditEvent is what the core emits to the audit sink.
type AuditEvent struct {
	Action    string `json:"action"`
	ContentID string `json:"content_id,omitempty"`
	Details   string `json:"details"`
	Timestamp int64  `json:"timestamp"`
}

const (
	AuditCrawled            = "crawled"
	AuditCrawlFailed        = "crawl_failed"
	AuditAnalyzed           = "analyzed"
	AuditSuggestionCreated  = "suggestion_created"
	AuditSuggestionApproved = "suggestion_approved"
	AuditSuggestionRejected = "suggestion_rejected"
	AuditSuggestionApplied  = "suggestion_applied"
	AuditContentReviewed    = "content_reviewed"
)
