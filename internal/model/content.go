package model

import "time"

type ContentStatus string

const (
	ContentPending  ContentStatus = "pending"
	ContentAnalyzed ContentStatus = "analyzed"
	ContentReviewed ContentStatus = "reviewed"
)

// Content is one crawled page. CleanedText is the text every suggestion offset points into.
// Version is bumped on every rewrite of CleanedText.
type Content struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Title        string        `json:"title"`
	OriginalText string        `json:"original_text"`
	CleanedText  string        `json:"cleaned_text"`
	Language     string        `json:"language"`
	Status       ContentStatus `json:"status"`
	Version      int           `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Extracted is the readable part of a fetched page.
type Extracted struct {
	Title    string
	RawText  string
	Text     string
	Language string
	Links    []string
}
