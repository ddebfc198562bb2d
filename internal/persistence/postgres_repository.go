package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IliaW/content-proof/internal/model"
	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// Schema is applied on startup. Every statement is idempotent.
const Schema = `CREATE SCHEMA IF NOT EXISTS content_proof;

CREATE TABLE IF NOT EXISTS content_proof.contents (
    id            UUID PRIMARY KEY,
    url           TEXT UNIQUE NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    original_text TEXT NOT NULL DEFAULT '',
    cleaned_text  TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL DEFAULT 'en',
    status        TEXT NOT NULL DEFAULT 'pending',
    version       INT  NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS content_proof.suggestions (
    id               UUID PRIMARY KEY,
    content_id       UUID NOT NULL REFERENCES content_proof.contents(id) ON DELETE CASCADE,
    original_text    TEXT NOT NULL,
    suggested_text   TEXT NOT NULL,
    error_type       TEXT NOT NULL,
    explanation      TEXT NOT NULL DEFAULT '',
    confidence_score DOUBLE PRECISION NOT NULL,
    start_position   INT NOT NULL,
    end_position     INT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS suggestions_content_idx ON content_proof.suggestions (content_id, start_position);

CREATE TABLE IF NOT EXISTS content_proof.crawl_jobs (
    id            UUID PRIMARY KEY,
    seed_url      TEXT NOT NULL,
    status        TEXT NOT NULL,
    pages_crawled INT NOT NULL DEFAULT 0,
    pages_failed  INT NOT NULL DEFAULT 0,
    total_pages   INT NOT NULL DEFAULT 0,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS content_proof.audit_logs (
    id         BIGSERIAL PRIMARY KEY,
    content_id UUID,
    action     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const (
	contentColumns    = "id, url, title, original_text, cleaned_text, language, status, version, created_at, updated_at"
	suggestionColumns = "id, content_id, original_text, suggested_text, error_type, explanation, confidence_score, " +
		"start_position, end_position, status, created_at"
	crawlJobColumns = "id, seed_url, status, pages_crawled, pages_failed, total_pages, started_at, completed_at, " +
		"error_message, created_at"
)

type PostgresRepository struct {
	db *sql.DB
}

var _ Storage = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate runs Schema. Safe to call on every start.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		slog.Error("failed to apply database schema.", slog.String("err", err.Error()))
		return fmt.Errorf("%w: apply schema: %v", model.ErrStorage, err)
	}
	return nil
}

func (r *PostgresRepository) CreateContent(ctx context.Context, c *model.Content) error {
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO content_proof.contents ("+contentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		c.ID, c.URL, c.Title, c.OriginalText, c.CleanedText, c.Language, c.Status, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			slog.Debug("content already stored.", slog.String("url", c.URL))
			return fmt.Errorf("%w: content for %s already exists", model.ErrConflict, c.URL)
		}
		slog.Error("failed to create content.", slog.String("url", c.URL), slog.String("err", err.Error()))
		return storageErr(err)
	}
	return nil
}

func (r *PostgresRepository) GetContent(ctx context.Context, id string) (*model.Content, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+contentColumns+" FROM content_proof.contents WHERE id = $1", id)
	return scanContent(row)
}

func (r *PostgresRepository) GetContentByURL(ctx context.Context, url string) (*model.Content, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+contentColumns+" FROM content_proof.contents WHERE url = $1", url)
	return scanContent(row)
}

func (r *PostgresRepository) UpdateContent(ctx context.Context, c *model.Content) error {
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		`UPDATE content_proof.contents
		 SET title = $1, original_text = $2, cleaned_text = $3, language = $4, status = $5,
		     version = version + 1, updated_at = $6
		 WHERE id = $7 AND version = $8`,
		c.Title, c.OriginalText, c.CleanedText, c.Language, c.Status, now, c.ID, c.Version)
	if err != nil {
		slog.Error("failed to update content.", slog.String("id", c.ID), slog.String("err", err.Error()))
		return storageErr(err)
	}
	if err = expectOneRow(res, c.ID, c.Version); err != nil {
		return err
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) CreateSuggestion(ctx context.Context, s *model.Suggestion) error {
	s.CreatedAt = time.Now()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO content_proof.suggestions ("+suggestionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		s.ID, s.ContentID, s.OriginalText, s.SuggestedText, s.ErrorType, s.Explanation, s.ConfidenceScore,
		s.StartPosition, s.EndPosition, s.Status, s.CreatedAt)
	if err != nil {
		slog.Error("failed to create suggestion.", slog.String("content_id", s.ContentID),
			slog.String("err", err.Error()))
		return storageErr(err)
	}
	return nil
}

func (r *PostgresRepository) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+suggestionColumns+" FROM content_proof.suggestions WHERE id = $1", id)
	return scanSuggestion(row)
}

func (r *PostgresRepository) ListSuggestions(ctx context.Context, f model.SuggestionFilter) ([]*model.Suggestion, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ContentID != "" {
		add("content_id = $%d", f.ContentID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ErrorType != "" {
		add("error_type = $%d", f.ErrorType)
	}
	if f.MinConfidence != nil {
		add("confidence_score >= $%d", *f.MinConfidence)
	}

	query := "SELECT " + suggestionColumns + " FROM content_proof.suggestions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY content_id, start_position, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list suggestions.", slog.String("err", err.Error()))
		return nil, storageErr(err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows.", slog.String("err", err.Error()))
		}
	}(rows)

	out := make([]*model.Suggestion, 0)
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate suggestions.", slog.String("err", err.Error()))
		return nil, storageErr(err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus) error {
	res, err := r.db.ExecContext(ctx, "UPDATE content_proof.suggestions SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		slog.Error("failed to update suggestion status.", slog.String("id", id), slog.String("err", err.Error()))
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return fmt.Errorf("suggestion %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) CommitApply(ctx context.Context, c *model.Content, applied *model.Suggestion,
	shifted []*model.Suggestion) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction.", slog.String("err", err.Error()))
		return storageErr(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("failed to rollback transaction.", slog.String("err", rbErr.Error()))
			}
		}
	}()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE content_proof.contents SET cleaned_text = $1, status = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5`,
		c.CleanedText, c.Status, now, c.ID, c.Version)
	if err != nil {
		return storageErr(err)
	}
	if err = expectOneRow(res, c.ID, c.Version); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "UPDATE content_proof.suggestions SET status = $1 WHERE id = $2",
		applied.Status, applied.ID); err != nil {
		return storageErr(err)
	}
	for _, s := range shifted {
		if _, err = tx.ExecContext(ctx,
			"UPDATE content_proof.suggestions SET start_position = $1, end_position = $2 WHERE id = $3",
			s.StartPosition, s.EndPosition, s.ID); err != nil {
			return storageErr(err)
		}
	}
	if err = tx.Commit(); err != nil {
		slog.Error("failed to commit apply.", slog.String("content_id", c.ID), slog.String("err", err.Error()))
		return storageErr(err)
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) CreateCrawlJob(ctx context.Context, j *model.CrawlJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO content_proof.crawl_jobs ("+crawlJobColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		j.ID, j.SeedURL, j.Status, j.PagesCrawled, j.PagesFailed, j.TotalPages, j.StartedAt, j.CompletedAt,
		j.ErrorMessage, j.CreatedAt)
	if err != nil {
		slog.Error("failed to create crawl job.", slog.String("seed_url", j.SeedURL), slog.String("err", err.Error()))
		return storageErr(err)
	}
	return nil
}

func (r *PostgresRepository) GetCrawlJob(ctx context.Context, id string) (*model.CrawlJob, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+crawlJobColumns+" FROM content_proof.crawl_jobs WHERE id = $1", id)
	return scanCrawlJob(row)
}

func (r *PostgresRepository) ListCrawlJobs(ctx context.Context) ([]*model.CrawlJob, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+crawlJobColumns+" FROM content_proof.crawl_jobs ORDER BY created_at DESC")
	if err != nil {
		slog.Error("failed to list crawl jobs.", slog.String("err", err.Error()))
		return nil, storageErr(err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows.", slog.String("err", err.Error()))
		}
	}(rows)

	out := make([]*model.CrawlJob, 0)
	for rows.Next() {
		j, err := scanCrawlJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err = rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// UpdateCrawlJob writes every mutable field in one statement.
func (r *PostgresRepository) UpdateCrawlJob(ctx context.Context, j *model.CrawlJob) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE content_proof.crawl_jobs
		 SET status = $1, pages_crawled = $2, pages_failed = $3, total_pages = $4, started_at = $5,
		     completed_at = $6, error_message = $7
		 WHERE id = $8`,
		j.Status, j.PagesCrawled, j.PagesFailed, j.TotalPages, j.StartedAt, j.CompletedAt, j.ErrorMessage, j.ID)
	if err != nil {
		slog.Error("failed to update crawl job.", slog.String("id", j.ID), slog.String("err", err.Error()))
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return fmt.Errorf("crawl job %s: %w", j.ID, model.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	slog.Info("closing database connection.")
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContent(row scanner) (*model.Content, error) {
	var c model.Content
	err := row.Scan(&c.ID, &c.URL, &c.Title, &c.OriginalText, &c.CleanedText, &c.Language, &c.Status, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "content")
	}
	return &c, nil
}

func scanSuggestion(row scanner) (*model.Suggestion, error) {
	var s model.Suggestion
	err := row.Scan(&s.ID, &s.ContentID, &s.OriginalText, &s.SuggestedText, &s.ErrorType, &s.Explanation,
		&s.ConfidenceScore, &s.StartPosition, &s.EndPosition, &s.Status, &s.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "suggestion")
	}
	return &s, nil
}

func scanCrawlJob(row scanner) (*model.CrawlJob, error) {
	var (
		j                      model.CrawlJob
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.SeedURL, &j.Status, &j.PagesCrawled, &j.PagesFailed, &j.TotalPages, &startedAt,
		&completedAt, &j.ErrorMessage, &j.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "crawl job")
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	slog.Error("failed to scan row.", slog.String("record", what), slog.String("err", err.Error()))
	return storageErr(err)
}

func expectOneRow(res sql.Result, id string, version int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: content %s changed since version %d", model.ErrConflict, id, version)
	}
	return nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStorage, err)
}
