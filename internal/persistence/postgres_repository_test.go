package persistence

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/content-proof/internal/model"
)

var (
	contentCols    = []string{"id", "url", "title", "original_text", "cleaned_text", "language", "status", "version", "created_at", "updated_at"}
	suggestionCols = []string{"id", "content_id", "original_text", "suggested_text", "error_type", "explanation",
		"confidence_score", "start_position", "end_position", "status", "created_at"}
)

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresRepository(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetContentByURL(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM content_proof.contents WHERE url = $1")).
		WithArgs("https://example.com/a").
		WillReturnRows(sqlmock.NewRows(contentCols).
			AddRow("c1", "https://example.com/a", "A", "raw", "clean", "en", "pending", 2, now, now))

	c, err := repo.GetContentByURL(context.Background(), "https://example.com/a")

	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, model.ContentPending, c.Status)
	assert.Equal(t, 2, c.Version)
	expectationsMet(t, mock)
}

func TestPostgresRepository_GetContent_NotFound(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM content_proof.contents WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetContent(context.Background(), "missing")

	assert.ErrorIs(t, err, model.ErrNotFound)
	expectationsMet(t, mock)
}

func TestPostgresRepository_UpdateContent_VersionConflict(t *testing.T) {
	repo, mock := newRepo(t)
	c := &model.Content{ID: "c1", Status: model.ContentPending, Version: 3}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.contents")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateContent(context.Background(), c)

	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, 3, c.Version)
	expectationsMet(t, mock)
}

func TestPostgresRepository_CreateContent_DuplicateURLIsConflict(t *testing.T) {
	repo, mock := newRepo(t)
	c := &model.Content{ID: "c2", URL: "https://example.com/a", Status: model.ContentPending}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO content_proof.contents")).
		WillReturnError(&pq.Error{Code: "23505", Message: `duplicate key value violates unique constraint "contents_url_key"`})

	err := repo.CreateContent(context.Background(), c)

	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NotErrorIs(t, err, model.ErrStorage)
	expectationsMet(t, mock)
}

func TestPostgresRepository_CreateContent_OtherErrorIsStorage(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO content_proof.contents")).
		WillReturnError(&pq.Error{Code: "23502", Message: "null value in column"})

	err := repo.CreateContent(context.Background(), &model.Content{ID: "c3", URL: "https://example.com/b"})

	assert.ErrorIs(t, err, model.ErrStorage)
	expectationsMet(t, mock)
}

func TestPostgresRepository_ListSuggestions_BuildsFilters(t *testing.T) {
	repo, mock := newRepo(t)
	minConf := 0.7
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM content_proof.suggestions WHERE content_id = $1 AND status = $2 AND confidence_score >= $3 "+
			"ORDER BY content_id, start_position, id LIMIT $4")).
		WithArgs("c1", "pending", 0.7, 10).
		WillReturnRows(sqlmock.NewRows(suggestionCols).
			AddRow("s1", "c1", "teh", "the", "spelling", "typo", 0.9, 4, 7, "pending", now))

	out, err := repo.ListSuggestions(context.Background(), model.SuggestionFilter{
		ContentID:     "c1",
		Status:        model.SuggestionPending,
		MinConfidence: &minConf,
		Limit:         10,
	})

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.ErrorSpelling, out[0].ErrorType)
	assert.Equal(t, 4, out[0].StartPosition)
	expectationsMet(t, mock)
}

func TestPostgresRepository_CommitApply(t *testing.T) {
	repo, mock := newRepo(t)
	c := &model.Content{ID: "c1", CleanedText: "new text", Status: model.ContentAnalyzed, Version: 1}
	applied := &model.Suggestion{ID: "s1", Status: model.SuggestionApplied}
	shifted := []*model.Suggestion{{ID: "s2", StartPosition: 23, EndPosition: 28}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.contents SET cleaned_text")).
		WithArgs("new text", "analyzed", sqlmock.AnyArg(), "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.suggestions SET status")).
		WithArgs("applied", "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.suggestions SET start_position")).
		WithArgs(23, 28, "s2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CommitApply(context.Background(), c, applied, shifted)

	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
	expectationsMet(t, mock)
}

func TestPostgresRepository_CommitApply_StaleVersionRollsBack(t *testing.T) {
	repo, mock := newRepo(t)
	c := &model.Content{ID: "c1", CleanedText: "new", Version: 1}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.contents SET cleaned_text")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CommitApply(context.Background(), c, &model.Suggestion{ID: "s1"}, nil)

	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, 1, c.Version)
	expectationsMet(t, mock)
}

func TestPostgresRepository_UpdateCrawlJob_NotFound(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_proof.crawl_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateCrawlJob(context.Background(), &model.CrawlJob{ID: "j1", Status: model.CrawlRunning})

	assert.ErrorIs(t, err, model.ErrNotFound)
	expectationsMet(t, mock)
}

func TestPostgresRepository_StorageErrorIsWrapped(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO content_proof.crawl_jobs")).
		WillReturnError(sql.ErrConnDone)

	err := repo.CreateCrawlJob(context.Background(), &model.CrawlJob{ID: "j1", SeedURL: "https://example.com"})

	assert.ErrorIs(t, err, model.ErrStorage)
	expectationsMet(t, mock)
}
