package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Page is a fetched response. URL is the final url after redirects.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

func (p *Page) IsSuccess() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

func (p *Page) IsHTML() bool {
	ct := strings.ToLower(p.ContentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(client *http.Client, userAgent string, maxBodyBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:       client,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
	}
}

// Fetch returns the page for any status code. Only transport failures are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create a request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make a request to the url: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			slog.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}()

	page := &Page{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if !page.IsSuccess() || !page.IsHTML() {
		return page, nil
	}

	var reader io.Reader = resp.Body
	if f.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodyBytes)
	}
	page.Body, err = io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read the response body: %w", err)
	}

	return page, nil
}
