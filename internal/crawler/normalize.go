package crawler

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/purell"
)

var ErrInvalidURL = errors.New("invalid url")

const normalizeFlags = purell.FlagsSafe | purell.FlagRemoveFragment | purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes

// NormalizeURL returns the canonical scheme, host and path of an absolute http(s) url. It is the dedup
// key of the visited set and of stored content, so the query and the fragment are dropped.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	return normalize(u)
}

func normalize(u *url.URL) (string, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	cp := *u
	cp.RawQuery, cp.ForceQuery = "", false
	if cp.Path == "" && cp.Opaque == "" {
		cp.Path = "/"
	}
	return purell.NormalizeURL(&cp, normalizeFlags), nil
}

// hostOf returns the host of an already normalized url.
func hostOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Host
}
