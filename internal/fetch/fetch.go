// Package fetch downloads web pages and reduces them to readable text.
// It backs the bundled web_fetch action: the agent asks for a URL, the
// fetcher strips scripts, navigation, and other boilerplate, and the
// remaining text goes back into the conversation as the action result.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/reeve/internal/httpkit"
)

const (
	// DefaultTimeout bounds one page download.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps how much of a response body is read.
	DefaultMaxBytes int64 = 2 * 1024 * 1024

	// DefaultMaxChars caps the extracted text handed back to the agent.
	DefaultMaxChars = 50000
)

// Result is the extracted content for one fetched URL. It is serialized
// into the action result memory, so the field names are part of what
// the model sees.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads pages over the shared HTTP stack.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher. maxBytes caps how much of each response body
// is read; zero means DefaultMaxBytes.
func New(maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: maxBytes,
	}
}

// Fetch downloads rawURL and extracts readable text. maxChars limits
// the returned content; zero means DefaultMaxChars. A bare hostname is
// promoted to https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}

	res := &Result{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(res.ContentType):
		res.Title, res.Content = ExtractReadable(string(body))
	case isText(res.ContentType), utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("binary content (%s), %d bytes", res.ContentType, len(body))
		res.Length = len(body)
		return res, nil
	}

	if len(res.Content) > maxChars {
		res.Content = truncateRunes(res.Content, maxChars)
		res.Truncated = true
	}
	res.Length = len(res.Content)
	return res, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateRunes cuts s after n runes without splitting a multi-byte
// character.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count >= n {
			return s[:i]
		}
		count++
	}
	return s
}
