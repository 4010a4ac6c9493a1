// Package fetch downloads a web page and reduces it to readable text for
// the fetch_webpage tool, dropping scripts, navigation, and boilerplate.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/httpkit"
)

const (
	// defaultTimeout bounds the whole request.
	defaultTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a response we read (5 MB).
	maxBodyBytes int64 = 5 << 20

	// DefaultMaxChars is the default extracted-text limit.
	DefaultMaxChars = 50000
)

// Page is the readable form of a fetched URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages through the shared HTTP client stack.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with sane defaults.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(httpkit.WithTimeout(defaultTimeout)),
	}
}

// Fetch downloads rawURL and returns its readable text. maxChars limits
// the extracted text; 0 means DefaultMaxChars. A scheme-less URL is
// assumed to be https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if strings.TrimSpace(rawURL) == "" {
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
		return nil, fmt.Errorf("fetch: invalid url %q: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}

	page := &Page{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(page.ContentType):
		page.Title, page.Text = ReadableText(string(body))
	case utf8.Valid(body):
		page.Text = string(body)
	default:
		page.Text = fmt.Sprintf("binary content (%s), %d bytes", page.ContentType, len(body))
		return page, nil
	}

	if len(page.Text) > maxChars {
		page.Text = cutUTF8(page.Text, maxChars)
		page.Truncated = true
	}
	return page, nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// cutUTF8 truncates without splitting a multi-byte rune.
func cutUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for i := max; i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return s[:i]
		}
	}
	return ""
}
