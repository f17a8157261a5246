package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultUserAgent is sent with page requests
const DefaultUserAgent = "Mozilla/5.0 (compatible; Investigator/1.0)"

// FetchError represents an error while reading a page
type FetchError struct {
	URL     string
	Message string
	Cause   error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", e.URL, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// PageReader downloads pages and extracts their main text
type PageReader struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// NewPageReader creates a reader bounded by timeout, response size and output length
func NewPageReader(timeout time.Duration, maxBytes int64, maxChars int) *PageReader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &PageReader{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		maxChars: maxChars,
	}
}

// Read fetches rawURL and returns its main text, truncated to the configured length
func (p *PageReader) Read(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", &FetchError{URL: rawURL, Message: "invalid URL", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &FetchError{URL: rawURL, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: rawURL, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: rawURL, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes))
	if err != nil {
		return "", &FetchError{URL: rawURL, Message: "failed to read response body", Cause: err}
	}

	text, err := ExtractMainText(string(body))
	if err != nil {
		return "", &FetchError{URL: rawURL, Message: "failed to extract text", Cause: err}
	}
	if r := []rune(text); len(r) > p.maxChars {
		text = string(r[:p.maxChars])
	}
	return text, nil
}

var contentSelectors = []string{"main", "article", ".content", "#content", ".main-content", "#main-content"}

// ExtractMainText strips page chrome and returns the text of the main content block
func ExtractMainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("nav, footer, header, script, style, noscript, aside, form, .ad, .ads, .sidebar, .cookie-banner").Remove()

	content := doc.Find("body")
	for _, selector := range contentSelectors {
		if sel := doc.Find(selector); sel.Length() > 0 {
			content = sel.First()
			break
		}
	}

	var lines []string
	for _, line := range strings.Split(content.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// FindURLs returns the distinct http(s) URLs mentioned in text, in order
func FindURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
