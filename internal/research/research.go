// Package research grounds subtasks in external material: web search results for
// web_search subtasks and page text for document_analysis subtasks that cite a URL.
package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// Result is one search hit
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// GoogleSearcher queries a Google Programmable Search Engine
type GoogleSearcher struct {
	svc *customsearch.Service
	cx  string
}

// NewGoogleSearcher creates a searcher for the engine cx
func NewGoogleSearcher(ctx context.Context, apiKey, cx string, opts ...option.ClientOption) (*GoogleSearcher, error) {
	if cx == "" {
		return nil, fmt.Errorf("search engine id (cx) is required")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create customsearch service: %w", err)
	}
	return &GoogleSearcher{
		svc: svc,
		cx:  cx,
	}, nil
}

// Search returns up to limit results (the API caps a page at 10)
func (g *GoogleSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	resp, err := g.svc.Cse.List().Cx(g.cx).Q(query).Num(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(resp.Items))
	seen := make(map[string]bool)
	for _, item := range resp.Items {
		if item.Link == "" || seen[item.Link] {
			continue
		}
		seen[item.Link] = true

		snippet := item.Snippet
		if item.HtmlSnippet != "" {
			if text, err := HTMLToText(item.HtmlSnippet); err == nil && text != "" {
				snippet = text
			}
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(item.Title),
			Link:    item.Link,
			Snippet: snippet,
		})
	}
	return results, nil
}

// HTMLToText flattens an HTML fragment into single-spaced text
func HTMLToText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// FormatResults renders results as a numbered list for a prompt
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No search results available."
	}
	var sb strings.Builder
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. %s\n   %s\n   %s\n", i+1, r.Title, r.Link, r.Snippet))
	}
	return strings.TrimRight(sb.String(), "\n")
}
