package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	searchTimeout   = 15 * time.Second
	searchUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebSearchTool queries DuckDuckGo's HTML endpoint. No API key needed.
type WebSearchTool struct {
	client     *http.Client
	baseURL    string
	maxResults int
}

func NewWebSearchTool(maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		client:     &http.Client{Timeout: searchTimeout},
		baseURL:    "https://html.duckduckgo.com/html/",
		maxResults: maxResults,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets for the top results."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]any{
				"type":        "number",
				"description": "Number of results to return.",
			},
		},
		"required": []string{"query"},
	}
}

type searchResult struct {
	Title       string
	URL         string
	Description string
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := t.maxResults
	if c, ok := args["count"].(float64); ok && int(c) > 0 && int(c) < count {
		count = int(c)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return Errorf("create request: %v", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("search failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return Errorf("read response: %v", err)
	}

	results := extractDDGResults(string(body), count)
	if len(results) == 0 {
		return NewResult(fmt.Sprintf("No results found for %q.", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
	}
	return NewResult(sb.String())
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(html string, count int) []searchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		results = append(results, searchResult{
			Title:       strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], "")),
			URL:         unwrapDDGRedirect(linkMatches[i][1]),
			Description: snippetAt(snippetMatches, i),
		})
	}
	return results
}

func snippetAt(matches [][]string, i int) string {
	if i >= len(matches) {
		return ""
	}
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(matches[i][1], ""))
}

// unwrapDDGRedirect extracts the destination from DDG's redirect wrapper,
// which carries the real URL in a uddg= parameter.
func unwrapDDGRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	extracted := u[idx+5:]
	if amp := strings.Index(extracted, "&"); amp != -1 {
		extracted = extracted[:amp]
	}
	return extracted
}
