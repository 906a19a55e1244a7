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

	"github.com/torbolabs/torbo/internal/netguard"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
)

// WebFetchTool fetches a URL and returns readable text. Every hop,
// redirects included, goes through the SSRF guard unless protection is
// switched off for development.
type WebFetchTool struct {
	client      *http.Client
	maxChars    int
	ssrfProtect bool
}

func NewWebFetchTool(maxChars int, ssrfProtect bool) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	t := &WebFetchTool{maxChars: maxChars, ssrfProtect: ssrfProtect}
	t.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("too many redirects")
			}
			if t.ssrfProtect {
				if err := netguard.CheckURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
			}
			return nil
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its text content. Supports HTML, JSON and plain text."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"maxChars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if t.ssrfProtect {
		if err := netguard.CheckURL(rawURL); err != nil {
			return Errorf("blocked: %v", err)
		}
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Errorf("create request: %v", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)
	req.Header.Set("Accept", "text/html,application/json,text/plain,*/*")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Errorf("read response: %v", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := extractText(string(body), contentType)
	if len(text) > maxChars {
		text = text[:maxChars] + "\n[content truncated]"
	}
	return NewResult(fmt.Sprintf("Content of %s:\n%s", rawURL, text))
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\w+>`)
	blockRe  = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6])[^>]*>`)
	spaceRe  = regexp.MustCompile(`\n{3,}`)
)

// extractText reduces HTML to plain text; JSON and text pass through.
func extractText(body, contentType string) string {
	if !strings.Contains(contentType, "html") {
		return strings.TrimSpace(body)
	}
	text := scriptRe.ReplaceAllString(body, "")
	text = blockRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
