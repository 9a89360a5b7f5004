package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"go.uber.org/zap"
)

// WebGetTool fetches a page and extracts its main readable content,
// grounded on original_source/api/tools/core_web.py's web_get /
// extract_article_content / extract_full_page_content, using goquery in
// place of BeautifulSoup for DOM selection.
type WebGetTool struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebGetTool(logger *zap.Logger) *WebGetTool {
	return &WebGetTool{
		client: &http.Client{},
		logger: logger,
	}
}

var _ domaintool.Tool = (*WebGetTool)(nil)

func (t *WebGetTool) Name() string        { return "web_get" }
func (t *WebGetTool) Description() string { return "Fetch web page content with optional article extraction" }
func (t *WebGetTool) Kind() domaintool.Kind { return domaintool.KindFetch }

func (t *WebGetTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url":          map[string]interface{}{"type": "string"},
			"article_mode": map[string]interface{}{"type": "boolean", "default": true},
			"timeout":      map[string]interface{}{"type": "integer", "default": 20},
		},
		"required": []string{"url"},
	}
}

const webGetMaxChars = 8000

var contentSelectors = []string{
	`div[class*="content"]`, `div[class*="article"]`, `div[class*="post"]`, `div[class*="story"]`,
	`div[id*="content"]`, `div[id*="article"]`, `div[id*="main"]`,
}

func (t *WebGetTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	rawURL := stringArg(args, "url", "")
	if strings.TrimSpace(rawURL) == "" {
		return failResult(fmt.Errorf("URL cannot be empty")), nil
	}
	articleMode := true
	if v, ok := args["article_mode"].(bool); ok {
		articleMode = v
	}
	timeoutSecs := intArg(args, "timeout", 20)

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return failResult(fmt.Errorf("invalid URL format: %s", rawURL)), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return failResult(fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return failResult(err), nil
	}
	req.Header.Set("User-Agent", "agentgateway/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	t.logger.Info("Fetching URL", zap.String("url", rawURL))
	resp, err := t.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return failResult(fmt.Errorf("request timeout after %ds", timeoutSecs)), nil
		}
		return failResult(fmt.Errorf("connection failed to %s: %w", rawURL, err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failResult(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)), nil
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") {
		return failResult(fmt.Errorf("non-HTML content type: %s", contentType)), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return failResult(fmt.Errorf("parse HTML: %w", err)), nil
	}

	var content string
	if articleMode {
		content = extractArticleContent(doc)
	} else {
		content = extractFullPageContent(doc)
	}

	content = strings.TrimSpace(content)
	if len(content) < 10 {
		return failResult(fmt.Errorf("no meaningful content extracted from page")), nil
	}
	if len(content) > webGetMaxChars {
		content = content[:webGetMaxChars] + "... [content clipped]"
	}

	t.logger.Info("Fetched page", zap.Int("chars", len(content)), zap.String("url", rawURL))
	return &domaintool.Result{Output: content, Success: true}, nil
}

func extractArticleContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, advertisement, ads").Remove()

	var main *goquery.Selection
	if s := doc.Find("main").First(); s.Length() > 0 {
		main = s
	} else if s := doc.Find("article").First(); s.Length() > 0 {
		main = s
	}

	if main == nil {
		var best *goquery.Selection
		bestLen := 0
		for _, sel := range contentSelectors {
			doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
				if l := len(s.Text()); l > bestLen {
					bestLen = l
					best = s
				}
			})
			if best != nil {
				break
			}
		}
		main = best
	}

	if main == nil {
		if body := doc.Find("body").First(); body.Length() > 0 {
			main = body
		} else {
			main = doc.Selection
		}
	}

	text := cleanLines(main.Text(), 5)

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		head := text
		if len(head) > 200 {
			head = head[:200]
		}
		if !strings.Contains(head, title) {
			text = fmt.Sprintf("Title: %s\n\n%s", title, text)
		}
	}
	return text
}

func extractFullPageContent(doc *goquery.Document) string {
	doc.Find("script, style").Remove()
	return cleanLines(doc.Text(), 0)
}

func cleanLines(text string, minLen int) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) <= minLen {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
