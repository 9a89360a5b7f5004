package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestWebGetTool_ExtractsArticleContent(t *testing.T) {
	html := `<html><head><title>Example Article</title></head><body>
		<nav>nav stuff</nav>
		<article><p>This is the real article content that matters.</p></article>
		<footer>footer stuff</footer>
	</body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
	}))
	defer srv.Close()

	tool := NewWebGetTool(zap.NewNop())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, "real article content") {
		t.Fatalf("expected article text, got %q", res.Output)
	}
	if strings.Contains(res.Output, "nav stuff") || strings.Contains(res.Output, "footer stuff") {
		t.Fatalf("expected nav/footer stripped, got %q", res.Output)
	}
}

func TestWebGetTool_RejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tool := NewWebGetTool(zap.NewNop())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for non-HTML content type")
	}
}

func TestWebGetTool_RejectsInvalidURL(t *testing.T) {
	tool := NewWebGetTool(zap.NewNop())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": "not-a-url"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for invalid URL")
	}
}

func TestWebGetTool_RejectsEmptyURL(t *testing.T) {
	tool := NewWebGetTool(zap.NewNop())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": ""})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for empty URL")
	}
}
