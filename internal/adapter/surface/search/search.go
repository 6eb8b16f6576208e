// Package search implements the unauthenticated scraping leaves: the search
// engines (Google, Bing) and the e-commerce listings (Amazon, Zappos). Each
// surface is one fetch of a results page plus an HTML parse into structured
// results; the response text is a flattened rendering the validator and
// analyzers can treat like any other answer.
package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/pkg/textx"
)

// desktop UA; headless-default agents get served captcha walls far more often
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// parseFunc turns a fetched document into structured results.
type parseFunc func(doc *html.Node) (domain.Structured, error)

// Scraper is one scraping leaf: a URL template plus a parser.
type Scraper struct {
	surface   domain.Surface
	buildURL  func(query string) string
	parse     parseFunc
	client    *http.Client
	userAgent string
}

// Metadata implements domain.SurfaceCapability.
func (s *Scraper) Metadata() domain.Surface { return s.surface }

// ExecuteQuery implements domain.SurfaceCapability.
func (s *Scraper) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	target := s.buildURL(req.QueryText)
	started := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.QueryResponse{}, err
	}
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s request: %w", s.surface.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.QueryResponse{}, fmt.Errorf("%s status %d %s", s.surface.ID, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s parse html: %w", s.surface.ID, err)
	}
	if isCaptchaPage(doc) {
		return domain.QueryResponse{}, fmt.Errorf("%s returned a captcha challenge", s.surface.ID)
	}
	structured, err := s.parse(doc)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s: %w", s.surface.ID, err)
	}

	out := domain.QueryResponse{
		Success:      true,
		ResponseText: renderText(structured),
		Structured:   &structured,
		Timing:       domain.Timing{Response: time.Since(started)},
	}
	if req.EvidenceLevel == domain.EvidenceMetadata || req.EvidenceLevel == domain.EvidenceFull {
		ev := &domain.Evidence{
			Level:       req.EvidenceLevel,
			URL:         target,
			ContentHash: domain.HashContent([]byte(out.ResponseText)),
			CapturedAt:  time.Now().UTC(),
			Metadata:    map[string]string{"surface_id": s.surface.ID},
		}
		if req.EvidenceLevel == domain.EvidenceFull {
			var sb strings.Builder
			_ = html.Render(&sb, doc)
			ev.HTML = sb.String()
		}
		out.Evidence = ev
	}
	return out, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability: the front page must
// answer 2xx without a captcha wall.
func (s *Scraper) ExecuteHealthCheck(ctx context.Context) error {
	_, err := s.ExecuteQuery(ctx, domain.QueryRequest{QueryText: "ping"})
	return err
}

// renderText flattens structured results into the canonical response text:
// AI overview first, then ranked results.
func renderText(st domain.Structured) string {
	var sb strings.Builder
	if st.AIOverview != "" {
		sb.WriteString(st.AIOverview)
		sb.WriteString("\n\n")
	}
	for _, r := range st.SearchResults {
		fmt.Fprintf(&sb, "%d. %s\n", r.Rank, r.Title)
		if r.Snippet != "" {
			sb.WriteString(r.Snippet)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

func isCaptchaPage(doc *html.Node) bool {
	found := false
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "form" &&
			strings.Contains(attr(n, "action"), "captcha") {
			found = true
			return false
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title := strings.ToLower(collectText(n))
			if strings.Contains(title, "robot check") || strings.Contains(title, "captcha") {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// walk runs fn over the tree depth-first; fn returning false prunes descent.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// collectText concatenates the text nodes under n.
func collectText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(m *html.Node) bool {
		if m.Type == html.TextNode {
			sb.WriteString(m.Data)
			sb.WriteString(" ")
		}
		return true
	})
	return textx.NormalizeWhitespace(sb.String())
}

func firstMatch(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(m *html.Node) bool {
		if found != nil {
			return false
		}
		if match(m) {
			found = m
			return false
		}
		return true
	})
	return found
}

func escapeQuery(q string) string { return url.QueryEscape(q) }
