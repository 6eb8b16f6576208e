package search

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// NewGoogle builds the google-search leaf: organic results plus the AI
// overview block when one is served. baseURL overrides the live endpoint in
// tests; empty means google.com.
func NewGoogle(surface domain.Surface, client *http.Client, baseURL string) *Scraper {
	if baseURL == "" {
		baseURL = "https://www.google.com"
	}
	return &Scraper{
		surface: surface,
		buildURL: func(q string) string {
			return fmt.Sprintf("%s/search?q=%s&hl=en", baseURL, escapeQuery(q))
		},
		parse:     parseGoogle,
		client:    client,
		userAgent: defaultUserAgent,
	}
}

// parseGoogle reads the organic result blocks (div.g) and the AI overview
// container. Selectors track google's markup as of mid-2025.
func parseGoogle(doc *html.Node) (domain.Structured, error) {
	var st domain.Structured

	if ai := firstMatch(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "div" &&
			(attr(n, "data-attrid") == "ai-overview" || hasClass(n, "ai-overview"))
	}); ai != nil {
		st.AIOverview = collectText(ai)
		walk(ai, func(n *html.Node) bool {
			if n.Type == html.ElementNode && n.Data == "a" {
				if href := attr(n, "href"); strings.HasPrefix(href, "http") {
					st.Citations = append(st.Citations, href)
				}
			}
			return true
		})
	}

	rank := 0
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "div" || !hasClass(n, "g") {
			return true
		}
		link := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "a" && strings.HasPrefix(attr(m, "href"), "http")
		})
		title := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "h3"
		})
		if link == nil || title == nil {
			return false
		}
		snippet := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "div" && attr(m, "data-sncf") != ""
		})
		rank++
		r := domain.SearchResult{
			Rank:  rank,
			Title: collectText(title),
			URL:   attr(link, "href"),
		}
		if snippet != nil {
			r.Snippet = collectText(snippet)
		}
		st.SearchResults = append(st.SearchResults, r)
		return false
	})

	if len(st.SearchResults) == 0 && st.AIOverview == "" {
		return st, fmt.Errorf("invalid results page: no organic results found")
	}
	return st, nil
}

// NewBing builds the bing-search leaf.
func NewBing(surface domain.Surface, client *http.Client, baseURL string) *Scraper {
	if baseURL == "" {
		baseURL = "https://www.bing.com"
	}
	return &Scraper{
		surface: surface,
		buildURL: func(q string) string {
			return fmt.Sprintf("%s/search?q=%s", baseURL, escapeQuery(q))
		},
		parse:     parseBing,
		client:    client,
		userAgent: defaultUserAgent,
	}
}

// parseBing reads li.b_algo result blocks.
func parseBing(doc *html.Node) (domain.Structured, error) {
	var st domain.Structured
	rank := 0
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "li" || !hasClass(n, "b_algo") {
			return true
		}
		link := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "a" && strings.HasPrefix(attr(m, "href"), "http")
		})
		if link == nil {
			return false
		}
		snippet := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "p"
		})
		rank++
		r := domain.SearchResult{Rank: rank, Title: collectText(link), URL: attr(link, "href")}
		if snippet != nil {
			r.Snippet = collectText(snippet)
		}
		st.SearchResults = append(st.SearchResults, r)
		return false
	})
	if len(st.SearchResults) == 0 {
		return st, fmt.Errorf("invalid results page: no organic results found")
	}
	return st, nil
}
