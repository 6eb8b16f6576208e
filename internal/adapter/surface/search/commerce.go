package search

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// NewAmazon builds the amazon-web leaf: ranked product listings for a search
// term.
func NewAmazon(surface domain.Surface, client *http.Client, baseURL string) *Scraper {
	if baseURL == "" {
		baseURL = "https://www.amazon.com"
	}
	return &Scraper{
		surface: surface,
		buildURL: func(q string) string {
			return fmt.Sprintf("%s/s?k=%s", baseURL, escapeQuery(q))
		},
		parse:     parseAmazon,
		client:    client,
		userAgent: defaultUserAgent,
	}
}

// parseAmazon reads div[data-component-type=s-search-result] listing blocks.
func parseAmazon(doc *html.Node) (domain.Structured, error) {
	var st domain.Structured
	rank := 0
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "div" ||
			attr(n, "data-component-type") != "s-search-result" {
			return true
		}
		title := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "h2"
		})
		link := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "a" && attr(m, "href") != ""
		})
		if title == nil || link == nil {
			return false
		}
		price := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "span" && hasClass(m, "a-price")
		})
		rank++
		r := domain.SearchResult{Rank: rank, Title: collectText(title), URL: attr(link, "href")}
		if price != nil {
			r.Snippet = collectText(price)
		}
		st.SearchResults = append(st.SearchResults, r)
		return false
	})
	if len(st.SearchResults) == 0 {
		return st, fmt.Errorf("invalid results page: no listings found")
	}
	return st, nil
}

// NewZappos builds the zappos-web leaf.
func NewZappos(surface domain.Surface, client *http.Client, baseURL string) *Scraper {
	if baseURL == "" {
		baseURL = "https://www.zappos.com"
	}
	return &Scraper{
		surface: surface,
		buildURL: func(q string) string {
			return fmt.Sprintf("%s/search?term=%s", baseURL, escapeQuery(q))
		},
		parse:     parseZappos,
		client:    client,
		userAgent: defaultUserAgent,
	}
}

// parseZappos reads article product cards.
func parseZappos(doc *html.Node) (domain.Structured, error) {
	var st domain.Structured
	rank := 0
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "article" {
			return true
		}
		link := firstMatch(n, func(m *html.Node) bool {
			return m.Type == html.ElementNode && m.Data == "a" && strings.Contains(attr(m, "href"), "/p/")
		})
		if link == nil {
			return false
		}
		rank++
		st.SearchResults = append(st.SearchResults, domain.SearchResult{
			Rank:  rank,
			Title: collectText(link),
			URL:   attr(link, "href"),
		})
		return false
	})
	if len(st.SearchResults) == 0 {
		return st, fmt.Errorf("invalid results page: no listings found")
	}
	return st, nil
}
