package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

func surfaceFor(id string, cat domain.SurfaceCategory) domain.Surface {
	return domain.Surface{ID: id, Category: cat, Cost: domain.SurfaceCost{PerQuery: 0.005}}
}

const googlePage = `<html><head><title>shoes - Search</title></head><body>
<div data-attrid="ai-overview">
  The most recommended running shoes are the Nike Pegasus and Brooks Ghost.
  <a href="https://runnersworld.com/best">source</a>
</div>
<div class="g">
  <a href="https://www.nike.com/pegasus"><h3>Nike Pegasus 41</h3></a>
  <div data-sncf="1">Responsive daily trainer.</div>
</div>
<div class="g">
  <a href="https://www.brooksrunning.com/ghost"><h3>Brooks Ghost 16</h3></a>
  <div data-sncf="1">Soft neutral cushioning.</div>
</div>
</body></html>`

func TestGoogleParsesOrganicAndOverview(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "best running shoes", r.URL.Query().Get("q"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(googlePage))
	}))
	defer srv.Close()

	leaf := NewGoogle(surfaceFor("google-search", domain.CategorySearchEngine), srv.Client(), srv.URL)
	resp, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "best running shoes"})
	require.NoError(t, err)
	require.NotNil(t, resp.Structured)
	assert.Contains(t, resp.Structured.AIOverview, "Nike Pegasus")
	assert.Equal(t, []string{"https://runnersworld.com/best"}, resp.Structured.Citations)
	require.Len(t, resp.Structured.SearchResults, 2)
	assert.Equal(t, 1, resp.Structured.SearchResults[0].Rank)
	assert.Equal(t, "Nike Pegasus 41", resp.Structured.SearchResults[0].Title)
	assert.Equal(t, "https://www.nike.com/pegasus", resp.Structured.SearchResults[0].URL)
	assert.Equal(t, "Responsive daily trainer.", resp.Structured.SearchResults[0].Snippet)
	// flattened text carries the overview then the ranked results
	assert.Contains(t, resp.ResponseText, "most recommended running shoes")
	assert.Contains(t, resp.ResponseText, "2. Brooks Ghost 16")
}

func TestGoogleCaptchaWallFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Robot Check</title></head><body><form action="/captcha"></form></body></html>`))
	}))
	defer srv.Close()

	leaf := NewGoogle(surfaceFor("google-search", domain.CategorySearchEngine), srv.Client(), srv.URL)
	_, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captcha")
}

func TestGoogleEmptyPageIsInvalid(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>nothing here</p></body></html>`))
	}))
	defer srv.Close()

	leaf := NewGoogle(surfaceFor("google-search", domain.CategorySearchEngine), srv.Client(), srv.URL)
	_, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid results page")
}

func TestBingParsesResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><ol>
<li class="b_algo"><h2><a href="https://example.com/a">Result A</a></h2><p>Snippet A.</p></li>
<li class="b_algo"><h2><a href="https://example.com/b">Result B</a></h2><p>Snippet B.</p></li>
</ol></body></html>`))
	}))
	defer srv.Close()

	leaf := NewBing(surfaceFor("bing-search", domain.CategorySearchEngine), srv.Client(), srv.URL)
	resp, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Structured.SearchResults, 2)
	assert.Equal(t, "Result A", resp.Structured.SearchResults[0].Title)
	assert.Equal(t, "Snippet B.", resp.Structured.SearchResults[1].Snippet)
}

func TestAmazonParsesListings(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/s", r.URL.Path)
		require.Equal(t, "running shoes", r.URL.Query().Get("k"))
		_, _ = w.Write([]byte(`<html><body>
<div data-component-type="s-search-result">
  <h2>Nike Air Zoom Pegasus</h2>
  <a href="/dp/B0EXAMPLE">view</a>
  <span class="a-price">$129.99</span>
</div>
</body></html>`))
	}))
	defer srv.Close()

	leaf := NewAmazon(surfaceFor("amazon-web", domain.CategoryECommerce), srv.Client(), srv.URL)
	resp, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "running shoes"})
	require.NoError(t, err)
	require.Len(t, resp.Structured.SearchResults, 1)
	assert.Equal(t, "Nike Air Zoom Pegasus", resp.Structured.SearchResults[0].Title)
	assert.Equal(t, "$129.99", resp.Structured.SearchResults[0].Snippet)
}

func TestZapposParsesCards(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<article><a href="/p/nike-pegasus/product/12345">Nike Pegasus 41</a></article>
<article><a href="/p/brooks-ghost/product/67890">Brooks Ghost 16</a></article>
</body></html>`))
	}))
	defer srv.Close()

	leaf := NewZappos(surfaceFor("zappos-web", domain.CategoryECommerce), srv.Client(), srv.URL)
	resp, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{QueryText: "running shoes"})
	require.NoError(t, err)
	require.Len(t, resp.Structured.SearchResults, 2)
	assert.Equal(t, 2, resp.Structured.SearchResults[1].Rank)
}

func TestScraperEvidenceCapture(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(googlePage))
	}))
	defer srv.Close()

	leaf := NewGoogle(surfaceFor("google-search", domain.CategorySearchEngine), srv.Client(), srv.URL)
	resp, err := leaf.ExecuteQuery(context.Background(), domain.QueryRequest{
		QueryText:     "q",
		EvidenceLevel: domain.EvidenceFull,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Evidence)
	assert.Contains(t, resp.Evidence.HTML, "ai-overview")
	assert.NotEmpty(t, resp.Evidence.ContentHash)
	assert.Contains(t, resp.Evidence.URL, "/search?q=q")
}
