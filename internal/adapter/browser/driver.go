// Package browser implements domain.BrowserProvider against a remote
// page-driver gateway: a sidecar that owns the real browser pool and exposes
// page acquisition and per-page actions over JSON HTTP. Keeping the browser
// out of process means the core never links an automation runtime and page
// crashes stay contained in the sidecar.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

const closeTimeout = 10 * time.Second

// Provider acquires pages from the driver gateway.
type Provider struct {
	baseURL string
	hc      *http.Client
	log     *slog.Logger
}

// NewProvider builds a Provider for the gateway at baseURL. A nil client
// falls back to http.DefaultClient.
func NewProvider(baseURL string, hc *http.Client, log *slog.Logger) *Provider {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), hc: hc, log: log}
}

type cookiePayload struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

type createPageRequest struct {
	SurfaceID string            `json:"surface_id,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   []cookiePayload   `json:"cookies,omitempty"`
	Storage   map[string]string `json:"storage,omitempty"`
}

type createPageResponse struct {
	PageID string `json:"page_id"`
}

// Acquire implements domain.BrowserProvider: the gateway opens a page with
// the captured session's cookies and storage already applied.
func (p *Provider) Acquire(ctx context.Context, session domain.CapturedSession) (domain.BrowserPage, error) {
	payload := createPageRequest{
		SurfaceID: session.SurfaceID,
		UserAgent: session.UserAgent,
		Storage:   session.Storage,
	}
	for _, c := range session.Cookies {
		payload.Cookies = append(payload.Cookies, cookiePayload{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}

	var created createPageResponse
	if err := p.roundTrip(ctx, http.MethodPost, p.baseURL+"/v1/pages", payload, &created); err != nil {
		return nil, fmt.Errorf("op=browser.Acquire: %w", err)
	}
	if created.PageID == "" {
		return nil, fmt.Errorf("op=browser.Acquire: gateway returned no page id")
	}
	return &page{provider: p, id: created.PageID}, nil
}

func (p *Provider) roundTrip(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("driver request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return driverError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse driver response: %w", err)
	}
	return nil
}

// driverError surfaces the gateway's message verbatim so the adapter
// runtime's classifier sees the driver's wording (selector timeouts, captcha
// walls) rather than a generic status line.
func driverError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return fmt.Errorf("driver status %d: %s", resp.StatusCode, parsed.Error)
	}
	return fmt.Errorf("driver status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// page is one gateway-owned page, addressed by id.
type page struct {
	provider *Provider
	id       string
}

type actionRequest struct {
	Op        string `json:"op"`
	Selector  string `json:"selector,omitempty"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type actionResponse struct {
	Text       string `json:"text,omitempty"`
	HTML       string `json:"html,omitempty"`
	Screenshot []byte `json:"screenshot,omitempty"`
}

func (pg *page) do(ctx context.Context, action actionRequest) (actionResponse, error) {
	var out actionResponse
	url := pg.provider.baseURL + "/v1/pages/" + pg.id + "/actions"
	if err := pg.provider.roundTrip(ctx, http.MethodPost, url, action, &out); err != nil {
		return actionResponse{}, fmt.Errorf("op=browser.%s: %w", action.Op, err)
	}
	return out, nil
}

// Navigate implements domain.BrowserPage.
func (pg *page) Navigate(ctx context.Context, url string) error {
	_, err := pg.do(ctx, actionRequest{Op: "navigate", URL: url})
	return err
}

// WaitVisible implements domain.BrowserPage.
func (pg *page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := pg.do(ctx, actionRequest{Op: "wait_visible", Selector: selector, TimeoutMS: timeout.Milliseconds()})
	return err
}

// Fill implements domain.BrowserPage.
func (pg *page) Fill(ctx context.Context, selector, text string) error {
	_, err := pg.do(ctx, actionRequest{Op: "fill", Selector: selector, Text: text})
	return err
}

// Click implements domain.BrowserPage.
func (pg *page) Click(ctx context.Context, selector string) error {
	_, err := pg.do(ctx, actionRequest{Op: "click", Selector: selector})
	return err
}

// Text implements domain.BrowserPage.
func (pg *page) Text(ctx context.Context, selector string) (string, error) {
	out, err := pg.do(ctx, actionRequest{Op: "text", Selector: selector})
	return out.Text, err
}

// HTML implements domain.BrowserPage.
func (pg *page) HTML(ctx context.Context) (string, error) {
	out, err := pg.do(ctx, actionRequest{Op: "html"})
	return out.HTML, err
}

// Screenshot implements domain.BrowserPage.
func (pg *page) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := pg.do(ctx, actionRequest{Op: "screenshot"})
	return out.Screenshot, err
}

// Close releases the page back to the gateway pool. Callers invoke it from
// defers with no context, so it carries its own deadline.
func (pg *page) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	url := pg.provider.baseURL + "/v1/pages/" + pg.id
	if err := pg.provider.roundTrip(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("op=browser.Close: %w", err)
	}
	return nil
}
