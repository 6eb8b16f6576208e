// Package web implements the browser-driven surface leaves: consumer
// chatbots and Amazon Rufus, all queried through a captured login session.
// Each surface is described by a site profile (locators plus timing); the
// capability itself is one generic drive loop over the profile.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/pkg/textx"
)

// Profile describes how to drive one site: where to type, how to submit,
// where the answer lands, and how long a quiet answer means the stream is
// done.
type Profile struct {
	URL              string
	InputSelectors   []string // tried in order, first visible one wins
	SubmitSelector   string
	ResponseSelector string
	NewChatSelector  string // optional, clicked before typing to reset context
	ReadyTimeout     time.Duration
	StabilizeWindow  time.Duration // answer unchanged this long counts as complete
	StabilizeTimeout time.Duration
}

func (p Profile) withDefaults() Profile {
	if p.ReadyTimeout <= 0 {
		p.ReadyTimeout = 20 * time.Second
	}
	if p.StabilizeWindow <= 0 {
		p.StabilizeWindow = 2 * time.Second
	}
	if p.StabilizeTimeout <= 0 {
		p.StabilizeTimeout = 90 * time.Second
	}
	return p
}

// Profiles maps surface ids onto their site profiles. Locators drift with
// site redesigns; keeping them data makes that a config change.
var Profiles = map[string]Profile{
	"chatgpt-web": {
		URL:              "https://chatgpt.com/",
		InputSelectors:   []string{`#prompt-textarea`, `div[contenteditable="true"]`},
		SubmitSelector:   `button[data-testid="send-button"]`,
		ResponseSelector: `div[data-message-author-role="assistant"]`,
		NewChatSelector:  `a[data-testid="create-new-chat-button"]`,
	},
	"perplexity-web": {
		URL:              "https://www.perplexity.ai/",
		InputSelectors:   []string{`textarea[placeholder*="Ask"]`, `div[contenteditable="true"][role="textbox"]`},
		SubmitSelector:   `button[aria-label="Submit"]`,
		ResponseSelector: `div[class*="prose"]`,
	},
	"meta-ai-web": {
		URL:              "https://www.meta.ai/",
		InputSelectors:   []string{`textarea[placeholder*="Ask Meta AI"]`, `div[role="textbox"][aria-label*="Meta AI"]`},
		SubmitSelector:   `div[aria-label="Send message"]`,
		ResponseSelector: `div[data-testid="bot-response"]`,
	},
	"copilot-web": {
		URL:              "https://copilot.microsoft.com/",
		InputSelectors:   []string{`textarea#userInput`, `textarea[placeholder*="Message Copilot"]`},
		SubmitSelector:   `button[title="Submit message"]`,
		ResponseSelector: `div[data-content="ai-message"]`,
	},
	"x-grok-web": {
		URL:              "https://x.com/i/grok",
		InputSelectors:   []string{`textarea[placeholder*="Ask anything"]`, `div[data-testid="grok-composer"] textarea`},
		SubmitSelector:   `button[aria-label="Grok something"]`,
		ResponseSelector: `div[data-testid="markdown-content"]`,
	},
	"amazon-rufus": {
		URL:              "https://www.amazon.com/",
		InputSelectors:   []string{`input#rufus-text-input`, `input[placeholder*="Ask Rufus"]`},
		SubmitSelector:   `button#rufus-submit`,
		ResponseSelector: `div.rufus-response`,
		ReadyTimeout:     30 * time.Second,
	},
}

// Chatbot drives one browser-based surface through its site profile.
type Chatbot struct {
	surface  domain.Surface
	profile  Profile
	browser  domain.BrowserProvider
	sessions domain.SessionStore
	log      *slog.Logger
}

// NewChatbot builds a browser leaf for the given surface. The profile comes
// from Profiles unless overridden.
func NewChatbot(surface domain.Surface, profile Profile, browser domain.BrowserProvider, sessions domain.SessionStore, log *slog.Logger) *Chatbot {
	if log == nil {
		log = slog.Default()
	}
	return &Chatbot{
		surface:  surface,
		profile:  profile.withDefaults(),
		browser:  browser,
		sessions: sessions,
		log:      log.With(slog.String("surface_id", surface.ID)),
	}
}

// Metadata implements domain.SurfaceCapability.
func (c *Chatbot) Metadata() domain.Surface { return c.surface }

// ExecuteQuery implements domain.SurfaceCapability. One query is one fresh
// conversation: navigate, reset context, type, submit, wait for the answer to
// stabilize, then capture evidence per the requested level.
func (c *Chatbot) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	started := time.Now()

	session, err := c.sessions.Fetch(ctx, c.surface.ID, req.SessionScope)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("fetch session for %s: %w", c.surface.ID, err)
	}
	page, err := c.browser.Acquire(ctx, session)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("acquire page for %s: %w", c.surface.ID, err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			c.log.Warn("page close failed", slog.Any("error", cerr))
		}
	}()

	if err := page.Navigate(ctx, c.profile.URL); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("navigate %s: %w", c.profile.URL, err)
	}
	input, err := c.locateInput(ctx, page)
	if err != nil {
		return domain.QueryResponse{}, err
	}
	if c.profile.NewChatSelector != "" {
		if err := page.Click(ctx, c.profile.NewChatSelector); err != nil {
			c.log.Debug("new-chat reset unavailable", slog.Any("error", err))
		}
	}

	if err := page.Fill(ctx, input, req.QueryText); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("fill query: %w", err)
	}
	if err := page.Click(ctx, c.profile.SubmitSelector); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("submit query: %w", err)
	}

	text, err := c.awaitStableResponse(ctx, page)
	if err != nil {
		return domain.QueryResponse{}, err
	}

	resp := domain.QueryResponse{
		Success:      true,
		ResponseText: textx.SanitizeText(text),
		Timing:       domain.Timing{Response: time.Since(started)},
	}
	if ev, err := c.captureEvidence(ctx, page, req.EvidenceLevel, resp.ResponseText); err != nil {
		c.log.Warn("evidence capture failed", slog.Any("error", err))
	} else {
		resp.Evidence = ev
	}
	return resp, nil
}

// locateInput walks the profile's input locators in order and returns the
// first one that becomes visible. Sites ship competing DOM variants (A/B
// tests, logged-in vs. logged-out shells), so a single locator is too
// brittle. No candidate visible reads as an expired session.
func (c *Chatbot) locateInput(ctx context.Context, page domain.BrowserPage) (string, error) {
	wait := c.profile.ReadyTimeout
	if n := len(c.profile.InputSelectors); n > 1 {
		wait = c.profile.ReadyTimeout / time.Duration(n)
	}
	var lastErr error
	for _, sel := range c.profile.InputSelectors {
		if err := page.WaitVisible(ctx, sel, wait); err != nil {
			lastErr = err
			continue
		}
		return sel, nil
	}
	// keep the cause out of the message so it classifies as an auth failure
	c.log.Debug("input box missing", slog.Any("error", lastErr))
	return "", fmt.Errorf("input not visible after %s, session may be expired or login required", c.profile.ReadyTimeout)
}

// awaitStableResponse polls the response locator until the text stops
// changing for the stabilize window. Streaming answers keep mutating the
// node; quiet means complete.
func (c *Chatbot) awaitStableResponse(ctx context.Context, page domain.BrowserPage) (string, error) {
	if err := page.WaitVisible(ctx, c.profile.ResponseSelector, c.profile.StabilizeTimeout); err != nil {
		return "", fmt.Errorf("no response appeared: %w", err)
	}

	deadline := time.Now().Add(c.profile.StabilizeTimeout)
	last, lastChange := "", time.Now()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		text, err := page.Text(ctx, c.profile.ResponseSelector)
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		if text != last {
			last, lastChange = text, time.Now()
		} else if last != "" && time.Since(lastChange) >= c.profile.StabilizeWindow {
			return last, nil
		}
		if time.Now().After(deadline) {
			if last != "" {
				// partial answer beats nothing; the validator judges it
				return last, nil
			}
			return "", fmt.Errorf("response never stabilized within %s", c.profile.StabilizeTimeout)
		}
	}
}

func (c *Chatbot) captureEvidence(ctx context.Context, page domain.BrowserPage, level domain.EvidenceLevel, text string) (*domain.Evidence, error) {
	if level == domain.EvidenceNone || level == "" {
		return nil, nil
	}
	ev := &domain.Evidence{
		Level:       level,
		URL:         c.profile.URL,
		ContentHash: domain.HashContent([]byte(text)),
		CapturedAt:  time.Now().UTC(),
		Metadata:    map[string]string{"surface_id": c.surface.ID},
	}
	if level != domain.EvidenceFull {
		return ev, nil
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture html: %w", err)
	}
	ev.HTML = html
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	ev.Screenshot = shot
	ev.ScreenshotMIME = mimetype.Detect(shot).String()
	return ev, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability: verifies the page
// loads with a usable input box under the stored session.
func (c *Chatbot) ExecuteHealthCheck(ctx context.Context) error {
	session, err := c.sessions.Fetch(ctx, c.surface.ID, "")
	if err != nil {
		return fmt.Errorf("fetch session for %s: %w", c.surface.ID, err)
	}
	page, err := c.browser.Acquire(ctx, session)
	if err != nil {
		return fmt.Errorf("acquire page for %s: %w", c.surface.ID, err)
	}
	defer func() { _ = page.Close() }()
	if err := page.Navigate(ctx, c.profile.URL); err != nil {
		return err
	}
	if _, err := c.locateInput(ctx, page); err != nil {
		return err
	}
	return nil
}
