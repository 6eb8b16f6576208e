// Package fake provides a scripted surface capability for dev mode and
// scenario tests. Outcomes are queued per capability: each call consumes the
// next step, and an exhausted script keeps replaying its last step.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Step is one scripted call outcome. Err wins over Response when set; Latency
// is slept (honoring ctx) before returning.
type Step struct {
	Response domain.QueryResponse
	Err      error
	Latency  time.Duration
}

// OK is a convenience step returning text successfully.
func OK(text string) Step {
	return Step{Response: domain.QueryResponse{
		Success:      true,
		ResponseText: text,
		TokenUsage:   &domain.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}}
}

// Fail is a convenience step returning an error with the given message; the
// message drives classification.
func Fail(msg string) Step {
	return Step{Err: errors.New(msg)}
}

// Capability is the scripted leaf.
type Capability struct {
	surface domain.Surface

	mu     sync.Mutex
	script []Step
	calls  int
}

// New builds a fake capability. With an empty script every call echoes the
// query, which is what dev mode wants.
func New(surface domain.Surface, script ...Step) *Capability {
	return &Capability{surface: surface, script: script}
}

// Metadata implements domain.SurfaceCapability.
func (c *Capability) Metadata() domain.Surface { return c.surface }

// Calls reports how many queries this capability has served.
func (c *Capability) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Append extends the script; useful for multi-phase scenarios.
func (c *Capability) Append(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, steps...)
}

// ExecuteQuery implements domain.SurfaceCapability.
func (c *Capability) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	var step Step
	switch {
	case len(c.script) == 0:
		step = OK(fmt.Sprintf("echo[%s]: %s", c.surface.ID, req.QueryText))
	case idx < len(c.script):
		step = c.script[idx]
	default:
		step = c.script[len(c.script)-1]
	}
	c.mu.Unlock()

	if step.Latency > 0 {
		select {
		case <-ctx.Done():
			return domain.QueryResponse{}, ctx.Err()
		case <-time.After(step.Latency):
		}
	}
	if step.Err != nil {
		return domain.QueryResponse{}, step.Err
	}
	return step.Response, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability; the fake is always
// healthy.
func (c *Capability) ExecuteHealthCheck(context.Context) error { return nil }
