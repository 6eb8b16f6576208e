// Package events carries the event-channel plumbing between the executor and
// its consumers.
package events

import (
	"context"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Tee forwards every event from in to the returned channel while mirroring it
// to pub. The orchestrator drains the returned channel; ordering it sees is
// exactly the executor's. The goroutine exits when in closes or ctx is done,
// closing the out channel either way.
func Tee(ctx context.Context, in <-chan domain.ExecutorEvent, pub domain.EventPublisher) <-chan domain.ExecutorEvent {
	out := make(chan domain.ExecutorEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if pub != nil {
					_ = pub.Publish(ctx, ev)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
