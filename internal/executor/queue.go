// Package executor runs submitted jobs against registered surface adapters:
// a fixed worker pool draining a priority queue, with per-job timeouts and an
// injected retry strategy. Results leave through a single event channel.
package executor

import (
	"sync"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// priorityQueue is four FIFO bands under one mutex. Dequeue blocks on a cond
// until an item arrives or the queue closes.
type priorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bands  [4][]domain.JobExecutionRequest
	closed bool
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func bandIndex(p domain.JobPriority) int {
	if p < domain.PriorityLow || p > domain.PriorityCritical {
		return int(domain.PriorityNormal)
	}
	return int(p)
}

// Enqueue appends the request to its priority band. Returns false once the
// queue is closed.
func (q *priorityQueue) Enqueue(req domain.JobExecutionRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	idx := bandIndex(req.Priority)
	q.bands[idx] = append(q.bands[idx], req)
	observability.SetQueueDepth(domain.JobPriority(idx).String(), len(q.bands[idx]))
	q.cond.Signal()
	return true
}

// Dequeue blocks until a request is available, returning the highest band
// first and FIFO within a band. The second return is false when the queue is
// closed and drained; the third reports whether this dequeue emptied the
// queue.
func (q *priorityQueue) Dequeue() (domain.JobExecutionRequest, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for idx := int(domain.PriorityCritical); idx >= int(domain.PriorityLow); idx-- {
			if len(q.bands[idx]) == 0 {
				continue
			}
			req := q.bands[idx][0]
			q.bands[idx] = q.bands[idx][1:]
			observability.SetQueueDepth(domain.JobPriority(idx).String(), len(q.bands[idx]))
			return req, true, q.lenLocked() == 0
		}
		if q.closed {
			return domain.JobExecutionRequest{}, false, true
		}
		q.cond.Wait()
	}
}

// Len is the number of queued requests across all bands.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *priorityQueue) lenLocked() int {
	n := 0
	for idx := range q.bands {
		n += len(q.bands[idx])
	}
	return n
}

// Clear atomically empties every band and returns how many requests were
// dropped.
func (q *priorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.lenLocked()
	for idx := range q.bands {
		q.bands[idx] = nil
		observability.SetQueueDepth(domain.JobPriority(idx).String(), 0)
	}
	return n
}

// ClearStudy drops every queued request belonging to one study.
func (q *priorityQueue) ClearStudy(studyID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for idx := range q.bands {
		kept := q.bands[idx][:0]
		for _, req := range q.bands[idx] {
			if req.StudyID == studyID {
				dropped++
				continue
			}
			kept = append(kept, req)
		}
		q.bands[idx] = kept
		observability.SetQueueDepth(domain.JobPriority(idx).String(), len(kept))
	}
	return dropped
}

// Close wakes all blocked dequeues; they drain remaining items, then report
// closed.
func (q *priorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
