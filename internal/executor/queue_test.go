package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

func req(id, studyID string, p domain.JobPriority) domain.JobExecutionRequest {
	return domain.JobExecutionRequest{JobID: id, StudyID: studyID, Priority: p}
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	require.True(t, q.Enqueue(req("low", "s", domain.PriorityLow)))
	require.True(t, q.Enqueue(req("critical", "s", domain.PriorityCritical)))
	require.True(t, q.Enqueue(req("normal", "s", domain.PriorityNormal)))
	require.True(t, q.Enqueue(req("high", "s", domain.PriorityHigh)))

	var order []string
	for i := 0; i < 4; i++ {
		r, ok, _ := q.Dequeue()
		require.True(t, ok)
		order = append(order, r.JobID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestQueueFIFOWithinBand(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	q.Enqueue(req("a", "s", domain.PriorityNormal))
	q.Enqueue(req("b", "s", domain.PriorityNormal))
	q.Enqueue(req("c", "s", domain.PriorityNormal))

	for _, want := range []string{"a", "b", "c"} {
		r, ok, _ := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, r.JobID)
	}
}

func TestQueueDequeueReportsEmptied(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	q.Enqueue(req("a", "s", domain.PriorityNormal))
	q.Enqueue(req("b", "s", domain.PriorityNormal))

	_, ok, emptied := q.Dequeue()
	require.True(t, ok)
	assert.False(t, emptied)
	_, ok, emptied = q.Dequeue()
	require.True(t, ok)
	assert.True(t, emptied)
}

func TestQueueClearStudy(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	q.Enqueue(req("a1", "study-a", domain.PriorityNormal))
	q.Enqueue(req("b1", "study-b", domain.PriorityNormal))
	q.Enqueue(req("a2", "study-a", domain.PriorityHigh))

	assert.Equal(t, 2, q.ClearStudy("study-a"))
	assert.Equal(t, 1, q.Len())
	r, ok, _ := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b1", r.JobID)
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	q.Enqueue(req("a", "s", domain.PriorityNormal))
	q.Close()

	assert.False(t, q.Enqueue(req("b", "s", domain.PriorityNormal)))
	r, ok, _ := q.Dequeue()
	require.True(t, ok, "queued items drain after close")
	assert.Equal(t, "a", r.JobID)
	_, ok, _ = q.Dequeue()
	assert.False(t, ok)
}

func TestQueueCloseWakesBlockedDequeue(t *testing.T) {
	t.Parallel()
	q := newPriorityQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok, _ := q.Dequeue()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake on close")
	}
}
