package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a11ylab/scanrunner/internal/scan"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	item := scan.RunItem{RunID: "run-1", Request: scan.Request{URL: "https://example.com"}}
	require.NoError(t, q.Enqueue(context.Background(), item))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestQueueEnqueueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), scan.RunItem{RunID: "run-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, scan.RunItem{RunID: "run-2"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, scan.ErrQueueClosed)
}
