package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a11ylab/scanrunner/internal/scan"
)

type fakeCapturer struct {
	mu     sync.Mutex
	handle scan.Handle
	err    error
	calls  int
}

func (f *fakeCapturer) Capture(context.Context, scan.Request) (scan.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return scan.Handle{}, f.err
	}
	return f.handle, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEnqueuer) EnqueueAnalysis(context.Context, string, map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeEnqueuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type statusReply struct {
	snap scan.Snapshot
	err  error
}

type fakeStatusClient struct {
	mu      sync.Mutex
	replies []statusReply
	calls   int
}

func (f *fakeStatusClient) Status(context.Context, string) (scan.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	reply := f.replies[idx]
	return reply.snap, reply.err
}

func (f *fakeStatusClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// instantSleep makes the poll loop spin without waiting while still
// honoring cancellation the way the real sleep does.
func instantSleep(recorded *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if recorded != nil {
			*recorded = append(*recorded, d)
		}
		if err := ctx.Err(); err != nil {
			return &scan.CancelledError{Cause: err}
		}
		return nil
	}
}

func capturedHandle() scan.Handle {
	return scan.Handle{SnapshotID: "abc", Status: scan.StatusCaptured}
}

func TestRunSuccessScenario(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	enqueue := &fakeEnqueuer{}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{"issues":[]}`)}},
	}}

	r := New(capture, enqueue, status, nil)
	r.sleep = instantSleep(nil)

	var updates []scan.Update
	result, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{
		OnProgress: func(upd scan.Update) { updates = append(updates, upd) },
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"issues":[]}`, string(result))

	// Initial dispatch plus exactly one defensive retry for the lingering
	// "captured" status.
	require.Equal(t, 2, enqueue.callCount())
	require.Equal(t, 2, status.callCount())

	require.Len(t, updates, 3)
	require.Equal(t, "Snapshot captured", updates[0].Message)
	require.Equal(t, float64(12), updates[0].Percent)
	require.Equal(t, "abc", updates[0].SnapshotID)
	require.Equal(t, scan.StatusCaptured, updates[1].Status)
	require.Equal(t, "abc", updates[1].SnapshotID)
	require.Equal(t, scan.StatusComplete, updates[2].Status)
	require.NotNil(t, updates[2].Snapshot)
}

func TestRunCompleteSnapshotIsLastUpdate(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusQueued}},
		{snap: scan.Snapshot{Status: scan.StatusProcessing}},
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{"issues":[{"id":"img-alt"}]}`)}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	var statuses []scan.Status
	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{
		OnProgress: func(upd scan.Update) { statuses = append(statuses, upd.Status) },
	})
	require.NoError(t, err)

	// Snapshots are forwarded strictly in poll order and exactly one
	// complete status is observed, last.
	require.Equal(t, []scan.Status{
		scan.StatusCaptured,
		scan.StatusQueued,
		scan.StatusProcessing,
		scan.StatusComplete,
	}, statuses)
}

func TestRunDefensiveRetryFiresAtMostOnce(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	enqueue := &fakeEnqueuer{}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{"issues":[]}`)}},
	}}

	r := New(capture, enqueue, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 5, status.callCount())
	require.Equal(t, 2, enqueue.callCount())
}

func TestRunCancelBeforeFirstPoll(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, scan.Request{URL: "https://example.com"}, Options{})
	var cancelErr *scan.CancelledError
	require.ErrorAs(t, err, &cancelErr)
	require.Zero(t, status.callCount())
}

func TestRunCancelDuringWaitReturnsPromptly(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
	}}

	// Real sleep here on purpose: the wait itself must be interruptible.
	r := New(capture, &fakeEnqueuer{}, status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, scan.Request{URL: "https://example.com"}, Options{PollInterval: MinPollInterval})
	elapsed := time.Since(start)

	var cancelErr *scan.CancelledError
	require.ErrorAs(t, err, &cancelErr)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, elapsed, MinPollInterval, "cancellation must interrupt the wait, not ride it out")
	require.Zero(t, status.callCount())
}

func TestRunCompleteWithoutResultIsProtocolError(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusComplete}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Contains(t, protoErr.Error(), "no result payload")
}

func TestRunNullResultIsProtocolError(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`null`)}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRunCaptureErrorPropagatesBeforeAnyPoll(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{err: &scan.RequestError{StatusCode: 500}}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusCaptured}},
	}}
	enqueue := &fakeEnqueuer{}

	r := New(capture, enqueue, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	var reqErr *scan.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, 500, reqErr.StatusCode)
	require.Zero(t, status.callCount())
	require.Zero(t, enqueue.callCount())
}

func TestRunFailedSnapshotSurfacesEngineMessage(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusFailed, Error: &scan.Failure{Message: "engine crashed"}}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	var failErr *scan.JobFailedError
	require.ErrorAs(t, err, &failErr)
	require.Contains(t, failErr.Error(), "engine crashed")
}

func TestRunInitialDispatchErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	enqueue := &fakeEnqueuer{err: &scan.RequestError{StatusCode: 503}}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{"issues":[]}`)}},
	}}

	r := New(capture, enqueue, status, nil)
	r.sleep = instantSleep(nil)

	result, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	require.NoError(t, err)
	require.JSONEq(t, `{"issues":[]}`, string(result))
	require.Equal(t, 1, enqueue.callCount())
}

func TestRunStatusErrorPropagates(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	status := &fakeStatusClient{replies: []statusReply{
		{err: &scan.ProtocolError{Message: "status response is not a well-formed object"}},
	}}

	r := New(capture, &fakeEnqueuer{}, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRunPollIntervalDefaultsAndFloor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"zero selects the default", 0, DefaultPollInterval},
		{"below floor clamps up", 100 * time.Millisecond, MinPollInterval},
		{"above floor honored", 3 * time.Second, 3 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			capture := &fakeCapturer{handle: capturedHandle()}
			status := &fakeStatusClient{replies: []statusReply{
				{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{}`)}},
			}}

			var waits []time.Duration
			r := New(capture, &fakeEnqueuer{}, status, nil)
			r.sleep = instantSleep(&waits)

			_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{
				PollInterval: tc.requested,
			})
			require.NoError(t, err)
			require.Equal(t, []time.Duration{tc.want}, waits)
		})
	}
}

func TestRunRetryTriggerIsConfigurable(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: scan.Handle{SnapshotID: "abc", Status: "pending"}}
	enqueue := &fakeEnqueuer{}
	status := &fakeStatusClient{replies: []statusReply{
		{snap: scan.Snapshot{Status: "pending"}},
		{snap: scan.Snapshot{Status: "pending"}},
		{snap: scan.Snapshot{Status: scan.StatusComplete, Result: json.RawMessage(`{"issues":[]}`)}},
	}}

	r := New(capture, enqueue, status, nil)
	r.sleep = instantSleep(nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "https://example.com"}, Options{
		RetryStatuses: []scan.Status{"pending"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, enqueue.callCount())
}

func TestRunRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	capture := &fakeCapturer{handle: capturedHandle()}
	r := New(capture, &fakeEnqueuer{}, &fakeStatusClient{replies: []statusReply{{}}}, nil)

	_, err := r.Run(context.Background(), scan.Request{URL: "   "}, Options{})
	require.Error(t, err)
	require.Zero(t, capture.calls)
}
