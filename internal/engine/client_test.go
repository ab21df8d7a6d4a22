package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a11ylab/scanrunner/internal/scan"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, nil)
	return client, srv
}

func TestCaptureSuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/capture", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshotId":"abc","status":"captured"}`))
	}))

	handle, err := client.Capture(context.Background(), scan.Request{
		URL:     "https://example.com",
		Timeout: 30 * time.Second,
		Options: map[string]any{"ruleset": "wcag21aa"},
	})
	require.NoError(t, err)
	require.Equal(t, scan.Handle{SnapshotID: "abc", Status: scan.StatusCaptured}, handle)

	require.Equal(t, "https://example.com", gotBody["url"])
	require.Equal(t, float64(30000), gotBody["timeoutMs"])
	require.Equal(t, map[string]any{"ruleset": "wcag21aa"}, gotBody["options"])
}

func TestCaptureTransportFailureUsesStructuredMessage(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"capture service unavailable"}}`))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var reqErr *scan.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	require.Equal(t, "capture service unavailable", reqErr.Error())
}

func TestCaptureTransportFailureGenericMessage(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var reqErr *scan.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "(status 502)", reqErr.Error())
}

func TestCaptureSynchronousFailureIsProtocolError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":{"message":"page would not load"}}`))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "page would not load", protoErr.Error())
}

func TestCaptureSynchronousFailureGenericFallback(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed"}`))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "capture failed", protoErr.Error())
}

func TestCaptureMissingSnapshotIDIsProtocolError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"captured"}`))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Contains(t, protoErr.Error(), "missing snapshot id")
}

func TestCaptureGarbledBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway timeout</html>`))
	}))

	_, err := client.Capture(context.Background(), scan.Request{URL: "https://example.com"})
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestEnqueueAnalysisSuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))

	err := client.EnqueueAnalysis(context.Background(), "abc", map[string]any{"ruleset": "wcag21aa"})
	require.NoError(t, err)
	require.Equal(t, "abc", gotBody["snapshotId"])
}

func TestEnqueueAnalysisFailureEnvelope(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":{"message":"unknown snapshot"}}`))
	}))

	err := client.EnqueueAnalysis(context.Background(), "abc", nil)
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "unknown snapshot", protoErr.Error())
}

func TestStatusSuccess(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/status", r.URL.Path)
		require.Equal(t, "abc", r.URL.Query().Get("snapshotId"))
		_, _ = w.Write([]byte(`{"status":"processing","progress":{"percent":40,"message":"evaluating rules"}}`))
	}))

	snap, err := client.Status(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, scan.StatusProcessing, snap.Status)
	// The client backfills the snapshot ID when the engine omits it.
	require.Equal(t, "abc", snap.SnapshotID)
	require.NotNil(t, snap.Progress)
	require.Equal(t, 40.0, *snap.Progress.Percent)
	require.Equal(t, "evaluating rules", snap.Progress.Message)
}

func TestStatusGarbledBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":`))
	}))

	_, err := client.Status(context.Background(), "abc")
	var protoErr *scan.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestStatusTransportErrorIsRequestError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	srv.Close()

	_, err := client.Status(context.Background(), "abc")
	var reqErr *scan.RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestStatusFailedSnapshotIsNotAnError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":{"message":"engine crashed"}}`))
	}))

	snap, err := client.Status(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, snap.Status)
	require.Equal(t, "engine crashed", snap.FailureMessage())
}
