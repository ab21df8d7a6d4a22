// Package engine implements the HTTP client for the remote scan engine.
//
// The engine exposes three operations: capture (submit a URL for page
// capture), analyze (schedule rule evaluation for a snapshot), and status
// (poll one snapshot). All three share the same failure convention: a non-2xx
// transport status or a JSON body with status "failed" indicates failure, and
// a malformed body on an otherwise-2xx response is a protocol violation.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/scan"
)

const maxErrorBodyBytes = 1 << 20

// Config controls the engine client.
type Config struct {
	BaseURL     string
	CapturePath string
	AnalyzePath string
	StatusPath  string
	Timeout     time.Duration
}

// Client talks to the scan engine and normalizes its failure shapes into the
// scan error taxonomy. It implements scan.EngineClient.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. A nil logger is replaced with a nop logger.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.CapturePath == "" {
		cfg.CapturePath = "/capture"
	}
	if cfg.AnalyzePath == "" {
		cfg.AnalyzePath = "/analyze"
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/status"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
		logger: logger,
	}
}

type captureRequest struct {
	URL       string         `json:"url"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type captureResponse struct {
	SnapshotID string        `json:"snapshotId"`
	Status     scan.Status   `json:"status"`
	Error      *scan.Failure `json:"error,omitempty"`
}

type analyzeRequest struct {
	SnapshotID string         `json:"snapshotId"`
	Options    map[string]any `json:"options,omitempty"`
}

type analyzeResponse struct {
	Status scan.Status   `json:"status"`
	Error  *scan.Failure `json:"error,omitempty"`
}

// Capture submits the scan request and returns a handle for the snapshot.
func (c *Client) Capture(ctx context.Context, req scan.Request) (scan.Handle, error) {
	payload := captureRequest{
		URL:       req.URL,
		TimeoutMs: req.Timeout.Milliseconds(),
		Options:   req.Options,
	}
	body, err := c.postJSON(ctx, c.cfg.CapturePath, payload)
	if err != nil {
		return scan.Handle{}, err
	}
	var resp captureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return scan.Handle{}, &scan.ProtocolError{Message: "capture response is not valid JSON"}
	}
	if resp.Status == scan.StatusFailed {
		msg := "capture failed"
		if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
			msg = resp.Error.Message
		}
		return scan.Handle{}, &scan.ProtocolError{Message: msg}
	}
	if resp.SnapshotID == "" {
		return scan.Handle{}, &scan.ProtocolError{Message: "capture response missing snapshot id"}
	}
	c.logger.Debug("snapshot captured",
		zap.String("snapshot_id", resp.SnapshotID),
		zap.String("status", string(resp.Status)),
	)
	return scan.Handle{SnapshotID: resp.SnapshotID, Status: resp.Status}, nil
}

// EnqueueAnalysis asks the engine to schedule rule evaluation for the
// snapshot. The engine treats repeated requests for the same snapshot as a
// no-op, so callers may re-issue this safely.
func (c *Client) EnqueueAnalysis(ctx context.Context, snapshotID string, options map[string]any) error {
	payload := analyzeRequest{SnapshotID: snapshotID, Options: options}
	body, err := c.postJSON(ctx, c.cfg.AnalyzePath, payload)
	if err != nil {
		return err
	}
	var resp analyzeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &scan.ProtocolError{Message: "analyze response is not valid JSON"}
	}
	if resp.Status == scan.StatusFailed {
		msg := "analysis dispatch failed"
		if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
			msg = resp.Error.Message
		}
		return &scan.ProtocolError{Message: msg}
	}
	return nil
}

// Status performs a single status poll for the snapshot. A snapshot with
// status failed is a valid answer here, not an error; the orchestrator
// decides how to surface it.
func (c *Client) Status(ctx context.Context, snapshotID string) (scan.Snapshot, error) {
	target, err := c.buildURL(c.cfg.StatusPath, url.Values{"snapshotId": {snapshotID}})
	if err != nil {
		return scan.Snapshot{}, &scan.RequestError{Message: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return scan.Snapshot{}, &scan.RequestError{Message: err.Error()}
	}
	body, err := c.do(httpReq)
	if err != nil {
		return scan.Snapshot{}, err
	}
	var snap scan.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return scan.Snapshot{}, &scan.ProtocolError{Message: "status response is not a well-formed object"}
	}
	if snap.Status == "" {
		return scan.Snapshot{}, &scan.ProtocolError{Message: "status response missing status field"}
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = snapshotID
	}
	return snap, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	target, err := c.buildURL(path, nil)
	if err != nil {
		return nil, &scan.RequestError{Message: err.Error()}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, &scan.RequestError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &scan.RequestError{Message: err.Error()}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body failed", zap.Error(closeErr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, &scan.RequestError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &scan.RequestError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}
	return body, nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse engine base url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse engine path: %w", err)
	}
	target := base.ResolveReference(ref)
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

// extractErrorMessage digs the structured error message out of a failure
// body. An empty return lets RequestError fall back to "(status N)".
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error *scan.Failure `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Error == nil {
		return ""
	}
	return strings.TrimSpace(envelope.Error.Message)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
