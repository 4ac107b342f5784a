package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "fleetd/pkg/logx"
)

// HTTPPushConfig tunes the webhook transport.
type HTTPPushConfig struct {
	// RequestTimeout bounds each outbound call.
	RequestTimeout time.Duration
	// AuthToken, when set, is presented to robots as a bearer token.
	AuthToken string
}

func (c HTTPPushConfig) withDefaults() HTTPPushConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// HTTPPush pushes work orders to each robot's registered callback URL as
// JSON over HTTP. Inbound traffic (register, heartbeat, progress, results)
// arrives through the REST API, which routes it to the dispatcher, so
// Start has no poll loop of its own.
type HTTPPush struct {
	cfg  HTTPPushConfig
	log  logx.Logger
	http *http.Client

	mu        sync.Mutex
	running   bool
	endpoints map[string]string
}

func NewHTTPPush(cfg HTTPPushConfig, log logx.Logger) *HTTPPush {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPPush{
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		endpoints: map[string]string{},
	}
}

func (h *HTTPPush) Name() string { return "httppush" }

func (h *HTTPPush) Start(ctx context.Context, out chan<- Update) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	return nil
}

func (h *HTTPPush) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.http.CloseIdleConnections()
	return nil
}

// SetEndpoint implements EndpointDirectory; the dispatcher feeds it from
// registration payloads.
func (h *HTTPPush) SetEndpoint(robotID, url string) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	h.mu.Lock()
	if url == "" {
		delete(h.endpoints, robotID)
	} else {
		h.endpoints[robotID] = url
	}
	h.mu.Unlock()
}

func (h *HTTPPush) RemoveEndpoint(robotID string) {
	h.mu.Lock()
	delete(h.endpoints, robotID)
	h.mu.Unlock()
}

func (h *HTTPPush) endpoint(robotID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return "", fmt.Errorf("%w: transport not started", ErrRobotUnreachable)
	}
	url, ok := h.endpoints[robotID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoEndpoint, robotID)
	}
	return url, nil
}

func (h *HTTPPush) Assign(ctx context.Context, robotID string, a Assignment) error {
	base, err := h.endpoint(robotID)
	if err != nil {
		return err
	}
	status, err := h.post(ctx, base+"/assign", a)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRobotUnreachable, robotID, err)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d", ErrAssignRejected, robotID, status)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrRobotUnreachable, robotID, status)
	}
}

func (h *HTTPPush) CancelJob(ctx context.Context, robotID, jobID, reason string) error {
	base, err := h.endpoint(robotID)
	if err != nil {
		return err
	}
	body := map[string]string{"job_id": jobID, "reason": reason}
	status, err := h.post(ctx, base+"/cancel", body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRobotUnreachable, robotID, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("cancel on %s returned %d", robotID, status)
	}
	return nil
}

func (h *HTTPPush) Ping(ctx context.Context, robotID string) error {
	base, err := h.endpoint(robotID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	h.setHeaders(req)
	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRobotUnreachable, robotID, err)
	}
	drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrRobotUnreachable, robotID, resp.StatusCode)
	}
	return nil
}

func (h *HTTPPush) post(ctx context.Context, url string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	h.setHeaders(req)
	resp, err := h.http.Do(req)
	if err != nil {
		return 0, err
	}
	drain(resp)
	return resp.StatusCode, nil
}

func (h *HTTPPush) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.AuthToken)
	}
}

// drain reads a bounded amount of the body so connections get reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
