package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	logx "fleetd/pkg/logx"
)

type capturedCall struct {
	path string
	auth string
	body []byte
}

func newPushServer(t *testing.T) (*httptest.Server, func() []capturedCall, *int) {
	t.Helper()
	var mu sync.Mutex
	var calls []capturedCall
	reply := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, capturedCall{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		code := reply
		mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	get := func() []capturedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedCall(nil), calls...)
	}
	return srv, get, &reply
}

func startedPush(t *testing.T, cfg HTTPPushConfig) *HTTPPush {
	t.Helper()
	h := NewHTTPPush(cfg, logx.Nop())
	if err := h.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func TestHTTPPushAssign(t *testing.T) {
	t.Parallel()

	srv, calls, _ := newPushServer(t)
	h := startedPush(t, HTTPPushConfig{AuthToken: "secret"})
	h.SetEndpoint("r1", srv.URL+"/") // trailing slash is normalized

	err := h.Assign(context.Background(), "r1", Assignment{
		JobID:      "job-1",
		WorkflowID: "wf-1",
		Variables:  map[string]any{"invoice": "A-17"},
		Priority:   7,
	})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("calls = %d, want 1", len(got))
	}
	if got[0].path != "/assign" {
		t.Fatalf("path = %q, want /assign", got[0].path)
	}
	if got[0].auth != "Bearer secret" {
		t.Fatalf("auth = %q, want bearer token", got[0].auth)
	}
	var a Assignment
	if err := json.Unmarshal(got[0].body, &a); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}
	if a.JobID != "job-1" || a.WorkflowID != "wf-1" || a.Priority != 7 {
		t.Fatalf("assignment = %+v", a)
	}
}

func TestHTTPPushAssignStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply int
		want  error
	}{
		{name: "conflict is rejection", reply: http.StatusConflict, want: ErrAssignRejected},
		{name: "backoff is rejection", reply: http.StatusTooManyRequests, want: ErrAssignRejected},
		{name: "server error is unreachable", reply: http.StatusInternalServerError, want: ErrRobotUnreachable},
		{name: "not found is unreachable", reply: http.StatusNotFound, want: ErrRobotUnreachable},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _, reply := newPushServer(t)
			*reply = tc.reply
			h := startedPush(t, HTTPPushConfig{})
			h.SetEndpoint("r1", srv.URL)

			err := h.Assign(context.Background(), "r1", Assignment{JobID: "j"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("Assign err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHTTPPushConnectionRefused(t *testing.T) {
	t.Parallel()

	srv, _, _ := newPushServer(t)
	url := srv.URL
	srv.Close()

	h := startedPush(t, HTTPPushConfig{})
	h.SetEndpoint("r1", url)
	if err := h.Assign(context.Background(), "r1", Assignment{JobID: "j"}); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Assign err = %v, want ErrRobotUnreachable", err)
	}
	if err := h.Ping(context.Background(), "r1"); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Ping err = %v, want ErrRobotUnreachable", err)
	}
}

func TestHTTPPushEndpointBookkeeping(t *testing.T) {
	t.Parallel()

	h := startedPush(t, HTTPPushConfig{})

	if err := h.Assign(context.Background(), "r1", Assignment{JobID: "j"}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("Assign err = %v, want ErrNoEndpoint", err)
	}

	h.SetEndpoint("r1", "http://127.0.0.1:1/api")
	h.RemoveEndpoint("r1")
	if err := h.Ping(context.Background(), "r1"); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("Ping err = %v, want ErrNoEndpoint after removal", err)
	}

	// Setting an empty endpoint clears it too.
	h.SetEndpoint("r1", "http://127.0.0.1:1/api")
	h.SetEndpoint("r1", "")
	if err := h.Ping(context.Background(), "r1"); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("Ping err = %v, want ErrNoEndpoint after blank set", err)
	}
}

func TestHTTPPushCancelAndPing(t *testing.T) {
	t.Parallel()

	srv, calls, _ := newPushServer(t)
	h := startedPush(t, HTTPPushConfig{})
	h.SetEndpoint("r1", srv.URL)

	if err := h.CancelJob(context.Background(), "r1", "job-1", "operator request"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := h.Ping(context.Background(), "r1"); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	got := calls()
	if len(got) != 2 || got[0].path != "/cancel" || got[1].path != "/healthz" {
		t.Fatalf("paths = %+v, want /cancel then /healthz", got)
	}
	var body map[string]string
	if err := json.Unmarshal(got[0].body, &body); err != nil {
		t.Fatalf("unmarshal cancel body: %v", err)
	}
	if body["job_id"] != "job-1" || body["reason"] != "operator request" {
		t.Fatalf("cancel body = %v", body)
	}
}

func TestHTTPPushNotStarted(t *testing.T) {
	t.Parallel()

	h := NewHTTPPush(HTTPPushConfig{}, logx.Nop())
	h.SetEndpoint("r1", "http://127.0.0.1:1")
	if err := h.Assign(context.Background(), "r1", Assignment{JobID: "j"}); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Assign err = %v, want ErrRobotUnreachable before Start", err)
	}
}
