package job

import (
	"testing"
	"time"
)

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	vars := map[string]any{"region": "eu", "count": 3, "dry_run": false}
	a := Fingerprint("wf-invoice", "", vars)
	b := Fingerprint("wf-invoice", "", map[string]any{"dry_run": false, "count": 3, "region": "eu"})
	if a != b {
		t.Fatalf("same content produced different fingerprints: %q vs %q", a, b)
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	t.Parallel()

	base := Fingerprint("wf-invoice", "", map[string]any{"n": 1})
	cases := []struct {
		name string
		got  string
	}{
		{"different workflow", Fingerprint("wf-report", "", map[string]any{"n": 1})},
		{"different variables", Fingerprint("wf-invoice", "", map[string]any{"n": 2})},
		{"robot pin added", Fingerprint("wf-invoice", "robot-7", map[string]any{"n": 1})},
		{"no variables", Fingerprint("wf-invoice", "", nil)},
	}
	for _, tc := range cases {
		if tc.got == base {
			t.Fatalf("%s: fingerprint collided with base %q", tc.name, base)
		}
	}
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New(SubmitRequest{
		WorkflowID: "wf-1",
		Priority:   5,
		RobotID:    "robot-2",
		Variables:  map[string]any{"a": 1},
	}, now)

	if j.ID == "" {
		t.Fatal("New did not assign an id")
	}
	if j.Status != StatusPending {
		t.Fatalf("Status = %s, want %s", j.Status, StatusPending)
	}
	if j.RobotID != "" {
		t.Fatalf("RobotID = %q, want empty before assignment", j.RobotID)
	}
	if j.PinnedRobotID != "robot-2" {
		t.Fatalf("PinnedRobotID = %q, want robot-2", j.PinnedRobotID)
	}
	if !j.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", j.CreatedAt, now)
	}
	if j.Fingerprint == "" {
		t.Fatal("Fingerprint not computed")
	}
}

func TestCloneIsolation(t *testing.T) {
	t.Parallel()

	j := New(SubmitRequest{WorkflowID: "wf-1", Variables: map[string]any{"k": "v"}}, time.Now())
	cp := j.Clone()
	cp.Variables["k"] = "mutated"
	cp.Status = StatusQueued

	if j.Variables["k"] != "v" {
		t.Fatalf("clone mutation leaked into original: %v", j.Variables["k"])
	}
	if j.Status != StatusPending {
		t.Fatalf("clone status change leaked into original: %s", j.Status)
	}
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New(SubmitRequest{WorkflowID: "wf-1", TimeoutSeconds: 30}, now)
	if !j.Deadline().IsZero() {
		t.Fatal("Deadline set before timeout tracking armed")
	}
	j.QueuedAt = now
	want := now.Add(30 * time.Second)
	if !j.Deadline().Equal(want) {
		t.Fatalf("Deadline = %v, want %v", j.Deadline(), want)
	}
}
