package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleetd/internal/job"
	logx "fleetd/pkg/logx"
)

func openTestRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := Open(Config{Driver: "redis", RedisAddr: mr.Addr()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestRedisStore(t)

	j1 := job.New(job.SubmitRequest{WorkflowID: "wf-a"}, time.Now())
	j2 := job.New(job.SubmitRequest{WorkflowID: "wf-b"}, time.Now())
	for _, j := range []*job.Job{j1, j2} {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	got, ok, err := s.GetJob(ctx, j1.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if got.WorkflowID != "wf-a" {
		t.Fatalf("WorkflowID = %q, want wf-a", got.WorkflowID)
	}

	if _, ok, err := s.GetJob(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetJob(missing): ok=%v err=%v", ok, err)
	}

	jobs, err := s.ListJobs(ctx, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListJobs len = %d, want 2", len(jobs))
	}
}

func TestRedisStoreSchedules(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestRedisStore(t)

	if err := s.SaveSchedule(ctx, "sched-1", []byte(`{"kind":"interval"}`)); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if string(schedules["sched-1"]) != `{"kind":"interval"}` {
		t.Fatalf("unexpected schedule data: %q", schedules["sched-1"])
	}

	if err := s.DeleteSchedule(ctx, "sched-1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	schedules, err = s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(schedules) != 0 {
		t.Fatalf("expected no schedules after delete, got %d", len(schedules))
	}
}

func TestRedisStoreDedupExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := openTestRedisStore(t)

	until := time.Now().Add(time.Minute)
	if err := s.PutDedup(ctx, "fp-1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := s.GetDedup(ctx, "fp-1")
	if err != nil || !ok {
		t.Fatalf("GetDedup: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// Redis expiry enforces the window.
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.GetDedup(ctx, "fp-1"); ok {
		t.Fatalf("expected dedup key to expire")
	}

	// A deadline in the past is a no-op.
	if err := s.PutDedup(ctx, "fp-2", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("PutDedup past: %v", err)
	}
	if _, ok, _ := s.GetDedup(ctx, "fp-2"); ok {
		t.Fatalf("expected no entry for past deadline")
	}
}

func TestRedisStoreAuditCapped(t *testing.T) {
	ctx := context.Background()
	s, mr := openTestRedisStore(t)

	for i := 0; i < 3; i++ {
		if err := s.AppendAudit(ctx, AuditEntry{Action: "job.submit"}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.LLen(ctx, "fleetd:audit").Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 3 {
		t.Fatalf("audit entries = %d, want 3", n)
	}
}
