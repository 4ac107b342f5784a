package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"fleetd/internal/job"
	logx "fleetd/pkg/logx"
)

// Store is the persistence API used by the queue, scheduler and dispatcher.
//
// Schedules are opaque blobs: the scheduler owns their shape and versioning,
// the store only keys them by id. Jobs are stored whole so a restart can
// rebuild the queue.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, bool, error)
	// ListJobs returns the most recently updated jobs, newest first.
	// limit <= 0 means all retained jobs.
	ListJobs(ctx context.Context, limit int) ([]*job.Job, error)

	SaveSchedule(ctx context.Context, id string, data []byte) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) (map[string][]byte, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
