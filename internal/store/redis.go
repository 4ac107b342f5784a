package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetd/internal/job"
	logx "fleetd/pkg/logx"
)

// maxAuditEntries caps the audit list so it cannot grow without bound.
const maxAuditEntries = 10000

// redisStore keeps jobs in a hash with a recency zset index, schedules in
// a hash, dedup keys as plain SET PX values, and audit as a capped list.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	prefix string

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "fleetd"
	}
	prefix = strings.TrimSuffix(prefix, ":") + ":"

	return &redisStore{
		client:     client,
		log:        log,
		prefix:     prefix,
		pruneEvery: 500,
	}, nil
}

func (s *redisStore) jobsKey() string      { return s.prefix + "jobs" }
func (s *redisStore) recentKey() string    { return s.prefix + "jobs:recent" }
func (s *redisStore) schedulesKey() string { return s.prefix + "schedules" }
func (s *redisStore) auditKey() string     { return s.prefix + "audit" }
func (s *redisStore) dedupKey(k string) string {
	return s.prefix + "dedup:" + k
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) SaveJob(ctx context.Context, j *job.Job) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if j == nil || j.ID == "" {
		return nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobsKey(), j.ID, data)
	pipe.ZAdd(ctx, s.recentKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: j.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.pruneJobs(pctx)
		cancel()
	}
	return nil
}

func (s *redisStore) GetJob(ctx context.Context, id string) (*job.Job, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, ErrDisabled
	}
	data, err := s.client.HGet(ctx, s.jobsKey(), id).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, false, err
	}
	return &j, true, nil
}

func (s *redisStore) ListJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if s == nil || s.client == nil {
		return nil, ErrDisabled
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.recentKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.jobsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*job.Job, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(str), &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}

func (s *redisStore) SaveSchedule(ctx context.Context, id string, data []byte) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return s.client.HSet(ctx, s.schedulesKey(), id, data).Err()
}

func (s *redisStore) DeleteSchedule(ctx context.Context, id string) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	return s.client.HDel(ctx, s.schedulesKey(), id).Err()
}

func (s *redisStore) ListSchedules(ctx context.Context) (map[string][]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrDisabled
	}
	vals, err := s.client.HGetAll(ctx, s.schedulesKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for id, data := range vals {
		out[id] = []byte(data)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	// Value carries the exact deadline; redis expiry enforces it.
	return s.client.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.client == nil {
		return time.Time{}, false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	val, err := s.client.Get(ctx, s.dedupKey(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), -maxAuditEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// pruneJobs removes terminal jobs beyond the retention cap, oldest first.
// Active jobs keep their index entries even past the cap.
func (s *redisStore) pruneJobs(ctx context.Context) {
	total, err := s.client.ZCard(ctx, s.recentKey()).Result()
	if err != nil || total <= maxRetainedJobs {
		return
	}
	excess := total - maxRetainedJobs
	ids, err := s.client.ZRange(ctx, s.recentKey(), 0, excess-1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	vals, err := s.client.HMGet(ctx, s.jobsKey(), ids...).Result()
	if err != nil {
		return
	}
	var drop []string
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry with no body: clean it up.
			drop = append(drop, ids[i])
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(str), &j); err != nil || j.Status.Terminal() {
			drop = append(drop, ids[i])
		}
	}
	if len(drop) == 0 {
		return
	}
	members := make([]any, len(drop))
	for i, id := range drop {
		members[i] = id
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.recentKey(), members...)
	pipe.HDel(ctx, s.jobsKey(), drop...)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("job prune failed", logx.Any("err", err))
	}
}
