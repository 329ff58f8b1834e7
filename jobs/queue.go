package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authcache/kv"
)

// Handler processes one job's payload. It must be idempotent with respect
// to the payload: the queue may deliver the same job more than once.
type Handler func(ctx context.Context, payload []byte) error

// Observer receives lifecycle notifications, typically to drive metrics.
// All methods may be called from worker goroutines.
type Observer interface {
	JobDone(jobType string)
	JobRetried(jobType string)
	JobDeadLettered(jobType string)
}

type nopObserver struct{}

func (nopObserver) JobDone(string)         {}
func (nopObserver) JobRetried(string)      {}
func (nopObserver) JobDeadLettered(string) {}

// Config tunes the queue and its worker pool.
type Config struct {
	Prefix          string
	Workers         int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	HandlerTimeout  time.Duration
	PollInterval    time.Duration
	StatusRetention time.Duration
}

// Normalize fills unset fields.
func (c Config) Normalize() Config {
	if c.Prefix == "" {
		c.Prefix = "jobs"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = 24 * time.Hour
	}
	return c
}

// Queue is the durable job queue. Jobs live in a per-type ready list,
// move to a per-type delayed set between retry attempts, and end in a
// per-type dead-letter list when the retry budget runs out. All three
// structures are plain Redis keys, so enqueued work survives process
// restarts.
type Queue struct {
	redis    redis.UniversalClient
	config   Config
	logger   *zap.Logger
	observer Observer

	mu       sync.RWMutex
	handlers map[string]Handler

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Queue. Register handlers, then Start.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger, observer Observer) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Queue{
		redis:    client,
		config:   cfg.Normalize(),
		logger:   logger,
		observer: observer,
		handlers: make(map[string]Handler),
	}
}

func (q *Queue) readyKey(jobType string) string {
	return q.config.Prefix + ":ready:" + jobType
}

func (q *Queue) delayedKey(jobType string) string {
	return q.config.Prefix + ":delayed:" + jobType
}

func (q *Queue) deadKey(jobType string) string {
	return q.config.Prefix + ":dead:" + jobType
}

func (q *Queue) statusKey(jobID string) string {
	return q.config.Prefix + ":status:" + jobID
}

// Register binds a handler to a job type. Registration after Start is
// rejected so the worker key set stays fixed.
func (q *Queue) Register(jobType string, handler Handler) error {
	if q.started.Load() {
		return errors.New("register after start")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
	return nil
}

// Enqueue durably appends a job and returns its ID. The only blocking
// cost on the caller is the single round trip for the write; callers
// wanting a strictly non-blocking path should run Enqueue in its own
// goroutine.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	q.mu.RLock()
	_, known := q.handlers[jobType]
	q.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := encodeJob(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.readyKey(jobType), data)
		pipe.Set(ctx, q.statusKey(job.ID), string(StatusQueued), q.config.StatusRetention)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", kv.ErrStoreUnavailable, err)
	}

	return job.ID, nil
}

// Status reports the last recorded status for a job ID. Status keys
// expire after the configured retention; kv.ErrNotFound afterwards.
func (q *Queue) Status(ctx context.Context, jobID string) (Status, error) {
	val, err := q.redis.Get(ctx, q.statusKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", kv.ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", kv.ErrStoreUnavailable, err)
	}
	return Status(val), nil
}

// DeadLettered returns up to limit jobs from the dead-letter list of a
// type, newest first, for manual inspection.
func (q *Queue) DeadLettered(ctx context.Context, jobType string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := q.redis.LRange(ctx, q.deadKey(jobType), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrStoreUnavailable, err)
	}

	dead := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		job, decErr := decodeJob([]byte(entry))
		if decErr != nil {
			// Raw undecodable payloads are listed as-is.
			dead = append(dead, &Job{Payload: []byte(entry), LastError: decErr.Error()})
			continue
		}
		dead = append(dead, job)
	}
	return dead, nil
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status Status) {
	if err := q.redis.Set(ctx, q.statusKey(jobID), string(status), q.config.StatusRetention).Err(); err != nil {
		q.logger.Warn("job status write failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (q *Queue) backoffFor(attempts int) time.Duration {
	delay := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.BackoffCap {
			return q.config.BackoffCap
		}
	}
	if delay > q.config.BackoffCap {
		return q.config.BackoffCap
	}
	return delay
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, cause error) {
	if cause != nil {
		job.LastError = cause.Error()
	}
	data, err := encodeJob(job)
	if err != nil {
		data = job.Payload
	}
	if err := q.redis.LPush(ctx, q.deadKey(job.Type), data).Err(); err != nil {
		q.logger.Error("dead-letter write failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Error(err))
		return
	}
	q.setStatus(ctx, job.ID, StatusDeadLettered)
	q.observer.JobDeadLettered(job.Type)
	q.logger.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError))
}

// scheduleRetry parks the job in the delayed set until its backoff
// elapses. A retried job is re-appended on promotion, not reinserted at
// its original position, so FIFO is best-effort only.
func (q *Queue) scheduleRetry(ctx context.Context, job *Job, cause error) {
	job.LastError = cause.Error()
	data, err := encodeJob(job)
	if err != nil {
		q.deadLetter(ctx, job, fmt.Errorf("re-encode: %w", err))
		return
	}

	readyAt := time.Now().Add(q.backoffFor(job.Attempts))
	zerr := q.redis.ZAdd(ctx, q.delayedKey(job.Type), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if zerr != nil {
		q.logger.Error("retry schedule failed, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Error(zerr))
		q.deadLetter(ctx, job, cause)
		return
	}
	q.setStatus(ctx, job.ID, StatusFailed)
	q.observer.JobRetried(job.Type)
	q.logger.Warn("job attempt failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", time.Until(readyAt)),
		zap.Error(cause))
}

// promoteDelayed moves due jobs from a delayed set back to its ready
// list. ZRem is the ownership gate: of several workers seeing the same
// member, only the one whose ZRem removed it re-enqueues.
func (q *Queue) promoteDelayed(ctx context.Context, jobType string) {
	now := time.Now().UnixMilli()
	members, err := q.redis.ZRangeByScore(ctx, q.delayedKey(jobType), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 16,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		removed, zerr := q.redis.ZRem(ctx, q.delayedKey(jobType), member).Result()
		if zerr != nil || removed == 0 {
			continue
		}
		if err := q.redis.LPush(ctx, q.readyKey(jobType), member).Err(); err != nil {
			q.logger.Error("promote failed", zap.String("job_type", jobType), zap.Error(err))
			continue
		}
		if job, decErr := decodeJob([]byte(member)); decErr == nil {
			q.setStatus(ctx, job.ID, StatusQueued)
		}
	}
}
