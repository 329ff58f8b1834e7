package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Start launches the worker pool. The pool runs until Close; each worker
// blocks on the ready lists of every registered type, with a bounded poll
// timeout so delayed-set promotion keeps happening even when the queue is
// idle.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.mu.RLock()
	types := make([]string, 0, len(q.handlers))
	for jobType := range q.handlers {
		types = append(types, jobType)
	}
	q.mu.RUnlock()
	sort.Strings(types)

	readyKeys := make([]string, len(types))
	for i, jobType := range types {
		readyKeys[i] = q.readyKey(jobType)
	}

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, types, readyKeys)
	}

	q.logger.Info("job workers started",
		zap.Int("workers", q.config.Workers),
		zap.Strings("job_types", types))
}

// Close stops accepting work, cancels in-flight handler contexts, and
// waits for the workers to exit. A job interrupted mid-handler stays
// popped; its status key records Processing until retention expires, and
// the side effect may or may not have happened. That is the documented
// at-least-once trade-off.
func (q *Queue) Close() {
	if q == nil || !q.closed.CompareAndSwap(false, true) {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context, id int, types, readyKeys []string) {
	defer q.wg.Done()

	if len(readyKeys) == 0 {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		for _, jobType := range types {
			q.promoteDelayed(ctx, jobType)
		}

		res, err := q.redis.BRPop(ctx, q.config.PollInterval, readyKeys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("dequeue failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		if len(res) != 2 {
			continue
		}

		q.handle(ctx, []byte(res[1]))
	}
}

func (q *Queue) handle(ctx context.Context, raw []byte) {
	job, err := decodeJob(raw)
	if err != nil || job.Type == "" {
		// An envelope that cannot be decoded can never be retried; park
		// the raw bytes for inspection under a synthetic type.
		q.logger.Error("undecodable job envelope", zap.Error(err))
		_ = q.redis.LPush(ctx, q.deadKey("_undecodable"), raw).Err()
		q.observer.JobDeadLettered("_undecodable")
		return
	}

	q.mu.RLock()
	handler := q.handlers[job.Type]
	q.mu.RUnlock()
	if handler == nil {
		q.deadLetter(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	q.setStatus(ctx, job.ID, StatusProcessing)
	job.Attempts++

	runCtx, cancel := context.WithTimeout(ctx, q.config.HandlerTimeout)
	err = runHandler(runCtx, handler, job.Payload)
	cancel()

	if err == nil {
		q.setStatus(ctx, job.ID, StatusDone)
		q.observer.JobDone(job.Type)
		return
	}

	if errors.Is(err, ErrInvalidPayload) {
		q.deadLetter(ctx, job, err)
		return
	}
	if job.Attempts >= q.config.MaxAttempts {
		q.deadLetter(ctx, job, err)
		return
	}
	q.scheduleRetry(ctx, job, err)
}

// runHandler converts handler panics into failed attempts so one bad job
// cannot kill a worker.
func runHandler(ctx context.Context, handler Handler, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(ctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Exceeding the per-job timeout counts as a failed attempt. The
		// handler goroutine is left to drain into the buffered channel.
		return fmt.Errorf("handler timeout: %w", ctx.Err())
	}
}
