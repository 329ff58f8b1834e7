// Package jobs is a durable, at-least-once work queue over Redis with a
// fixed worker pool, exponential-backoff retries, and dead-lettering.
// Producers hand off slow side effects (outbound email, notifications)
// and never hear back; failures are retried by the pool and reported
// through the observer and logs, since the originating request has long
// since completed.
//
// Handlers must tolerate duplicate invocations for the same job: a timed
// out attempt may still complete its side effect while the retry runs it
// again. The inverse trade-off also holds: dequeue pops the job from the
// ready list, so a worker process that dies mid-handler loses it; the
// status key reads Processing until retention expires.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job. Done and DeadLettered are
// terminal.
type Status string

const (
	// StatusQueued means the job sits in the ready list awaiting a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker is running the handler.
	StatusProcessing Status = "processing"
	// StatusDone means the handler succeeded.
	StatusDone Status = "done"
	// StatusFailed means the last attempt failed and the job is parked in
	// the delayed set awaiting its backoff retry.
	StatusFailed Status = "failed"
	// StatusDeadLettered means the retry budget is exhausted (or the
	// payload was rejected); the job sits in the dead-letter list for
	// manual inspection.
	StatusDeadLettered Status = "dead_lettered"
)

// ErrInvalidPayload marks a payload a handler can never process. Jobs
// failing with it skip the retry schedule and dead-letter immediately.
var ErrInvalidPayload = errors.New("invalid job payload")

// ErrUnknownJobType is returned by Enqueue for a type with no registered
// handler.
var ErrUnknownJobType = errors.New("unknown job type")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// Job is the queue's envelope. Producers retain no reference after
// enqueue; the queue owns the job for its whole lifetime.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

func encodeJob(job *Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
