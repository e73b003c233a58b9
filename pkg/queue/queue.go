// Package queue provides the at-least-once job queue behind the ingest
// pipeline. Jobs carry bounded retries with exponential backoff; jobs
// that exhaust their attempts or fail permanently land on a dead-letter
// list for inspection.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

const (
	// DefaultMaxAttempts bounds redelivery of a failing job.
	DefaultMaxAttempts = 3

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it.
	BackoffBase = 2 * time.Second
)

// Job is one unit of asynchronous work. Payload values are small
// identifiers (file UUIDs, owner IDs), never file bytes.
type Job struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Payload     map[string]string `json:"payload"`
	Priority    Priority          `json:"priority"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	LastError   string            `json:"last_error,omitempty"`
}

// NewJob builds a job with a fresh ID and the default retry budget.
func NewJob(kind string, payload map[string]string, priority Priority) (*Job, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errors.WithMessage(err, "failed generating job id")
	}

	return &Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.WithMessage(err, "failed unmarshaling job")
	}

	return &j, nil
}

// Backoff returns the delay before the next delivery of a job that has
// already failed `attempts` times.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}

	return d
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Dead      int64
}

// Delivery is one leased job. Exactly one of Ack or Nack must be called;
// an unacked delivery is redelivered after the visibility deadline.
type Delivery struct {
	Job *Job

	acker Acker
}

type Acker interface {
	// Ack marks the delivery done and discards the job.
	Ack(ctx context.Context, job *Job) error

	// Nack reports a failed delivery. Retryable failures reschedule the
	// job with backoff until attempts run out; permanent failures and
	// exhausted jobs go to the dead-letter list.
	Nack(ctx context.Context, job *Job, cause error, retryable bool) error
}

func NewDelivery(job *Job, acker Acker) *Delivery {
	return &Delivery{Job: job, acker: acker}
}

func (d *Delivery) Ack(ctx context.Context) error {
	return d.acker.Ack(ctx, d.Job)
}

func (d *Delivery) Nack(ctx context.Context, cause error, retryable bool) error {
	return d.acker.Nack(ctx, d.Job, cause, retryable)
}

// Queue is the transport the ingest pipeline runs on.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue leases the next job, highest priority first. It blocks until
	// a job arrives, the context is canceled, or the queue closes.
	Dequeue(ctx context.Context) (*Delivery, error)

	Stats(ctx context.Context) (*Stats, error)

	// DeadLetters returns up to limit jobs from the dead-letter list,
	// newest first.
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)

	Close() error
}
