package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemQueue is a Queue for tests and single-process setups. It keeps the
// same priority, backoff and dead-letter semantics as RedisQueue.
type InMemQueue struct {
	mu sync.Mutex

	waiting   map[Priority][]*Job
	delayed   []delayedJob
	active    map[string]*Job
	dead      []*Job
	completed int64

	closeOnce sync.Once
	closed    chan struct{}
	notify    chan struct{}
}

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

func NewInMemQueue() *InMemQueue {
	return &InMemQueue{
		waiting: make(map[Priority][]*Job),
		active:  make(map[string]*Job),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (q *InMemQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	q.waiting[job.Priority] = append(q.waiting[job.Priority], job)
	q.mu.Unlock()

	q.wake()

	return nil
}

func (q *InMemQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, errors.New("queue is closed")
		default:
		}

		if job := q.next(); job != nil {
			return NewDelivery(job, q), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, errors.New("queue is closed")
		case <-q.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *InMemQueue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()

	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		if len(q.waiting[p]) == 0 {
			continue
		}

		job := q.waiting[p][0]
		q.waiting[p] = q.waiting[p][1:]
		q.active[job.ID] = job

		return job
	}

	return nil
}

func (q *InMemQueue) promoteDueLocked() {
	now := time.Now()
	remaining := q.delayed[:0]

	for _, d := range q.delayed {
		if d.readyAt.After(now) {
			remaining = append(remaining, d)
			continue
		}
		q.waiting[d.job.Priority] = append(q.waiting[d.job.Priority], d.job)
	}

	q.delayed = remaining
}

func (q *InMemQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.ID)
	q.completed++

	return nil
}

func (q *InMemQueue) Nack(_ context.Context, job *Job, cause error, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.ID)

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if !retryable || job.Attempts >= job.MaxAttempts {
		q.dead = append([]*Job{job}, q.dead...)
		return nil
	}

	q.delayed = append(q.delayed, delayedJob{
		job:     job,
		readyAt: time.Now().Add(Backoff(job.Attempts)),
	})

	sort.Slice(q.delayed, func(i, j int) bool {
		return q.delayed[i].readyAt.Before(q.delayed[j].readyAt)
	})

	return nil
}

func (q *InMemQueue) Stats(_ context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &Stats{
		Delayed:   int64(len(q.delayed)),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Dead:      int64(len(q.dead)),
	}

	for _, jobs := range q.waiting {
		stats.Waiting += int64(len(jobs))
	}

	return stats, nil
}

func (q *InMemQueue) DeadLetters(_ context.Context, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}

	jobs := make([]*Job, limit)
	copy(jobs, q.dead[:limit])

	return jobs, nil
}

func (q *InMemQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})

	return nil
}

func (q *InMemQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ForcePromote makes every delayed job immediately runnable. Test helper.
func (q *InMemQueue) ForcePromote() {
	q.mu.Lock()
	for i := range q.delayed {
		q.delayed[i].readyAt = time.Now().Add(-time.Second)
	}
	q.mu.Unlock()

	q.wake()
}
