package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "ffq:"
	keyJobs      = keyPrefix + "jobs"
	keyDelayed   = keyPrefix + "delayed"
	keyActive    = keyPrefix + "active"
	keyDead      = keyPrefix + "dead"
	keyCompleted = keyPrefix + "completed"
)

var waitKeys = []string{
	keyPrefix + "wait:high",
	keyPrefix + "wait:normal",
	keyPrefix + "wait:low",
}

func waitKey(p Priority) string {
	switch p {
	case PriorityHigh:
		return waitKeys[0]
	case PriorityLow:
		return waitKeys[2]
	default:
		return waitKeys[1]
	}
}

// RedisQueue is the production Queue. Waiting jobs sit on per-priority
// lists, delayed retries on a sorted set scored by ready time, and leased
// jobs on a sorted set scored by their visibility deadline so a crashed
// worker's jobs get redelivered.
type RedisQueue struct {
	rdb               *redis.Client
	pollInterval      time.Duration
	visibilityTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

type RedisQueueOption func(*RedisQueue)

func WithPollInterval(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		q.pollInterval = d
	}
}

func WithVisibilityTimeout(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		q.visibilityTimeout = d
	}
}

func NewRedisQueue(rdb *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		rdb:               rdb,
		pollInterval:      250 * time.Millisecond,
		visibilityTimeout: 5 * time.Minute,
		closed:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyJobs, job.ID, data)
		pipe.RPush(ctx, waitKey(job.Priority), job.ID)
		return nil
	})

	return errors.WithMessage(err, "failed enqueuing job")
}

// popAndLease pops a waiting job id and scores it on the active set in
// one server-side step, so a crash between the two can never strand the
// job outside every queue structure.
var popAndLease = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id`)

// Dequeue promotes due retries, reclaims stalled leases, then pops the
// highest-priority waiting job. It polls rather than blocking on the
// server so shutdown stays responsive.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, errors.New("queue is closed")
		default:
		}

		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		if err := q.reapStalled(ctx); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(q.visibilityTimeout).Unix()

		for _, key := range waitKeys {
			res, err := popAndLease.Run(ctx, q.rdb, []string{key, keyActive}, deadline).Result()
			switch {
			case err == redis.Nil:
				continue
			case err != nil:
				return nil, errors.WithMessage(err, "failed popping job")
			}

			delivery, err := q.claim(ctx, res.(string))
			if err != nil {
				return nil, err
			}

			if delivery != nil {
				return delivery, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, errors.New("queue is closed")
		case <-time.After(q.pollInterval):
		}
	}
}

// claim loads the leased job's record. A stale id whose record is gone
// drops its lease and skips.
func (q *RedisQueue) claim(ctx context.Context, id string) (*Delivery, error) {
	data, err := q.rdb.HGet(ctx, keyJobs, id).Result()
	switch {
	case err == redis.Nil:
		q.rdb.ZRem(ctx, keyActive, id)
		return nil, nil
	case err != nil:
		return nil, errors.WithMessage(err, "failed loading job")
	}

	job, err := UnmarshalJob([]byte(data))
	if err != nil {
		return nil, err
	}

	return NewDelivery(job, q), nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyActive, job.ID)
		pipe.HDel(ctx, keyJobs, job.ID)
		pipe.Incr(ctx, keyCompleted)
		return nil
	})

	return errors.WithMessage(err, "failed acking job")
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error, retryable bool) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if !retryable || job.Attempts >= job.MaxAttempts {
		return q.deadLetter(ctx, job)
	}

	data, err := job.Marshal()
	if err != nil {
		return err
	}

	readyAt := float64(time.Now().Add(Backoff(job.Attempts)).Unix())

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyActive, job.ID)
		pipe.HSet(ctx, keyJobs, job.ID, data)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: readyAt, Member: job.ID})
		return nil
	})

	return errors.WithMessage(err, "failed rescheduling job")
}

func (q *RedisQueue) deadLetter(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	clog.UsingCtx("queue").WithFields(log.Fields{
		"job":      job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempts,
	}).Errorf("job moved to dead letter: %s", job.LastError)

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyActive, job.ID)
		pipe.HDel(ctx, keyJobs, job.ID)
		pipe.LPush(ctx, keyDead, data)
		return nil
	})

	return errors.WithMessage(err, "failed dead-lettering job")
}

// promoteDue moves delayed jobs whose backoff has elapsed back onto their
// waiting list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return errors.WithMessage(err, "failed listing due jobs")
	}

	for _, id := range ids {
		data, err := q.rdb.HGet(ctx, keyJobs, id).Result()
		if err == redis.Nil {
			q.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		if err != nil {
			return errors.WithMessage(err, "failed loading due job")
		}

		job, err := UnmarshalJob([]byte(data))
		if err != nil {
			return err
		}

		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, keyDelayed, id)
			pipe.RPush(ctx, waitKey(job.Priority), id)
			return nil
		})
		if err != nil {
			return errors.WithMessage(err, "failed promoting job")
		}
	}

	return nil
}

// reapStalled treats an expired lease as a failed attempt: the worker
// holding it is presumed dead, so the job goes back through the normal
// retry path.
func (q *RedisQueue) reapStalled(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	ids, err := q.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return errors.WithMessage(err, "failed listing stalled jobs")
	}

	for _, id := range ids {
		data, err := q.rdb.HGet(ctx, keyJobs, id).Result()
		if err == redis.Nil {
			q.rdb.ZRem(ctx, keyActive, id)
			continue
		}
		if err != nil {
			return errors.WithMessage(err, "failed loading stalled job")
		}

		job, err := UnmarshalJob([]byte(data))
		if err != nil {
			return err
		}

		clog.UsingCtx("queue").WithFields(log.Fields{
			"job":  job.ID,
			"kind": job.Kind,
		}).Warn("reclaiming job from stalled worker")

		if err := q.Nack(ctx, job, errors.New("visibility timeout expired"), true); err != nil {
			return err
		}
	}

	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	for _, key := range waitKeys {
		n, err := q.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, errors.WithMessage(err, "failed counting waiting jobs")
		}
		stats.Waiting += n
	}

	var err error

	if stats.Delayed, err = q.rdb.ZCard(ctx, keyDelayed).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed counting delayed jobs")
	}

	if stats.Active, err = q.rdb.ZCard(ctx, keyActive).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed counting active jobs")
	}

	if stats.Dead, err = q.rdb.LLen(ctx, keyDead).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed counting dead jobs")
	}

	completed, err := q.rdb.Get(ctx, keyCompleted).Result()
	switch {
	case err == redis.Nil:
		stats.Completed = 0
	case err != nil:
		return nil, errors.WithMessage(err, "failed counting completed jobs")
	default:
		if stats.Completed, err = strconv.ParseInt(completed, 10, 64); err != nil {
			return nil, errors.WithMessage(err, "corrupt completed counter")
		}
	}

	return stats, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}

	entries, err := q.rdb.LRange(ctx, keyDead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "failed listing dead letters")
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		job, err := UnmarshalJob([]byte(entry))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})

	return nil
}
