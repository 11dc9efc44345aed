package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind identifies the handler a job is dispatched to.
type Kind string

const (
	KindCall Kind = "call"
	KindSms  Kind = "sms"
)

// ErrFatal wraps handler errors that must not be retried (configuration
// faults, lost session context). The pool abandons the job immediately.
var ErrFatal = errors.New("jobqueue: fatal")

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Envelope is the durable wire form of a job.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Options controls enqueue behavior.
type Options struct {
	// Delay defers eligibility for pickup.
	Delay time.Duration

	// Attempts is the transport-level attempt budget. Zero means the
	// queue default.
	Attempts int

	// Backoff is the base delay between attempts, doubled per attempt.
	// Zero means the queue default.
	Backoff time.Duration
}

// Queue is a durable, at-least-once redis job queue.
//
// Layout:
//   - ready list   outdial:q:<name>          (LPUSH / BLMOVE)
//   - in-flight    outdial:active:<name>     (BLMOVE target, LREM on done)
//   - delayed zset outdial:delayed:<name>    (score = eligible-at unix ms)
//
// A ticking scheduler promotes due delayed jobs onto the ready list with a
// Lua script so two processes never double-promote.
type Queue struct {
	rdb  *redis.Client
	name string

	defaultAttempts int
	defaultBackoff  time.Duration
}

func New(rdb *redis.Client, name string, defaultAttempts int, defaultBackoff time.Duration) *Queue {
	if defaultAttempts <= 0 {
		defaultAttempts = 3
	}
	if defaultBackoff <= 0 {
		defaultBackoff = 5 * time.Second
	}
	return &Queue{
		rdb:             rdb,
		name:            name,
		defaultAttempts: defaultAttempts,
		defaultBackoff:  defaultBackoff,
	}
}

func (q *Queue) readyKey() string   { return "outdial:q:" + q.name }
func (q *Queue) activeKey() string  { return "outdial:active:" + q.name }
func (q *Queue) delayedKey() string { return "outdial:delayed:" + q.name }

// Enqueue serializes payload and makes it eligible after opts.Delay.
// Returns the job id. The call returns as soon as redis accepts the write.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.defaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.defaultBackoff
	}

	env := Envelope{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: attempts,
		BackoffMS:   backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
	}
	return env.ID, q.push(ctx, env, opts.Delay)
}

func (q *Queue) push(ctx context.Context, env Envelope, delay time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal envelope: %w", err)
	}
	if delay > 0 {
		eligible := float64(time.Now().Add(delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: eligible, Member: raw}).Err(); err != nil {
			return fmt.Errorf("jobqueue: zadd delayed: %w", err)
		}
		return nil
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("jobqueue: lpush ready: %w", err)
	}
	return nil
}

// retry re-enqueues env with its attempt counter bumped and exponential
// backoff applied.
func (q *Queue) retry(ctx context.Context, env Envelope) error {
	delay := retryDelay(env)
	env.Attempt++
	return q.push(ctx, env, delay)
}

// retryDelay doubles the base backoff per completed attempt.
func retryDelay(env Envelope) time.Duration {
	delay := time.Duration(env.BackoffMS) * time.Millisecond
	for i := 1; i < env.Attempt; i++ {
		delay *= 2
	}
	return delay
}

var promoteScript = redis.NewScript(`
-- KEYS[1] = delayed zset
-- KEYS[2] = ready list
-- ARGV[1] = now (unix ms)
-- ARGV[2] = batch limit
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, raw in ipairs(due) do
  redis.call('ZREM', KEYS[1], raw)
  redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// promoteDue moves delayed jobs whose time has come onto the ready list.
func (q *Queue) promoteDue(ctx context.Context, limit int) (int, error) {
	now := time.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.readyKey()}, now, limit).Int()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: promote delayed: %w", err)
	}
	return n, nil
}

var reclaimScript = redis.NewScript(`
-- KEYS[1] = in-flight list
-- KEYS[2] = ready list
local n = 0
while true do
  local raw = redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT')
  if not raw then break end
  n = n + 1
end
return n
`)

// requeueOrphans moves everything parked on the in-flight list back onto
// the ready list. The pool runs it once at startup, before any worker
// pops: entries found there belong to a previous process that died
// between pop and ack, and would otherwise be stranded forever.
func (q *Queue) requeueOrphans(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, q.rdb, []string{q.activeKey(), q.readyKey()}).Int()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: requeue orphans: %w", err)
	}
	return n, nil
}

// dequeue blocks up to timeout for a ready job, moving it to the in-flight
// list so a crash between pop and ack cannot lose it; the startup orphan
// sweep puts such entries back on the ready list.
func (q *Queue) dequeue(ctx context.Context, timeout time.Duration) (Envelope, string, error) {
	raw, err := q.rdb.BLMove(ctx, q.readyKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		return Envelope{}, "", err // redis.Nil on timeout
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison entry: drop it from in-flight so it does not wedge the queue.
		_ = q.rdb.LRem(ctx, q.activeKey(), 1, raw)
		return Envelope{}, "", fmt.Errorf("jobqueue: unmarshal envelope: %w", err)
	}
	return env, raw, nil
}

// ack removes the raw entry from the in-flight list once the attempt is
// fully handled (success, retry re-enqueued, or abandoned).
func (q *Queue) ack(ctx context.Context, raw string) error {
	return q.rdb.LRem(ctx, q.activeKey(), 1, raw).Err()
}

// Depth reports ready and delayed counts, for health reporting.
func (q *Queue) Depth(ctx context.Context) (ready int64, delayed int64, err error) {
	ready, err = q.rdb.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}
