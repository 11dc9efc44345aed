package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"outdial-platform/pkg/logger"
)

// Handler executes one job attempt. A nil return acks the job; ErrFatal
// abandons it; any other error retries until the attempt budget runs out.
type Handler func(ctx context.Context, env Envelope) error

// AbandonFunc is invoked exactly once when a job is given up on, so the
// owner can mark the persisted record failed. Jobs are never dropped
// silently.
type AbandonFunc func(ctx context.Context, env Envelope, err error)

// Stats exposes current pool metrics.
type Stats struct {
	WorkerCount int
	Processed   uint64
	Failed      uint64
	Abandoned   uint64
}

// jobSource is the queue surface the pool drains. *Queue satisfies it;
// tests substitute a memory-backed one.
type jobSource interface {
	dequeue(ctx context.Context, timeout time.Duration) (Envelope, string, error)
	ack(ctx context.Context, raw string) error
	retry(ctx context.Context, env Envelope) error
	promoteDue(ctx context.Context, limit int) (int, error)
	requeueOrphans(ctx context.Context) (int, error)
}

// Pool drains a Queue with a fixed number of workers.
type Pool struct {
	queue     jobSource
	name      string
	handlers  map[Kind]Handler
	onAbandon AbandonFunc
	log       *slog.Logger

	workerCount int
	popTimeout  time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed uint64
	failed    uint64
	abandoned uint64
}

func NewPool(q *Queue, workerCount int, handlers map[Kind]Handler, onAbandon AbandonFunc, log *slog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 10
	}
	return &Pool{
		queue:       q,
		name:        q.name,
		handlers:    handlers,
		onAbandon:   onAbandon,
		log:         log,
		workerCount: workerCount,
		popTimeout:  2 * time.Second,
	}
}

// Start launches the workers and the delayed-job scheduler.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	// Sweep the in-flight list before any worker pops: entries left there
	// were popped by a process that died before acking.
	if n, err := p.queue.requeueOrphans(ctx); err != nil {
		p.log.Error("orphan requeue failed", "queue", p.name, "err", err)
	} else if n > 0 {
		p.log.Info("requeued orphaned jobs", "queue", p.name, "count", n)
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.scheduler(ctx)
}

// Stop cancels the workers and waits for in-flight handlers to finish or
// the context to expire.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		WorkerCount: p.workerCount,
		Processed:   atomic.LoadUint64(&p.processed),
		Failed:      atomic.LoadUint64(&p.failed),
		Abandoned:   atomic.LoadUint64(&p.abandoned),
	}
}

// scheduler promotes due delayed jobs onto the ready list.
func (p *Pool) scheduler(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.queue.promoteDue(ctx, 100); err != nil && ctx.Err() == nil {
				p.log.Error("delayed promotion failed", "queue", p.name, "err", err)
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		env, raw, err := p.queue.dequeue(ctx, p.popTimeout)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			p.log.Error("dequeue failed", "queue", p.name, "err", err)
			continue
		}
		p.dispatch(ctx, env, raw)
	}
}

func (p *Pool) dispatch(ctx context.Context, env Envelope, raw string) {
	// Handlers log through the context so every line carries the job id.
	ctx = logger.With(ctx, p.log.With("job_id", env.ID, "job_kind", string(env.Kind)))

	// Ack regardless of outcome: a retry is a fresh envelope, and an
	// abandoned job is recorded through onAbandon, not left in flight.
	defer func() {
		if err := p.queue.ack(ctx, raw); err != nil && ctx.Err() == nil {
			p.log.Error("ack failed", "job_id", env.ID, "err", err)
		}
	}()

	h, ok := p.handlers[env.Kind]
	if !ok {
		atomic.AddUint64(&p.abandoned, 1)
		p.abandon(ctx, env, errors.New("jobqueue: no handler for kind "+string(env.Kind)))
		return
	}

	err := func() (out error) {
		// A panicking handler must not take the worker down; treat it
		// as a fatal attempt.
		defer func() {
			if r := recover(); r != nil {
				out = Fatal(errors.New("handler panic"))
				p.log.Error("handler panic", "job_id", env.ID, "kind", env.Kind, "panic", r)
			}
		}()
		return h(ctx, env)
	}()

	if err == nil {
		atomic.AddUint64(&p.processed, 1)
		return
	}

	atomic.AddUint64(&p.failed, 1)
	if errors.Is(err, ErrFatal) || env.Attempt >= env.MaxAttempts {
		atomic.AddUint64(&p.abandoned, 1)
		p.abandon(ctx, env, err)
		return
	}

	p.log.Warn("job attempt failed, retrying",
		"job_id", env.ID, "kind", env.Kind,
		"attempt", env.Attempt, "max_attempts", env.MaxAttempts, "err", err)
	if rerr := p.queue.retry(ctx, env); rerr != nil {
		// Could not get the retry into redis; surface as an abandon so
		// the record still terminates.
		p.abandon(ctx, env, errors.Join(err, rerr))
	}
}

func (p *Pool) abandon(ctx context.Context, env Envelope, err error) {
	p.log.Error("job abandoned", "job_id", env.ID, "kind", env.Kind, "attempt", env.Attempt, "err", err)
	if p.onAbandon != nil {
		p.onAbandon(ctx, env, err)
	}
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
