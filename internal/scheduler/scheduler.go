package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// Operation is one unit of deferred mesh work. It must honour ctx: the
// scheduler derives it from the caller's context plus the task timeout.
type Operation[T any] func(ctx context.Context) (T, error)

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the number of logical dispatch slots. Default 1.
	Concurrency int
	// MinInterval is the scheduler-global minimum time between any two
	// dispatch starts, protecting the bandwidth-constrained mesh channel.
	// It applies across tasks, not per task. 0 disables throttling.
	MinInterval time.Duration
	// MaxQueueSize bounds the pending queue. Default 64.
	MaxQueueSize int
	// DefaultTimeout applies to tasks scheduled without WithTimeout.
	// 0 means no timeout.
	DefaultTimeout time.Duration
}

// TaskOption configures one scheduled task.
type TaskOption func(*taskConfig)

type taskConfig struct {
	priority int
	timeout  time.Duration
}

// WithPriority sets the task's priority. Higher dispatches first; ties break
// by enqueue order.
func WithPriority(p int) TaskOption { return func(c *taskConfig) { c.priority = p } }

// WithTimeout overrides the scheduler's default timeout for this task.
// 0 disables the timeout entirely.
func WithTimeout(d time.Duration) TaskOption { return func(c *taskConfig) { c.timeout = d } }

// Scheduler bounds concurrency and paces dispatch of mesh operations.
// Dispatch order is priority-then-FIFO; completion order is not guaranteed.
// Safe for concurrent use.
type Scheduler[T any] struct {
	opts    Options
	limiter *rate.Limiter // nil when MinInterval is 0

	mu      sync.Mutex
	queue   taskQueue[T]
	running int
	seq     uint64
	idle    []chan struct{}
}

// New constructs a Scheduler. Zero-valued options fall back to defaults.
func New[T any](opts Options) *Scheduler[T] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 64
	}
	s := &Scheduler[T]{opts: opts}
	if opts.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return s
}

type outcome[T any] struct {
	val T
	err error
}

type task[T any] struct {
	op       Operation[T]
	ctx      context.Context
	priority int
	seq      uint64
	timeout  time.Duration
	index    int // heap index; -1 once popped or removed
	done     chan outcome[T]
}

// Schedule enqueues op and blocks until it settles. It fails without running
// op when ctx is already cancelled, or synchronously with a QueueFullError
// when the queue is at capacity and every slot is busy.
//
// Cancelling ctx after dispatch makes Schedule return immediately with a
// CommandCancelledError, but the transport side effect of an already-invoked
// operation may still complete on the bridge.
func (s *Scheduler[T]) Schedule(ctx context.Context, op Operation[T], opts ...TaskOption) (T, error) {
	var zero T

	cfg := taskConfig{timeout: s.opts.DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if ctx.Err() != nil {
		return zero, &domain.CommandCancelledError{Reason: "cancelled before dispatch"}
	}

	s.mu.Lock()
	if len(s.queue) >= s.opts.MaxQueueSize && s.running >= s.opts.Concurrency {
		n := len(s.queue)
		s.mu.Unlock()
		telemetry.SchedulerRejectedTotal.Inc()
		return zero, &domain.QueueFullError{Size: n}
	}
	s.seq++
	t := &task[T]{
		op:       op,
		ctx:      ctx,
		priority: cfg.priority,
		seq:      s.seq,
		timeout:  cfg.timeout,
		index:    -1,
		done:     make(chan outcome[T], 1),
	}
	heap.Push(&s.queue, t)
	telemetry.SchedulerQueueDepth.Set(float64(len(s.queue)))
	s.dispatchLocked()
	s.mu.Unlock()

	select {
	case out := <-t.done:
		return out.val, out.err
	case <-ctx.Done():
		s.removePending(t)
		return zero, &domain.CommandCancelledError{Reason: ctx.Err().Error()}
	}
}

// QueueDepth returns the number of tasks waiting for a slot.
func (s *Scheduler[T]) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running returns the number of occupied concurrency slots.
func (s *Scheduler[T]) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// WaitForIdle blocks until the queue is empty and no task is running, or ctx
// is cancelled. An already idle scheduler returns immediately.
func (s *Scheduler[T]) WaitForIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.running == 0 && len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearQueue fails every pending (not yet dispatched) task with a cancelled
// error and returns how many were dropped. Running tasks are unaffected.
func (s *Scheduler[T]) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	for _, t := range s.queue {
		t.index = -1
		t.done <- outcome[T]{err: &domain.CommandCancelledError{Reason: "queue cleared"}}
	}
	s.queue = s.queue[:0]
	telemetry.SchedulerQueueDepth.Set(0)
	if n > 0 {
		telemetry.SchedulerDispatchedTotal.WithLabelValues("cancelled").Add(float64(n))
	}
	if s.running == 0 {
		s.notifyIdleLocked()
	}
	return n
}

// removePending settles t as cancelled if it is still queued. A task already
// popped by the dispatch loop is left alone — the run path owns it.
func (s *Scheduler[T]) removePending(t *task[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 {
		return
	}
	heap.Remove(&s.queue, t.index)
	telemetry.SchedulerQueueDepth.Set(float64(len(s.queue)))
	t.done <- outcome[T]{err: &domain.CommandCancelledError{Reason: "cancelled before dispatch"}}
	telemetry.SchedulerDispatchedTotal.WithLabelValues("cancelled").Inc()
	if s.running == 0 && len(s.queue) == 0 {
		s.notifyIdleLocked()
	}
}

// dispatchLocked fills free slots from the queue. Caller holds s.mu.
func (s *Scheduler[T]) dispatchLocked() {
	for s.running < s.opts.Concurrency && len(s.queue) > 0 {
		t := heap.Pop(&s.queue).(*task[T])
		telemetry.SchedulerQueueDepth.Set(float64(len(s.queue)))

		// A task whose caller already gave up must not consume a slot.
		if t.ctx.Err() != nil {
			t.done <- outcome[T]{err: &domain.CommandCancelledError{Reason: "cancelled before dispatch"}}
			telemetry.SchedulerDispatchedTotal.WithLabelValues("cancelled").Inc()
			continue
		}

		s.running++
		telemetry.SchedulerRunning.Set(float64(s.running))

		// Reserving under the lock keeps throttle delays in dispatch order.
		var delay time.Duration
		if s.limiter != nil {
			delay = s.limiter.Reserve().Delay()
		}
		go s.run(t, delay)
	}
}

func (s *Scheduler[T]) run(t *task[T], delay time.Duration) {
	defer s.finish()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			t.done <- outcome[T]{err: &domain.CommandCancelledError{Reason: t.ctx.Err().Error()}}
			telemetry.SchedulerDispatchedTotal.WithLabelValues("cancelled").Inc()
			return
		}
	}

	opCtx := t.ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		opCtx, cancel = context.WithTimeout(t.ctx, t.timeout)
	} else {
		opCtx, cancel = context.WithCancel(t.ctx)
	}
	defer cancel()

	start := time.Now()
	resCh := make(chan outcome[T], 1)
	go func() {
		v, err := t.op(opCtx)
		resCh <- outcome[T]{val: v, err: err}
	}()

	var status string
	select {
	case out := <-resCh:
		t.done <- out
		if out.err != nil {
			status = "error"
		} else {
			status = "ok"
		}
	case <-opCtx.Done():
		// Whichever fired first wins; the in-flight operation is not
		// forcibly aborted, only no longer waited for.
		if t.ctx.Err() != nil {
			t.done <- outcome[T]{err: &domain.CommandCancelledError{Reason: t.ctx.Err().Error()}}
			status = "cancelled"
		} else {
			t.done <- outcome[T]{err: &domain.CommandTimeoutError{Timeout: t.timeout}}
			status = "timeout"
		}
	}

	telemetry.SchedulerTaskDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.SchedulerDispatchedTotal.WithLabelValues(status).Inc()
}

// finish releases the slot, pulls more work, and wakes idle waiters when the
// scheduler drains.
func (s *Scheduler[T]) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	telemetry.SchedulerRunning.Set(float64(s.running))
	s.dispatchLocked()
	if s.running == 0 && len(s.queue) == 0 {
		s.notifyIdleLocked()
	}
}

func (s *Scheduler[T]) notifyIdleLocked() {
	for _, ch := range s.idle {
		close(ch)
	}
	s.idle = nil
}

// ─── priority queue ──────────────────────────────────────────────────────────

// taskQueue orders by priority (descending), then enqueue sequence
// (ascending) so equal priorities dispatch FIFO.
type taskQueue[T any] []*task[T]

func (q taskQueue[T]) Len() int { return len(q) }

func (q taskQueue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue[T]) Push(x any) {
	t := x.(*task[T])
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue[T]) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
