// Package scheduler provides the bounded-concurrency priority task pool
// shared by every producer of a crawl run: page discovery, item and
// review fetches, existence checks and media downloads.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masahif/itemtadoru/internal/logging"
)

var (
	// ErrInvalidConcurrency is returned by New for a non-positive ceiling
	ErrInvalidConcurrency = errors.New("scheduler concurrency must be greater than 0")
	// ErrInvalidTimeout is returned by New for a non-positive task timeout
	ErrInvalidTimeout = errors.New("scheduler task timeout must be greater than 0")
	// ErrMissingPriority is returned by New when a kind has no band
	ErrMissingPriority = errors.New("missing priority band")
	// ErrTaskTimeout resolves a task abandoned after the global timeout
	ErrTaskTimeout = errors.New("task timed out")
	// ErrStopped resolves tasks submitted to, or still queued in, a stopped scheduler
	ErrStopped = errors.New("scheduler stopped")
	// ErrNilTask resolves a submission without a function
	ErrNilTask = errors.New("nil task function")
)

// Func is the unit of work. The context is cancelled when the task times
// out or the scheduler stops.
type Func func(ctx context.Context) (any, error)

// Options configures a Scheduler
type Options struct {
	Concurrency int
	Timeout     time.Duration
	Priorities  Priorities // nil means DefaultPriorities
	Logger      *slog.Logger
	Paused      bool // start without admitting tasks until Resume
}

// Scheduler runs submitted tasks strictly by band, FIFO within a band, with
// at most Concurrency tasks in flight. A finishing task admits the next
// queued one immediately. Failed tasks are logged and never retried.
type Scheduler struct {
	concurrency int
	timeout     time.Duration
	priorities  Priorities
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     taskHeap
	byKind    map[Kind]int
	running   int
	detached  int
	seq       uint64
	paused    bool
	stopped   bool
	completed int
	failed    int
}

// New validates opts and returns a scheduler
func New(opts Options) (*Scheduler, error) {
	if opts.Concurrency <= 0 {
		return nil, ErrInvalidConcurrency
	}
	if opts.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	priorities := opts.Priorities
	if priorities == nil {
		priorities = DefaultPriorities()
	}
	if err := priorities.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		priorities:  priorities,
		logger:      logging.Component(opts.Logger, "scheduler"),
		ctx:         ctx,
		cancel:      cancel,
		byKind:      make(map[Kind]int),
		paused:      opts.Paused,
	}, nil
}

// Submit queues fn under kind. name identifies the task in logs. The
// returned handle resolves with fn's result, ErrTaskTimeout or ErrStopped.
func (s *Scheduler) Submit(kind Kind, name string, fn Func) *Handle {
	h := newHandle(kind, name)
	if fn == nil {
		s.logger.Error("Missing required input", "op", "Submit", "field", "fn", "task", name)
		h.resolve(nil, ErrNilTask)
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		h.resolve(nil, ErrStopped)
		return h
	}

	s.seq++
	heap.Push(&s.queue, &task{
		kind:   kind,
		band:   s.priorities.band(kind),
		seq:    s.seq,
		name:   name,
		fn:     fn,
		handle: h,
	})
	s.byKind[kind]++
	s.dispatchLocked()
	return h
}

// Go runs fn on its own goroutine outside the pool. It counts as pending
// work for Drain, so orchestration that submits tasks later (a media fetch
// started from inside a review task) keeps the run alive.
func (s *Scheduler) Go(fn func()) {
	s.mu.Lock()
	s.detached++
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.detached--
			s.mu.Unlock()
		}()
		fn()
	}()
}

// dispatchLocked admits queued tasks while slots are free. Caller holds mu.
func (s *Scheduler) dispatchLocked() {
	for !s.paused && !s.stopped && s.running < s.concurrency && s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*task)
		s.byKind[t.kind]--
		s.running++
		go s.run(t)
	}
}

func (s *Scheduler) run(t *task) {
	value, err := s.execute(t)

	if err != nil {
		s.logger.Error("Task failed", "task", t.name, "kind", t.kind.String(), "error", err)
	}

	s.mu.Lock()
	s.running--
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
	s.dispatchLocked()
	s.mu.Unlock()

	t.handle.resolve(value, err)
}

type outcome struct {
	value any
	err   error
}

// execute runs the task under the global timeout. On timeout the result
// is abandoned; the task goroutine may keep running until it notices its
// context.
func (s *Scheduler) execute(t *task) (any, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := t.fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTaskTimeout, s.timeout)
		}
		return nil, ErrStopped
	}
}

// Pause stops admitting queued tasks; running tasks continue
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume admits queued tasks again
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.dispatchLocked()
}

// Stop rejects new submissions, resolves queued tasks with ErrStopped and
// cancels the context of running ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := make([]*task, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&s.queue).(*task))
	}
	s.byKind = make(map[Kind]int)
	s.mu.Unlock()

	for _, t := range pending {
		t.handle.resolve(nil, ErrStopped)
	}
	s.cancel()
}

// Size returns the number of queued tasks
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// InFlight returns the number of running tasks
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Detached returns the number of goroutines started with Go still running
func (s *Scheduler) Detached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// SizeByKind returns the queued task count per kind
func (s *Scheduler) SizeByKind() map[Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]int, len(Kinds()))
	for _, k := range Kinds() {
		out[k] = s.byKind[k]
	}
	return out
}

// Paused reports whether admission is paused
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Priorities returns the band order in use
func (s *Scheduler) Priorities() Priorities {
	out := make(Priorities, len(s.priorities))
	for k, v := range s.priorities {
		out[k] = v
	}
	return out
}

// Idle reports whether nothing is queued, running or detached
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() == 0 && s.running == 0 && s.detached == 0
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Size      int            `json:"size"`
	InFlight  int            `json:"in_flight"`
	Detached  int            `json:"detached"`
	Paused    bool           `json:"paused"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"by_kind"`
}

// Stats returns a snapshot of queue depth and counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[string]int, len(Kinds()))
	for _, k := range Kinds() {
		byKind[k.String()] = s.byKind[k]
	}
	return Stats{
		Size:      s.queue.Len(),
		InFlight:  s.running,
		Detached:  s.detached,
		Paused:    s.paused,
		Completed: s.completed,
		Failed:    s.failed,
		ByKind:    byKind,
	}
}
