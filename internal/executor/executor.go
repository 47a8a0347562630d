// Package executor provides a pausable, resumable, stoppable worker pool
// for running a stage of the pipeline as a repeating background loop.
//
// The pool is generic: it knows nothing about what the work is, only how
// to keep a fixed number of workers pulling units of it.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/relay/internal/logging"
)

// Work is one unit of work. It returns true if it did something, false
// if there was nothing to do, which lets the pool idle instead of
// spinning on an empty queue.
type Work func(ctx context.Context) bool

// Supplier provides the next unit of work for a worker. It may return
// nil when no work is currently available.
type Supplier func() Work

// DefaultIdleDelay is how long a worker sleeps after finding no work.
const DefaultIdleDelay = time.Second

// =============================================================================
// Executor
// =============================================================================

// Executor runs a fixed number of workers, each repeatedly taking a unit
// of work from the supplier and executing it.
//
// State machine: Stopped -> Running -> Paused -> Running -> Stopped.
// While paused, in-flight units run to completion but no new unit is
// started; at most threads units may finish after a pause request.
type Executor struct {
	name      string
	supplier  Supplier
	threads   int
	idleDelay time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	paused  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor with the given worker count. It starts in the
// Stopped state.
func New(name string, supplier Supplier, threads int) *Executor {
	if threads <= 0 {
		threads = 1
	}
	e := &Executor{
		name:      name,
		supplier:  supplier,
		threads:   threads,
		idleDelay: DefaultIdleDelay,
		log:       logging.Component("executor").With("pool", name),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetIdleDelay overrides how long workers sleep when no work is
// available. Must be called before Start.
func (e *Executor) SetIdleDelay(d time.Duration) {
	if d > 0 {
		e.idleDelay = d
	}
}

// Start spawns the worker threads. Calling Start on a running executor
// is a no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.paused = false

	e.wg.Add(e.threads)
	for i := 0; i < e.threads; i++ {
		go e.worker(ctx)
	}
	e.log.Info("executor started", "threads", e.threads)
}

// Pause stops workers from taking new units of work. In-flight units
// finish normally. Idempotent.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return
	}
	e.paused = true
	e.log.Info("executor paused")
}

// Resume unblocks paused workers. Idempotent.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || !e.paused {
		return
	}
	e.paused = false
	e.cond.Broadcast()
	e.log.Info("executor resumed")
}

// Stop cancels in-flight work, unblocks paused workers and waits for all
// of them to exit. Always clears the paused flag.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.paused = false
	e.cancel()
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("executor stopped")
}

// IsStopped reports whether the executor is in the Stopped state.
func (e *Executor) IsStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.running
}

// IsPaused reports whether the executor is in the Paused state.
func (e *Executor) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for e.paused && e.running {
			e.cond.Wait()
		}
		running := e.running
		e.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}

		work := e.supplier()
		if work == nil || !work(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.idleDelay):
			}
		}
	}
}
