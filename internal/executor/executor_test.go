package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorProcessesAllTasks(t *testing.T) {
	const total = 50
	var queued atomic.Int64
	queued.Store(total)
	var done atomic.Int64

	e := New("test", func() Work {
		if queued.Add(-1) < 0 {
			return nil
		}
		return func(ctx context.Context) bool {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return true
		}
	}, 4)
	e.SetIdleDelay(5 * time.Millisecond)

	e.Start()
	defer e.Stop()

	deadline := time.After(5 * time.Second)
	for done.Load() < total {
		select {
		case <-deadline:
			t.Fatalf("done = %d of %d before deadline", done.Load(), total)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if done.Load() != total {
		t.Fatalf("done = %d, want %d", done.Load(), total)
	}
}

func TestExecutorPauseResume(t *testing.T) {
	var started atomic.Int64

	e := New("test", func() Work {
		return func(ctx context.Context) bool {
			started.Add(1)
			time.Sleep(10 * time.Millisecond)
			return true
		}
	}, 4)
	e.SetIdleDelay(time.Millisecond)

	e.Start()
	defer e.Stop()

	// Let some work flow, then pause.
	time.Sleep(30 * time.Millisecond)
	e.Pause()
	if !e.IsPaused() {
		t.Fatal("IsPaused false after Pause")
	}

	// In-flight units may finish; after one unit's duration no new unit
	// starts.
	time.Sleep(30 * time.Millisecond)
	atPause := started.Load()
	time.Sleep(50 * time.Millisecond)
	if got := started.Load(); got != atPause {
		t.Fatalf("units started while paused: %d -> %d", atPause, got)
	}

	e.Resume()
	if e.IsPaused() {
		t.Fatal("IsPaused true after Resume")
	}
	time.Sleep(50 * time.Millisecond)
	if got := started.Load(); got == atPause {
		t.Fatal("no units started after Resume")
	}
}

func TestExecutorStopClearsPause(t *testing.T) {
	e := New("test", func() Work { return nil }, 2)
	e.SetIdleDelay(time.Millisecond)

	if !e.IsStopped() {
		t.Fatal("new executor not stopped")
	}
	e.Start()
	if e.IsStopped() {
		t.Fatal("IsStopped true after Start")
	}
	e.Pause()
	e.Stop()
	if !e.IsStopped() {
		t.Fatal("IsStopped false after Stop")
	}
	if e.IsPaused() {
		t.Fatal("paused flag survived Stop")
	}
}

func TestExecutorPauseResumeIdempotent(t *testing.T) {
	e := New("test", func() Work { return nil }, 1)
	e.SetIdleDelay(time.Millisecond)
	e.Start()
	defer e.Stop()

	e.Pause()
	e.Pause()
	if !e.IsPaused() {
		t.Fatal("not paused after double Pause")
	}
	e.Resume()
	e.Resume()
	if e.IsPaused() {
		t.Fatal("paused after double Resume")
	}
}

func TestExecutorStopTwice(t *testing.T) {
	e := New("test", func() Work { return nil }, 2)
	e.SetIdleDelay(time.Millisecond)
	e.Start()
	e.Stop()
	e.Stop()
	if !e.IsStopped() {
		t.Fatal("IsStopped false after double Stop")
	}
}
