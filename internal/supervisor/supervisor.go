// Package supervisor runs the pipeline processors as restartable tasks.
// A task that returns an error or panics is restarted with exponential
// backoff; a task that keeps crashing takes the process down so the
// orchestrator can restart it cleanly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rakshak/backend/internal/metrics"
)

const (
	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
	// crashLoopLimit restarts within crashLoopWindow is a crash loop.
	crashLoopLimit  = 5
	crashLoopWindow = 60 * time.Second
)

// ErrCrashLoop is returned when a task exceeds the restart budget.
var ErrCrashLoop = errors.New("supervisor: task in crash loop")

// Task is one supervised run loop. It should only return once its context
// is cancelled or it hits an unrecoverable error.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns a set of tasks and restarts the ones that fail.
type Supervisor struct {
	mu    sync.Mutex
	tasks []Task

	// BaseDelay is the initial restart backoff, replaceable in tests.
	BaseDelay time.Duration
}

// New constructs an empty supervisor.
func New() *Supervisor {
	return &Supervisor{BaseDelay: restartBaseDelay}
}

// Add registers a task. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
	s.mu.Unlock()
}

// runOnce executes the task, converting panics into errors.
func runOnce(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Run(ctx)
}

// supervise restarts one task until ctx is cancelled or the restart budget
// is exhausted.
func (s *Supervisor) supervise(ctx context.Context, t Task) error {
	delay := s.BaseDelay
	if delay <= 0 {
		delay = restartBaseDelay
	}
	var restarts []time.Time

	for {
		err := runOnce(ctx, t)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// A run loop returning nil without cancellation means its
			// subscription closed; treat as a failure and restart.
			err = errors.New("run loop exited")
		}

		now := time.Now()
		restarts = append(restarts, now)
		for len(restarts) > 0 && now.Sub(restarts[0]) > crashLoopWindow {
			restarts = restarts[1:]
		}
		metrics.ProcessorRestartsTotal.WithLabelValues(t.Name).Inc()
		if len(restarts) > crashLoopLimit {
			slog.Error("[Supervisor] Task in crash loop, giving up",
				"task", t.Name, "restarts", len(restarts), "error", err)
			return fmt.Errorf("%w: %s: %v", ErrCrashLoop, t.Name, err)
		}

		slog.Warn("[Supervisor] Task failed, restarting",
			"task", t.Name, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > restartMaxDelay {
			delay = restartMaxDelay
		}
	}
}

// Run starts every task and blocks until ctx is cancelled or a task enters
// a crash loop. On a crash loop the remaining tasks are cancelled and
// drained before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			if err := s.supervise(runCtx, t); err != nil {
				errCh <- err
				cancel()
			}
		}(t)
	}
	slog.Info("[Supervisor] Running", "tasks", len(tasks))

	wg.Wait()
	close(errCh)
	return <-errCh
}
