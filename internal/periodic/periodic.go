// Package periodic implements the small (fn, interval) task manager (C10)
// that drives the chunk index's, catalog's, and registry's background
// refresh loops, participating in one shared cancellation context.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/subsquid/query-gateway/internal/gwlog"
)

// Func is one unit of periodic work. A returned error is logged, not
// fatal: the schedule keeps running.
type Func func(ctx context.Context) error

// Manager runs a set of named (fn, interval) tasks until its context is
// cancelled, then waits for all of them to unwind.
type Manager struct {
	logger gwlog.Logger
	wg     sync.WaitGroup
}

// New builds a Manager.
func New(logger gwlog.Logger) *Manager {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	return &Manager{logger: logger}
}

// Schedule starts running fn every interval until ctx is cancelled. The
// first run happens after one interval has elapsed, not immediately;
// callers wanting an immediate first run should call fn once before
// Schedule.
func (m *Manager) Schedule(ctx context.Context, name string, interval time.Duration, fn Func) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					m.logger.Log(gwlog.LevelWarn, "periodic task failed", "task", name, "err", err)
				}
			}
		}
	}()
}

// Wait blocks until every scheduled task has returned, bounded by the
// grace period the caller's context cancellation already enforces.
func (m *Manager) Wait() {
	m.wg.Wait()
}
