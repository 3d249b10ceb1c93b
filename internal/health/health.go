// Package health aggregates subsystem checks for the /health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check when the registry has none set.
const DefaultTimeout = 2 * time.Second

// Check returns nil when the subsystem is healthy.
type Check func(ctx context.Context) error

// Status is one check's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Registry runs named checks concurrently. Results keep registration order.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	names  []string
	checks []Check
}

// NewRegistry returns an empty registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a check. Registering a name twice replaces the first check.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n == name {
			r.checks[i] = check
			return
		}
	}
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every check and reports whether all of them passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i := range checks {
		g.Go(func() error {
			statuses[i] = r.run(ctx, names[i], checks[i])
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, name string, check Check) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st.Name = name
	start := time.Now()
	defer func() { st.LatencyMS = time.Since(start).Milliseconds() }()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("check panicked: %v", p)
			}
		}()
		done <- check(ctx)
	}()
	select {
	case err := <-done:
		st.Healthy = err == nil
		if err != nil {
			st.Detail = err.Error()
		}
	case <-ctx.Done():
		st.Detail = "timed out"
	}
	return st
}

// ErrNotRunning is reported by Loop for a stopped loop.
var ErrNotRunning = errors.New("not running")

// Loop passes while a background loop (janitor, realtime hub) is running.
func Loop(running func() bool) Check {
	return func(context.Context) error {
		if running() {
			return nil
		}
		return ErrNotRunning
	}
}

// Capacity fails once used reaches limit. A limit of zero or less is
// unbounded.
func Capacity(used func() int, limit int) Check {
	return func(context.Context) error {
		if n := used(); limit > 0 && n >= limit {
			return fmt.Errorf("at capacity: %d of %d in use", n, limit)
		}
		return nil
	}
}
