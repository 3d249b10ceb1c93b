package battle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Janitor periodically evicts sessions nobody has touched for a while.
type Janitor struct {
	service  *Service
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewJanitor creates a janitor that drops sessions idle longer than ttl,
// checking every interval.
func NewJanitor(service *Service, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		service:  service,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the eviction loop is actively running.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the eviction loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the janitor to stop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in session janitor", "panic", fmt.Sprint(r))
		}
	}()
	j.sweep(ctx)
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.service.EvictIdle(ctx, j.ttl)
	if err != nil {
		j.logger.Warn("failed to evict idle sessions", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("evicted idle sessions", "count", n, "ttl", j.ttl)
	}
}
