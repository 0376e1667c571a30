// Package poller runs fixed-interval refreshes bound to a cancellable scope.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the refresh period when none is configured.
const DefaultInterval = 5 * time.Second

// RefreshFunc fetches and applies fresh state.
type RefreshFunc func(ctx context.Context) error

// Job is one refresh issued on every tick.
type Job struct {
	Name    string
	Refresh RefreshFunc
}

// Config controls a poller.
type Config struct {
	Interval time.Duration
	// Timeout bounds one refresh. Defaults to Interval.
	Timeout time.Duration
	Jobs    []Job
}

// Poller issues every job on a fixed interval until stopped.
// Ticks are independent: a slow refresh never delays the next tick.
type Poller struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// Start launches a poller. The first refresh happens one interval after Start.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, logger: logger}

	p.wg.Add(1)
	go p.loop(ctx, cfg)
	return p
}

// Stop cancels in-flight refreshes and returns once every refresh goroutine
// has exited. It is safe to call more than once.
func (p *Poller) Stop() {
	p.once.Do(p.cancel)
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, cfg Config) {
	defer p.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// A tick can race with cancellation; never issue work after Stop.
		if ctx.Err() != nil {
			return
		}
		for _, job := range cfg.Jobs {
			p.wg.Add(1)
			go p.run(ctx, job, cfg.Timeout)
		}
	}
}

func (p *Poller) run(ctx context.Context, job Job, timeout time.Duration) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := job.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			p.logger.Debug("poll refresh cancelled", "job", job.Name, "error", err)
			return
		}
		p.logger.Warn("poll refresh failed", "job", job.Name, "error", err)
	}
}
