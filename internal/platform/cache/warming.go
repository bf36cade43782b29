package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
)

// WarmupProvider pre-populates one or more caches. Warmup must be safe to
// call repeatedly.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

type WarmupConfig struct {
	// Timeout bounds a whole run.
	Timeout time.Duration
	// Concurrency caps how many providers warm at once; 0 means all of them.
	Concurrency int
	// StopOnError skips providers that have not started once one fails.
	StopOnError bool
}

func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{Timeout: 2 * time.Minute}
}

type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults lists the providers that ran, in registration order.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Err joins the failures of the run, or returns nil.
func (wr *WarmupResults) Err() error {
	var errs []error
	for _, r := range wr.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Provider, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Warmer runs the registered providers on demand, usually from the
// scheduler.
type Warmer struct {
	logger *observability.Logger
	config WarmupConfig

	mu        sync.Mutex
	providers []WarmupProvider
}

func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	return &Warmer{logger: logger.Component("cache-warmer"), config: config}
}

func (w *Warmer) RegisterProvider(p WarmupProvider) {
	w.mu.Lock()
	w.providers = append(w.providers, p)
	w.mu.Unlock()
}

// Warmup runs every provider once within the configured timeout.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()

	w.mu.Lock()
	providers := append([]WarmupProvider(nil), w.providers...)
	w.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	var (
		slots  = make([]*WarmupResult, len(providers))
		failed atomic.Bool
		g      errgroup.Group
	)
	if w.config.Concurrency > 0 {
		g.SetLimit(w.config.Concurrency)
	}
	for i, p := range providers {
		g.Go(func() error {
			if w.config.StopOnError && failed.Load() {
				return nil
			}
			r := w.run(runCtx, p)
			if r.Err != nil {
				failed.Store(true)
			}
			slots[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	out := &WarmupResults{Results: make([]WarmupResult, 0, len(providers))}
	for _, r := range slots {
		if r == nil {
			continue
		}
		out.Results = append(out.Results, *r)
		if r.Err != nil {
			out.Errors++
		}
	}
	out.TotalTime = time.Since(start)

	fields := []any{"providers", len(out.Results), "failed", out.Errors, "duration_ms", out.TotalTime.Milliseconds()}
	if out.HasErrors() {
		w.logger.LogWarn(ctx, "cache warmup finished with failures", fields...)
	} else if len(providers) > 0 {
		w.logger.LogInfo(ctx, "cache warmup finished", fields...)
	}
	return out
}

func (w *Warmer) run(ctx context.Context, p WarmupProvider) WarmupResult {
	start := time.Now()
	err := p.Warmup(ctx)
	r := WarmupResult{Provider: p.Name(), Duration: time.Since(start), Err: err}

	if err != nil {
		w.logger.LogWarn(ctx, "provider warmup failed", "provider", r.Provider, "error", err.Error())
	} else {
		w.logger.LogDebug(ctx, "provider warmed", "provider", r.Provider, "duration_ms", r.Duration.Milliseconds())
	}
	return r
}
