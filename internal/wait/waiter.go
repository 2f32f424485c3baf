package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirajehossain/bootwait/internal/logger"
)

// ErrTimeout is returned when Waiter.Timeout elapses before every target is reachable.
var ErrTimeout = errors.New("timed out waiting for dependency")

// Waiter polls targets until they are reachable.
type Waiter struct {
	Interval    time.Duration
	DialTimeout time.Duration
	// Timeout bounds the whole wait. Zero waits until reachable or cancelled.
	Timeout time.Duration
	Log     *logger.Logger
	// NewProber overrides ProberFor.
	NewProber func(Target) Prober
}

// Result describes how a target became reachable.
type Result struct {
	Target   Target
	Attempts int
	Elapsed  time.Duration
}

// Wait blocks until every target accepts a connection. Targets are polled
// concurrently; the first one to give up cancels the others.
func (w *Waiter) Wait(ctx context.Context, targets ...Target) ([]Result, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			r, err := w.waitOne(gctx, t)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (w *Waiter) waitOne(ctx context.Context, t Target) (Result, error) {
	log := w.log()
	prober := w.prober(t)
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}

	res := Result{Target: t}
	start := time.Now()

	for {
		res.Attempts++
		err := prober.Probe(ctx)
		res.Elapsed = time.Since(start)
		if err == nil {
			log.Info("dependency reachable", map[string]any{
				"target":     t.Name,
				"attempts":   res.Attempts,
				"elapsed_ms": res.Elapsed.Milliseconds(),
			})
			return res, nil
		}

		fields := map[string]any{"target": t.Name, "attempt": res.Attempts, "error": err}
		if res.Attempts == 1 {
			log.Info("waiting for dependency", fields)
		} else {
			log.Debug("dependency unavailable", fields)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, stopped(ctx, t, res.Attempts, err)
		case <-timer.C:
		}
	}
}

func stopped(ctx context.Context, t Target, attempts int, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %d attempts (last error: %v)", ErrTimeout, t.Name, attempts, last)
	}
	return ctx.Err()
}

func (w *Waiter) prober(t Target) Prober {
	if w.NewProber != nil {
		return w.NewProber(t)
	}
	timeout := w.DialTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return ProberFor(t, timeout)
}

func (w *Waiter) log() *logger.Logger {
	if w.Log == nil {
		return logger.Nop()
	}
	return w.Log
}
