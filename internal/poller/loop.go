package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/collector"
	"github.com/zgpcy/github-billing-exporter/internal/errutil"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
)

// Loop names, used as the "loop" label and log field
const (
	LoopDiscovery  = "discovery"
	LoopUsage      = "usage"
	LoopOrgBilling = "org_billing"
)

// Options carries the collaborators shared by every poller
type Options struct {
	Logger  *logger.Logger
	Metrics *collector.Metrics
	Status  *collector.Status
}

// tally accumulates the outcome of one cycle
type tally struct {
	items    int
	failures int
	lastErr  error
}

// loop runs a cycle, sleeps the interval, and repeats until the context is done
type loop struct {
	name     string
	interval time.Duration
	opts     Options
	running  atomic.Bool // Prevent multiple loop goroutines
}

func (l *loop) run(ctx context.Context, cycle func(ctx context.Context, log *logger.Logger, t *tally)) {
	if !l.running.CompareAndSwap(false, true) {
		l.opts.Logger.Warn("Poll loop already running, skipping", "loop", l.name)
		return
	}
	defer l.running.Store(false)

	l.opts.Logger.Info("Starting poll loop", "loop", l.name, "interval", l.interval.String())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.opts.Logger.Info("Stopping poll loop", "loop", l.name)
			return
		case <-timer.C:
		}

		l.runCycle(ctx, cycle)
		// the interval starts after the cycle completes
		timer.Reset(l.interval)
	}
}

func (l *loop) runCycle(ctx context.Context, cycle func(ctx context.Context, log *logger.Logger, t *tally)) {
	log := l.opts.Logger.WithFields("loop", l.name, "cycle_id", uuid.NewString())
	log.Debug("Poll cycle started")

	start := time.Now()
	t := &tally{}
	cycle(ctx, log, t)
	duration := time.Since(start)

	at := l.opts.Status.Record(l.name, duration, t.items, t.failures, t.lastErr)
	l.opts.Metrics.ObserveCycle(l.name, at, duration, t.failures)

	attrs := []any{
		"items", t.items,
		"failures", t.failures,
		"duration_seconds", duration.Seconds(),
	}
	if t.failures > 0 {
		log.Warn("Poll cycle completed with failures", attrs...)
		return
	}
	log.Info("Poll cycle completed", attrs...)
}

// item runs fn for one unit of work. A failure or panic is logged, counted
// and never escapes the cycle.
func (t *tally) item(ctx context.Context, log *logger.Logger, msg string, fn func() error) {
	t.items++
	if err := guard(fn)(); err != nil {
		if ctx.Err() != nil {
			// shutting down
			return
		}
		t.failures++
		t.lastErr = err
		errutil.Handle(ctx, log, msg, err)
	}
}

// guard turns a panic inside fn into an error
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = goerr.New("recovered from panic", goerr.V("panic", fmt.Sprint(r)))
			}
		}()
		return fn()
	}
}
