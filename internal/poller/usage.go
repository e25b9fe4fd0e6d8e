package poller

import (
	"context"
	"time"

	"github.com/zgpcy/github-billing-exporter/internal/cache"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
)

// UsagePoller publishes the billable time of every cached workflow
type UsagePoller struct {
	loop
	api   provider.BillingAPI
	cache *cache.WorkflowCache
}

// NewUsagePoller creates a UsagePoller
func NewUsagePoller(api provider.BillingAPI, c *cache.WorkflowCache, interval time.Duration, opts Options) *UsagePoller {
	return &UsagePoller{
		loop:  loop{name: LoopUsage, interval: interval, opts: opts},
		api:   api,
		cache: c,
	}
}

// Run polls until ctx is cancelled
func (p *UsagePoller) Run(ctx context.Context) {
	p.run(ctx, p.cycle)
}

// RunOnce performs a single usage cycle
func (p *UsagePoller) RunOnce(ctx context.Context) {
	p.runCycle(ctx, p.cycle)
}

func (p *UsagePoller) cycle(ctx context.Context, log *logger.Logger, t *tally) {
	for _, repo := range p.cache.Repositories() {
		repoLog := log.WithFields("repository", repo.String())

		// a copy, so discovery is never blocked by network calls made here
		workflows, err := p.cache.Snapshot(repo)
		if err != nil {
			t.item(ctx, repoLog, "Failed to read workflow cache", func() error { return err })
			continue
		}

		for _, wf := range workflows {
			if ctx.Err() != nil {
				return
			}

			wfLog := repoLog.WithFields("workflow", wf.String())
			t.item(ctx, wfLog, "Failed to poll billable time", func() error {
				timing, err := p.api.GetWorkflowTiming(ctx, repo, wf.ID)
				if err != nil {
					return err
				}
				p.opts.Metrics.SetWorkflowTiming(repo, wf.Name, timing)

				wfLog.Debug("Polled workflow usage", "host_classes", len(timing.Billable))
				return nil
			})
		}
	}
}
