package poller

import (
	"context"
	"time"

	"github.com/zgpcy/github-billing-exporter/internal/cache"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
)

// DiscoveryPoller refreshes the workflow list of every cached repository
type DiscoveryPoller struct {
	loop
	api   provider.BillingAPI
	cache *cache.WorkflowCache
}

// NewDiscoveryPoller creates a DiscoveryPoller
func NewDiscoveryPoller(api provider.BillingAPI, c *cache.WorkflowCache, interval time.Duration, opts Options) *DiscoveryPoller {
	return &DiscoveryPoller{
		loop:  loop{name: LoopDiscovery, interval: interval, opts: opts},
		api:   api,
		cache: c,
	}
}

// Run polls until ctx is cancelled
func (p *DiscoveryPoller) Run(ctx context.Context) {
	p.run(ctx, p.cycle)
}

// RunOnce performs a single discovery cycle
func (p *DiscoveryPoller) RunOnce(ctx context.Context) {
	p.runCycle(ctx, p.cycle)
}

func (p *DiscoveryPoller) cycle(ctx context.Context, log *logger.Logger, t *tally) {
	for _, repo := range p.cache.Repositories() {
		if ctx.Err() != nil {
			return
		}

		repoLog := log.WithFields("repository", repo.String())
		t.item(ctx, repoLog, "Failed to discover workflows", func() error {
			workflows, err := p.api.ListWorkflows(ctx, repo)
			if err != nil {
				// the cached list stays as it was
				return err
			}

			if err := p.cache.Replace(repo, workflows); err != nil {
				return err
			}
			p.opts.Metrics.SetCachedWorkflows(repo, p.cache.Len(repo))

			repoLog.Info("Discovered workflows", "count", len(workflows))
			return nil
		})
	}
}
