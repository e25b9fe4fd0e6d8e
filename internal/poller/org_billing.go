package poller

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/config"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
	"golang.org/x/sync/errgroup"
)

// OrgBillingPoller publishes the Actions, Packages and shared storage billing
// of every configured organisation
type OrgBillingPoller struct {
	loop
	api    provider.BillingAPI
	orgs   []provider.Organisation
	policy string
}

// NewOrgBillingPoller creates an OrgBillingPoller. policy is config.PolicyAll
// or config.PolicyPerCategory; anything else behaves as config.PolicyAll.
func NewOrgBillingPoller(api provider.BillingAPI, orgs []provider.Organisation, policy string, interval time.Duration, opts Options) *OrgBillingPoller {
	if policy != config.PolicyPerCategory {
		policy = config.PolicyAll
	}
	return &OrgBillingPoller{
		loop:   loop{name: LoopOrgBilling, interval: interval, opts: opts},
		api:    api,
		orgs:   append([]provider.Organisation(nil), orgs...),
		policy: policy,
	}
}

// Run polls until ctx is cancelled
func (p *OrgBillingPoller) Run(ctx context.Context) {
	p.run(ctx, p.cycle)
}

// RunOnce performs a single billing cycle
func (p *OrgBillingPoller) RunOnce(ctx context.Context) {
	p.runCycle(ctx, p.cycle)
}

func (p *OrgBillingPoller) cycle(ctx context.Context, log *logger.Logger, t *tally) {
	for _, org := range p.orgs {
		if ctx.Err() != nil {
			return
		}

		orgLog := log.WithFields("organisation", string(org))
		t.item(ctx, orgLog, "Failed to poll organisation billing", func() error {
			if p.policy == config.PolicyPerCategory {
				return p.pollPerCategory(ctx, orgLog, org)
			}
			return p.pollAll(ctx, orgLog, org)
		})
	}
}

type orgBilling struct {
	actions  *provider.ActionsBilling
	packages *provider.PackagesBilling
	storage  *provider.StorageBilling
}

// pollAll publishes nothing unless all three fetches succeed. The first
// failure cancels the remaining fetches.
func (p *OrgBillingPoller) pollAll(ctx context.Context, log *logger.Logger, org provider.Organisation) error {
	var b orgBilling

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() (err error) {
		b.actions, err = p.api.GetActionsBilling(gctx, org)
		return err
	}))
	g.Go(guard(func() (err error) {
		b.packages, err = p.api.GetPackagesBilling(gctx, org)
		return err
	}))
	g.Go(guard(func() (err error) {
		b.storage, err = p.api.GetStorageBilling(gctx, org)
		return err
	}))

	if err := g.Wait(); err != nil {
		return goerr.Wrap(err, "organisation billing not published")
	}

	p.opts.Metrics.SetActionsBilling(org, b.actions)
	p.opts.Metrics.SetPackagesBilling(org, b.packages)
	p.opts.Metrics.SetStorageBilling(org, b.storage)

	log.Info("Polled organisation billing")
	return nil
}

// pollPerCategory publishes every category that was fetched and reports the
// failed ones
func (p *OrgBillingPoller) pollPerCategory(ctx context.Context, log *logger.Logger, org provider.Organisation) error {
	var (
		b                                orgBilling
		actionsErr, packagesErr, storErr error
		g                                errgroup.Group
	)

	g.Go(func() error {
		actionsErr = guard(func() (err error) {
			b.actions, err = p.api.GetActionsBilling(ctx, org)
			return err
		})()
		return nil
	})
	g.Go(func() error {
		packagesErr = guard(func() (err error) {
			b.packages, err = p.api.GetPackagesBilling(ctx, org)
			return err
		})()
		return nil
	})
	g.Go(func() error {
		storErr = guard(func() (err error) {
			b.storage, err = p.api.GetStorageBilling(ctx, org)
			return err
		})()
		return nil
	})
	_ = g.Wait()

	published := 0
	if actionsErr == nil {
		p.opts.Metrics.SetActionsBilling(org, b.actions)
		published++
	}
	if packagesErr == nil {
		p.opts.Metrics.SetPackagesBilling(org, b.packages)
		published++
	}
	if storErr == nil {
		p.opts.Metrics.SetStorageBilling(org, b.storage)
		published++
	}

	log.Info("Polled organisation billing", "categories_published", published)

	if err := errors.Join(actionsErr, packagesErr, storErr); err != nil {
		return goerr.Wrap(err, "organisation billing partially published", goerr.V("categories_published", published))
	}
	return nil
}
