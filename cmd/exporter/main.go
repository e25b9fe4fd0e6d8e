package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"github.com/zgpcy/github-billing-exporter/internal/cache"
	"github.com/zgpcy/github-billing-exporter/internal/clock"
	"github.com/zgpcy/github-billing-exporter/internal/collector"
	"github.com/zgpcy/github-billing-exporter/internal/errutil"
	"github.com/zgpcy/github-billing-exporter/internal/github"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/poller"
	"github.com/zgpcy/github-billing-exporter/internal/server"
	"github.com/zgpcy/github-billing-exporter/internal/version"
)

const (
	// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second

	// sentryFlushTimeout bounds delivery of pending error reports on exit
	sentryFlushTimeout = 2 * time.Second
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "github-billing-exporter: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "github-billing-exporter",
		Usage:   "Export GitHub Actions usage and organisation billing as Prometheus metrics",
		Version: version.Version,
		Flags:   flags(),
		Action:  run,
	}
}

// runner is a poll loop started in the background
type runner interface {
	Run(ctx context.Context)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return goerr.Wrap(err, "failed to load configuration")
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log.Info("GitHub Billing Exporter starting",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"config_path", c.String(flagConfig))

	log.Info("Configuration loaded successfully",
		"bind", cfg.Bind,
		"repositories", len(cfg.Repositories),
		"organisations", len(cfg.Organisations),
		"workflows_refresh_interval_seconds", cfg.WorkflowsRefreshInterval,
		"poll_interval_seconds", cfg.PollInterval,
		"api_timeout_seconds", cfg.GitHub.APITimeout,
		"max_retries", cfg.GitHub.MaxRetries,
		"org_billing_policy", cfg.OrgBillingPolicy,
		"token", cfg.GitHub.Token,
		"github_app", cfg.GitHub.App.Configured())

	sentryEnabled, err := errutil.InitSentry(cfg.Sentry)
	if err != nil {
		return err
	}
	if sentryEnabled {
		defer errutil.Flush(sentryFlushTimeout)
	} else {
		log.Debug("Sentry is not configured")
	}

	reg := prometheus.NewRegistry()

	// Register Go runtime metrics (memory, goroutines, GC stats)
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		log.Warn("Failed to register Go collector", "error", err)
	}

	// Register process metrics (CPU, memory, file descriptors)
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		log.Warn("Failed to register process collector", "error", err)
	}

	metrics, err := collector.NewMetrics(reg)
	if err != nil {
		return err
	}

	client, err := github.NewClient(cfg.GitHub, log, metrics)
	if err != nil {
		return goerr.Wrap(err, "failed to create GitHub client")
	}
	log.Info("GitHub client initialized", "base_url", client.BaseURL())

	repos := cfg.ParsedRepositories()
	orgs := cfg.ParsedOrganisations()

	var loopNames []string
	if len(repos) > 0 {
		loopNames = append(loopNames, poller.LoopDiscovery, poller.LoopUsage)
	}
	if len(orgs) > 0 {
		loopNames = append(loopNames, poller.LoopOrgBilling)
	}
	status := collector.NewStatus(clock.RealClock{}, loopNames...)

	opts := poller.Options{
		Logger:  log,
		Metrics: metrics,
		Status:  status,
	}

	var runners []runner
	if len(repos) > 0 {
		workflows := cache.New(repos)
		runners = append(runners,
			poller.NewDiscoveryPoller(client, workflows, seconds(cfg.WorkflowsRefreshInterval), opts),
			poller.NewUsagePoller(client, workflows, seconds(cfg.PollInterval), opts),
		)
	}
	if len(orgs) > 0 {
		runners = append(runners,
			poller.NewOrgBillingPoller(client, orgs, cfg.OrgBillingPolicy, seconds(cfg.PollInterval), opts))
	}

	srv, err := server.NewServer(cfg, status, reg, log)
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		errutil.Handle(ctx, log, "Server error", err)
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer stopCancel()
		if !waitLoops(stopCtx, &wg) {
			log.Warn("Poll loops did not stop before the shutdown timeout")
		}
		return err

	case sig := <-shutdown:
		log.Info("Received shutdown signal, starting graceful shutdown", "signal", sig.String())
	}

	// Stop poll loops
	cancel()

	// Shutdown server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	if !waitLoops(shutdownCtx, &wg) {
		log.Warn("Poll loops did not stop before the shutdown timeout")
	}
	if shutdownErr != nil {
		return goerr.Wrap(shutdownErr, "error during server shutdown")
	}

	log.Info("Server stopped gracefully")
	return nil
}

// waitLoops waits for the poll loops to return. It reports false when ctx
// expires first.
func waitLoops(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
