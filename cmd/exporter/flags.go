package main

import (
	"github.com/m-mizutani/gots/slice"
	"github.com/urfave/cli/v2"
	"github.com/zgpcy/github-billing-exporter/internal/config"
)

// Flag names
const (
	flagConfig            = "config"
	flagBind              = "bind"
	flagToken             = "token"
	flagAppID             = "app-id"
	flagAppInstallationID = "app-installation-id"
	flagAppPrivateKey     = "app-private-key"
	flagAPIBaseURL        = "api-base-url"
	flagAPITimeout        = "api-timeout"
	flagMaxRetries        = "max-retries"
	flagRepos             = "repos"
	flagOrgs              = "orgs"
	flagWorkflowsRefresh  = "workflows-refresh"
	flagPollInterval      = "poll-interval"
	flagOrgBillingPolicy  = "org-billing-policy"
	flagLogLevel          = "log-level"
	flagLogFormat         = "log-format"
	flagSentryDSN         = "sentry-dsn"
	flagSentryEnv         = "sentry-env"
)

func flags() []cli.Flag {
	return slice.Flatten(
		[]cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Path to an optional YAML configuration file",
				EnvVars: []string{"GH_EXPORTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagBind,
				Usage:   "Listen address of the metrics server (host:port)",
				Value:   config.DefaultBind,
				EnvVars: []string{"GH_EXPORTER_BIND"},
			},
		},
		githubFlags(),
		trackingFlags(),
		loggingFlags(),
	)
}

func githubFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     flagToken,
			Usage:    "GitHub personal access token",
			Category: "GitHub",
			EnvVars:  []string{"GH_TOKEN"},
		},
		&cli.Int64Flag{
			Name:     flagAppID,
			Usage:    "GitHub App ID (instead of a token)",
			Category: "GitHub",
			EnvVars:  []string{"GH_EXPORTER_APP_ID"},
		},
		&cli.Int64Flag{
			Name:     flagAppInstallationID,
			Usage:    "GitHub App installation ID",
			Category: "GitHub",
			EnvVars:  []string{"GH_EXPORTER_APP_INSTALLATION_ID"},
		},
		&cli.StringFlag{
			Name:     flagAppPrivateKey,
			Usage:    "GitHub App private key (PEM)",
			Category: "GitHub",
			EnvVars:  []string{"GH_EXPORTER_APP_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:     flagAPIBaseURL,
			Usage:    "GitHub API base URL, for GitHub Enterprise",
			Category: "GitHub",
			EnvVars:  []string{"GH_API_BASEURL"},
		},
		&cli.IntFlag{
			Name:     flagAPITimeout,
			Usage:    "Timeout of a single GitHub API call in seconds",
			Category: "GitHub",
			Value:    config.DefaultAPITimeout,
			EnvVars:  []string{"GH_EXPORTER_API_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:     flagMaxRetries,
			Usage:    "Retries of a failed GitHub API call (0 disables)",
			Category: "GitHub",
			EnvVars:  []string{"GH_EXPORTER_MAX_RETRIES"},
		},
	}
}

func trackingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:     flagRepos,
			Usage:    "Repositories to track as owner/name, comma-separated",
			Category: "Tracking",
			EnvVars:  []string{"GH_REPOS"},
		},
		&cli.StringSliceFlag{
			Name:     flagOrgs,
			Usage:    "Organisations to poll billing for, comma-separated",
			Category: "Tracking",
			EnvVars:  []string{"GH_ORGS"},
		},
		&cli.IntFlag{
			Name:     flagWorkflowsRefresh,
			Usage:    "Workflow discovery interval in seconds",
			Category: "Tracking",
			Value:    config.DefaultWorkflowsRefreshInterval,
			EnvVars:  []string{"GH_WORKFLOWS_REFRESH"},
		},
		&cli.IntFlag{
			Name:     flagPollInterval,
			Usage:    "Usage and billing poll interval in seconds",
			Category: "Tracking",
			Value:    config.DefaultPollInterval,
			EnvVars:  []string{"GH_POLL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:     flagOrgBillingPolicy,
			Usage:    "Publish organisation billing only when all categories succeed ('all') or per category ('per_category')",
			Category: "Tracking",
			Value:    config.PolicyAll,
			EnvVars:  []string{"GH_EXPORTER_ORG_BILLING_POLICY"},
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     flagLogLevel,
			Usage:    "Log level [debug|info|warn|error]",
			Category: "Logging",
			Value:    config.DefaultLogLevel,
			EnvVars:  []string{"GH_EXPORTER_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:     flagLogFormat,
			Usage:    "Log format [json|text]",
			Category: "Logging",
			Value:    config.DefaultLogFormat,
			EnvVars:  []string{"GH_EXPORTER_LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:     flagSentryDSN,
			Usage:    "Sentry DSN for error reporting",
			Category: "Sentry",
			EnvVars:  []string{"GH_EXPORTER_SENTRY_DSN"},
		},
		&cli.StringFlag{
			Name:     flagSentryEnv,
			Usage:    "Sentry environment",
			Category: "Sentry",
			EnvVars:  []string{"GH_EXPORTER_SENTRY_ENV"},
		},
	}
}

// loadConfig builds the configuration: YAML file, defaults, then every flag or
// environment variable that was set explicitly
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}

	applyFlags(c, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(flagBind) {
		cfg.Bind = c.String(flagBind)
	}
	if c.IsSet(flagToken) {
		cfg.GitHub.Token = config.Secret(c.String(flagToken))
	}
	if c.IsSet(flagAppID) {
		cfg.GitHub.App.ID = c.Int64(flagAppID)
	}
	if c.IsSet(flagAppInstallationID) {
		cfg.GitHub.App.InstallationID = c.Int64(flagAppInstallationID)
	}
	if c.IsSet(flagAppPrivateKey) {
		cfg.GitHub.App.PrivateKey = config.Secret(c.String(flagAppPrivateKey))
	}
	if c.IsSet(flagAPIBaseURL) {
		cfg.GitHub.BaseURL = c.String(flagAPIBaseURL)
	}
	if c.IsSet(flagAPITimeout) {
		cfg.GitHub.APITimeout = c.Int(flagAPITimeout)
	}
	if c.IsSet(flagMaxRetries) {
		cfg.GitHub.MaxRetries = c.Int(flagMaxRetries)
	}
	if c.IsSet(flagRepos) {
		cfg.Repositories = config.SplitList(c.StringSlice(flagRepos)...)
	}
	if c.IsSet(flagOrgs) {
		cfg.Organisations = config.SplitList(c.StringSlice(flagOrgs)...)
	}
	if c.IsSet(flagWorkflowsRefresh) {
		cfg.WorkflowsRefreshInterval = c.Int(flagWorkflowsRefresh)
	}
	if c.IsSet(flagPollInterval) {
		cfg.PollInterval = c.Int(flagPollInterval)
	}
	if c.IsSet(flagOrgBillingPolicy) {
		cfg.OrgBillingPolicy = c.String(flagOrgBillingPolicy)
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFormat) {
		cfg.LogFormat = c.String(flagLogFormat)
	}
	if c.IsSet(flagSentryDSN) {
		cfg.Sentry.DSN = config.Secret(c.String(flagSentryDSN))
	}
	if c.IsSet(flagSentryEnv) {
		cfg.Sentry.Environment = c.String(flagSentryEnv)
	}
}
