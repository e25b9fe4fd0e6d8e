package config

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = goerr.New("invalid configuration")

// Configuration validation constants
const (
	MinInterval   = 1   // Minimum poll and refresh interval in seconds
	MaxAPITimeout = 300 // Maximum per-call timeout in seconds
	MaxRetries    = 10  // Maximum retries of a single upstream request

	// Default values
	DefaultBind                     = "0.0.0.0:8000"
	DefaultWorkflowsRefreshInterval = 1800 // 30 minutes in seconds
	DefaultPollInterval             = 300  // 5 minutes in seconds
	DefaultAPITimeout               = 30
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "json"
)

// Organisation billing publication policies
const (
	// PolicyAll publishes an organisation only when all three categories were fetched
	PolicyAll = "all"
	// PolicyPerCategory publishes every category that was fetched
	PolicyPerCategory = "per_category"
)

// Secret is a credential that never renders in logs
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***********"
}

// LogValue implements slog.LogValuer
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// GitHubApp holds GitHub App installation credentials
type GitHubApp struct {
	ID             int64  `yaml:"id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKey     Secret `yaml:"private_key" masq:"secret"`
}

// Configured reports whether any App credential was supplied
func (a GitHubApp) Configured() bool {
	return a.ID != 0 || a.InstallationID != 0 || a.PrivateKey != ""
}

// GitHub holds the upstream API settings
type GitHub struct {
	Token      Secret    `yaml:"token" masq:"secret"`
	App        GitHubApp `yaml:"app"`
	BaseURL    string    `yaml:"base_url"`
	APITimeout int       `yaml:"api_timeout"` // seconds, bounds every upstream call
	MaxRetries int       `yaml:"max_retries"` // retries of one request, 0 disables
}

// Sentry holds optional error reporting settings
type Sentry struct {
	DSN         Secret `yaml:"dsn" masq:"secret"`
	Environment string `yaml:"environment"`
}

// Config represents the application configuration
type Config struct {
	Bind                     string   `yaml:"bind"`
	GitHub                   GitHub   `yaml:"github"`
	Repositories             []string `yaml:"repositories"`
	Organisations            []string `yaml:"organisations"`
	WorkflowsRefreshInterval int      `yaml:"workflows_refresh_interval"` // seconds
	PollInterval             int      `yaml:"poll_interval"`              // seconds
	OrgBillingPolicy         string   `yaml:"org_billing_policy"`
	LogLevel                 string   `yaml:"log_level"`
	LogFormat                string   `yaml:"log_format"`
	Sentry                   Sentry   `yaml:"sentry"`

	repos []provider.Repository
}

// Load reads an optional YAML file and applies defaults. An empty path yields
// a default configuration. The result still has to pass Validate once flag
// and environment overrides are applied.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		// #nosec G304 -- Config file path is provided by administrator via CLI flag, not user input
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults sets default values for configuration
func applyDefaults(cfg *Config) {
	if cfg.Bind == "" {
		cfg.Bind = DefaultBind
	}
	if cfg.WorkflowsRefreshInterval == 0 {
		cfg.WorkflowsRefreshInterval = DefaultWorkflowsRefreshInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GitHub.APITimeout == 0 {
		cfg.GitHub.APITimeout = DefaultAPITimeout
	}
	if cfg.OrgBillingPolicy == "" {
		cfg.OrgBillingPolicy = PolicyAll
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
}

// SplitList splits a comma-delimited option, trimming blanks and dropping empty items
func SplitList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// Validate checks the configuration and parses the repository identifiers
func (cfg *Config) Validate() error {
	if _, port, err := net.SplitHostPort(cfg.Bind); err != nil {
		return goerr.Wrap(ErrInvalidConfig, "bind must be host:port", goerr.V("bind", cfg.Bind))
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return goerr.Wrap(ErrInvalidConfig, "bind port must be between 0 and 65535", goerr.V("bind", cfg.Bind))
	}

	if err := validateCredential(cfg.GitHub); err != nil {
		return err
	}

	repos := make([]provider.Repository, 0, len(cfg.Repositories))
	for _, s := range cfg.Repositories {
		repo, err := provider.ParseRepository(s)
		if err != nil {
			return goerr.Wrap(ErrInvalidConfig, err.Error(), goerr.V("repository", s))
		}
		repos = append(repos, repo)
	}

	if len(repos) == 0 && len(cfg.Organisations) == 0 {
		return goerr.Wrap(ErrInvalidConfig, "no repositories or organisations configured")
	}

	for i, org := range cfg.Organisations {
		if strings.TrimSpace(org) == "" || strings.Contains(org, "/") {
			return goerr.Wrap(ErrInvalidConfig, "invalid organisation", goerr.V("index", i), goerr.V("organisation", org))
		}
	}

	if cfg.WorkflowsRefreshInterval < MinInterval {
		return goerr.Wrap(ErrInvalidConfig, "workflows_refresh_interval must be positive",
			goerr.V("workflows_refresh_interval", cfg.WorkflowsRefreshInterval))
	}
	if cfg.PollInterval < MinInterval {
		return goerr.Wrap(ErrInvalidConfig, "poll_interval must be positive", goerr.V("poll_interval", cfg.PollInterval))
	}

	if cfg.GitHub.APITimeout <= 0 {
		return goerr.Wrap(ErrInvalidConfig, "api_timeout must be positive", goerr.V("api_timeout", cfg.GitHub.APITimeout))
	}
	if cfg.GitHub.APITimeout > MaxAPITimeout {
		return goerr.Wrap(ErrInvalidConfig, "api_timeout should not exceed 300 seconds (5 minutes)",
			goerr.V("api_timeout", cfg.GitHub.APITimeout))
	}
	if cfg.GitHub.MaxRetries < 0 || cfg.GitHub.MaxRetries > MaxRetries {
		return goerr.Wrap(ErrInvalidConfig, "max_retries must be between 0 and 10", goerr.V("max_retries", cfg.GitHub.MaxRetries))
	}

	switch cfg.OrgBillingPolicy {
	case PolicyAll, PolicyPerCategory:
	default:
		return goerr.Wrap(ErrInvalidConfig, "org_billing_policy must be 'all' or 'per_category'",
			goerr.V("org_billing_policy", cfg.OrgBillingPolicy))
	}

	cfg.repos = repos
	return nil
}

func validateCredential(gh GitHub) error {
	hasToken := gh.Token != ""
	hasApp := gh.App.Configured()

	switch {
	case hasToken && hasApp:
		return goerr.Wrap(ErrInvalidConfig, "configure either a token or a GitHub App, not both")
	case !hasToken && !hasApp:
		return goerr.Wrap(ErrInvalidConfig, "a GitHub token or GitHub App credential is required")
	case hasApp:
		if gh.App.ID <= 0 || gh.App.InstallationID <= 0 || gh.App.PrivateKey == "" {
			return goerr.Wrap(ErrInvalidConfig, "GitHub App requires id, installation_id and private_key")
		}
	}
	return nil
}

// ParsedRepositories returns the repositories parsed by Validate
func (cfg *Config) ParsedRepositories() []provider.Repository {
	out := make([]provider.Repository, len(cfg.repos))
	copy(out, cfg.repos)
	return out
}

// ParsedOrganisations returns the configured organisations
func (cfg *Config) ParsedOrganisations() []provider.Organisation {
	out := make([]provider.Organisation, 0, len(cfg.Organisations))
	for _, org := range cfg.Organisations {
		out = append(out, provider.Organisation(strings.TrimSpace(org)))
	}
	return out
}
