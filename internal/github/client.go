package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/cenkalti/backoff/v4"
	gogithub "github.com/google/go-github/v53/github"
	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/config"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
	"github.com/zgpcy/github-billing-exporter/internal/version"
	"golang.org/x/oauth2"
)

// GitHub API retry constants
const (
	// InitialRetryInterval is the initial backoff interval for retries
	InitialRetryInterval = 1 * time.Second

	// MaxRetryInterval is the maximum backoff interval between retries
	MaxRetryInterval = 10 * time.Second

	// workflowsPerPage is the largest page the workflows endpoint serves
	workflowsPerPage = 100
)

// Endpoint names used for the upstream request metric
const (
	EndpointListWorkflows   = "list_workflows"
	EndpointWorkflowTiming  = "workflow_timing"
	EndpointActionsBilling  = "billing_actions"
	EndpointPackagesBilling = "billing_packages"
	EndpointStorageBilling  = "billing_shared_storage"
)

// Results reported to the Recorder
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// Recorder counts upstream requests by endpoint and result
type Recorder interface {
	UpstreamRequest(endpoint, result string)
}

// Client talks to the GitHub REST API and implements provider.BillingAPI
type Client struct {
	client     *gogithub.Client
	logger     *logger.Logger
	recorder   Recorder
	apiTimeout time.Duration
	maxRetries int
}

// Verify that Client implements provider.BillingAPI
var _ provider.BillingAPI = (*Client)(nil)

// NewClient creates a GitHub client authenticated with either the configured
// token or the configured GitHub App installation
func NewClient(cfg config.GitHub, log *logger.Logger, rec Recorder) (*Client, error) {
	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(httpClient, cfg, log, rec)
}

func newHTTPClient(cfg config.GitHub) (*http.Client, error) {
	switch {
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(cfg.Token)})
		return oauth2.NewClient(context.Background(), ts), nil

	case cfg.App.Configured():
		itr, err := ghinstallation.New(http.DefaultTransport, cfg.App.ID, cfg.App.InstallationID, []byte(cfg.App.PrivateKey))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create GitHub App transport",
				goerr.V("app_id", cfg.App.ID),
				goerr.V("installation_id", cfg.App.InstallationID))
		}
		if cfg.BaseURL != "" {
			itr.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
		return &http.Client{Transport: itr}, nil

	default:
		return nil, goerr.Wrap(config.ErrInvalidConfig, "no GitHub credential configured")
	}
}

func newClient(httpClient *http.Client, cfg config.GitHub, log *logger.Logger, rec Recorder) (*Client, error) {
	client := gogithub.NewClient(httpClient)
	client.UserAgent = version.UserAgent()

	if cfg.BaseURL != "" {
		baseURL, err := parseBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = baseURL
	}

	timeout := time.Duration(cfg.APITimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultAPITimeout) * time.Second
	}

	return &Client{
		client:     client,
		logger:     log,
		recorder:   rec,
		apiTimeout: timeout,
		maxRetries: cfg.MaxRetries,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid GitHub API base URL", goerr.V("base_url", raw))
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, goerr.Wrap(config.ErrInvalidConfig, "GitHub API base URL must be absolute", goerr.V("base_url", raw))
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// BaseURL returns the API root requests are sent to
func (c *Client) BaseURL() string {
	return c.client.BaseURL.String()
}

// ListWorkflows returns every workflow of the repository. A failure on any
// page fails the whole call.
func (c *Client) ListWorkflows(ctx context.Context, repo provider.Repository) ([]provider.Workflow, error) {
	var workflows []provider.Workflow

	err := c.call(ctx, EndpointListWorkflows, func(ctx context.Context) error {
		workflows = workflows[:0]
		opts := &gogithub.ListOptions{PerPage: workflowsPerPage}

		for {
			page, resp, err := c.client.Actions.ListWorkflows(ctx, repo.Owner, repo.Name, opts)
			if err != nil {
				return goerr.Wrap(err, "failed to list workflows", goerr.V("page", opts.Page))
			}

			for _, wf := range page.Workflows {
				workflows = append(workflows, provider.Workflow{
					ID:   wf.GetID(),
					Name: wf.GetName(),
				})
			}

			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to discover workflows", goerr.V("repository", repo.String()))
	}

	c.logger.Debug("Listed workflows",
		"repository", repo.String(),
		"count", len(workflows))

	out := make([]provider.Workflow, len(workflows))
	copy(out, workflows)
	return out, nil
}

// GetWorkflowTiming returns the billable milliseconds of a workflow per host class
func (c *Client) GetWorkflowTiming(ctx context.Context, repo provider.Repository, workflowID int64) (*provider.WorkflowTiming, error) {
	path := fmt.Sprintf("repos/%s/%s/actions/workflows/%d/timing",
		url.PathEscape(repo.Owner), url.PathEscape(repo.Name), workflowID)

	var resp timingResponse
	if err := c.get(ctx, EndpointWorkflowTiming, path, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to get workflow timing",
			goerr.V("repository", repo.String()),
			goerr.V("workflow_id", workflowID))
	}
	return resp.toProvider(), nil
}

// GetActionsBilling returns the Actions billing summary of an organisation
func (c *Client) GetActionsBilling(ctx context.Context, org provider.Organisation) (*provider.ActionsBilling, error) {
	var resp actionsBillingResponse
	if err := c.get(ctx, EndpointActionsBilling, orgBillingPath(org, "actions"), &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to get actions billing", goerr.V("organisation", string(org)))
	}
	return resp.toProvider(), nil
}

// GetPackagesBilling returns the Packages billing summary of an organisation
func (c *Client) GetPackagesBilling(ctx context.Context, org provider.Organisation) (*provider.PackagesBilling, error) {
	var resp packagesBillingResponse
	if err := c.get(ctx, EndpointPackagesBilling, orgBillingPath(org, "packages"), &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to get packages billing", goerr.V("organisation", string(org)))
	}
	return resp.toProvider(), nil
}

// GetStorageBilling returns the shared storage billing summary of an organisation
func (c *Client) GetStorageBilling(ctx context.Context, org provider.Organisation) (*provider.StorageBilling, error) {
	var resp storageBillingResponse
	if err := c.get(ctx, EndpointStorageBilling, orgBillingPath(org, "shared-storage"), &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to get shared storage billing", goerr.V("organisation", string(org)))
	}
	return resp.toProvider(), nil
}

func orgBillingPath(org provider.Organisation, category string) string {
	return fmt.Sprintf("orgs/%s/settings/billing/%s", url.PathEscape(string(org)), category)
}

// get issues a GET relative to the base URL and decodes the JSON body into v
func (c *Client) get(ctx context.Context, endpoint, path string, v any) error {
	return c.call(ctx, endpoint, func(ctx context.Context) error {
		req, err := c.client.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return backoff.Permanent(goerr.Wrap(err, "failed to build request", goerr.V("path", path)))
		}

		if _, err := c.client.Do(ctx, req, v); err != nil {
			return goerr.Wrap(err, "request failed", goerr.V("path", path))
		}
		if p, ok := v.(payload); ok {
			if err := p.validate(); err != nil {
				return goerr.Wrap(err, "invalid response", goerr.V("path", path))
			}
		}
		return nil
	})
}

// payload is a decoded response that can reject missing fields
type payload interface {
	validate() error
}

// call runs op with the per-call timeout, retrying up to maxRetries times.
// Every attempt is recorded.
func (c *Client) call(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = InitialRetryInterval
	bo.MaxInterval = MaxRetryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.apiTimeout)
		defer cancel()

		err := op(callCtx)
		c.record(ctx, endpoint, err)
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return backoff.Permanent(err)
		}

		c.logger.Debug("GitHub API call failed, will retry",
			"endpoint", endpoint,
			"attempt", attempt,
			"error", err)
		return err
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(max(c.maxRetries, 0)))
	if err := backoff.Retry(operation, policy); err != nil {
		return goerr.Wrap(err, "GitHub API call failed",
			goerr.V("endpoint", endpoint),
			goerr.V("attempts", attempt))
	}
	return nil
}

// record counts one attempt. Attempts aborted because the caller gave up
// are counted as cancelled, not as upstream errors.
func (c *Client) record(ctx context.Context, endpoint string, err error) {
	if c.recorder == nil {
		return
	}
	result := ResultSuccess
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = ResultCancelled
	default:
		result = ResultError
	}
	c.recorder.UpstreamRequest(endpoint, result)
}

// retryable reports whether err is worth another attempt. Client errors,
// rate limiting and undecodable payloads are final.
func retryable(err error) bool {
	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return false
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode >= http.StatusInternalServerError
	}

	if errors.Is(err, errIncompleteResponse) {
		return false
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &numErr) {
		return false
	}

	return true
}
