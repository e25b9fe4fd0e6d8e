// Package config provides configuration management for the GitHub Billing Exporter.
//
// Configuration is assembled in layers: an optional YAML file, then defaults,
// then command-line flags and environment variables bound by cmd/exporter.
// Validate must be called once all layers are applied.
//
// Environment variables understood by the command line:
//   - GH_EXPORTER_BIND: listen address (host:port)
//   - GH_TOKEN: personal access token
//   - GH_EXPORTER_APP_ID, GH_EXPORTER_APP_INSTALLATION_ID, GH_EXPORTER_APP_PRIVATE_KEY: GitHub App credential
//   - GH_API_BASEURL: API base URL (GitHub Enterprise)
//   - GH_REPOS: comma-separated owner/name list
//   - GH_ORGS: comma-separated organisation list
//   - GH_WORKFLOWS_REFRESH: workflow discovery interval in seconds
//   - GH_POLL_INTERVAL: usage and billing poll interval in seconds
//
// Example configuration file (config.yaml):
//
//	bind: "0.0.0.0:8000"
//	github:
//	  token: "ghp_..."
//	  api_timeout: 30
//	repositories:
//	  - acme/widgets
//	organisations:
//	  - acme
//	workflows_refresh_interval: 1800
//	poll_interval: 300
//	org_billing_policy: all
package config
