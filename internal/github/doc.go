// Package github implements provider.BillingAPI on top of the GitHub REST API.
//
// Workflow listing goes through go-github; the timing and billing endpoints
// are requested with go-github's request plumbing and decoded into local wire
// types, because the billing API reports some counters as decimal strings.
//
// Every call is bounded by the configured API timeout. Failed requests can be
// retried with exponential backoff; client errors and rate limiting are never
// retried.
package github
