// Package provider defines the identifiers and payloads shared by the pollers
// and the upstream billing API client.
//
// Repositories are parsed from "owner/name" and used as cache keys.
// Organisations are plain logins. Workflows are discovered, never configured.
//
// The BillingAPI interface is what the pollers depend on; the github package
// implements it against the GitHub REST API and tests implement it with mocks:
//
//	type BillingAPI interface {
//		ListWorkflows(ctx context.Context, repo Repository) ([]Workflow, error)
//		GetWorkflowTiming(ctx context.Context, repo Repository, workflowID int64) (*WorkflowTiming, error)
//		GetActionsBilling(ctx context.Context, org Organisation) (*ActionsBilling, error)
//		GetPackagesBilling(ctx context.Context, org Organisation) (*PackagesBilling, error)
//		GetStorageBilling(ctx context.Context, org Organisation) (*StorageBilling, error)
//	}
//
// Payload maps keyed by HostClass only contain the classes the upstream
// reported. Callers must not treat a missing class as zero.
package provider
