package provider

import (
	"context"
)

// HostClass is the kind of runner a workflow job executed on
type HostClass string

// Host classes reported by the billing API
const (
	HostUbuntu  HostClass = "ubuntu"
	HostMacOS   HostClass = "macos"
	HostWindows HostClass = "windows"
)

// HostClasses returns every known host class in a fixed order
func HostClasses() []HostClass {
	return []HostClass{HostUbuntu, HostMacOS, HostWindows}
}

// HostClassFromKey maps an upstream billing key (UBUNTU, MACOS, WINDOWS) to a HostClass
func HostClassFromKey(key string) (HostClass, bool) {
	switch key {
	case "UBUNTU":
		return HostUbuntu, true
	case "MACOS":
		return HostMacOS, true
	case "WINDOWS":
		return HostWindows, true
	default:
		return "", false
	}
}

// BillingAPI is the upstream surface the pollers depend on
type BillingAPI interface {
	// ListWorkflows returns every workflow of the repository, all pages included
	ListWorkflows(ctx context.Context, repo Repository) ([]Workflow, error)

	// GetWorkflowTiming returns the billable time of one workflow
	GetWorkflowTiming(ctx context.Context, repo Repository, workflowID int64) (*WorkflowTiming, error)

	// GetActionsBilling returns the Actions billing summary of an organisation
	GetActionsBilling(ctx context.Context, org Organisation) (*ActionsBilling, error)

	// GetPackagesBilling returns the Packages billing summary of an organisation
	GetPackagesBilling(ctx context.Context, org Organisation) (*PackagesBilling, error)

	// GetStorageBilling returns the shared storage billing summary of an organisation
	GetStorageBilling(ctx context.Context, org Organisation) (*StorageBilling, error)
}

// WorkflowTiming holds billable milliseconds per host class.
// A class missing from the map was not reported by the upstream.
type WorkflowTiming struct {
	Billable map[HostClass]float64
}

// ActionsBilling is the Actions billing summary of an organisation
type ActionsBilling struct {
	TotalMinutesUsed     float64
	TotalPaidMinutesUsed float64
	IncludedMinutes      float64
	MinutesUsedBreakdown map[HostClass]float64 // absent classes were not reported
}

// PackagesBilling is the Packages billing summary of an organisation
type PackagesBilling struct {
	TotalGigabytesBandwidthUsed     float64
	TotalPaidGigabytesBandwidthUsed float64
	IncludedGigabytesBandwidth      float64
}

// StorageBilling is the shared storage billing summary of an organisation
type StorageBilling struct {
	DaysLeftInBillingCycle       float64
	EstimatedPaidStorageForMonth float64
	EstimatedStorageForMonth     float64
}
