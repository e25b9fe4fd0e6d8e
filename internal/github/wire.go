package github

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
)

// errIncompleteResponse marks a payload missing a required field
var errIncompleteResponse = goerr.New("incomplete response from GitHub")

// number decodes a JSON number or a decimal string such as "20.0".
// The billing API returns some counters as strings. Fields are declared as
// *number so that null and missing values stay distinguishable from 0.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return goerr.Wrap(err, "invalid numeric string", goerr.V("value", s))
		}
		*n = number(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

// required checks that every named field was present and not null
func required(fields map[string]*number) error {
	for name, v := range fields {
		if v == nil {
			return goerr.Wrap(errIncompleteResponse, "required field is missing", goerr.V("field", name))
		}
	}
	return nil
}

// hostMap keeps the known host classes of an upstream map and drops the rest.
// A null class is treated as absent.
func hostMap[T any](in map[string]*T, value func(*T) *number) (map[provider.HostClass]float64, error) {
	out := make(map[provider.HostClass]float64, len(in))
	for key, v := range in {
		class, ok := provider.HostClassFromKey(key)
		if !ok || v == nil {
			continue
		}
		n := value(v)
		if n == nil {
			return nil, goerr.Wrap(errIncompleteResponse, "host class has no value", goerr.V("host_class", key))
		}
		out[class] = float64(*n)
	}
	return out, nil
}

type billableTime struct {
	TotalMS *number `json:"total_ms"`
}

// GET repos/{owner}/{repo}/actions/workflows/{id}/timing
type timingResponse struct {
	Billable map[string]*billableTime `json:"billable"`

	timing *provider.WorkflowTiming
}

func (r *timingResponse) validate() error {
	if r.Billable == nil {
		return goerr.Wrap(errIncompleteResponse, "required field is missing", goerr.V("field", "billable"))
	}
	billable, err := hostMap(r.Billable, func(b *billableTime) *number { return b.TotalMS })
	if err != nil {
		return err
	}
	r.timing = &provider.WorkflowTiming{Billable: billable}
	return nil
}

func (r *timingResponse) toProvider() *provider.WorkflowTiming {
	return r.timing
}

// GET orgs/{org}/settings/billing/actions
type actionsBillingResponse struct {
	TotalMinutesUsed     *number            `json:"total_minutes_used"`
	TotalPaidMinutesUsed *number            `json:"total_paid_minutes_used"`
	IncludedMinutes      *number            `json:"included_minutes"`
	MinutesUsedBreakdown map[string]*number `json:"minutes_used_breakdown"`

	breakdown map[provider.HostClass]float64
}

func (r *actionsBillingResponse) validate() error {
	if err := required(map[string]*number{
		"total_minutes_used":      r.TotalMinutesUsed,
		"total_paid_minutes_used": r.TotalPaidMinutesUsed,
		"included_minutes":        r.IncludedMinutes,
	}); err != nil {
		return err
	}
	if r.MinutesUsedBreakdown == nil {
		return goerr.Wrap(errIncompleteResponse, "required field is missing", goerr.V("field", "minutes_used_breakdown"))
	}

	breakdown, err := hostMap(r.MinutesUsedBreakdown, func(n *number) *number { return n })
	if err != nil {
		return err
	}
	r.breakdown = breakdown
	return nil
}

func (r *actionsBillingResponse) toProvider() *provider.ActionsBilling {
	return &provider.ActionsBilling{
		TotalMinutesUsed:     float64(*r.TotalMinutesUsed),
		TotalPaidMinutesUsed: float64(*r.TotalPaidMinutesUsed),
		IncludedMinutes:      float64(*r.IncludedMinutes),
		MinutesUsedBreakdown: r.breakdown,
	}
}

// GET orgs/{org}/settings/billing/packages
type packagesBillingResponse struct {
	TotalGigabytesBandwidthUsed     *number `json:"total_gigabytes_bandwidth_used"`
	TotalPaidGigabytesBandwidthUsed *number `json:"total_paid_gigabytes_bandwidth_used"`
	IncludedGigabytesBandwidth      *number `json:"included_gigabytes_bandwidth"`
}

func (r *packagesBillingResponse) validate() error {
	return required(map[string]*number{
		"total_gigabytes_bandwidth_used":      r.TotalGigabytesBandwidthUsed,
		"total_paid_gigabytes_bandwidth_used": r.TotalPaidGigabytesBandwidthUsed,
		"included_gigabytes_bandwidth":        r.IncludedGigabytesBandwidth,
	})
}

func (r *packagesBillingResponse) toProvider() *provider.PackagesBilling {
	return &provider.PackagesBilling{
		TotalGigabytesBandwidthUsed:     float64(*r.TotalGigabytesBandwidthUsed),
		TotalPaidGigabytesBandwidthUsed: float64(*r.TotalPaidGigabytesBandwidthUsed),
		IncludedGigabytesBandwidth:      float64(*r.IncludedGigabytesBandwidth),
	}
}

// GET orgs/{org}/settings/billing/shared-storage
type storageBillingResponse struct {
	DaysLeftInBillingCycle       *number `json:"days_left_in_billing_cycle"`
	EstimatedPaidStorageForMonth *number `json:"estimated_paid_storage_for_month"`
	EstimatedStorageForMonth     *number `json:"estimated_storage_for_month"`
}

func (r *storageBillingResponse) validate() error {
	return required(map[string]*number{
		"days_left_in_billing_cycle":       r.DaysLeftInBillingCycle,
		"estimated_paid_storage_for_month": r.EstimatedPaidStorageForMonth,
		"estimated_storage_for_month":      r.EstimatedStorageForMonth,
	})
}

func (r *storageBillingResponse) toProvider() *provider.StorageBilling {
	return &provider.StorageBilling{
		DaysLeftInBillingCycle:       float64(*r.DaysLeftInBillingCycle),
		EstimatedPaidStorageForMonth: float64(*r.EstimatedPaidStorageForMonth),
		EstimatedStorageForMonth:     float64(*r.EstimatedStorageForMonth),
	}
}
