package collector

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
	"github.com/zgpcy/github-billing-exporter/internal/version"
)

// Self-metric namespace
const namespace = "github_billing_exporter"

// Metrics owns every gauge the pollers publish. Values follow "set current
// value" semantics: a failed poll leaves the last published value in place.
type Metrics struct {
	billableMS *prometheus.GaugeVec

	actionsTotalMinutesUsed     *prometheus.GaugeVec
	actionsTotalPaidMinutesUsed *prometheus.GaugeVec
	actionsIncludedMinutes      *prometheus.GaugeVec
	actionsMinutesBreakdown     *prometheus.GaugeVec

	packagesTotalGBUsed     *prometheus.GaugeVec
	packagesTotalPaidGBUsed *prometheus.GaugeVec
	packagesIncludedGB      *prometheus.GaugeVec

	storageDaysLeft        *prometheus.GaugeVec
	storageEstimatedPaidGB *prometheus.GaugeVec
	storageEstimatedGB     *prometheus.GaugeVec

	// Operational metrics
	pollErrorsTotal       *prometheus.CounterVec
	pollDurationSeconds   *prometheus.GaugeVec
	lastPollTimestamp     *prometheus.GaugeVec
	cachedWorkflows       *prometheus.GaugeVec
	upstreamRequestsTotal *prometheus.CounterVec
	buildInfo             *prometheus.GaugeVec
}

func orgGauge(name, help string, extra ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: name, Help: help},
		append([]string{"organisation"}, extra...),
	)
}

// NewMetrics creates the metric set and registers it on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		billableMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billable_ms",
				Help: "Last observed billable milliseconds of a workflow by host class",
			},
			[]string{"owner", "repo", "workflow", "host_class"},
		),

		actionsTotalMinutesUsed:     orgGauge("org_actions_total_minutes_used", "Actions minutes used in the current billing cycle"),
		actionsTotalPaidMinutesUsed: orgGauge("org_actions_total_paid_minutes_used", "Paid Actions minutes used in the current billing cycle"),
		actionsIncludedMinutes:      orgGauge("org_actions_included_minutes", "Actions minutes included in the plan"),
		actionsMinutesBreakdown:     orgGauge("org_actions_minutes_breakdown", "Actions minutes used by host class", "host_class"),

		packagesTotalGBUsed:     orgGauge("org_packages_total_gb_used", "Packages bandwidth used in gigabytes"),
		packagesTotalPaidGBUsed: orgGauge("org_packages_total_paid_gb_used", "Paid Packages bandwidth used in gigabytes"),
		packagesIncludedGB:      orgGauge("org_packages_included_gb", "Packages bandwidth included in the plan in gigabytes"),

		storageDaysLeft:        orgGauge("org_storage_days_left", "Days left in the shared storage billing cycle"),
		storageEstimatedPaidGB: orgGauge("org_storage_estimated_paid_gb", "Estimated paid shared storage for the month in gigabytes"),
		storageEstimatedGB:     orgGauge("org_storage_estimated_gb", "Estimated shared storage for the month in gigabytes"),

		pollErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Total number of failed items across poll cycles since startup",
			},
			[]string{"loop"},
		),
		pollDurationSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of the last poll cycle in seconds",
			},
			[]string{"loop"},
		),
		lastPollTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_poll_timestamp_seconds",
				Help:      "Unix timestamp of the last completed poll cycle",
			},
			[]string{"loop"},
		),
		cachedWorkflows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_workflows",
				Help:      "Number of workflows currently cached for a repository",
			},
			[]string{"owner", "repo"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of GitHub API calls by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build version information",
			},
			[]string{"version", "git_commit", "build_date", "go_version"},
		),
	}

	// Set build info to 1 with version labels
	versionInfo := version.Info()
	m.buildInfo.With(prometheus.Labels{
		"version":    versionInfo["version"],
		"git_commit": versionInfo["git_commit"],
		"build_date": versionInfo["build_date"],
		"go_version": versionInfo["go_version"],
	}).Set(1)

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, goerr.Wrap(err, "failed to register metric")
		}
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.billableMS,
		m.actionsTotalMinutesUsed,
		m.actionsTotalPaidMinutesUsed,
		m.actionsIncludedMinutes,
		m.actionsMinutesBreakdown,
		m.packagesTotalGBUsed,
		m.packagesTotalPaidGBUsed,
		m.packagesIncludedGB,
		m.storageDaysLeft,
		m.storageEstimatedPaidGB,
		m.storageEstimatedGB,
		m.pollErrorsTotal,
		m.pollDurationSeconds,
		m.lastPollTimestamp,
		m.cachedWorkflows,
		m.upstreamRequestsTotal,
		m.buildInfo,
	}
}

// SetWorkflowTiming publishes billable_ms for every host class present in timing
func (m *Metrics) SetWorkflowTiming(repo provider.Repository, workflow string, timing *provider.WorkflowTiming) {
	for _, class := range provider.HostClasses() {
		if ms, ok := timing.Billable[class]; ok {
			m.billableMS.WithLabelValues(repo.Owner, repo.Name, workflow, string(class)).Set(ms)
		}
	}
}

// SetActionsBilling publishes the four Actions gauges of an organisation
func (m *Metrics) SetActionsBilling(org provider.Organisation, b *provider.ActionsBilling) {
	o := string(org)
	m.actionsTotalMinutesUsed.WithLabelValues(o).Set(b.TotalMinutesUsed)
	m.actionsTotalPaidMinutesUsed.WithLabelValues(o).Set(b.TotalPaidMinutesUsed)
	m.actionsIncludedMinutes.WithLabelValues(o).Set(b.IncludedMinutes)

	for _, class := range provider.HostClasses() {
		if minutes, ok := b.MinutesUsedBreakdown[class]; ok {
			m.actionsMinutesBreakdown.WithLabelValues(o, string(class)).Set(minutes)
		}
	}
}

// SetPackagesBilling publishes the three Packages gauges of an organisation
func (m *Metrics) SetPackagesBilling(org provider.Organisation, b *provider.PackagesBilling) {
	o := string(org)
	m.packagesTotalGBUsed.WithLabelValues(o).Set(b.TotalGigabytesBandwidthUsed)
	m.packagesTotalPaidGBUsed.WithLabelValues(o).Set(b.TotalPaidGigabytesBandwidthUsed)
	m.packagesIncludedGB.WithLabelValues(o).Set(b.IncludedGigabytesBandwidth)
}

// SetStorageBilling publishes the three shared storage gauges of an organisation
func (m *Metrics) SetStorageBilling(org provider.Organisation, b *provider.StorageBilling) {
	o := string(org)
	m.storageDaysLeft.WithLabelValues(o).Set(b.DaysLeftInBillingCycle)
	m.storageEstimatedPaidGB.WithLabelValues(o).Set(b.EstimatedPaidStorageForMonth)
	m.storageEstimatedGB.WithLabelValues(o).Set(b.EstimatedStorageForMonth)
}

// SetCachedWorkflows records the size of a repository's cache entry
func (m *Metrics) SetCachedWorkflows(repo provider.Repository, n int) {
	m.cachedWorkflows.WithLabelValues(repo.Owner, repo.Name).Set(float64(n))
}

// ObserveCycle records a completed poll cycle of loop
func (m *Metrics) ObserveCycle(loop string, at time.Time, duration time.Duration, failures int) {
	m.pollDurationSeconds.WithLabelValues(loop).Set(duration.Seconds())
	m.lastPollTimestamp.WithLabelValues(loop).Set(float64(at.Unix()))
	// Touch the counter so a healthy loop exports 0
	errs := m.pollErrorsTotal.WithLabelValues(loop)
	if failures > 0 {
		errs.Add(float64(failures))
	}
}

// UpstreamRequest counts one GitHub API call
func (m *Metrics) UpstreamRequest(endpoint, result string) {
	m.upstreamRequestsTotal.WithLabelValues(endpoint, result).Inc()
}
