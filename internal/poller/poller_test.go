package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zgpcy/github-billing-exporter/internal/cache"
	"github.com/zgpcy/github-billing-exporter/internal/clock"
	"github.com/zgpcy/github-billing-exporter/internal/collector"
	"github.com/zgpcy/github-billing-exporter/internal/config"
	"github.com/zgpcy/github-billing-exporter/internal/github"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
)

var (
	widgets = provider.Repository{Owner: "acme", Name: "widgets"}
	gadgets = provider.Repository{Owner: "acme", Name: "gadgets"}
)

// mockAPI is a configurable provider.BillingAPI
type mockAPI struct {
	mu sync.Mutex

	workflows   map[provider.Repository][]provider.Workflow
	listErr     map[provider.Repository]error
	timings     map[int64]*provider.WorkflowTiming
	timingErr   map[int64]error
	timingPanic map[int64]bool

	actions     *provider.ActionsBilling
	actionsErr  error
	packages    *provider.PackagesBilling
	packagesErr error
	storage     *provider.StorageBilling
	storageErr  error

	calls map[string]int
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		workflows:   make(map[provider.Repository][]provider.Workflow),
		listErr:     make(map[provider.Repository]error),
		timings:     make(map[int64]*provider.WorkflowTiming),
		timingErr:   make(map[int64]error),
		timingPanic: make(map[int64]bool),
		calls:       make(map[string]int),
	}
}

func (m *mockAPI) count(name string) {
	m.calls[name]++
}

func (m *mockAPI) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockAPI) SetWorkflows(repo provider.Repository, wfs []provider.Workflow, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[repo] = wfs
	m.listErr[repo] = err
}

func (m *mockAPI) SetTiming(id int64, timing *provider.WorkflowTiming, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[id] = timing
	m.timingErr[id] = err
}

func (m *mockAPI) ListWorkflows(ctx context.Context, repo provider.Repository) ([]provider.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ListWorkflows")
	if err := m.listErr[repo]; err != nil {
		return nil, err
	}
	return append([]provider.Workflow(nil), m.workflows[repo]...), nil
}

func (m *mockAPI) GetWorkflowTiming(ctx context.Context, repo provider.Repository, workflowID int64) (*provider.WorkflowTiming, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetWorkflowTiming")
	if m.timingPanic[workflowID] {
		panic("unexpected payload")
	}
	if err := m.timingErr[workflowID]; err != nil {
		return nil, err
	}
	timing, ok := m.timings[workflowID]
	if !ok {
		return nil, errors.New("not found")
	}
	return timing, nil
}

func (m *mockAPI) GetActionsBilling(ctx context.Context, org provider.Organisation) (*provider.ActionsBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetActionsBilling")
	return m.actions, m.actionsErr
}

func (m *mockAPI) GetPackagesBilling(ctx context.Context, org provider.Organisation) (*provider.PackagesBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetPackagesBilling")
	return m.packages, m.packagesErr
}

func (m *mockAPI) GetStorageBilling(ctx context.Context, org provider.Organisation) (*provider.StorageBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetStorageBilling")
	return m.storage, m.storageErr
}

type harness struct {
	reg    *prometheus.Registry
	status *collector.Status
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := collector.NewMetrics(reg)
	gt.NoError(t, err)

	status := collector.NewStatus(clock.RealClock{}, LoopDiscovery, LoopUsage, LoopOrgBilling)
	return &harness{
		reg:    reg,
		status: status,
		opts: Options{
			Logger:  logger.Discard(),
			Metrics: metrics,
			Status:  status,
		},
	}
}

// value returns the sample of name with exactly the given labels
func (h *harness) value(t *testing.T, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := h.reg.Gather()
	gt.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue(), true
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func (h *harness) count(t *testing.T, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(h.reg, name)
	gt.NoError(t, err)
	return n
}

func (h *harness) loop(name string) collector.LoopStatus {
	for _, ls := range h.status.Loops() {
		if ls.Name == name {
			return ls
		}
	}
	return collector.LoopStatus{}
}

func billable(repo provider.Repository, workflow string, class provider.HostClass) map[string]string {
	return map[string]string{
		"owner":      repo.Owner,
		"repo":       repo.Name,
		"workflow":   workflow,
		"host_class": string(class),
	}
}

func org(name string) map[string]string {
	return map[string]string{"organisation": name}
}

func TestDiscovery_ReplacesCache(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})

	want := []provider.Workflow{{ID: 42, Name: "ci"}, {ID: 43, Name: "release"}}
	api.SetWorkflows(widgets, want, nil)

	NewDiscoveryPoller(api, c, time.Minute, h.opts).RunOnce(context.Background())

	got, err := c.Snapshot(widgets)
	gt.NoError(t, err)
	gt.V(t, got).Equal(want)

	v, ok := h.value(t, "github_billing_exporter_cached_workflows", map[string]string{"owner": "acme", "repo": "widgets"})
	gt.True(t, ok)
	gt.V(t, v).Equal(2.0)
	gt.V(t, h.loop(LoopDiscovery).Cycles).Equal(1)
}

func TestDiscovery_FailureLeavesEntryUnchanged(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets, gadgets})
	p := NewDiscoveryPoller(api, c, time.Minute, h.opts)

	api.SetWorkflows(widgets, []provider.Workflow{{ID: 42, Name: "ci"}}, nil)
	api.SetWorkflows(gadgets, []provider.Workflow{{ID: 7, Name: "lint"}}, nil)
	p.RunOnce(context.Background())

	api.SetWorkflows(widgets, nil, errors.New("502 bad gateway"))
	api.SetWorkflows(gadgets, []provider.Workflow{{ID: 8, Name: "test"}}, nil)
	p.RunOnce(context.Background())

	got, err := c.Snapshot(widgets)
	gt.NoError(t, err)
	gt.V(t, got).Equal([]provider.Workflow{{ID: 42, Name: "ci"}})

	// the failure did not stop the next repository
	got, err = c.Snapshot(gadgets)
	gt.NoError(t, err)
	gt.V(t, got).Equal([]provider.Workflow{{ID: 8, Name: "test"}})

	v, ok := h.value(t, "github_billing_exporter_poll_errors_total", map[string]string{"loop": LoopDiscovery})
	gt.True(t, ok)
	gt.V(t, v).Equal(1.0)

	ls := h.loop(LoopDiscovery)
	gt.V(t, ls.Items).Equal(2)
	gt.V(t, ls.Failures).Equal(1)
	gt.V(t, ls.LastError).NotEqual("")
}

func TestUsage_PublishesPresentHostClasses(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})

	api.SetWorkflows(widgets, []provider.Workflow{{ID: 42, Name: "ci"}}, nil)
	api.SetTiming(42, &provider.WorkflowTiming{
		Billable: map[provider.HostClass]float64{provider.HostUbuntu: 1000},
	}, nil)

	NewDiscoveryPoller(api, c, time.Minute, h.opts).RunOnce(context.Background())
	NewUsagePoller(api, c, time.Minute, h.opts).RunOnce(context.Background())

	v, ok := h.value(t, "billable_ms", billable(widgets, "ci", provider.HostUbuntu))
	gt.True(t, ok)
	gt.V(t, v).Equal(1000.0)

	_, ok = h.value(t, "billable_ms", billable(widgets, "ci", provider.HostMacOS))
	gt.False(t, ok)
	_, ok = h.value(t, "billable_ms", billable(widgets, "ci", provider.HostWindows))
	gt.False(t, ok)
	gt.V(t, h.count(t, "billable_ms")).Equal(1)
}

func TestUsage_WorkflowFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})

	api.SetWorkflows(widgets, []provider.Workflow{
		{ID: 1, Name: "broken"},
		{ID: 2, Name: "panics"},
		{ID: 3, Name: "ok"},
	}, nil)
	api.SetTiming(1, nil, errors.New("timeout"))
	api.mu.Lock()
	api.timingPanic[2] = true
	api.mu.Unlock()
	api.SetTiming(3, &provider.WorkflowTiming{
		Billable: map[provider.HostClass]float64{provider.HostWindows: 30},
	}, nil)

	NewDiscoveryPoller(api, c, time.Minute, h.opts).RunOnce(context.Background())
	NewUsagePoller(api, c, time.Minute, h.opts).RunOnce(context.Background())

	v, ok := h.value(t, "billable_ms", billable(widgets, "ok", provider.HostWindows))
	gt.True(t, ok)
	gt.V(t, v).Equal(30.0)
	gt.V(t, h.count(t, "billable_ms")).Equal(1)

	ls := h.loop(LoopUsage)
	gt.V(t, ls.Items).Equal(3)
	gt.V(t, ls.Failures).Equal(2)
	gt.V(t, api.CallCount("GetWorkflowTiming")).Equal(3)
}

func TestUsage_EmptiedCacheKeepsPreviousSeries(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})
	discovery := NewDiscoveryPoller(api, c, time.Minute, h.opts)
	usage := NewUsagePoller(api, c, time.Minute, h.opts)

	// cycle 1
	api.SetWorkflows(widgets, []provider.Workflow{{ID: 42, Name: "ci"}}, nil)
	api.SetTiming(42, &provider.WorkflowTiming{
		Billable: map[provider.HostClass]float64{provider.HostUbuntu: 1000},
	}, nil)
	discovery.RunOnce(context.Background())
	usage.RunOnce(context.Background())

	// cycle 2
	api.SetWorkflows(widgets, []provider.Workflow{}, nil)
	discovery.RunOnce(context.Background())
	usage.RunOnce(context.Background())

	got, err := c.Snapshot(widgets)
	gt.NoError(t, err)
	gt.V(t, len(got)).Equal(0)

	v, ok := h.value(t, "billable_ms", billable(widgets, "ci", provider.HostUbuntu))
	gt.True(t, ok)
	gt.V(t, v).Equal(1000.0)
	gt.V(t, h.count(t, "billable_ms")).Equal(1)
	gt.V(t, api.CallCount("GetWorkflowTiming")).Equal(1)
}

func fullBilling(api *mockAPI) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.actions = &provider.ActionsBilling{
		TotalMinutesUsed:     120.5,
		TotalPaidMinutesUsed: 20,
		IncludedMinutes:      3000,
		MinutesUsedBreakdown: map[provider.HostClass]float64{
			provider.HostUbuntu: 100,
			provider.HostMacOS:  20.5,
		},
	}
	api.packages = &provider.PackagesBilling{
		TotalGigabytesBandwidthUsed:     50,
		TotalPaidGigabytesBandwidthUsed: 40,
		IncludedGigabytesBandwidth:      10,
	}
	api.storage = &provider.StorageBilling{
		DaysLeftInBillingCycle:       20,
		EstimatedPaidStorageForMonth: 15,
		EstimatedStorageForMonth:     40,
	}
}

var orgGauges = map[string]float64{
	"org_actions_total_minutes_used":      120.5,
	"org_actions_total_paid_minutes_used": 20,
	"org_actions_included_minutes":        3000,
	"org_packages_total_gb_used":          50,
	"org_packages_total_paid_gb_used":     40,
	"org_packages_included_gb":            10,
	"org_storage_days_left":               20,
	"org_storage_estimated_paid_gb":       15,
	"org_storage_estimated_gb":            40,
}

func TestOrgBilling_AllSucceed(t *testing.T) {
	for _, policy := range []string{config.PolicyAll, config.PolicyPerCategory} {
		t.Run(policy, func(t *testing.T) {
			h := newHarness(t)
			api := newMockAPI()
			fullBilling(api)

			NewOrgBillingPoller(api, []provider.Organisation{"acme"}, policy, time.Minute, h.opts).RunOnce(context.Background())

			for name, want := range orgGauges {
				v, ok := h.value(t, name, org("acme"))
				if !ok || v != want {
					t.Errorf("%s = %v (present %v), want %v", name, v, ok, want)
				}
			}

			v, ok := h.value(t, "org_actions_minutes_breakdown", map[string]string{"organisation": "acme", "host_class": "macos"})
			gt.True(t, ok)
			gt.V(t, v).Equal(20.5)
			// windows was not reported
			gt.V(t, h.count(t, "org_actions_minutes_breakdown")).Equal(2)
			gt.V(t, h.loop(LoopOrgBilling).Failures).Equal(0)
		})
	}
}

func TestOrgBilling_AllPolicyPublishesNothingOnFailure(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	fullBilling(api)
	p := NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyAll, time.Minute, h.opts)

	p.RunOnce(context.Background())

	// second cycle: new values, but packages fails
	api.mu.Lock()
	api.actions = &provider.ActionsBilling{TotalMinutesUsed: 999}
	api.storage = &provider.StorageBilling{DaysLeftInBillingCycle: 1}
	api.packagesErr = errors.New("500 internal error")
	api.mu.Unlock()

	p.RunOnce(context.Background())

	for name, want := range orgGauges {
		v, ok := h.value(t, name, org("acme"))
		if !ok || v != want {
			t.Errorf("%s = %v (present %v), want unchanged %v", name, v, ok, want)
		}
	}
	gt.V(t, h.loop(LoopOrgBilling).Failures).Equal(1)
}

func TestOrgBilling_AllPolicyFirstCycleFailure(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	fullBilling(api)
	api.storageErr = errors.New("403 forbidden")

	NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyAll, time.Minute, h.opts).RunOnce(context.Background())

	for name := range orgGauges {
		if _, ok := h.value(t, name, org("acme")); ok {
			t.Errorf("%s published despite a failed category", name)
		}
	}
	gt.V(t, h.count(t, "org_actions_minutes_breakdown")).Equal(0)
}

func TestOrgBilling_PerCategoryPolicySkipsFailedCategory(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	fullBilling(api)
	api.packagesErr = errors.New("500 internal error")

	NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyPerCategory, time.Minute, h.opts).RunOnce(context.Background())

	for name, want := range orgGauges {
		v, ok := h.value(t, name, org("acme"))
		isPackages := name == "org_packages_total_gb_used" ||
			name == "org_packages_total_paid_gb_used" ||
			name == "org_packages_included_gb"

		if isPackages {
			if ok {
				t.Errorf("%s published although packages billing failed", name)
			}
			continue
		}
		if !ok || v != want {
			t.Errorf("%s = %v (present %v), want %v", name, v, ok, want)
		}
	}
	gt.V(t, h.loop(LoopOrgBilling).Failures).Equal(1)
}

func TestOrgBilling_TextualDecimal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/acme/settings/billing/actions":
			fmt.Fprint(w, `{"total_minutes_used": 120.5, "total_paid_minutes_used": "20.0", "included_minutes": 3000, "minutes_used_breakdown": {"UBUNTU": 120.5}}`)
		case "/orgs/acme/settings/billing/packages":
			fmt.Fprint(w, `{"total_gigabytes_bandwidth_used": 0, "total_paid_gigabytes_bandwidth_used": 0, "included_gigabytes_bandwidth": 10}`)
		case "/orgs/acme/settings/billing/shared-storage":
			fmt.Fprint(w, `{"days_left_in_billing_cycle": 20, "estimated_paid_storage_for_month": 0, "estimated_storage_for_month": 1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	h := newHarness(t)
	api, err := github.NewClient(config.GitHub{Token: "ghp_test", BaseURL: server.URL, APITimeout: 5}, logger.Discard(), h.opts.Metrics)
	gt.NoError(t, err)

	NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyAll, time.Minute, h.opts).RunOnce(context.Background())

	v, ok := h.value(t, "org_actions_total_paid_minutes_used", org("acme"))
	gt.True(t, ok)
	gt.V(t, v).Equal(20.0)

	v, ok = h.value(t, "org_actions_total_minutes_used", org("acme"))
	gt.True(t, ok)
	gt.V(t, v).Equal(120.5)

	v, ok = h.value(t, "github_billing_exporter_upstream_requests_total", map[string]string{"endpoint": github.EndpointActionsBilling, "result": github.ResultSuccess})
	gt.True(t, ok)
	gt.V(t, v).Equal(1.0)
}

func TestOrgBilling_IncompleteResponseKeepsLastValues(t *testing.T) {
	var truncated atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/acme/settings/billing/actions":
			if truncated.Load() {
				fmt.Fprint(w, `{}`)
				return
			}
			fmt.Fprint(w, `{"total_minutes_used": 120.5, "total_paid_minutes_used": 20, "included_minutes": 3000, "minutes_used_breakdown": {"UBUNTU": 120.5}}`)
		case "/orgs/acme/settings/billing/packages":
			fmt.Fprint(w, `{"total_gigabytes_bandwidth_used": 50, "total_paid_gigabytes_bandwidth_used": 40, "included_gigabytes_bandwidth": 10}`)
		case "/orgs/acme/settings/billing/shared-storage":
			fmt.Fprint(w, `{"days_left_in_billing_cycle": 20, "estimated_paid_storage_for_month": 15, "estimated_storage_for_month": 40}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	h := newHarness(t)
	api, err := github.NewClient(config.GitHub{Token: "ghp_test", BaseURL: server.URL, APITimeout: 5}, logger.Discard(), h.opts.Metrics)
	gt.NoError(t, err)
	p := NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyAll, time.Minute, h.opts)

	p.RunOnce(context.Background())
	gt.V(t, h.loop(LoopOrgBilling).Failures).Equal(0)

	truncated.Store(true)
	p.RunOnce(context.Background())

	for name, want := range orgGauges {
		v, ok := h.value(t, name, org("acme"))
		if !ok || v != want {
			t.Errorf("%s = %v (present %v), want unchanged %v", name, v, ok, want)
		}
	}
	v, ok := h.value(t, "org_actions_minutes_breakdown", map[string]string{"organisation": "acme", "host_class": "ubuntu"})
	gt.True(t, ok)
	gt.V(t, v).Equal(120.5)
	gt.V(t, h.loop(LoopOrgBilling).Failures).Equal(1)

	v, ok = h.value(t, "github_billing_exporter_upstream_requests_total", map[string]string{"endpoint": github.EndpointActionsBilling, "result": github.ResultError})
	gt.True(t, ok)
	gt.V(t, v).Equal(1.0)

	// siblings cut short by the failed fetch are not upstream errors
	for _, endpoint := range []string{github.EndpointPackagesBilling, github.EndpointStorageBilling} {
		_, ok := h.value(t, "github_billing_exporter_upstream_requests_total", map[string]string{"endpoint": endpoint, "result": github.ResultError})
		gt.False(t, ok)
	}
}

func TestRun_RepeatsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})
	api.SetWorkflows(widgets, []provider.Workflow{{ID: 42, Name: "ci"}}, nil)
	api.SetTiming(42, &provider.WorkflowTiming{Billable: map[provider.HostClass]float64{provider.HostUbuntu: 1}}, nil)
	fullBilling(api)

	discovery := NewDiscoveryPoller(api, c, 10*time.Millisecond, h.opts)
	usage := NewUsagePoller(api, c, 10*time.Millisecond, h.opts)
	billing := NewOrgBillingPoller(api, []provider.Organisation{"acme"}, config.PolicyAll, 10*time.Millisecond, h.opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){discovery.Run, usage.Run, billing.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.loop(LoopDiscovery).Cycles >= 3 && h.loop(LoopUsage).Cycles >= 3 && h.loop(LoopOrgBilling).Cycles >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	gt.True(t, h.status.IsReady())
	gt.True(t, h.loop(LoopDiscovery).Cycles >= 3)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pollers did not stop after cancellation")
	}
}

func TestRun_SecondRunIsIgnored(t *testing.T) {
	h := newHarness(t)
	api := newMockAPI()
	c := cache.New([]provider.Repository{widgets})
	p := NewDiscoveryPoller(api, c, time.Hour, h.opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for h.loop(LoopDiscovery).Cycles == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// returns immediately instead of starting a second loop
	p.Run(ctx)
	gt.V(t, h.loop(LoopDiscovery).Cycles).Equal(1)
}

func TestGuard_RecoversPanic(t *testing.T) {
	err := guard(func() error { panic("boom") })()
	gt.Error(t, err)

	err = guard(func() error { return nil })()
	gt.NoError(t, err)
}
