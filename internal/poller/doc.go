// Package poller runs the three refresh loops of the exporter.
//
// DiscoveryPoller refreshes the workflow list of each tracked repository in
// the workflow cache. UsagePoller reads the cache and publishes billable time
// per workflow. OrgBillingPoller publishes the Actions, Packages and shared
// storage billing of each organisation.
//
// Each loop runs a cycle, sleeps its interval, and repeats until its context
// is cancelled. A failing item is logged and counted; it never stops the cycle
// or the loop, and the metrics it would have updated keep their last value.
package poller
