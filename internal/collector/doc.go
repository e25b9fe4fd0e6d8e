// Package collector owns the Prometheus metrics published by the exporter and
// the progress record of the poll loops.
//
// Billing metrics:
//   - billable_ms{owner,repo,workflow,host_class}
//   - org_actions_total_minutes_used, org_actions_total_paid_minutes_used,
//     org_actions_included_minutes{organisation}
//   - org_actions_minutes_breakdown{organisation,host_class}
//   - org_packages_total_gb_used, org_packages_total_paid_gb_used,
//     org_packages_included_gb{organisation}
//   - org_storage_days_left, org_storage_estimated_paid_gb,
//     org_storage_estimated_gb{organisation}
//
// Operational metrics carry the github_billing_exporter_ prefix:
// poll_errors_total, poll_duration_seconds and last_poll_timestamp_seconds by
// loop, cached_workflows by repository, upstream_requests_total by endpoint
// and result, and build_info.
//
// A host class missing from an upstream payload is not published; the series
// is neither created nor zeroed.
package collector
