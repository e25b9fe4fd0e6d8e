// Package server provides the HTTP endpoints of the exporter.
//
// Routes:
//   - GET /: HTML status page with the poll loops and tracked resources
//   - GET /healthz: plain-text liveness probe ("OK")
//   - GET /health: JSON liveness probe
//   - GET /ready: 200 once every poll loop finished its first cycle, 503 before
//   - GET /metrics: Prometheus text exposition of the exporter registry
//
// Every request is counted in http_requests_total{status_code,path} and timed
// in http_request_duration_seconds{path}. Paths without a route are labelled
// "unmatched".
package server
