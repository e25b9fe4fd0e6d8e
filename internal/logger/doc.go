// Package logger wraps log/slog with the exporter's handler setup: JSON for
// machines, colored clog output for terminals, and secret masking for both.
package logger
