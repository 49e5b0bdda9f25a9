// Package telemetry groups the observability packages of the ledger.
//
//   - logging: slog-based structured logging with context fields and a
//     runtime-adjustable level
//   - metrics: Prometheus collector for debits, refills, alerts and storage
//   - tracing: OpenTelemetry tracer provider with an OTLP gRPC exporter
//   - health: liveness and readiness probes
//
// Each subpackage is configured from the telemetry section of config.Config
// and wired together by ledger.Manager and the ops server.
package telemetry
