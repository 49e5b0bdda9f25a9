// Package server provides the operational HTTP listener of the credits
// daemon: Prometheus metrics, liveness and readiness probes, and build
// information. It carries no ledger operations; those stay in-process.
//
// # Routes
//
//	GET /metrics        Prometheus exposition (telemetry.metrics.path)
//	GET /health/live    liveness (telemetry.health.liveness_path)
//	GET /health/ready   readiness, runs the registered checks
//	GET /version        build information
//
// # Usage
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	manager.RegisterHealthChecks(checker)
//	srv := server.NewServer(cfg, checker, collector, server.WithLogger(logger))
//	go srv.Start(ctx)
//
// Start returns once ctx is cancelled and the listener has drained, bounded
// by server.shutdown_timeout.
package server
