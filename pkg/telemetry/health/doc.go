// Package health provides liveness and readiness probes for the ledger's
// ops listener.
//
// # Endpoints
//
//   - liveness (default /health/live): the process is running
//   - readiness (default /health/ready): every registered check passes;
//     the ledger registers a store ping
//   - /version: build information
//
// # Usage
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("store", health.StoreCheck(store, nil))
//
//	mux.HandleFunc(cfg.Telemetry.Health.LivenessPath, checker.LivenessHandler())
//	mux.HandleFunc(cfg.Telemetry.Health.ReadinessPath, checker.ReadinessHandler())
//	mux.HandleFunc("/version", health.VersionHandler(version, commit, buildTime))
//
// Readiness answers 503 while any check is unhealthy or times out.
package health
