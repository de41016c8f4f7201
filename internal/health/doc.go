// Package health provides the liveness and readiness endpoints of the
// router process.
//
// Readiness runs every registered dependency check concurrently. A failing
// critical check makes the process unready (503); a failing non-critical
// check only reports it as degraded.
//
// # Usage
//
//	h := health.NewHandler(logger, health.WithVersion(version))
//	h.AddCheck(health.StoreCheck(kv))
//	h.AddCheck(health.RegionsCheck(healthStore))
//	h.RegisterRoutes(engine)
package health
