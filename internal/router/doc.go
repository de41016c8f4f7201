// Package router composes the routing components into the http.Handler
// that serves every inbound request.
//
// For each request the router:
//
//   - identifies the client and reads the edge location hint
//   - enforces the client's fixed window quota for the path class
//   - answers GET requests from the response cache when possible
//   - selects a healthy region with the configured algorithm
//   - moves to the lowest latency healthy region when the selected
//     region's circuit is open
//   - coalesces identical in-flight requests
//   - forwards the request once and feeds the outcome to the load
//     metrics and the circuit breaker
//
// # Usage
//
//	r, err := router.New(components, cfg,
//	    router.WithLogger(logger),
//	    router.WithMetrics(metrics),
//	)
//	if err != nil {
//	    return err
//	}
//	srv := &http.Server{Handler: r}
//
// Reload applies a new configuration to the reloadable components without
// restarting the server.
package router
