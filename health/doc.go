// Package health tracks the health of the agent's dependencies.
//
// A Checker runs one Probe per dependency with a per-probe timeout and
// records each result in a Monitor, which also counts consecutive failures.
// Redis and the gateway are critical: when either is down the node is down.
// WoT and NATS are optional: losing them, or any dependency answering slower
// than half the timeout, only degrades the node. NodeApp stands for the
// process itself.
//
//	checker := health.NewChecker(nil, 3*time.Second, []health.Check{
//	    health.RedisCheck(store.Ping),
//	    health.GatewayCheck(gateway.Health),
//	})
//	report := health.Summary(checker.Run(ctx)) // {"Gateway":"DOWN","NodeApp":"OK","Redis":"OK"}
//
// Error text from failed probes is sanitized before it reaches a status:
// URLs, paths, IP addresses, ports and credentials are masked.
package health
