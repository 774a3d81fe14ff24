// Package natsclient wraps the NATS Go client for the adapter's request/reply
// transport.
//
// The client adds a circuit breaker in front of connection attempts: after
// a threshold of consecutive failures (default 5) Connect fails fast with
// ErrCircuitOpen until the backoff elapses. The backoff doubles on every
// round of failures up to a maximum and resets on a successful connection.
//
// Connection states move Disconnected → Connecting → Connected, and
// Reconnecting while the underlying connection recovers on its own.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("auroral-agent"),
//	    natsclient.WithRequestTimeout(10*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "adapter.property.oid-1.temp", payload)
//
// Every error returned by Connect, Request and Subscribe carries the
// upstream-unavailable kind from the errors package.
package natsclient
