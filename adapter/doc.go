// Package adapter serves runtime requests addressed to objects of this node.
//
// A Router checks that the object and interaction are registered and then
// answers in one of three modes:
//
//   - dummy: canned answers, no backend involved
//   - semantic: the request is forwarded to the semantic service and the
//     answer is passed through untouched
//   - proxy: the request is sent to the local adapter over HTTP or NATS and
//     the answer is optionally rewritten through the object's templates
//
// Usage:
//
//	router := adapter.NewRouter(adapter.Dependencies{
//		Registrations: store,
//		Proxy:         adapter.NewHTTPProxy(cfg.Adapter, logger),
//		Mapper:        engine,
//	}, cfg.Adapter, cfg.WoT.Enabled, logger)
//
//	resp, err := router.Route(ctx, adapter.Request{
//		OID: oid, IID: "temperature", Method: http.MethodGet,
//		Interaction: adapter.InteractionProperty,
//	})
package adapter
