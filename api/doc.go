// Package api exposes the agent over HTTP.
//
// Routes under /api serve local applications: registrations, logins,
// discovery and consumption of remote objects. Routes under /api/proxy serve
// requests the gateway forwards from other nodes, answered with the
// {"wrapper": ...} body the gateway relays back. Every JSON answer outside
// /api/proxy uses the {"error", "message"} envelope, and error kinds map to
// status codes through errors.Kind.HTTPStatus.
//
// Each request carries an X-Request-ID header, generated when the caller does
// not send one.
package api
