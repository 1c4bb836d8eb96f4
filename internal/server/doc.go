// Package server is the HTTP ingress for the core runtime: action
// submission and approval, mesh topology and health, circuit breaker
// and guardian introspection, the server-sent event stream and the
// prometheus metrics endpoint.
//
// Handlers reach components through the api locator and translate
// taxonomy errors onto HTTP statuses in one place (respond.go), so a
// rate limit is always 429, an open circuit always 503 and a stale
// approval always 409 regardless of which handler surfaced it.
package server
