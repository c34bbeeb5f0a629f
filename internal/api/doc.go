// Package api is the HTTP control surface of the job processing core. It
// decodes and validates requests, calls the queue manager, cache and breaker
// registry, and maps their errors to status codes without leaking internal
// details to clients.
package api
