// Package config loads the service settings: HTTP server, Redis, cache tiers
// and per-type TTLs, queue concurrency and retention, circuit breakers, retry
// defaults and the Gemini client. Values come from defaults, an optional YAML
// file and AIQ_-prefixed environment variables, in increasing precedence.
package config
