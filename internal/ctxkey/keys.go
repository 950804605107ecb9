// Package ctxkey defines shared context key types used across multiple
// packages. It must stay free of other internal imports so adapters and
// services can both read the keys without cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger. HTTP
// middleware stores a logger enriched with the request_id field under it.
type LoggerKey struct{}
