// Package api exposes the HTTP surface of the backend: synchronous request
// execution, the per-kind convenience endpoints, asynchronous task
// submission and lookup, collaboration session polling, health and metrics.
// Routing is built on chi; coded errors are mapped to HTTP status codes in a
// single place.
package api
