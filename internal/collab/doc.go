// Package collab coordinates agent-to-agent request/reply exchanges over a
// topic-addressed publish/subscribe channel. Every session carries a unique
// correlation ID; replies are matched on it and replies that arrive after
// the session timed out are discarded.
//
// Transports live in subpackages: natschannel (NATS, optionally backed by an
// embedded server) and redischannel (Redis pub/sub). MemoryChannel serves
// single-process deployments and tests.
package collab
