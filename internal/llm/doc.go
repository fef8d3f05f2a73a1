// Package llm defines the provider adapter contract shared by every inference
// backend: a single completion call, a readiness ping and a uniform failure
// taxonomy (timeout, rate_limited, unavailable, invalid_response) that the
// orchestrator uses to decide whether to fall back to the next tier.
package llm
