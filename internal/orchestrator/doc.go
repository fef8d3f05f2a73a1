// Package orchestrator executes classified request pipelines.
//
// An Engine runs the steps of a pipeline in waves, calling the primary
// inference provider and falling back to the secondary one at most once per
// step on transient failures. Recoverable step failures become warnings on
// the Response; failures of fatal steps abort the request with
// PIPELINE_FAILED. Each request kind has an overall time ceiling after which
// unfinished steps are abandoned and a partial result is returned.
package orchestrator
