// Package pipeline defines inbound requests and the static pipelines they
// map to. Classification is a pure lookup on the request kind and options.
package pipeline
