// Package sinks implements concrete progress consumers: Prometheus stage
// collectors, the durable stage store, and structured logging. Each sink
// satisfies progress.Sink.
package sinks
