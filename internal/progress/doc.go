// Package progress carries stage outcome events from the orchestrator to
// pluggable sinks. Emit never blocks: events are buffered, batched on a
// background goroutine, and handed to sinks such as the structured log, the
// Prometheus stage collectors, or the durable stage store.
package progress
