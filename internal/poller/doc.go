// Package poller tracks long-running external generation tasks. CheckOnce is
// synchronous and idempotent: callers decide the cadence (a Watch loop, a
// timer, or an on-demand status request) and every path converges on the same
// terminal record, whose side effects fire exactly once.
package poller
