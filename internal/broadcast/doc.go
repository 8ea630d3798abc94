// Package broadcast fans pipeline progress out to live observers. It keeps the
// registry of connections and per-entity subscriptions, prunes connections on
// the first failed write, and speaks the JSON control protocol used by the
// websocket transport.
package broadcast
