// Package notify announces terminal product outcomes to downstream systems.
// The memory backend records notifications for tests and local runs; the
// pubsub backend publishes JSON messages to a Google Cloud Pub/Sub topic.
package notify
