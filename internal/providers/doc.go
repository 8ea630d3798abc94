// Package providers holds the HTTP plumbing shared by vendor clients: status
// classification and bounded error bodies.
package providers
