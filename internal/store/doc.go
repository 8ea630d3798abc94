// Package store holds shared helpers for the product persistence backends.
// Implementations live in the memory, postgres, and sqlite subpackages and
// all satisfy pipeline.Store.
package store
