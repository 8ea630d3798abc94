// Package queue defines the job queue consumed by the worker pool. Handlers
// enqueue work and return immediately; workers drive the orchestrator.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Kind selects what a worker does with a Job.
type Kind string

// Job kinds.
const (
	KindProduct Kind = "product"
	KindApprove Kind = "approve"
	KindBatch   Kind = "batch"
)

// Job is one unit of queued work.
type Job struct {
	Kind       Kind
	ProductID  string
	BatchID    string
	URL        string
	URLs       []string
	ImageIDs   []string
	EnqueuedAt time.Time
}

// Validate checks that the fields required by Kind are present.
func (j Job) Validate() error {
	switch j.Kind {
	case KindProduct:
		if j.ProductID == "" || j.URL == "" {
			return fmt.Errorf("product job requires product id and url")
		}
	case KindApprove:
		if j.ProductID == "" {
			return fmt.Errorf("approve job requires product id")
		}
	case KindBatch:
		if j.BatchID == "" || len(j.URLs) == 0 {
			return fmt.Errorf("batch job requires batch id and urls")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

// Queue is a FIFO of jobs with context-aware operations.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close()
}
