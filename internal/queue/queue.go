// Package queue defines the at-least-once job broker contract and its NATS
// JetStream implementation.
//
// The broker provides durable publish, blocking consume with a visibility
// timeout, manual acknowledgment, and delayed negative acknowledgment for
// retryable failures. It gives no ordering guarantee across users and may
// redeliver a job a worker consumed but never acknowledged; correctness
// comes from the idempotency ledger, never from the queue.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/reverie/internal/journal"
)

// Job is the queue message: one generation request for one (user, period).
// Jobs are ephemeral; they live only in the broker and in flight at a
// worker.
type Job struct {
	ID         string         `json:"job_id"`
	UserID     string         `json:"user_id"`
	Period     journal.Period `json:"period"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// NewJob builds a job for a (user, period) pair.
func NewJob(userID string, p journal.Period) Job {
	return Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		Period:     p,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is one received job plus its acknowledgment handle.
type Delivery interface {
	// Job returns the delivered job.
	Job() Job
	// Attempt is the broker's delivery count for this job, starting at 1.
	// Redeliveries after a visibility timeout or a Nak increment it.
	Attempt() int
	// Ack permanently removes the job from the queue.
	Ack() error
	// Nak makes the job visible again after delay.
	Nak(delay time.Duration) error
}

// Stats is the read-only broker snapshot consumed by the monitoring
// surface.
type Stats struct {
	// Depth is the number of jobs waiting in the queue.
	Depth uint64 `json:"depth"`
	// InFlight is the number of delivered, unacknowledged jobs.
	InFlight int `json:"in_flight"`
}

// Queue abstracts an at-least-once broker.
type Queue interface {
	// Publish durably stores the job, returning once the broker
	// acknowledges it.
	Publish(ctx context.Context, job Job) error
	// Consume blocks until a job is available or ctx is cancelled.
	// Delivered jobs are invisible to other consumers for the visibility
	// timeout window.
	Consume(ctx context.Context) (Delivery, error)
	// Stats reports queue depth and in-flight count.
	Stats(ctx context.Context) (Stats, error)
}
