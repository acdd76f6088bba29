// Package queuebackend abstracts the queue transport behind the small
// interface the Queue Service actually needs (spec §4.7, §6): receive one
// lease, delete it, extend/zero its visibility, or copy it to the DLQ.
package queuebackend

import (
	"context"
	"time"
)

// Message is one leased delivery, carrying everything the Queue Service
// needs to act on it without knowing which transport produced it.
type Message struct {
	ID           string
	PopReceipt   string
	DequeueCount int64
	Body         []byte
}

// Backend is the queue transport contract. MemoryBackend implements it
// for tests; AzureBackend is the production adapter over Azure Storage
// Queue.
type Backend interface {
	// Receive leases up to one message with the given visibility timeout.
	// A nil message with a nil error means the queue was empty.
	Receive(ctx context.Context, visibilityTimeout time.Duration) (*Message, error)

	// Delete removes a message by its lease (ack).
	Delete(ctx context.Context, msg Message) error

	// UpdateVisibility changes a leased message's remaining visibility
	// window — zero for immediate redelivery, positive for backoff.
	UpdateVisibility(ctx context.Context, msg Message, timeout time.Duration) error

	// SendToDeadLetter enqueues body onto the dead-letter queue.
	SendToDeadLetter(ctx context.Context, body []byte) error

	// ApproximateCount returns the main queue's approximate depth, used
	// by the queue-depth metric sampler (spec §5's expansion).
	ApproximateCount(ctx context.Context) (int64, error)

	// ApproximateDeadLetterCount mirrors ApproximateCount for the DLQ,
	// used by the same queue-depth metric sampler (obs.StartQueueDepthUpdater).
	ApproximateDeadLetterCount(ctx context.Context) (int64, error)
}
