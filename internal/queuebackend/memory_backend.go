package queuebackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type leasedEntry struct {
	msg         Message
	visibleAt   time.Time
	leased      bool
}

// MemoryBackend is an in-process Backend used by tests and local runs. It
// models Azure Storage Queue's visibility-timeout semantics closely
// enough to exercise the Queue Service's outer loop: a message becomes
// invisible to Receive once leased, and reappears (with an incremented
// dequeue count) once its visibility deadline passes unacknowledged.
type MemoryBackend struct {
	mu       sync.Mutex
	main     map[string]*leasedEntry
	order    []string
	dlq      [][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{main: make(map[string]*leasedEntry)}
}

// Enqueue adds a new message to the main queue, for test setup.
func (b *MemoryBackend) Enqueue(body []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.main[id] = &leasedEntry{msg: Message{ID: id, Body: body, DequeueCount: 0}}
	b.order = append(b.order, id)
	return id
}

func (b *MemoryBackend) Receive(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, id := range b.order {
		e, ok := b.main[id]
		if !ok {
			continue
		}
		if e.leased && now.Before(e.visibleAt) {
			continue
		}
		e.leased = true
		e.visibleAt = now.Add(visibilityTimeout)
		e.msg.DequeueCount++
		e.msg.PopReceipt = uuid.New().String()
		out := e.msg
		return &out, nil
	}
	return nil, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.main[msg.ID]
	if !ok {
		return fmt.Errorf("queuebackend: delete unknown message %s", msg.ID)
	}
	if e.msg.PopReceipt != msg.PopReceipt {
		return fmt.Errorf("queuebackend: pop receipt mismatch for %s", msg.ID)
	}
	delete(b.main, msg.ID)
	b.removeFromOrder(msg.ID)
	return nil
}

func (b *MemoryBackend) UpdateVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.main[msg.ID]
	if !ok {
		return fmt.Errorf("queuebackend: update visibility on unknown message %s", msg.ID)
	}
	if e.msg.PopReceipt != msg.PopReceipt {
		return fmt.Errorf("queuebackend: pop receipt mismatch for %s", msg.ID)
	}
	e.visibleAt = time.Now().Add(timeout)
	if timeout == 0 {
		e.leased = false
		e.visibleAt = time.Time{}
	}
	return nil
}

func (b *MemoryBackend) SendToDeadLetter(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append(b.dlq, body)
	return nil
}

func (b *MemoryBackend) ApproximateCount(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.main)), nil
}

func (b *MemoryBackend) ApproximateDeadLetterCount(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.dlq)), nil
}

// DeadLetterMessages returns a snapshot of everything routed to the DLQ,
// for test assertions.
func (b *MemoryBackend) DeadLetterMessages() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.dlq))
	copy(out, b.dlq)
	return out
}

func (b *MemoryBackend) removeFromOrder(id string) {
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
