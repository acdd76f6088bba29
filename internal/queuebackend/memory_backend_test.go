package queuebackend

import (
	"context"
	"testing"
	"time"
)

func TestReceiveReturnsNilWhenEmpty(t *testing.T) {
	b := NewMemoryBackend()
	msg, err := b.Receive(context.Background(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("got %+v, want nil for empty queue", msg)
	}
}

func TestReceiveLeasesMessageAndHidesItUntilVisibilityExpires(t *testing.T) {
	b := NewMemoryBackend()
	b.Enqueue([]byte(`{"process_id":"p1"}`))
	ctx := context.Background()

	m1, err := b.Receive(ctx, 50*time.Millisecond)
	if err != nil || m1 == nil {
		t.Fatalf("got msg=%v err=%v, want a leased message", m1, err)
	}
	if m1.DequeueCount != 1 {
		t.Fatalf("DequeueCount = %d, want 1", m1.DequeueCount)
	}

	if m2, _ := b.Receive(ctx, time.Minute); m2 != nil {
		t.Fatal("message should be invisible while leased")
	}

	time.Sleep(70 * time.Millisecond)
	m3, err := b.Receive(ctx, time.Minute)
	if err != nil || m3 == nil {
		t.Fatal("message should reappear once its visibility window expires")
	}
	if m3.DequeueCount != 2 {
		t.Fatalf("DequeueCount on redelivery = %d, want 2", m3.DequeueCount)
	}
}

func TestDeleteRemovesMessage(t *testing.T) {
	b := NewMemoryBackend()
	b.Enqueue([]byte("payload"))
	ctx := context.Background()

	m, _ := b.Receive(ctx, time.Minute)
	if err := b.Delete(ctx, *m); err != nil {
		t.Fatal(err)
	}
	count, _ := b.ApproximateCount(ctx)
	if count != 0 {
		t.Fatalf("ApproximateCount = %d, want 0 after delete", count)
	}
}

func TestUpdateVisibilityZeroMakesMessageImmediatelyReceivable(t *testing.T) {
	b := NewMemoryBackend()
	b.Enqueue([]byte("payload"))
	ctx := context.Background()

	m, _ := b.Receive(ctx, time.Minute)
	if err := b.UpdateVisibility(ctx, *m, 0); err != nil {
		t.Fatal(err)
	}

	m2, err := b.Receive(ctx, time.Minute)
	if err != nil || m2 == nil {
		t.Fatal("message should be immediately receivable after visibility_timeout=0")
	}
	if m2.DequeueCount != 2 {
		t.Fatalf("DequeueCount = %d, want 2 on the second receive", m2.DequeueCount)
	}
}

func TestSendToDeadLetterRecordsMessage(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	if err := b.SendToDeadLetter(ctx, []byte("poison")); err != nil {
		t.Fatal(err)
	}
	dlqCount, _ := b.ApproximateDeadLetterCount(ctx)
	if dlqCount != 1 {
		t.Fatalf("ApproximateDeadLetterCount = %d, want 1", dlqCount)
	}
	msgs := b.DeadLetterMessages()
	if len(msgs) != 1 || string(msgs[0]) != "poison" {
		t.Fatalf("got %v, want [\"poison\"]", msgs)
	}
}

func TestDeleteRejectsStalePopReceipt(t *testing.T) {
	b := NewMemoryBackend()
	b.Enqueue([]byte("payload"))
	ctx := context.Background()

	m, _ := b.Receive(ctx, time.Minute)
	stale := *m
	stale.PopReceipt = "wrong-receipt"
	if err := b.Delete(ctx, stale); err == nil {
		t.Fatal("expected an error deleting with a stale pop receipt")
	}
}
