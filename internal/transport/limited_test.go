package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimitedPassesThrough(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	l := NewLimited(Func(func(ctx context.Context, to Recipient, msg Message) error {
		calls.Add(1)
		return nil
	}), 100)

	for i := 0; i < 5; i++ {
		if err := l.Send(context.Background(), Recipient{Address: "a"}, Message{}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 inner sends, got %d", calls.Load())
	}
}

func TestLimitedHonorsContext(t *testing.T) {
	t.Parallel()
	l := NewLimited(Func(func(ctx context.Context, to Recipient, msg Message) error {
		return nil
	}), 1)

	// Drain the burst so the next send must wait, then cancel.
	_ = l.Send(context.Background(), Recipient{}, Message{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Send(ctx, Recipient{}, Message{}); err == nil {
		t.Fatal("expected context error while rate limited")
	}
}
