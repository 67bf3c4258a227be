package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	err error
}

func (f *flakyBus) Publish(ctx context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, key)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(fb, 2, timeout)
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	fb.err = failErr
	if err := cb.Publish(ctx, "k"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "k"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "k"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	fb.err = nil
	if err := cb.Publish(ctx, "k"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !cb.IsHealthy() || cb.failures != 0 {
		t.Fatalf("expected closed circuit, failures %d", cb.failures)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus(), err: errors.New("down")}
	timeout := 20 * time.Millisecond
	cb := NewCircuitBreaker(fb, 1, timeout)
	ctx := context.Background()

	_ = cb.Publish(ctx, "k")
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "k"); err == nil || err == ErrCircuitOpen {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := cb.Publish(ctx, "k"); err != ErrCircuitOpen {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}
