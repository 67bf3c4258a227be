// Package core defines the client view of the remote coordination service:
// versioned key storage, per-key change feeds delivered through queues, and
// task bookkeeping. The Redis implementation lets every user share a single
// Redis deployment, each in its own namespace.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

// Service is the set of core operations the coordination primitives build on.
type Service interface {
	UserID() string

	CreateEntry(ctx context.Context, key string, payload []byte) (string, error)
	ReadEntry(ctx context.Context, key string) ([]byte, error)
	UpdateEntry(ctx context.Context, key string, payload []byte) (string, error)
	DeleteEntry(ctx context.Context, key string) (string, error)
	ReadKeys(ctx context.Context, prefix string, includeHistory bool) ([]Entry, error)

	// Subscribe registers a queue receiving every change of key with a
	// timestamp >= start. StartNow only delivers future changes.
	Subscribe(ctx context.Context, key string, start int64) (string, error)
	Unsubscribe(ctx context.Context, queue string) error
	OpenQueue(ctx context.Context, queue string) (Queue, error)

	CreateTask(ctx context.Context, task Task) (string, error)
	ConfirmTask(ctx context.Context, taskID string, approve bool) error
	FinishTask(ctx context.Context, taskID string) error
	RequestInfo(ctx context.Context) (Info, error)
}

// Queue delivers notifications one at a time. A delivery must be acked
// before it is considered consumed; unacked deliveries are redelivered.
type Queue interface {
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is a notification pulled from a queue.
type Delivery struct {
	Notification
	ack        func(ctx context.Context) error
	touch      func(ctx context.Context) error
	touchEvery time.Duration
}

// Ack marks the delivery as consumed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// KeepAlive stops other consumers of the queue from reclaiming the delivery
// while it is being processed. Call the returned function when done.
func (d *Delivery) KeepAlive(ctx context.Context) (stop func()) {
	if d.touch == nil || d.touchEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(d.touchEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := d.touch(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("colink: delivery keep-alive failed", "key_path", d.KeyPath, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// NotFoundError reports a read of a key with no live entry. Timestamp is the
// last timestamp written to the key's lineage (0 if never written), so a
// subscriber starting at Timestamp+1 observes every later write.
type NotFoundError struct {
	Key       string
	Timestamp int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, colinkerrors.ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return colinkerrors.ErrNotFound }
