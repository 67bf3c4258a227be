// Package watch turns a key's change feed into blocking reads.
package watch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/metrics"
)

const cleanupTimeout = 5 * time.Second

// WaitFor returns the payload of key, blocking until it exists.
//
// It reads once; on failure it subscribes to the key from just after the
// lineage timestamp the failed read observed, so a write racing the read is
// still delivered. The first notification decides the outcome: a create or
// update returns its payload, a delete returns the original read error.
func WaitFor(ctx context.Context, svc core.Service, key string) ([]byte, error) {
	payload, readErr := svc.ReadEntry(ctx, key)
	if readErr == nil {
		return payload, nil
	}
	start := core.StartNow
	var nf *core.NotFoundError
	if stdErrors.As(readErr, &nf) {
		start = nf.Timestamp + 1
	}
	metrics.WaiterGauge.Inc()
	defer metrics.WaiterGauge.Dec()

	d, err := nextChange(ctx, svc, key, start)
	if err != nil {
		return nil, err
	}
	if d.Type == core.ChangeDelete {
		return nil, readErr
	}
	return d.Payload, nil
}

func nextChange(ctx context.Context, svc core.Service, key string, start int64) (*core.Delivery, error) {
	queue, err := svc.Subscribe(ctx, key, start)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", key, err)
	}
	defer unsubscribe(ctx, svc, queue)
	q, err := svc.OpenQueue(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", key, err)
	}
	defer q.Close()
	d, err := q.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", key, err)
	}
	if err := d.Ack(ctx); err != nil {
		slog.Warn("colink: ack failed", "key", key, "error", err)
	}
	return d, nil
}

func unsubscribe(ctx context.Context, svc core.Service, queue string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := svc.Unsubscribe(cctx, queue); err != nil {
		slog.Warn("colink: unsubscribe failed", "queue", queue, "error", err)
	}
}

// WaitTask blocks until the caller's view of the task is finished.
func WaitTask(ctx context.Context, svc core.Service, taskID string) error {
	key := core.TaskKey(taskID)
	start := int64(1)
	payload, err := svc.ReadEntry(ctx, key)
	if err == nil {
		var task core.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		if task.Status == core.StatusFinished {
			return nil
		}
	}
	var nf *core.NotFoundError
	if stdErrors.As(err, &nf) {
		start = nf.Timestamp + 1
	}
	// Only a finished record ends the wait, so replaying history is fine.
	queue, err := svc.Subscribe(ctx, key, start)
	if err != nil {
		return fmt.Errorf("wait task %s: %w", taskID, err)
	}
	defer unsubscribe(ctx, svc, queue)
	q, err := svc.OpenQueue(ctx, queue)
	if err != nil {
		return fmt.Errorf("wait task %s: %w", taskID, err)
	}
	defer q.Close()
	metrics.WaiterGauge.Inc()
	defer metrics.WaiterGauge.Dec()
	for {
		d, err := q.Next(ctx)
		if err != nil {
			return fmt.Errorf("wait task %s: %w", taskID, err)
		}
		_ = d.Ack(ctx)
		if d.Type == core.ChangeDelete {
			continue
		}
		var task core.Task
		if err := json.Unmarshal(d.Payload, &task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		if task.Status == core.StatusFinished {
			return nil
		}
	}
}

// Feed streams every change of key from start until ctx is done. The
// returned channel is closed when the feed stops.
func Feed(ctx context.Context, svc core.Service, key string, start int64) (<-chan core.Notification, error) {
	queue, err := svc.Subscribe(ctx, key, start)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", key, err)
	}
	q, err := svc.OpenQueue(ctx, queue)
	if err != nil {
		unsubscribe(ctx, svc, queue)
		return nil, fmt.Errorf("feed %s: %w", key, err)
	}
	ch := make(chan core.Notification, 1)
	go func() {
		defer close(ch)
		defer unsubscribe(ctx, svc, queue)
		defer q.Close()
		for {
			d, err := q.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("colink: feed stopped", "key", key, "error", err)
				}
				return
			}
			_ = d.Ack(ctx)
			select {
			case ch <- d.Notification:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
