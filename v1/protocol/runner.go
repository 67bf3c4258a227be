package protocol

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/metrics"
)

var tracer = otel.Tracer("github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/protocol")

const (
	finishAttempts   = 5
	finishBackoff    = 100 * time.Millisecond
	finishBackoffCap = 2 * time.Second
)

// Runner consumes task starts of one protocol-and-role.
type Runner struct {
	protocol string
	role     string
	cl       *colink.CoLink
	handler  Handler
	logger   *slog.Logger
}

// NewRunner returns a Runner for protocolAndRole ("{protocol}:{role}").
// The role is the part after the last colon.
func NewRunner(protocolAndRole string, cl *colink.CoLink, h Handler, logger *slog.Logger) (*Runner, error) {
	i := strings.LastIndex(protocolAndRole, ":")
	if i <= 0 || i == len(protocolAndRole)-1 {
		return nil, fmt.Errorf("protocol and role %q: %w", protocolAndRole, colinkerrors.ErrBadRequest)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		protocol: protocolAndRole[:i],
		role:     protocolAndRole[i+1:],
		cl:       cl,
		handler:  h,
		logger:   logger.With("protocol", protocolAndRole[:i], "role", protocolAndRole[i+1:]),
	}, nil
}

func (r *Runner) operatorKey() string {
	return core.ProtocolPrefix(r.protocol, r.role) + ":operator_mq"
}

// discover returns the queue shared by every worker of this
// protocol-and-role, creating it if no worker has yet. The lock only
// serializes creation; execution is never serialized by it.
func (r *Runner) discover(ctx context.Context) (string, error) {
	key := r.operatorKey()
	tok, err := r.cl.Lock(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		if err := r.cl.Unlock(context.WithoutCancel(ctx), tok); err != nil {
			r.logger.Warn("colink: operator queue unlock failed", "error", err)
		}
	}()

	if queue, err := r.cl.ReadEntry(ctx, key); err == nil {
		return string(queue), nil
	} else if !stdErrors.Is(err, colinkerrors.ErrNotFound) {
		return "", err
	}

	start, err := r.startTimestamp(ctx)
	if err != nil {
		return "", err
	}
	svc := r.cl.Service()
	queue, err := svc.Subscribe(ctx, core.StartedLatestKey(r.protocol, r.role), start)
	if err != nil {
		return "", err
	}
	if _, err := r.cl.CreateEntry(ctx, key, []byte(queue)); err != nil {
		return "", err
	}
	r.logger.Debug("colink: operator queue created", "queue", queue, "start", start)
	return queue, nil
}

// startTimestamp is the earliest outstanding task start, or just after the
// latest start when nothing is outstanding. Replaying a start that was
// already handled is harmless: the task is no longer started.
func (r *Runner) startTimestamp(ctx context.Context) (int64, error) {
	prefix := core.ProtocolPrefix(r.protocol, r.role)
	outstanding, err := r.cl.ReadKeys(ctx, prefix+":outstanding", false)
	if err != nil {
		return 0, err
	}
	var start int64
	for _, e := range outstanding {
		if ts := core.Timestamp(e.KeyPath); start == 0 || ts < start {
			start = ts
		}
	}
	if start != 0 {
		return start, nil
	}
	started, err := r.cl.ReadKeys(ctx, prefix+":started", false)
	if err != nil {
		return 0, err
	}
	for _, e := range started {
		if e.KeyName == core.StartedLatestKey(r.protocol, r.role) {
			return core.Timestamp(e.KeyPath) + 1, nil
		}
	}
	return 1, nil
}

// Run discovers the queue and consumes it until ctx is done or the queue
// is closed. Deliveries are processed one at a time and acked last, so a
// crash mid-task redelivers it.
func (r *Runner) Run(ctx context.Context) error {
	queue, err := r.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("discover queue: %w", err)
	}
	q, err := r.cl.Service().OpenQueue(ctx, queue)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", queue, err)
	}
	defer q.Close()
	r.logger.Info("colink: operator started", "queue", queue)

	for {
		d, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || stdErrors.Is(err, colinkerrors.ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("pull %s: %w", queue, err)
		}
		// In-flight work outlives cancellation so the task still finishes.
		wctx := context.WithoutCancel(ctx)
		stop := d.KeepAlive(wctx)
		err = r.process(wctx, d)
		stop()
		if err != nil {
			return err
		}
		if err := d.Ack(wctx); err != nil {
			r.logger.Warn("colink: ack failed", "error", err)
		}
	}
}

func (r *Runner) process(ctx context.Context, d *core.Delivery) error {
	if d.Type == core.ChangeDelete {
		return nil
	}
	taskID := string(d.Payload)
	raw, err := r.cl.ReadEntry(ctx, core.TaskKey(taskID))
	if err != nil {
		r.logger.Error("colink: pull task failed", "task_id", taskID, "error", err)
		return nil
	}
	var task core.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		r.logger.Error("colink: decode task failed", "task_id", taskID, "error", err)
		return nil
	}
	if task.Status != core.StatusStarted {
		metrics.TaskCounter.WithLabelValues(r.protocol, r.role, "skipped").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "Runner.Task", trace.WithAttributes(
		attribute.String("colink.protocol", r.protocol),
		attribute.String("colink.role", r.role),
		attribute.String("colink.task_id", task.TaskID),
	))
	defer span.End()

	outcome := "ok"
	if err := r.invoke(ctx, task); err != nil {
		outcome = "error"
		span.RecordError(err)
		r.logger.Error("colink: task failed", "task_id", task.TaskID, "error", err)
	}
	metrics.TaskCounter.WithLabelValues(r.protocol, r.role, outcome).Inc()
	if err := r.finish(ctx, task.TaskID); err != nil {
		return fmt.Errorf("finish task %s: %w", task.TaskID, err)
	}
	return nil
}

// finish marks the task finished, retrying transient failures with
// exponential backoff. The last error is returned after finishAttempts.
func (r *Runner) finish(ctx context.Context, taskID string) error {
	backoff := finishBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.cl.Service().FinishTask(ctx, taskID); err == nil {
			return nil
		}
		if attempt == finishAttempts {
			return err
		}
		r.logger.Warn("colink: finish task failed, retrying", "task_id", taskID, "attempt", attempt, "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
		backoff *= 2
		if backoff > finishBackoffCap {
			backoff = finishBackoffCap
		}
	}
}

func (r *Runner) invoke(ctx context.Context, task core.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return r.handler.Start(ctx, r.cl.WithTaskID(task.TaskID), task.ProtocolParam, task.Participants)
}
