package watch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

func newService(t *testing.T) (*core.Redis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return core.NewRedis(client, "alice"), context.Background()
}

// countingService records how many reads, subscriptions and queue pulls a
// caller makes.
type countingService struct {
	core.Service
	reads, subs, unsubs, pulls atomic.Int32
}

func (c *countingService) ReadEntry(ctx context.Context, key string) ([]byte, error) {
	c.reads.Add(1)
	return c.Service.ReadEntry(ctx, key)
}

func (c *countingService) Subscribe(ctx context.Context, key string, start int64) (string, error) {
	c.subs.Add(1)
	return c.Service.Subscribe(ctx, key, start)
}

func (c *countingService) Unsubscribe(ctx context.Context, queue string) error {
	c.unsubs.Add(1)
	return c.Service.Unsubscribe(ctx, queue)
}

func (c *countingService) OpenQueue(ctx context.Context, queue string) (core.Queue, error) {
	q, err := c.Service.OpenQueue(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &countingQueue{Queue: q, pulls: &c.pulls}, nil
}

type countingQueue struct {
	core.Queue
	pulls *atomic.Int32
}

func (q *countingQueue) Next(ctx context.Context) (*core.Delivery, error) {
	q.pulls.Add(1)
	return q.Queue.Next(ctx)
}

func TestWaitForExistingKey(t *testing.T) {
	svc, ctx := newService(t)
	if _, err := svc.CreateEntry(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("create: %v", err)
	}
	cs := &countingService{Service: svc}
	got, err := WaitFor(ctx, cs, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("wait: %q %v", got, err)
	}
	if cs.subs.Load() != 0 {
		t.Fatal("expected no subscription for an existing key")
	}
}

func TestWaitForKeyCreatedLater(t *testing.T) {
	svc, ctx := newService(t)
	cs := &countingService{Service: svc}
	go func() {
		time.Sleep(500 * time.Millisecond)
		_, _ = svc.CreateEntry(context.Background(), "late", []byte("hello"))
	}()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := WaitFor(cctx, cs, "late")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
	if cs.reads.Load() != 1 || cs.subs.Load() != 1 || cs.pulls.Load() != 1 {
		t.Fatalf("expected 1 read/subscribe/pull, got %d/%d/%d", cs.reads.Load(), cs.subs.Load(), cs.pulls.Load())
	}
	if cs.unsubs.Load() != 1 {
		t.Fatalf("expected unsubscribe, got %d", cs.unsubs.Load())
	}
}

func TestWaitForSeesWriteAfterDelete(t *testing.T) {
	svc, ctx := newService(t)
	if _, err := svc.CreateEntry(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.DeleteEntry(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = svc.UpdateEntry(context.Background(), "k", []byte("x"))
	}()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := WaitFor(cctx, svc, "k")
	if err != nil || string(got) != "x" {
		t.Fatalf("wait: %q %v", got, err)
	}
}

var errTransient = errors.New("transient")

// flakyReadService fails every read without a lineage timestamp, so the
// waiter subscribes from now.
type flakyReadService struct {
	core.Service
}

func (f *flakyReadService) ReadEntry(ctx context.Context, key string) ([]byte, error) {
	return nil, errTransient
}

func TestWaitForDeleteReturnsReadError(t *testing.T) {
	svc, ctx := newService(t)
	if _, err := svc.CreateEntry(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("create: %v", err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		_, _ = svc.DeleteEntry(context.Background(), "k")
	}()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := WaitFor(cctx, &flakyReadService{Service: svc}, "k")
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected original read error, got %v", err)
	}
}

func TestWaitForNeverWrittenKey(t *testing.T) {
	svc, ctx := newService(t)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = svc.CreateEntry(context.Background(), "k", []byte("first"))
	}()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := WaitFor(cctx, svc, "k")
	if err != nil || string(got) != "first" {
		t.Fatalf("wait: %q %v", got, err)
	}
}

func TestWaitForContextCancel(t *testing.T) {
	svc, ctx := newService(t)
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := WaitFor(cctx, svc, "never"); err == nil {
		t.Fatal("expected error on context timeout")
	}
}

func TestWaitTask(t *testing.T) {
	svc, ctx := newService(t)
	id, err := svc.CreateTask(ctx, core.Task{
		ProtocolName: "p",
		Participants: []core.Participant{{UserID: "alice", Role: "r"}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = svc.FinishTask(context.Background(), id)
	}()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := WaitTask(cctx, svc, id); err != nil {
		t.Fatalf("wait task: %v", err)
	}
	payload, err := svc.ReadEntry(ctx, core.TaskKey(id))
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	var task core.Task
	if err := json.Unmarshal(payload, &task); err != nil || task.Status != core.StatusFinished {
		t.Fatalf("expected finished task, got %+v %v", task, err)
	}
	// Already finished returns at once.
	if err := WaitTask(ctx, svc, id); err != nil {
		t.Fatalf("wait finished task: %v", err)
	}
}
