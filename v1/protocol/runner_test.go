package protocol

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colinktest"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

// flakyFinish fails the first failures FinishTask calls.
type flakyFinish struct {
	core.Service
	failures int32
	calls    atomic.Int32
}

func (f *flakyFinish) FinishTask(ctx context.Context, taskID string) error {
	if f.calls.Add(1) <= f.failures {
		return stdErrors.New("core hiccup")
	}
	return f.Service.FinishTask(ctx, taskID)
}

func TestRunnerRetriesFinishTask(t *testing.T) {
	c := colinktest.New(t)
	svc := &flakyFinish{Service: c.Service("alice"), failures: 2}
	cl, err := colink.New(svc)
	if err != nil {
		t.Fatalf("colink: %v", err)
	}
	var runs atomic.Int32
	r, err := NewRunner("flaky:worker", cl, HandlerFunc(func(context.Context, *colink.CoLink, []byte, []core.Participant) error {
		runs.Add(1)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	alice := c.NewUser(t, "alice")
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	for i := 0; i < 2; i++ {
		id, err := alice.RunTask(wctx, "flaky", nil, []core.Participant{{UserID: "alice", Role: "worker"}}, false)
		if err != nil {
			t.Fatalf("run task: %v", err)
		}
		if err := alice.WaitTask(wctx, id); err != nil {
			t.Fatalf("wait task %d: %v", i, err)
		}
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
	if got := svc.calls.Load(); got != 4 {
		t.Fatalf("expected 4 finish calls, got %d", got)
	}
	select {
	case err := <-done:
		t.Fatalf("runner stopped: %v", err)
	default:
	}
}
