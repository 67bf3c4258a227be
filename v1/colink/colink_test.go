package colink_test

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colinktest"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

func TestTaskScopedCallsNeedTask(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "alice")
	ctx := context.Background()
	if _, err := cl.TaskID(); !stdErrors.Is(err, colinkerrors.ErrNoTask) {
		t.Fatalf("expected no task, got %v", err)
	}
	if err := cl.SendVariable(ctx, "x", nil, nil); !stdErrors.Is(err, colinkerrors.ErrNoTask) {
		t.Fatalf("send: %v", err)
	}
	if _, err := cl.ReceiveVariable(ctx, "x", core.Participant{UserID: "bob"}); !stdErrors.Is(err, colinkerrors.ErrNoTask) {
		t.Fatalf("receive: %v", err)
	}
	bound := cl.WithTaskID("t1")
	if id, err := bound.TaskID(); err != nil || id != "t1" {
		t.Fatalf("bound task id: %q %v", id, err)
	}
	if _, err := cl.TaskID(); err == nil {
		t.Fatal("binding changed the parent handle")
	}
}

func TestParticipantIndex(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "bob")
	participants := []core.Participant{{UserID: "alice"}, {UserID: "bob"}}
	if i, err := cl.ParticipantIndex(participants); err != nil || i != 1 {
		t.Fatalf("index: %d %v", i, err)
	}
	if _, err := cl.ParticipantIndex(participants[:1]); !stdErrors.Is(err, colinkerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunTaskRecordsParent(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "alice").WithTaskID("parent")
	ctx := context.Background()
	id, err := cl.RunTask(ctx, "p", []byte("x"), []core.Participant{{UserID: "alice", Role: "r"}}, false)
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	raw, err := cl.ReadEntry(ctx, core.TaskKey(id))
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	var task core.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ParentTask != "parent" || string(task.ProtocolParam) != "x" || task.Status != core.StatusStarted {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestReadOrWait(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = cl.CreateEntry(context.Background(), "later", []byte("v"))
	}()
	got, err := cl.ReadOrWait(ctx, "later")
	if err != nil || string(got) != "v" {
		t.Fatalf("read or wait: %q %v", got, err)
	}
}

func TestLockThroughHandle(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "alice")
	ctx := context.Background()
	tok, err := cl.LockWithRetryTime(ctx, "res", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := cl.Lock(cctx, "res"); err == nil {
		t.Fatal("lock acquired twice")
	}
	if err := cl.Unlock(ctx, tok); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := cl.Unlock(ctx, tok); err == nil {
		t.Fatal("second unlock succeeded")
	}
}

func TestWaitUserInit(t *testing.T) {
	c := colinktest.New(t)
	cl := c.NewUser(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = cl.CreateEntry(context.Background(), "_internal:_is_initialized", []byte{1})
	}()
	if err := cl.WaitUserInit(ctx); err != nil {
		t.Fatalf("wait user init: %v", err)
	}
}
