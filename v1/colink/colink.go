// Package colink provides the handle protocol code works with: key storage,
// locks, tasks and variable transfer, bound to one user and optionally to
// one task.
package colink

import (
	"context"
	"fmt"
	"time"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/lock"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/syncbus"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/transfer"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/watch"
)

const userInitKey = "_internal:_is_initialized"

// CoLink is a user's handle on the core. Handles made by WithTaskID share
// the locker and variable transfer state of their parent.
type CoLink struct {
	svc      core.Service
	taskID   string
	locker   *lock.Locker
	retryCap time.Duration
	vt       *transfer.Transfer
}

type options struct {
	bus      syncbus.Bus
	retryCap time.Duration
	transfer []transfer.Option
}

// Option configures a CoLink.
type Option func(*options)

// WithBus lets locks exchange unlock hints over bus.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLockRetryCap sets the backoff cap used by Lock.
func WithLockRetryCap(d time.Duration) Option {
	return func(o *options) { o.retryCap = d }
}

// WithPublicAddr enables direct variable transfer through an inbox reachable
// at addr.
func WithPublicAddr(addr string) Option {
	return func(o *options) { o.transfer = append(o.transfer, transfer.WithPublicAddr(addr)) }
}

// WithInboxListenAddr sets the local address the inbox binds.
func WithInboxListenAddr(addr string) Option {
	return func(o *options) { o.transfer = append(o.transfer, transfer.WithListenAddr(addr)) }
}

// New returns a handle acting as svc's user, not bound to a task.
func New(svc core.Service, opts ...Option) (*CoLink, error) {
	o := options{retryCap: lock.DefaultRetryCap}
	for _, opt := range opts {
		opt(&o)
	}
	var lockOpts []lock.Option
	if o.bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(o.bus))
	}
	vt, err := transfer.New(svc, o.transfer...)
	if err != nil {
		return nil, err
	}
	return &CoLink{svc: svc, locker: lock.New(svc, lockOpts...), retryCap: o.retryCap, vt: vt}, nil
}

// WithTaskID returns a copy of the handle bound to taskID.
func (cl *CoLink) WithTaskID(taskID string) *CoLink {
	c := *cl
	c.taskID = taskID
	return &c
}

// Close stops the variable transfer inbox, if one was started.
func (cl *CoLink) Close(ctx context.Context) error {
	return cl.vt.Close(ctx)
}

// Service exposes the underlying core service.
func (cl *CoLink) Service() core.Service { return cl.svc }

// TaskID returns the bound task id, or ErrNoTask.
func (cl *CoLink) TaskID() (string, error) {
	if cl.taskID == "" {
		return "", colinkerrors.ErrNoTask
	}
	return cl.taskID, nil
}

func (cl *CoLink) UserID() string { return cl.svc.UserID() }

func (cl *CoLink) CreateEntry(ctx context.Context, key string, payload []byte) (string, error) {
	return cl.svc.CreateEntry(ctx, key, payload)
}

// ReadEntry reads a key name, or a specific version when given a key path.
func (cl *CoLink) ReadEntry(ctx context.Context, key string) ([]byte, error) {
	return cl.svc.ReadEntry(ctx, key)
}

func (cl *CoLink) UpdateEntry(ctx context.Context, key string, payload []byte) (string, error) {
	return cl.svc.UpdateEntry(ctx, key, payload)
}

func (cl *CoLink) DeleteEntry(ctx context.Context, key string) (string, error) {
	return cl.svc.DeleteEntry(ctx, key)
}

// ReadKeys lists the entries directly under prefix.
func (cl *CoLink) ReadKeys(ctx context.Context, prefix string, includeHistory bool) ([]core.Entry, error) {
	return cl.svc.ReadKeys(ctx, prefix, includeHistory)
}

// ReadOrWait returns the payload of key, blocking until it is written.
func (cl *CoLink) ReadOrWait(ctx context.Context, key string) ([]byte, error) {
	return watch.WaitFor(ctx, cl.svc, key)
}

// Lock acquires key with the handle's backoff cap.
func (cl *CoLink) Lock(ctx context.Context, key string) (lock.Token, error) {
	return cl.locker.Acquire(ctx, key, cl.retryCap)
}

// LockWithRetryTime acquires key, sleeping at most retryCap between attempts.
func (cl *CoLink) LockWithRetryTime(ctx context.Context, key string, retryCap time.Duration) (lock.Token, error) {
	return cl.locker.Acquire(ctx, key, retryCap)
}

func (cl *CoLink) Unlock(ctx context.Context, tok lock.Token) error {
	return cl.locker.Release(ctx, tok)
}

// RunTask starts a task with the caller as requester and returns its id.
// The bound task, if any, becomes the new task's parent.
func (cl *CoLink) RunTask(ctx context.Context, protocol string, param []byte, participants []core.Participant, requireAgreement bool) (string, error) {
	return cl.RunTaskWithExpiration(ctx, protocol, param, participants, requireAgreement, time.Time{})
}

// RunTaskWithExpiration is RunTask with an explicit expiration. A zero
// expiration uses the core default.
func (cl *CoLink) RunTaskWithExpiration(ctx context.Context, protocol string, param []byte, participants []core.Participant, requireAgreement bool, expiration time.Time) (string, error) {
	task := core.Task{
		ProtocolName:     protocol,
		ProtocolParam:    param,
		Participants:     participants,
		ParentTask:       cl.taskID,
		RequireAgreement: requireAgreement,
	}
	if !expiration.IsZero() {
		task.ExpirationTime = expiration.Unix()
	}
	id, err := cl.svc.CreateTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("run task %s: %w", protocol, err)
	}
	return id, nil
}

// ConfirmTask approves or rejects a task waiting for agreement.
func (cl *CoLink) ConfirmTask(ctx context.Context, taskID string, approve bool) error {
	return cl.svc.ConfirmTask(ctx, taskID, approve)
}

// WaitTask blocks until taskID is finished in the caller's namespace.
func (cl *CoLink) WaitTask(ctx context.Context, taskID string) error {
	return watch.WaitTask(ctx, cl.svc, taskID)
}

// ParticipantIndex returns the caller's position in participants.
func (cl *CoLink) ParticipantIndex(participants []core.Participant) (int, error) {
	me := cl.UserID()
	for i, p := range participants {
		if p.UserID == me {
			return i, nil
		}
	}
	return -1, fmt.Errorf("user %s not found in participants: %w", me, colinkerrors.ErrNotFound)
}

// WaitUserInit blocks until the user's core marks itself initialized.
func (cl *CoLink) WaitUserInit(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := cl.svc.ReadEntry(ctx, userInitKey)
		if err == nil && len(v) > 0 && v[0] == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendVariable delivers payload to receivers under key within the bound task.
func (cl *CoLink) SendVariable(ctx context.Context, key string, payload []byte, receivers []core.Participant) error {
	taskID, err := cl.TaskID()
	if err != nil {
		return err
	}
	return cl.vt.Send(ctx, taskID, key, payload, receivers)
}

// ReceiveVariable blocks until sender's variable key arrives. It has no
// timeout of its own.
func (cl *CoLink) ReceiveVariable(ctx context.Context, key string, sender core.Participant) ([]byte, error) {
	taskID, err := cl.TaskID()
	if err != nil {
		return nil, err
	}
	return cl.vt.Receive(ctx, taskID, key, sender)
}

// SendVariableWithRemoteStorage is SendVariable restricted to the relay.
func (cl *CoLink) SendVariableWithRemoteStorage(ctx context.Context, key string, payload []byte, receivers []core.Participant) error {
	taskID, err := cl.TaskID()
	if err != nil {
		return err
	}
	return cl.vt.SendRelay(ctx, taskID, key, payload, receivers)
}

// ReceiveVariableWithRemoteStorage is ReceiveVariable restricted to the relay.
func (cl *CoLink) ReceiveVariableWithRemoteStorage(ctx context.Context, key string, sender core.Participant) ([]byte, error) {
	taskID, err := cl.TaskID()
	if err != nil {
		return nil, err
	}
	return cl.vt.ReceiveRelay(ctx, taskID, key, sender)
}
