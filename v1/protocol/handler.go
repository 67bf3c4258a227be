// Package protocol runs protocol operators. A Runner serves one
// protocol-and-role: it agrees with every other worker of the same user on
// a shared queue of task starts and invokes its handler once per started
// task. A Pool runs one Runner per registered handler.
package protocol

import (
	"context"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

// InitRole is the role suffix of handlers run once per protocol before any
// worker starts.
const InitRole = "@init"

// Handler is user code executed for one task. cl is bound to the task.
type Handler interface {
	Start(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error

func (f HandlerFunc) Start(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	return f(ctx, cl, param, participants)
}
