package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotFound is returned when a key has no live entry.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by create operations on a live key.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidToken is returned when a lock token no longer matches the
	// stored holder, or an inbox capability token fails verification.
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	// ErrUnavailable signals that a peer-to-peer inbox cannot be offered and
	// the caller should use the relay path.
	ErrUnavailable = errors.New("inbox unavailable")
	// ErrNoTask is returned by task-scoped operations on a handle that is not
	// bound to a task.
	ErrNoTask = errors.New("task_id not found")
)
