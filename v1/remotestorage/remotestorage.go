// Package remotestorage implements the built-in remote_storage protocols.
// A requester runs a task naming providers; each provider applies the write
// to its own namespace under _remote_storage:{private|public}:{requester}:{key}.
package remotestorage

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

// Status codes of a read reply.
const (
	StatusOK       byte = 0
	StatusNotFound byte = 1
	StatusError    byte = 2
)

// Func is the shape of a protocol operator.
type Func func(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error

// Operators returns every remote storage operator keyed by "{protocol}:{role}".
func Operators() map[string]Func {
	return map[string]Func{
		core.RemoteStorageCreate + ":" + core.RoleProvider:  create,
		core.RemoteStorageCreate + ":" + core.RoleRequester: noop,
		core.RemoteStorageUpdate + ":" + core.RoleProvider:  update,
		core.RemoteStorageUpdate + ":" + core.RoleRequester: noop,
		core.RemoteStorageDelete + ":" + core.RoleProvider:  remove,
		core.RemoteStorageDelete + ":" + core.RoleRequester: noop,
		core.RemoteStorageRead + ":" + core.RoleProvider:    readProvider,
		core.RemoteStorageRead + ":" + core.RoleRequester:   readRequester,
	}
}

func noop(context.Context, *colink.CoLink, []byte, []core.Participant) error { return nil }

func requester(participants []core.Participant) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("remote storage: no requester: %w", colinkerrors.ErrBadRequest)
	}
	return participants[0].UserID, nil
}

func create(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	var p core.CreateParams
	if err := json.Unmarshal(param, &p); err != nil {
		return fmt.Errorf("remote_storage.create: %w", err)
	}
	from, err := requester(participants)
	if err != nil {
		return err
	}
	_, err = cl.CreateEntry(ctx, core.RemoteStorageKey(from, p.RemoteKeyName, p.IsPublic), p.Payload)
	return err
}

func update(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	var p core.UpdateParams
	if err := json.Unmarshal(param, &p); err != nil {
		return fmt.Errorf("remote_storage.update: %w", err)
	}
	from, err := requester(participants)
	if err != nil {
		return err
	}
	_, err = cl.UpdateEntry(ctx, core.RemoteStorageKey(from, p.RemoteKeyName, p.IsPublic), p.Payload)
	return err
}

func remove(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	var p core.DeleteParams
	if err := json.Unmarshal(param, &p); err != nil {
		return fmt.Errorf("remote_storage.delete: %w", err)
	}
	from, err := requester(participants)
	if err != nil {
		return err
	}
	_, err = cl.DeleteEntry(ctx, core.RemoteStorageKey(from, p.RemoteKeyName, p.IsPublic))
	return err
}

func replyKey(taskID string) string { return "_remote_storage_read:" + taskID }

// readProvider looks the key up and answers by writing the result into the
// requester's namespace with a remote_storage.create of its own.
func readProvider(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	var p core.ReadParams
	if err := json.Unmarshal(param, &p); err != nil {
		return fmt.Errorf("remote_storage.read: %w", err)
	}
	from, err := requester(participants)
	if err != nil {
		return err
	}
	taskID, err := cl.TaskID()
	if err != nil {
		return err
	}
	holder := p.HolderID
	if holder == "" {
		holder = from
	}
	result := core.ReadResult{Status: StatusOK}
	payload, err := cl.ReadEntry(ctx, core.RemoteStorageKey(holder, p.RemoteKeyName, p.IsPublic))
	switch {
	case err == nil:
		result.Payload = payload
	case stdErrors.Is(err, colinkerrors.ErrNotFound):
		result.Status = StatusNotFound
	default:
		result.Status = StatusError
	}
	reply, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return cl.RemoteStorageCreate(ctx, []string{from}, replyKey(taskID), reply, false)
}

// readRequester waits for the provider's reply and exposes it as
// tasks:{id}:output and tasks:{id}:status.
func readRequester(ctx context.Context, cl *colink.CoLink, param []byte, participants []core.Participant) error {
	taskID, err := cl.TaskID()
	if err != nil {
		return err
	}
	if len(participants) < 2 {
		return fmt.Errorf("remote_storage.read: no provider: %w", colinkerrors.ErrBadRequest)
	}
	provider := participants[1].UserID
	raw, err := cl.ReadOrWait(ctx, core.RemoteStorageKey(provider, replyKey(taskID), false))
	if err != nil {
		return err
	}
	var result core.ReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("remote_storage.read reply: %w", err)
	}
	if result.Status == StatusOK {
		if _, err := cl.CreateEntry(ctx, "tasks:"+taskID+":output", result.Payload); err != nil {
			return err
		}
	}
	_, err = cl.CreateEntry(ctx, "tasks:"+taskID+":status", []byte{result.Status})
	return err
}
