package colink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

func storageParticipants(requester string, providers []string) []core.Participant {
	out := []core.Participant{{UserID: requester, Role: core.RoleRequester}}
	for _, p := range providers {
		out = append(out, core.Participant{UserID: p, Role: core.RoleProvider})
	}
	return out
}

func (cl *CoLink) runStorageTask(ctx context.Context, protocol string, params any, providers []string) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return cl.RunTask(ctx, protocol, payload, storageParticipants(cl.UserID(), providers), false)
}

// RemoteStorageCreate stores payload under key in every provider's namespace.
func (cl *CoLink) RemoteStorageCreate(ctx context.Context, providers []string, key string, payload []byte, isPublic bool) error {
	_, err := cl.runStorageTask(ctx, core.RemoteStorageCreate, core.CreateParams{RemoteKeyName: key, Payload: payload, IsPublic: isPublic}, providers)
	return err
}

// RemoteStorageUpdate overwrites key in every provider's namespace.
func (cl *CoLink) RemoteStorageUpdate(ctx context.Context, providers []string, key string, payload []byte, isPublic bool) error {
	_, err := cl.runStorageTask(ctx, core.RemoteStorageUpdate, core.UpdateParams{RemoteKeyName: key, Payload: payload, IsPublic: isPublic}, providers)
	return err
}

// RemoteStorageDelete removes key from every provider's namespace.
func (cl *CoLink) RemoteStorageDelete(ctx context.Context, providers []string, key string, isPublic bool) error {
	_, err := cl.runStorageTask(ctx, core.RemoteStorageDelete, core.DeleteParams{RemoteKeyName: key, IsPublic: isPublic}, providers)
	return err
}

// RemoteStorageRead fetches key stored by holderID in provider's namespace.
// An empty holderID reads the caller's own key.
func (cl *CoLink) RemoteStorageRead(ctx context.Context, provider, key string, isPublic bool, holderID string) ([]byte, error) {
	taskID, err := cl.runStorageTask(ctx, core.RemoteStorageRead, core.ReadParams{RemoteKeyName: key, IsPublic: isPublic, HolderID: holderID}, []string{provider})
	if err != nil {
		return nil, err
	}
	status, err := cl.ReadOrWait(ctx, "tasks:"+taskID+":status")
	if err != nil {
		return nil, err
	}
	if len(status) == 0 || status[0] != 0 {
		code := -1
		if len(status) > 0 {
			code = int(status[0])
		}
		return nil, fmt.Errorf("remote_storage.read: status_code: %d", code)
	}
	return cl.ReadOrWait(ctx, "tasks:"+taskID+":output")
}
