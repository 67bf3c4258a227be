package transfer

import (
	"context"
	"encoding/json"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/watch"
)

// RelayKeyName is the remote storage key a relayed variable travels under.
func RelayKeyName(taskID, key string) string {
	return "_variable_transfer:" + taskID + ":" + key
}

// SendRelay writes payload into each receiver's namespace with a
// remote_storage.create task. Sending to oneself writes locally.
func SendRelay(ctx context.Context, svc core.Service, taskID, key string, payload []byte, receivers []core.Participant) error {
	me := svc.UserID()
	remote := RelayKeyName(taskID, key)
	participants := []core.Participant{{UserID: me, Role: core.RoleRequester}}
	for _, r := range receivers {
		if r.UserID == me {
			if _, err := svc.CreateEntry(ctx, core.RemoteStorageKey(me, remote, false), payload); err != nil {
				return err
			}
			continue
		}
		participants = append(participants, core.Participant{UserID: r.UserID, Role: core.RoleProvider})
	}
	if len(participants) == 1 {
		return nil
	}
	params, err := json.Marshal(core.CreateParams{RemoteKeyName: remote, Payload: payload})
	if err != nil {
		return err
	}
	_, err = svc.CreateTask(ctx, core.Task{
		ProtocolName:  core.RemoteStorageCreate,
		ProtocolParam: params,
		Participants:  participants,
		ParentTask:    taskID,
	})
	return err
}

// ReceiveRelay blocks until sender's relayed variable lands locally.
func ReceiveRelay(ctx context.Context, svc core.Service, taskID, key, sender string) ([]byte, error) {
	return watch.WaitFor(ctx, svc, core.RemoteStorageKey(sender, RelayKeyName(taskID, key), false))
}

// publishDescriptor stores this user's inbox descriptor in sender's
// namespace. Later descriptors replace earlier ones.
func publishDescriptor(ctx context.Context, svc core.Service, sender string, payload []byte) error {
	params, err := json.Marshal(core.UpdateParams{RemoteKeyName: descriptorKey, Payload: payload})
	if err != nil {
		return err
	}
	_, err = svc.CreateTask(ctx, core.Task{
		ProtocolName:  core.RemoteStorageUpdate,
		ProtocolParam: params,
		Participants: []core.Participant{
			{UserID: svc.UserID(), Role: core.RoleRequester},
			{UserID: sender, Role: core.RoleProvider},
		},
	})
	return err
}
