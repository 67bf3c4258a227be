package core

// Remote storage protocol names and parameters. Requesters run these tasks
// to write into, or read from, a provider's namespace.
const (
	RemoteStorageCreate = "remote_storage.create"
	RemoteStorageRead   = "remote_storage.read"
	RemoteStorageUpdate = "remote_storage.update"
	RemoteStorageDelete = "remote_storage.delete"

	RoleRequester = "requester"
	RoleProvider  = "provider"
)

type CreateParams struct {
	RemoteKeyName string `json:"remote_key_name"`
	Payload       []byte `json:"payload"`
	IsPublic      bool   `json:"is_public"`
}

type UpdateParams struct {
	RemoteKeyName string `json:"remote_key_name"`
	Payload       []byte `json:"payload"`
	IsPublic      bool   `json:"is_public"`
}

type ReadParams struct {
	RemoteKeyName string `json:"remote_key_name"`
	IsPublic      bool   `json:"is_public"`
	HolderID      string `json:"holder_id"`
}

type DeleteParams struct {
	RemoteKeyName string `json:"remote_key_name"`
	IsPublic      bool   `json:"is_public"`
}

// ReadResult is sent back by a provider answering a read. Status 0 means
// the key was found.
type ReadResult struct {
	Status  byte   `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

// RemoteStorageKey is where a provider stores a key written by requester.
func RemoteStorageKey(requester, key string, isPublic bool) string {
	if isPublic {
		return "_remote_storage:public:" + requester + ":" + key
	}
	return "_remote_storage:private:" + requester + ":" + key
}
