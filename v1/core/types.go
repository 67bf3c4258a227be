package core

import (
	"strconv"
	"strings"
)

// Participant is a user taking part in a task under a protocol role.
type Participant struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// TaskStatus is the lifecycle state of a task as seen by one participant.
type TaskStatus string

const (
	StatusWaiting  TaskStatus = "waiting"
	StatusStarted  TaskStatus = "started"
	StatusFinished TaskStatus = "finished"
	StatusRejected TaskStatus = "rejected"
)

// Task is the record the core keeps under _internal:tasks:{id} in every
// participant's namespace.
type Task struct {
	TaskID           string          `json:"task_id"`
	ProtocolName     string          `json:"protocol_name"`
	ProtocolParam    []byte          `json:"protocol_param,omitempty"`
	Participants     []Participant   `json:"participants"`
	ParentTask       string          `json:"parent_task,omitempty"`
	ExpirationTime   int64           `json:"expiration_time"`
	RequireAgreement bool            `json:"require_agreement"`
	Status           TaskStatus      `json:"status"`
	Decisions        map[string]bool `json:"decisions,omitempty"`
}

// ChangeType describes the kind of write that produced a notification.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Notification is one entry of a key's change feed.
type Notification struct {
	Type      ChangeType
	Payload   []byte
	Timestamp int64
	KeyPath   string
}

// Entry is a stored value together with its versioned key path.
type Entry struct {
	KeyName string
	KeyPath string
	Payload []byte
}

// Info describes the core a client is connected to.
type Info struct {
	MQURI       string
	RequestorIP string
}

// StartNow subscribes to changes written after the subscription is made.
const StartNow int64 = 0

// Timestamp extracts the timestamp suffix of a key path
// ("{user}::{key}@{timestamp}"). It returns 0 when the path has none.
func Timestamp(keyPath string) int64 {
	i := strings.LastIndex(keyPath, "@")
	if i < 0 {
		return 0
	}
	ts, err := strconv.ParseInt(keyPath[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// KeyPath builds the versioned path of key written by user at ts.
func KeyPath(user, key string, ts int64) string {
	return user + "::" + key + "@" + strconv.FormatInt(ts, 10)
}

// Protocol key layout shared by the core and the protocol runner.

func TaskKey(taskID string) string { return "_internal:tasks:" + taskID }

func ProtocolPrefix(protocol, role string) string {
	return "_internal:protocols:" + protocol + ":" + role
}

func StartedLatestKey(protocol, role string) string {
	return ProtocolPrefix(protocol, role) + ":started:latest"
}

func OutstandingPrefix(protocol, role string) string {
	return ProtocolPrefix(protocol, role) + ":outstanding"
}

func OutstandingKey(protocol, role, taskID string) string {
	return OutstandingPrefix(protocol, role) + ":" + taskID
}
