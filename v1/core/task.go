package core

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

// DefaultTaskExpiration is applied to tasks created without an expiration.
const DefaultTaskExpiration = 24 * time.Hour

const finalField = "_final"

func decisionsKey(taskID string) string { return "colink:decisions:" + taskID }

// CreateTask implements Service.CreateTask. The caller is the requester.
// Tasks that do not require agreement start immediately; otherwise the task
// waits until every participant approves it through ConfirmTask.
func (r *Redis) CreateTask(ctx context.Context, task Task) (string, error) {
	if task.ProtocolName == "" {
		return "", fmt.Errorf("create task: empty protocol name: %w", colinkerrors.ErrBadRequest)
	}
	if len(task.Participants) == 0 {
		return "", fmt.Errorf("create task: no participants: %w", colinkerrors.ErrBadRequest)
	}
	task.TaskID = uuid.NewString()
	if task.ExpirationTime == 0 {
		task.ExpirationTime = time.Now().Add(DefaultTaskExpiration).Unix()
	}
	task.Status = StatusStarted
	if task.RequireAgreement {
		task.Status = StatusWaiting
		if err := r.client.HSet(ctx, decisionsKey(task.TaskID), r.user, "1").Err(); err != nil {
			return "", fmt.Errorf("create task: %w", err)
		}
		task.Decisions = map[string]bool{r.user: true}
		if allApproved(task) {
			task.Status = StatusStarted
		}
	}
	if err := r.storeTask(ctx, task); err != nil {
		return "", err
	}
	if task.Status == StatusStarted {
		if err := r.startTask(ctx, task); err != nil {
			return "", err
		}
	}
	return task.TaskID, nil
}

// ConfirmTask implements Service.ConfirmTask. A single rejection rejects the
// task for everyone.
func (r *Redis) ConfirmTask(ctx context.Context, taskID string, approve bool) error {
	task, err := r.readTask(ctx, r.user, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusWaiting {
		return nil
	}
	decision := "0"
	if approve {
		decision = "1"
	}
	if err := r.client.HSet(ctx, decisionsKey(taskID), r.user, decision).Err(); err != nil {
		return fmt.Errorf("confirm task %s: %w", taskID, err)
	}
	decisions, err := r.client.HGetAll(ctx, decisionsKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("confirm task %s: %w", taskID, err)
	}
	task.Decisions = make(map[string]bool, len(decisions))
	for user, d := range decisions {
		if user == finalField {
			continue
		}
		task.Decisions[user] = d == "1"
	}

	var final TaskStatus
	for _, ok := range task.Decisions {
		if !ok {
			final = StatusRejected
		}
	}
	if final == "" && allApproved(task) {
		final = StatusStarted
	}
	if final == "" {
		return r.storeTask(ctx, task)
	}
	won, err := r.client.HSetNX(ctx, decisionsKey(taskID), finalField, string(final)).Result()
	if err != nil {
		return fmt.Errorf("confirm task %s: %w", taskID, err)
	}
	if !won {
		return nil
	}
	task.Status = final
	if err := r.storeTask(ctx, task); err != nil {
		return err
	}
	if final == StatusStarted {
		return r.startTask(ctx, task)
	}
	return nil
}

// FinishTask implements Service.FinishTask. It marks the caller's view of
// the task finished and clears its outstanding protocol entries.
func (r *Redis) FinishTask(ctx context.Context, taskID string) error {
	task, err := r.readTask(ctx, r.user, taskID)
	if err != nil {
		return err
	}
	task.Status = StatusFinished
	if err := r.putTask(ctx, r.user, task); err != nil {
		return err
	}
	for _, p := range task.Participants {
		if p.UserID != r.user {
			continue
		}
		_, err := r.write(ctx, r.user, string(ChangeDelete), OutstandingKey(task.ProtocolName, p.Role, taskID), nil)
		if err != nil && !stdErrors.Is(err, colinkerrors.ErrNotFound) {
			return fmt.Errorf("finish task %s: %w", taskID, err)
		}
	}
	return nil
}

func allApproved(task Task) bool {
	for _, p := range task.Participants {
		if !task.Decisions[p.UserID] {
			return false
		}
	}
	return true
}

func (r *Redis) readTask(ctx context.Context, user, taskID string) (Task, error) {
	svc := r
	if user != r.user {
		svc = r.AsUser(user)
	}
	data, err := svc.ReadEntry(ctx, TaskKey(taskID))
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, nil
}

func (r *Redis) putTask(ctx context.Context, user string, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.TaskID, err)
	}
	if _, err := r.write(ctx, user, string(ChangeUpdate), TaskKey(task.TaskID), data); err != nil {
		return fmt.Errorf("store task %s: %w", task.TaskID, err)
	}
	return nil
}

func (r *Redis) storeTask(ctx context.Context, task Task) error {
	seen := make(map[string]struct{}, len(task.Participants))
	for _, p := range task.Participants {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		if err := r.putTask(ctx, p.UserID, task); err != nil {
			return err
		}
	}
	return nil
}

// startTask announces a started task to every participant's operators.
func (r *Redis) startTask(ctx context.Context, task Task) error {
	id := []byte(task.TaskID)
	for _, p := range task.Participants {
		if _, err := r.write(ctx, p.UserID, string(ChangeUpdate), OutstandingKey(task.ProtocolName, p.Role, task.TaskID), id); err != nil {
			return fmt.Errorf("start task %s: %w", task.TaskID, err)
		}
		if _, err := r.write(ctx, p.UserID, string(ChangeUpdate), StartedLatestKey(task.ProtocolName, p.Role), id); err != nil {
			return fmt.Errorf("start task %s: %w", task.TaskID, err)
		}
	}
	return nil
}
