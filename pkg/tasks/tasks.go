// Package tasks manages the guard task that keeps a captured channel out of
// agent routing while a bot owns it.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
)

// Error is a task service error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound Error = "tasks: not found"
)

// AssignmentCanceled is the assignment status of a cancelled task.
const AssignmentCanceled = "canceled"

// Task is a guard task with its raw JSON attributes.
type Task struct {
	ID               string
	Attributes       string
	AssignmentStatus string
}

// CreateRequest describes a task to create.
type CreateRequest struct {
	Attributes     string
	TaskChannel    string
	TimeoutSeconds int
}

// Service is the task backend.
type Service interface {
	CreateTask(ctx context.Context, req CreateRequest) (*Task, error)
	FetchTask(ctx context.Context, taskID string) (*Task, error)
	UpdateAttributes(ctx context.Context, taskID, attributes string) (*Task, error)
	// Cancel moves the task to the canceled assignment status.
	Cancel(ctx context.Context, taskID, reason string) error
	// Remove deletes the task.
	Remove(ctx context.Context, taskID string) error
}

// GuardAttributes builds the attributes of a guard task for channelID,
// merged over the caller supplied extra attributes. extra must be a JSON
// object or empty.
func GuardAttributes(channelID, extra string) (string, error) {
	attrs := map[string]interface{}{}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &attrs); err != nil {
			return "", fmt.Errorf("decode extra guard task attributes: %w", err)
		}
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
	}
	attrs["isChatCaptureControl"] = true
	attrs["channelSid"] = channelID

	data, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
