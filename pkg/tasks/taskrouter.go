package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go/client"
	taskrouter "github.com/twilio/twilio-go/rest/taskrouter/v1"
)

type taskrouterAPI interface {
	CreateTask(WorkspaceSid string, params *taskrouter.CreateTaskParams) (*taskrouter.TaskrouterV1Task, error)
	FetchTask(WorkspaceSid string, Sid string) (*taskrouter.TaskrouterV1Task, error)
	UpdateTask(WorkspaceSid string, Sid string, params *taskrouter.UpdateTaskParams) (*taskrouter.TaskrouterV1Task, error)
	DeleteTask(WorkspaceSid string, Sid string, params *taskrouter.DeleteTaskParams) error
}

// TaskRouter creates guard tasks in one workspace through one workflow.
type TaskRouter struct {
	api          taskrouterAPI
	workspaceSID string
	workflowSID  string
}

// NewTaskRouter wraps the taskrouter v1 API of a twilio rest client.
func NewTaskRouter(api taskrouterAPI, workspaceSID, workflowSID string) *TaskRouter {
	return &TaskRouter{api: api, workspaceSID: workspaceSID, workflowSID: workflowSID}
}

func (r *TaskRouter) CreateTask(_ context.Context, req CreateRequest) (*Task, error) {
	params := &taskrouter.CreateTaskParams{}
	params.SetWorkflowSid(r.workflowSID)
	params.SetAttributes(req.Attributes)
	if req.TaskChannel != "" {
		params.SetTaskChannel(req.TaskChannel)
	}
	if req.TimeoutSeconds > 0 {
		params.SetTimeout(req.TimeoutSeconds)
	}

	task, err := r.api.CreateTask(r.workspaceSID, params)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return toTask(task), nil
}

func (r *TaskRouter) FetchTask(_ context.Context, taskID string) (*Task, error) {
	task, err := r.api.FetchTask(r.workspaceSID, taskID)
	if err != nil {
		return nil, wrap("fetch task", taskID, err)
	}
	return toTask(task), nil
}

func (r *TaskRouter) UpdateAttributes(_ context.Context, taskID, attributes string) (*Task, error) {
	params := &taskrouter.UpdateTaskParams{}
	params.SetAttributes(attributes)
	task, err := r.api.UpdateTask(r.workspaceSID, taskID, params)
	if err != nil {
		return nil, wrap("update task", taskID, err)
	}
	return toTask(task), nil
}

func (r *TaskRouter) Cancel(_ context.Context, taskID, reason string) error {
	params := &taskrouter.UpdateTaskParams{}
	params.SetAssignmentStatus(AssignmentCanceled)
	if reason != "" {
		params.SetReason(reason)
	}
	if _, err := r.api.UpdateTask(r.workspaceSID, taskID, params); err != nil {
		return wrap("cancel task", taskID, err)
	}
	return nil
}

func (r *TaskRouter) Remove(_ context.Context, taskID string) error {
	if err := r.api.DeleteTask(r.workspaceSID, taskID, &taskrouter.DeleteTaskParams{}); err != nil {
		return wrap("remove task", taskID, err)
	}
	return nil
}

var _ Service = (*TaskRouter)(nil)

func toTask(t *taskrouter.TaskrouterV1Task) *Task {
	out := &Task{Attributes: "{}"}
	if t == nil {
		return out
	}
	if t.Sid != nil {
		out.ID = *t.Sid
	}
	if t.Attributes != nil && *t.Attributes != "" {
		out.Attributes = *t.Attributes
	}
	if t.AssignmentStatus != nil {
		out.AssignmentStatus = *t.AssignmentStatus
	}
	return out
}

func wrap(op, taskID string, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", op, taskID, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, taskID, err)
}
