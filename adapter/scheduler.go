package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/scheduler"
)

// ScheduleClient is the scheduler as seen by workflows.
type ScheduleClient interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*model.Schedule, error)
	Delete(ctx context.Context, group string, name string) (bool, error)
	Get(ctx context.Context, group string, name string) (*model.Schedule, error)
}

var _ Adapter = new(SchedulerAdapter)

type SchedulerAdapter struct {
	client ScheduleClient
}

func NewSchedulerAdapter(client ScheduleClient) *SchedulerAdapter {
	return &SchedulerAdapter{client: client}
}

func (s *SchedulerAdapter) Name() string {
	return "scheduler"
}

func (s *SchedulerAdapter) Actions() map[string]Action {
	return map[string]Action{
		"createSchedule": {Fn: s.createSchedule, Semantics: AT_LEAST_ONCE},
		"deleteSchedule": {Fn: s.deleteSchedule, Semantics: AT_LEAST_ONCE},
		"getSchedule":    {Fn: s.getSchedule, Semantics: AT_LEAST_ONCE},
	}
}

// createSchedule replaces a schedule of the same name, so a retried call
// leaves exactly one schedule behind.
func (s *SchedulerAdapter) createSchedule(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	expression, err := stringParam(params, "expression")
	if err != nil {
		return nil, err
	}
	target, err := mapParam(params, "target")
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, Permanent(model.ERROR_INVALID_INPUT, "missing parameter target")
	}
	workflow, err := stringParam(target, "workflow")
	if err != nil {
		return nil, err
	}
	input, err := mapParam(target, "input")
	if err != nil {
		return nil, err
	}
	sch, err := s.client.Create(ctx, scheduler.CreateRequest{
		Name:                  name,
		Group:                 optionalString(params, "group"),
		Expression:            expression,
		Timezone:              optionalString(params, "timezone"),
		Target:                model.ScheduleTarget{Workflow: workflow, Input: input},
		ActionAfterCompletion: model.ActionAfterCompletion(optionalString(params, "actionAfterCompletion")),
	})
	if err != nil {
		var ve scheduler.ValidationError
		if errors.As(err, &ve) {
			return nil, Permanent("ValidationException", "%v", err)
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "creating schedule %s: %v", name, err)
	}
	return map[string]any{
		"scheduleArn": sch.Arn,
		"name":        sch.Name,
		"group":       sch.Group,
		"fireAt":      sch.FireAt.Format(time.RFC3339),
	}, nil
}

// deleteSchedule of a missing schedule is a no-op reported as deleted=false.
func (s *SchedulerAdapter) deleteSchedule(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	group := optionalString(params, "group")
	deleted, err := s.client.Delete(ctx, group, name)
	if err != nil {
		return nil, Retryable(model.ERROR_TASK_FAILED, "deleting schedule %s: %v", name, err)
	}
	return map[string]any{"name": name, "deleted": deleted}, nil
}

func (s *SchedulerAdapter) getSchedule(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	sch, err := s.client.Get(ctx, optionalString(params, "group"), name)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, Permanent("ResourceNotFoundException", "%v", err)
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "getting schedule %s: %v", name, err)
	}
	return sch, nil
}
