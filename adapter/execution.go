package adapter

import (
	"context"
	"errors"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
)

// ExecutionClient starts and stops workflow instances. The flow engine is the
// production implementation.
type ExecutionClient interface {
	StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error)
	StopExecution(ctx context.Context, executionId string, cause string) (bool, error)
	DescribeExecution(ctx context.Context, executionId string) (*model.FlowExecution, error)
}

var _ Adapter = new(ExecutionAdapter)

type ExecutionAdapter struct {
	client ExecutionClient
}

func NewExecutionAdapter(client ExecutionClient) *ExecutionAdapter {
	return &ExecutionAdapter{client: client}
}

func (e *ExecutionAdapter) Name() string {
	return "execution"
}

func (e *ExecutionAdapter) Actions() map[string]Action {
	return map[string]Action{
		"startExecution":    {Fn: e.startExecution, Semantics: AT_LEAST_ONCE},
		"stopExecution":     {Fn: e.stopExecution, Semantics: AT_LEAST_ONCE},
		"describeExecution": {Fn: e.describeExecution, Semantics: AT_LEAST_ONCE},
	}
}

// startExecution is only safe to retry because a repeated start with the same
// name is a no-op; without a name every call starts a new instance.
func (e *ExecutionAdapter) startExecution(ctx context.Context, params map[string]any) (any, error) {
	workflow, err := stringParam(params, "workflow")
	if err != nil {
		return nil, err
	}
	input, err := mapParam(params, "input")
	if err != nil {
		return nil, err
	}
	id, err := e.client.StartExecution(ctx, workflow, optionalString(params, "name"), input)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, Permanent(model.ERROR_INVALID_INPUT, "%v", err)
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "starting %s: %v", workflow, err)
	}
	return map[string]any{"executionId": id}, nil
}

// stopExecution treats unknown and finished executions as already stopped.
func (e *ExecutionAdapter) stopExecution(ctx context.Context, params map[string]any) (any, error) {
	id, err := stringParam(params, "executionId")
	if err != nil {
		return nil, err
	}
	if _, err := model.ParseExecutionRef(id); err != nil {
		return nil, Permanent(model.ERROR_INVALID_INPUT, "%v", err)
	}
	cause := optionalString(params, "cause")
	if len(cause) == 0 {
		cause = "stopped by request"
	}
	stopped, err := e.client.StopExecution(ctx, id, cause)
	if err != nil {
		return nil, Retryable(model.ERROR_TASK_FAILED, "stopping %s: %v", id, err)
	}
	return map[string]any{"executionId": id, "stopped": stopped}, nil
}

func (e *ExecutionAdapter) describeExecution(ctx context.Context, params map[string]any) (any, error) {
	id, err := stringParam(params, "executionId")
	if err != nil {
		return nil, err
	}
	exec, err := e.client.DescribeExecution(ctx, id)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, Permanent("ExecutionDoesNotExist", "%v", err)
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "describing %s: %v", id, err)
	}
	return exec, nil
}
