package action

import (
	"fmt"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

var _ Step = new(TaskStep)

// TaskStep calls an adapter action. A failed call is retried by its policy
// only when the error is retryable and the action is safe to repeat.
type TaskStep struct {
	baseStep
	catcher
	resource   string
	parameters map[string]any
	resultPath string
	retry      model.RetryPolicy
	invoker    Invoker
}

func NewTaskStep(base baseStep, def model.StepDef, invoker Invoker) *TaskStep {
	retry := model.DefaultTaskRetryPolicy()
	if def.Retry != nil {
		retry = *def.Retry
	}
	return &TaskStep{
		baseStep:   base,
		catcher:    catcher{catches: def.Catch},
		resource:   def.Resource,
		parameters: def.Parameters,
		resultPath: def.ResultPath,
		retry:      retry,
		invoker:    invoker,
	}
}

func (t *TaskStep) Resource() string {
	return t.resource
}

func (t *TaskStep) GetNext() []string {
	return append(t.baseStep.GetNext(), t.catcher.targets()...)
}

func (t *TaskStep) Validate() error {
	if err := t.validateNext(); err != nil {
		return err
	}
	if _, _, err := adapter.SplitResource(t.resource); err != nil {
		return fmt.Errorf("step %s: %w", t.name, err)
	}
	if t.invoker != nil && !t.invoker.Has(t.resource) {
		return fmt.Errorf("step %s: resource %s is not registered", t.name, t.resource)
	}
	if len(t.resultPath) != 0 {
		if err := util.ValidatePath(t.resultPath); err != nil {
			return fmt.Errorf("step %s: %w", t.name, err)
		}
	}
	if t.retry.MaxAttempts < 1 {
		return fmt.Errorf("step %s: retry maxAttempts must be at least 1", t.name)
	}
	return t.catcher.validate(t.name)
}

func (t *TaskStep) Execute(ec *ExecutionContext) (Result, error) {
	flowCtx := ec.Flow
	logger.Info("running task", zap.String("step", t.name), zap.String("workflow", flowCtx.WorkflowName), zap.String("id", flowCtx.Id), zap.Int("attempt", flowCtx.Attempt+1))
	params, err := util.ResolveParams(t.parameters, flowCtx.Data, ec.ContextObject)
	if err != nil {
		return t.catcher.handle(model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}, flowCtx.Data), nil
	}
	output, err := t.invoker.Invoke(ec.Ctx, t.resource, params)
	if err != nil {
		ae := adapter.AsError(err)
		attemptsMade := flowCtx.Attempt + 1
		if ae.Retryable && t.invoker.Semantics(t.resource) == adapter.AT_LEAST_ONCE &&
			t.retry.Matches(ae.Name) && t.retry.HasAttemptsLeft(attemptsMade) {
			return Result{
				Outcome:    OUTCOME_RETRY,
				Data:       flowCtx.Data,
				RetryAfter: t.retry.Delay(attemptsMade, ec.Rand),
				Error:      &model.StepError{Error: ae.Name, Cause: ae.Message},
			}, nil
		}
		return t.catcher.handle(model.StepError{Error: ae.Name, Cause: ae.Message}, flowCtx.Data), nil
	}
	normalized, err := util.Normalize(output)
	if err != nil {
		return t.catcher.handle(model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}, flowCtx.Data), nil
	}
	data, err := util.SetPath(flowCtx.Data, t.resultPath, normalized)
	if err != nil {
		return t.catcher.handle(model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}, flowCtx.Data), nil
	}
	return Result{Outcome: OUTCOME_NEXT, Next: t.next, Data: data}, nil
}
