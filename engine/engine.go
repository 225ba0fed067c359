package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/action"
	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/analytics"
	"github.com/mohitkumar/streamflow/flow"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/metrics"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

var _ adapter.ExecutionClient = new(FlowEngine)

// FlowEngine owns every state transition of a flow instance. Transitions of
// one instance are serialised under its lock. Step bodies and work on other
// instances run outside of it.
type FlowEngine struct {
	storage         persistence.FlowStorage
	metadataService metadata.MetadataService
	partitioner     persistence.Partitioner
	stateHandler    *StateHandlerContainer
	locks           *util.KeyedMutex
	nowFn           func() time.Time
	rnd             func() float64
}

func NewFlowEngine(storage persistence.FlowStorage, metadataService metadata.MetadataService, partitioner persistence.Partitioner) *FlowEngine {
	return &FlowEngine{
		storage:         storage,
		metadataService: metadataService,
		partitioner:     partitioner,
		stateHandler:    NewStateHandlerContainer(storage),
		locks:           util.NewKeyedMutex(256),
		nowFn:           time.Now,
		rnd:             rand.Float64,
	}
}

func (f *FlowEngine) SetClock(now func() time.Time) {
	f.nowFn = now
}

func (f *FlowEngine) SetRand(rnd func() float64) {
	f.rnd = rnd
}

type stopRequest struct {
	ref   model.ExecutionRef
	cause string
}

type sequenceRelease struct {
	key    string
	flowId string
}

// effects collects work on other instances that must run once the current
// instance is unlocked.
type effects struct {
	stops    []stopRequest
	releases []sequenceRelease
}

func (f *FlowEngine) withLock(ctx context.Context, wfName string, flowId string, fn func(fx *effects) error) error {
	fx := &effects{}
	unlock := f.locks.Lock(wfName + "/" + flowId)
	err := fn(fx)
	unlock()
	for _, s := range fx.stops {
		if _, serr := f.StopFlow(ctx, s.ref.WorkflowName, s.ref.FlowId, s.cause); serr != nil {
			logger.Error("error stopping flow", zap.String("execution", s.ref.String()), zap.Error(serr))
		}
	}
	for _, r := range fx.releases {
		f.releaseSequence(ctx, r.key, r.flowId)
	}
	return err
}

func (f *FlowEngine) GetFlow(ctx context.Context, wfName string, flowId string) (*model.FlowContext, error) {
	return f.storage.GetFlowContext(ctx, wfName, flowId)
}

// StartFlow creates the instance and queues its first step. Starting an id
// that already exists is a no-op, so redelivered triggers start nothing new.
// Flows with a sequence key wait behind the current holder of the key.
func (f *FlowEngine) StartFlow(ctx context.Context, req model.WorkflowRunRequest) (string, error) {
	if strings.Contains(req.Name, flow.ITERATOR_SEPARATOR) {
		return "", fmt.Errorf("workflow %s is a map iterator and can not be started directly", req.Name)
	}
	fl, err := f.metadataService.GetFlow(ctx, req.Name)
	if err != nil {
		return "", err
	}
	flowId := req.FlowId
	if len(flowId) == 0 {
		flowId = uuid.NewString()
	}
	if strings.Contains(flowId, "/") {
		return "", fmt.Errorf("flow id %s can not contain '/'", flowId)
	}
	input, err := util.NormalizeMap(req.Input)
	if err != nil {
		return "", fmt.Errorf("invalid input for %s: %w", req.Name, err)
	}
	err = f.withLock(ctx, fl.Name, flowId, func(fx *effects) error {
		_, err := f.storage.GetFlowContext(ctx, fl.Name, flowId)
		if err == nil {
			logger.Info("flow already started", zap.String("workflow", fl.Name), zap.String("id", flowId))
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		key := f.sequenceKey(fl, input)
		if len(key) != 0 {
			acquired, err := f.storage.AcquireOrEnqueue(ctx, key, model.StartRequest{WorkflowName: fl.Name, FlowId: flowId, Input: input})
			if err != nil {
				return err
			}
			if !acquired {
				logger.Info("flow queued behind sequence key", zap.String("workflow", fl.Name), zap.String("id", flowId), zap.String("key", key))
				return nil
			}
		}
		return f.begin(ctx, fl, flowId, input, key, nil)
	})
	if err != nil {
		return "", err
	}
	return flowId, nil
}

func (f *FlowEngine) sequenceKey(fl *flow.Flow, input map[string]any) string {
	if len(fl.SequenceKey) == 0 {
		return ""
	}
	value, err := util.Lookup(input, fl.SequenceKey)
	if err != nil || value == nil {
		logger.Warn("sequence key not found in input, starting without sequencing", zap.String("workflow", fl.Name), zap.String("path", fl.SequenceKey))
		return ""
	}
	return fl.Name + ":" + fmt.Sprint(value)
}

func (f *FlowEngine) newContext(fl *flow.Flow, flowId string, input map[string]any, key string, parent *model.ParentRef) *model.FlowContext {
	now := f.nowFn()
	return &model.FlowContext{
		Id:           flowId,
		WorkflowName: fl.Name,
		CurrentStep:  fl.StartAt,
		State:        model.RUNNING,
		Data:         input,
		Partition:    f.partitioner.GetPartition(flowId),
		SequenceKey:  key,
		Parent:       parent,
		StartedAt:    now,
		UpdatedAt:    now,
		EnteredAt:    now,
	}
}

func (f *FlowEngine) begin(ctx context.Context, fl *flow.Flow, flowId string, input map[string]any, key string, parent *model.ParentRef) error {
	flowCtx := f.newContext(fl, flowId, input, key, parent)
	err := f.storage.SaveFlowContextAndDispatch(ctx, []*model.FlowContext{flowCtx}, []model.StepExecutionRequest{flowCtx.StepRequest(model.STEP_EXECUTE)})
	if err != nil {
		return err
	}
	if fl.TimeoutSeconds > 0 {
		at := flowCtx.StartedAt.Add(time.Duration(fl.TimeoutSeconds) * time.Second)
		req := model.TimeoutRequest{WorkflowName: fl.Name, FlowId: flowId, Partition: flowCtx.Partition}
		if err := f.storage.Timeout(ctx, req, at); err != nil {
			return err
		}
	}
	logger.Info("flow started", zap.String("workflow", fl.Name), zap.String("id", flowId), zap.Int("partition", flowCtx.Partition))
	return nil
}

// startHeld starts a queued request that was handed the sequence key.
func (f *FlowEngine) startHeld(ctx context.Context, key string, req model.StartRequest) error {
	fl, err := f.metadataService.GetFlow(ctx, req.WorkflowName)
	if err != nil {
		return err
	}
	return f.withLock(ctx, fl.Name, req.FlowId, func(fx *effects) error {
		existing, err := f.storage.GetFlowContext(ctx, fl.Name, req.FlowId)
		if err == nil {
			if existing.State.IsTerminal() {
				return fmt.Errorf("flow %s already finished", existing.Ref())
			}
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		return f.begin(ctx, fl, req.FlowId, req.Input, key, nil)
	})
}

// releaseSequence frees the key and starts the next queued flow. A queued
// flow that can not start gives the key up in turn.
func (f *FlowEngine) releaseSequence(ctx context.Context, key string, flowId string) {
	next, err := f.storage.ReleaseSequence(ctx, key, flowId)
	for {
		if err != nil {
			logger.Error("error releasing sequence key", zap.String("key", key), zap.String("id", flowId), zap.Error(err))
			return
		}
		if next == nil {
			return
		}
		err = f.startHeld(ctx, key, *next)
		if err == nil {
			return
		}
		logger.Error("error starting queued flow, releasing sequence key", zap.String("key", key), zap.String("id", next.FlowId), zap.Error(err))
		flowId = next.FlowId
		next, err = f.storage.ReleaseSequence(ctx, key, flowId)
	}
}

// load returns the instance and its flow, or ok=false when there is nothing
// left to do for it.
func (f *FlowEngine) load(ctx context.Context, wfName string, flowId string) (*model.FlowContext, *flow.Flow, bool, error) {
	flowCtx, err := f.storage.GetFlowContext(ctx, wfName, flowId)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("flow not found", zap.String("workflow", wfName), zap.String("id", flowId))
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if flowCtx.State.IsTerminal() {
		return nil, nil, false, nil
	}
	fl, err := f.metadataService.GetFlow(ctx, wfName)
	if err != nil {
		return nil, nil, false, err
	}
	return flowCtx, fl, true, nil
}

// ExecuteStep runs the current step of the instance. The step runs without
// the instance lock, so a Task may start or stop any flow, its own included.
// Its outcome is applied only while the instance still sits in the same
// visit of that step.
func (f *FlowEngine) ExecuteStep(ctx context.Context, req model.StepExecutionRequest) error {
	if req.Kind == model.STEP_CHILD_DONE {
		return f.withLock(ctx, req.WorkflowName, req.FlowId, func(fx *effects) error {
			flowCtx, fl, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
			if err != nil || !ok {
				return err
			}
			return f.childDone(ctx, fx, fl, flowCtx, req)
		})
	}
	snapshot, fl, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
	if err != nil || !ok {
		return err
	}
	if !pending(snapshot, req) {
		logger.Debug("skipping stale step request", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step), zap.Int("attempt", req.Attempt))
		return nil
	}
	st, res := f.execute(ctx, fl, snapshot)

	return f.withLock(ctx, req.WorkflowName, req.FlowId, func(fx *effects) error {
		flowCtx, fl, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("step outcome discarded, flow finished meanwhile", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step))
			return nil
		}
		if !pending(flowCtx, req) || !flowCtx.EnteredAt.Equal(snapshot.EnteredAt) {
			logger.Debug("step outcome discarded, flow moved on", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step))
			return nil
		}
		if st == nil {
			return f.finish(ctx, fx, fl, flowCtx, model.FAILED, res.Error)
		}
		return f.apply(ctx, fx, fl, flowCtx, st, res)
	})
}

// pending reports whether req is the next thing the instance waits for.
func pending(flowCtx *model.FlowContext, req model.StepExecutionRequest) bool {
	return flowCtx.State == model.RUNNING && flowCtx.Map == nil && flowCtx.CurrentStep == req.Step && flowCtx.Attempt == req.Attempt
}

// ExecuteRetry queues the step again once its backoff has elapsed.
// A CHILD_DONE request that came back through the retry queue goes back on
// the ready queue unchanged.
func (f *FlowEngine) ExecuteRetry(ctx context.Context, req model.StepExecutionRequest) error {
	if req.Kind == model.STEP_CHILD_DONE {
		return f.storage.SaveFlowContextAndDispatch(ctx, nil, []model.StepExecutionRequest{req})
	}
	return f.withLock(ctx, req.WorkflowName, req.FlowId, func(fx *effects) error {
		flowCtx, _, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
		if err != nil || !ok {
			return err
		}
		if flowCtx.CurrentStep != req.Step || flowCtx.Attempt != req.Attempt {
			return nil
		}
		logger.Info("retrying step", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step), zap.Int("attempt", req.Attempt+1))
		flowCtx.State = model.RUNNING
		flowCtx.UpdatedAt = f.nowFn()
		return f.storage.SaveFlowContextAndDispatch(ctx, []*model.FlowContext{flowCtx}, []model.StepExecutionRequest{flowCtx.StepRequest(model.STEP_EXECUTE)})
	})
}

// ExecuteDelay resumes an instance suspended in a Wait step.
func (f *FlowEngine) ExecuteDelay(ctx context.Context, req model.StepExecutionRequest) error {
	return f.withLock(ctx, req.WorkflowName, req.FlowId, func(fx *effects) error {
		flowCtx, fl, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
		if err != nil || !ok {
			return err
		}
		if flowCtx.State != model.WAITING || flowCtx.CurrentStep != req.Step {
			return nil
		}
		st, err := fl.Step(flowCtx.CurrentStep)
		if err != nil {
			return f.finish(ctx, fx, fl, flowCtx, model.FAILED, &model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()})
		}
		next := st.GetNext()
		if len(next) == 0 {
			return f.finish(ctx, fx, fl, flowCtx, model.FAILED, &model.StepError{Error: model.ERROR_RUNTIME, Cause: "wait step has no next"})
		}
		logger.Info("flow resumed", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step))
		analytics.RecordStepSuccess(fl.Name, flowCtx.Id, st.GetName(), flowCtx.Data)
		return f.advance(ctx, flowCtx, next[0])
	})
}

// ExecuteTimeout fails an instance that outlived its workflow timeout.
func (f *FlowEngine) ExecuteTimeout(ctx context.Context, req model.TimeoutRequest) error {
	return f.withLock(ctx, req.WorkflowName, req.FlowId, func(fx *effects) error {
		flowCtx, fl, ok, err := f.load(ctx, req.WorkflowName, req.FlowId)
		if err != nil || !ok {
			return err
		}
		logger.Warn("flow timed out", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", flowCtx.CurrentStep))
		cause := fmt.Sprintf("workflow timed out after %ds", fl.TimeoutSeconds)
		return f.finish(ctx, fx, fl, flowCtx, model.FAILED, &model.StepError{Error: model.ERROR_TIMEOUT, Cause: cause})
	})
}

// StopFlow marks the instance STOPPED and stops its running map children.
// A call already issued by a Task is not undone. Unknown and finished
// instances are left alone and reported as not stopped.
func (f *FlowEngine) StopFlow(ctx context.Context, wfName string, flowId string, cause string) (bool, error) {
	stopped := false
	err := f.withLock(ctx, wfName, flowId, func(fx *effects) error {
		flowCtx, fl, ok, err := f.load(ctx, wfName, flowId)
		if err != nil {
			return err
		}
		if !ok {
			// a start still waiting for its sequence key has no context yet
			stopped, err = f.storage.DropQueued(ctx, wfName, flowId)
			if stopped {
				logger.Info("queued flow cancelled", zap.String("workflow", wfName), zap.String("id", flowId), zap.String("cause", cause))
			}
			return err
		}
		stopped = true
		logger.Info("stopping flow", zap.String("workflow", wfName), zap.String("id", flowId), zap.String("cause", cause))
		return f.finish(ctx, fx, fl, flowCtx, model.STOPPED, &model.StepError{Error: model.ERROR_STOPPED, Cause: cause})
	})
	return stopped, err
}

// execute runs the current step against a copy of the instance. A nil step
// means the definition has no such step.
func (f *FlowEngine) execute(ctx context.Context, fl *flow.Flow, flowCtx *model.FlowContext) (action.Step, action.Result) {
	st, err := fl.Step(flowCtx.CurrentStep)
	if err != nil {
		return nil, action.Result{Outcome: action.OUTCOME_FAIL, Error: &model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}}
	}
	ec := &action.ExecutionContext{
		Ctx:           ctx,
		Flow:          flowCtx,
		ContextObject: contextObject(flowCtx),
		Now:           f.nowFn(),
		Rand:          f.rnd,
	}
	res, err := st.Execute(ec)
	metrics.Record(ctx, metrics.StepsExecuted, 1, metrics.Tag(metrics.KeyWorkflow, fl.Name), metrics.Tag(metrics.KeyStep, st.GetName()))
	if err != nil {
		res = action.Result{Outcome: action.OUTCOME_FAIL, Data: flowCtx.Data, Error: &model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}}
	}
	return st, res
}

func (f *FlowEngine) apply(ctx context.Context, fx *effects, fl *flow.Flow, flowCtx *model.FlowContext, st action.Step, res action.Result) error {
	if res.Data != nil {
		flowCtx.Data = res.Data
	}
	switch res.Outcome {
	case action.OUTCOME_NEXT:
		analytics.RecordStepSuccess(fl.Name, flowCtx.Id, st.GetName(), flowCtx.Data)
		return f.advance(ctx, flowCtx, res.Next)
	case action.OUTCOME_WAIT:
		flowCtx.State = model.WAITING
		flowCtx.UpdatedAt = f.nowFn()
		if err := f.storage.SaveFlowContext(ctx, flowCtx); err != nil {
			return err
		}
		logger.Info("flow waiting", zap.String("workflow", fl.Name), zap.String("id", flowCtx.Id), zap.String("step", st.GetName()), zap.Time("until", res.WaitUntil))
		return f.storage.Delay(ctx, flowCtx.StepRequest(model.STEP_EXECUTE), res.WaitUntil)
	case action.OUTCOME_RETRY:
		flowCtx.Attempt++
		flowCtx.Error = res.Error
		flowCtx.UpdatedAt = f.nowFn()
		// queued first: a retry entry ahead of the saved attempt is skipped,
		// a saved attempt without its entry would never run again
		if err := f.storage.Retry(ctx, flowCtx.StepRequest(model.STEP_EXECUTE), f.nowFn().Add(res.RetryAfter)); err != nil {
			return err
		}
		if err := f.storage.SaveFlowContext(ctx, flowCtx); err != nil {
			return err
		}
		metrics.Record(ctx, metrics.StepsRetried, 1, metrics.Tag(metrics.KeyWorkflow, fl.Name), metrics.Tag(metrics.KeyStep, st.GetName()))
		fields := []zap.Field{zap.String("workflow", fl.Name), zap.String("id", flowCtx.Id), zap.String("step", st.GetName()), zap.Int("attempt", flowCtx.Attempt), zap.Duration("after", res.RetryAfter)}
		if res.Error != nil {
			fields = append(fields, zap.String("error", res.Error.Error), zap.String("cause", res.Error.Cause))
		}
		logger.Warn("step failed, retry scheduled", fields...)
		return nil
	case action.OUTCOME_MAP:
		ms, ok := st.(*action.MapStep)
		if !ok {
			return f.finish(ctx, fx, fl, flowCtx, model.FAILED, &model.StepError{Error: model.ERROR_RUNTIME, Cause: fmt.Sprintf("step %s can not iterate", st.GetName())})
		}
		return f.startMap(ctx, flowCtx, ms, res.Items)
	case action.OUTCOME_SUCCEED:
		analytics.RecordStepSuccess(fl.Name, flowCtx.Id, st.GetName(), flowCtx.Data)
		return f.finish(ctx, fx, fl, flowCtx, model.SUCCEEDED, nil)
	default:
		stepErr := res.Error
		if stepErr == nil {
			stepErr = &model.StepError{Error: model.ERROR_TASK_FAILED}
		}
		metrics.Record(ctx, metrics.StepsFailed, 1, metrics.Tag(metrics.KeyWorkflow, fl.Name), metrics.Tag(metrics.KeyStep, st.GetName()))
		analytics.RecordStepFailure(fl.Name, flowCtx.Id, st.GetName(), stepErr.Error+": "+stepErr.Cause)
		return f.finish(ctx, fx, fl, flowCtx, model.FAILED, stepErr)
	}
}

func (f *FlowEngine) advance(ctx context.Context, flowCtx *model.FlowContext, next string) error {
	if len(next) == 0 {
		return fmt.Errorf("step %s of %s has no next step", flowCtx.CurrentStep, flowCtx.Ref())
	}
	now := f.nowFn()
	flowCtx.CurrentStep = next
	flowCtx.Attempt = 0
	flowCtx.Error = nil
	flowCtx.State = model.RUNNING
	flowCtx.EnteredAt = now
	flowCtx.UpdatedAt = now
	return f.storage.SaveFlowContextAndDispatch(ctx, []*model.FlowContext{flowCtx}, []model.StepExecutionRequest{flowCtx.StepRequest(model.STEP_EXECUTE)})
}

// finish moves the instance to a terminal state. A child instance reports to
// its parent through a CHILD_DONE request written with the final state.
func (f *FlowEngine) finish(ctx context.Context, fx *effects, fl *flow.Flow, flowCtx *model.FlowContext, state model.FlowState, stepErr *model.StepError) error {
	flowCtx.State = state
	flowCtx.Error = stepErr
	flowCtx.UpdatedAt = f.nowFn()
	if flowCtx.Map != nil {
		fx.stops = append(fx.stops, runningChildren(flowCtx, "parent "+string(state))...)
		flowCtx.Map = nil
	}
	var reqs []model.StepExecutionRequest
	if p := flowCtx.Parent; p != nil {
		reqs = append(reqs, model.StepExecutionRequest{
			WorkflowName: p.WorkflowName,
			FlowId:       p.FlowId,
			Step:         p.Step,
			Kind:         model.STEP_CHILD_DONE,
			ChildIndex:   p.Index,
			Partition:    f.partitioner.GetPartition(p.FlowId),
		})
	}
	if err := f.storage.SaveFlowContextAndDispatch(ctx, []*model.FlowContext{flowCtx}, reqs); err != nil {
		return err
	}
	metrics.Record(ctx, metrics.FlowsFinished, 1, metrics.Tag(metrics.KeyWorkflow, fl.Name), metrics.Tag(metrics.KeyState, string(state)))
	analytics.RecordFlowFinished(fl.Name, flowCtx.Id, string(state))
	fields := []zap.Field{zap.String("workflow", fl.Name), zap.String("id", flowCtx.Id), zap.String("state", string(state))}
	if stepErr != nil {
		fields = append(fields, zap.String("error", stepErr.Error), zap.String("cause", stepErr.Cause))
	}
	logger.Info("flow finished", fields...)

	if len(flowCtx.SequenceKey) != 0 {
		fx.releases = append(fx.releases, sequenceRelease{key: flowCtx.SequenceKey, flowId: flowCtx.Id})
	}
	handler := fl.SuccessHandler
	if state != model.SUCCEEDED {
		handler = fl.FailureHandler
	}
	if err := f.stateHandler.GetHandler(handler)(ctx, fl.Name, flowCtx.Id); err != nil {
		logger.Error("error in running state handler", zap.String("workflow", fl.Name), zap.String("id", flowCtx.Id), zap.Error(err))
	}
	return nil
}

func (f *FlowEngine) startMap(ctx context.Context, flowCtx *model.FlowContext, ms *action.MapStep, items []any) error {
	n := len(items)
	flowCtx.Map = &model.MapProgress{
		Step:     ms.GetName(),
		Items:    items,
		Results:  make([]any, n),
		Children: make([]string, n),
		Done:     make([]bool, n),
	}
	flowCtx.State = model.RUNNING
	logger.Info("map started", zap.String("workflow", flowCtx.WorkflowName), zap.String("id", flowCtx.Id), zap.String("step", ms.GetName()), zap.Int("items", n), zap.Int("maxConcurrency", ms.MaxConcurrency()))
	return f.launchChildren(ctx, flowCtx, ms)
}

// launchChildren starts items in input order while the concurrency limit
// allows.
func (f *FlowEngine) launchChildren(ctx context.Context, flowCtx *model.FlowContext, ms *action.MapStep) error {
	childFlow, err := f.metadataService.GetFlow(ctx, ms.ChildWorkflow())
	if err != nil {
		return err
	}
	mp := flowCtx.Map
	var children []*model.FlowContext
	var reqs []model.StepExecutionRequest
	for mp.NextIndex < len(mp.Items) && (ms.MaxConcurrency() == 0 || mp.Running < ms.MaxConcurrency()) {
		idx := mp.NextIndex
		parent := &model.ParentRef{WorkflowName: flowCtx.WorkflowName, FlowId: flowCtx.Id, Step: mp.Step, Index: idx}
		child := f.newContext(childFlow, uuid.NewString(), childInput(mp.Items[idx]), "", parent)
		mp.Children[idx] = child.Id
		mp.NextIndex++
		mp.Running++
		children = append(children, child)
		reqs = append(reqs, child.StepRequest(model.STEP_EXECUTE))
	}
	flowCtx.UpdatedAt = f.nowFn()
	return f.storage.SaveFlowContextAndDispatch(ctx, append([]*model.FlowContext{flowCtx}, children...), reqs)
}

func (f *FlowEngine) childDone(ctx context.Context, fx *effects, fl *flow.Flow, flowCtx *model.FlowContext, req model.StepExecutionRequest) error {
	mp := flowCtx.Map
	idx := req.ChildIndex
	if mp == nil || mp.Step != req.Step || idx < 0 || idx >= len(mp.Children) || mp.Done[idx] || len(mp.Children[idx]) == 0 {
		logger.Debug("skipping stale child notification", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.Int("child", idx))
		return nil
	}
	st, err := fl.Step(mp.Step)
	if err != nil {
		return err
	}
	ms, ok := st.(*action.MapStep)
	if !ok {
		return fmt.Errorf("step %s of %s is not a map", mp.Step, fl.Name)
	}
	child, err := f.storage.GetFlowContext(ctx, ms.ChildWorkflow(), mp.Children[idx])
	if err != nil {
		return err
	}
	if !child.State.IsTerminal() {
		return nil
	}
	mp.Done[idx] = true
	mp.Running--
	mp.Completed++
	if child.State == model.SUCCEEDED {
		mp.Results[idx] = child.Data
	} else {
		stepErr := model.StepError{Error: model.ERROR_MAP_FAILED, Cause: fmt.Sprintf("item %d %s", idx, child.State)}
		if child.Error != nil {
			stepErr = model.StepError{Error: child.Error.Error, Cause: fmt.Sprintf("item %d: %s", idx, child.Error.Cause)}
		}
		if !ms.CatchItemFailures() {
			logger.Warn("map item failed", zap.String("workflow", fl.Name), zap.String("id", flowCtx.Id), zap.String("step", ms.GetName()), zap.Int("item", idx), zap.String("error", stepErr.Error))
			fx.stops = append(fx.stops, runningChildren(flowCtx, "map item failed")...)
			flowCtx.Map = nil
			return f.apply(ctx, fx, fl, flowCtx, ms, ms.Failed(flowCtx.Data, stepErr))
		}
		mp.Results[idx] = map[string]any{"Error": stepErr.Error, "Cause": stepErr.Cause}
	}
	if mp.Completed < len(mp.Items) {
		return f.launchChildren(ctx, flowCtx, ms)
	}
	children := mp.Children
	flowCtx.Map = nil
	if err := f.apply(ctx, fx, fl, flowCtx, ms, ms.Complete(flowCtx.Data, mp.Results)); err != nil {
		return err
	}
	for _, id := range children {
		if err := f.storage.DeleteFlowContext(ctx, ms.ChildWorkflow(), id); err != nil {
			logger.Warn("error deleting map child", zap.String("workflow", ms.ChildWorkflow()), zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

func (f *FlowEngine) StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error) {
	id, err := f.StartFlow(ctx, model.WorkflowRunRequest{Name: workflow, FlowId: name, Input: input})
	if err != nil {
		return "", err
	}
	return model.ExecutionRef{WorkflowName: workflow, FlowId: id}.String(), nil
}

func (f *FlowEngine) StopExecution(ctx context.Context, executionId string, cause string) (bool, error) {
	ref, err := model.ParseExecutionRef(executionId)
	if err != nil {
		return false, err
	}
	return f.StopFlow(ctx, ref.WorkflowName, ref.FlowId, cause)
}

func (f *FlowEngine) DescribeExecution(ctx context.Context, executionId string) (*model.FlowExecution, error) {
	ref, err := model.ParseExecutionRef(executionId)
	if err != nil {
		return nil, err
	}
	flowCtx, err := f.storage.GetFlowContext(ctx, ref.WorkflowName, ref.FlowId)
	if err != nil {
		return nil, err
	}
	return ToExecution(flowCtx), nil
}

func ToExecution(flowCtx *model.FlowContext) *model.FlowExecution {
	return &model.FlowExecution{
		Id:          flowCtx.Ref().String(),
		Workflow:    flowCtx.WorkflowName,
		State:       flowCtx.State,
		CurrentStep: flowCtx.CurrentStep,
		Error:       flowCtx.Error,
		Data:        flowCtx.Data,
	}
}

func runningChildren(flowCtx *model.FlowContext, cause string) []stopRequest {
	mp := flowCtx.Map
	childWf := flow.IteratorName(flowCtx.WorkflowName, mp.Step)
	var out []stopRequest
	for i := 0; i < mp.NextIndex && i < len(mp.Children); i++ {
		if mp.Done[i] || len(mp.Children[i]) == 0 {
			continue
		}
		out = append(out, stopRequest{ref: model.ExecutionRef{WorkflowName: childWf, FlowId: mp.Children[i]}, cause: cause})
	}
	return out
}

// childInput is the item itself when it is an object, else {"value": item}.
func childInput(item any) map[string]any {
	if m, ok := item.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": item}
}

func contextObject(flowCtx *model.FlowContext) map[string]any {
	return map[string]any{
		"Execution": map[string]any{
			"Id":        flowCtx.Ref().String(),
			"Name":      flowCtx.Id,
			"StartTime": flowCtx.StartedAt.UTC().Format(time.RFC3339),
		},
		"State": map[string]any{
			"Name":        flowCtx.CurrentStep,
			"EnteredTime": flowCtx.EnteredAt.UTC().Format(time.RFC3339),
			"RetryCount":  float64(flowCtx.Attempt),
		},
	}
}

func isNotFound(err error) bool {
	var nf persistence.NotFoundError
	return errors.As(err, &nf)
}
