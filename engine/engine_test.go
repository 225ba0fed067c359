package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/stretchr/testify/require"
)

type testAdapter struct {
	actions map[string]adapter.Action
}

func (a testAdapter) Name() string {
	return "test"
}

func (a testAdapter) Actions() map[string]adapter.Action {
	return a.actions
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type singlePartition struct{}

func (singlePartition) GetPartition(key string) int { return 0 }
func (singlePartition) PartitionCount() int         { return 1 }

type harness struct {
	engine   *FlowEngine
	storage  *memory.FlowStorage
	metadata *metadata.MetadataServiceImpl
	clock    *fakeClock
}

func newHarness(t *testing.T, actions map[string]adapter.Action, workflows ...model.Workflow) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := adapter.NewRegistry()
	registry.Register(testAdapter{actions: actions})
	svc := metadata.NewMetadataService(memory.NewMetadataStorage(), registry)
	for _, wf := range workflows {
		require.NoError(t, svc.SaveWorkflow(context.Background(), wf))
	}
	storage := memory.NewFlowStorage()
	storage.SetClock(clock.Now)
	eng := NewFlowEngine(storage, svc, singlePartition{})
	eng.SetClock(clock.Now)
	eng.SetRand(func() float64 { return 0.5 })
	return &harness{engine: eng, storage: storage, metadata: svc, clock: clock}
}

// pump runs every queued request once and reports whether there was any.
func (h *harness) pump(t *testing.T) bool {
	ctx := context.Background()
	worked := false
	steps, err := h.storage.PollSteps(ctx, 0, 100)
	require.NoError(t, err)
	for _, req := range steps {
		worked = true
		require.NoError(t, h.engine.ExecuteStep(ctx, req))
	}
	retries, err := h.storage.PollRetry(ctx, 0)
	require.NoError(t, err)
	for _, req := range retries {
		worked = true
		require.NoError(t, h.engine.ExecuteRetry(ctx, req))
	}
	delays, err := h.storage.PollDelay(ctx, 0)
	require.NoError(t, err)
	for _, req := range delays {
		worked = true
		require.NoError(t, h.engine.ExecuteDelay(ctx, req))
	}
	timeouts, err := h.storage.PollTimeout(ctx, 0)
	require.NoError(t, err)
	for _, req := range timeouts {
		worked = true
		require.NoError(t, h.engine.ExecuteTimeout(ctx, req))
	}
	return worked
}

// runUntilDone pumps queued work, moving the clock forward whenever nothing
// is due, until the flow is terminal.
func (h *harness) runUntilDone(t *testing.T, wfName string, flowId string) *model.FlowContext {
	t.Helper()
	for i := 0; i < 20000; i++ {
		if !h.pump(t) {
			flowCtx, err := h.engine.GetFlow(context.Background(), wfName, flowId)
			require.NoError(t, err)
			if flowCtx.State.IsTerminal() {
				return flowCtx
			}
			h.clock.Advance(30 * time.Second)
		}
	}
	t.Fatalf("flow %s/%s did not finish", wfName, flowId)
	return nil
}

func (h *harness) start(t *testing.T, wfName string, input map[string]any) string {
	t.Helper()
	id, err := h.engine.StartFlow(context.Background(), model.WorkflowRunRequest{Name: wfName, Input: input})
	require.NoError(t, err)
	return id
}

func noRetry() *model.RetryPolicy {
	return &model.RetryPolicy{IntervalSeconds: 1, BackoffRate: 1, MaxAttempts: 1}
}

func TestFlowEngineSteps(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"choice routes on data": func(t *testing.T) {
			wf := model.Workflow{
				Name:    "route",
				StartAt: "Mark",
				Steps: map[string]model.StepDef{
					"Mark": {Type: model.STEP_PASS, Parameters: map[string]any{"checked": true}, ResultPath: "$.mark", Next: "Check"},
					"Check": {Type: model.STEP_CHOICE, Choices: []model.ChoiceRule{
						{Condition: model.Condition{Variable: "$.status", Op: model.OP_STRING_EQUALS, Value: "NEW"}, Next: "Ok"},
					}, Default: "Bad"},
					"Ok":  {Type: model.STEP_SUCCEED},
					"Bad": {Type: model.STEP_FAIL, Error: "Rejected", Cause: "status is not NEW"},
				},
			}
			h := newHarness(t, nil, wf)

			id := h.start(t, "route", map[string]any{"status": "NEW"})
			done := h.runUntilDone(t, "route", id)
			require.Equal(t, model.SUCCEEDED, done.State)
			require.Equal(t, map[string]any{"checked": true}, done.Data["mark"])

			id = h.start(t, "route", map[string]any{"status": "OLD"})
			done = h.runUntilDone(t, "route", id)
			require.Equal(t, model.FAILED, done.State)
			require.Equal(t, &model.StepError{Error: "Rejected", Cause: "status is not NEW"}, done.Error)
		},
		"task result path and context object": func(t *testing.T) {
			actions := map[string]adapter.Action{
				"echo": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					return params, nil
				}},
			}
			wf := model.Workflow{
				Name:    "echo",
				StartAt: "Echo",
				Steps: map[string]model.StepDef{
					"Echo": {
						Type:       model.STEP_TASK,
						Resource:   "test:echo",
						Parameters: map[string]any{"id.$": "$$.Execution.Id", "step.$": "$$.State.Name", "msg": "hi {$.name}"},
						ResultPath: "$.echo",
						Next:       "Done",
					},
					"Done": {Type: model.STEP_SUCCEED},
				},
			}
			h := newHarness(t, actions, wf)
			id := h.start(t, "echo", map[string]any{"name": "bob"})
			done := h.runUntilDone(t, "echo", id)
			require.Equal(t, model.SUCCEEDED, done.State)
			require.Equal(t, map[string]any{"id": "echo/" + id, "step": "Echo", "msg": "hi bob"}, done.Data["echo"])
			require.Equal(t, "bob", done.Data["name"])
		},
		"wait suspends without blocking": func(t *testing.T) {
			wf := model.Workflow{
				Name:    "sleepy",
				StartAt: "Sleep",
				Steps: map[string]model.StepDef{
					"Sleep": {Type: model.STEP_WAIT, Seconds: 120, Next: "Done"},
					"Done":  {Type: model.STEP_SUCCEED},
				},
			}
			h := newHarness(t, nil, wf)
			id := h.start(t, "sleepy", nil)
			for h.pump(t) {
			}
			flowCtx, err := h.engine.GetFlow(context.Background(), "sleepy", id)
			require.NoError(t, err)
			require.Equal(t, model.WAITING, flowCtx.State)
			require.Equal(t, "Sleep", flowCtx.CurrentStep)

			started := h.clock.Now()
			done := h.runUntilDone(t, "sleepy", id)
			require.Equal(t, model.SUCCEEDED, done.State)
			require.GreaterOrEqual(t, done.UpdatedAt.Sub(started), 120*time.Second)
		},
		"wait until timestamp in the past continues": func(t *testing.T) {
			wf := model.Workflow{
				Name:    "until",
				StartAt: "Until",
				Steps: map[string]model.StepDef{
					"Until": {Type: model.STEP_WAIT, TimestampPath: "$.at", Next: "Done"},
					"Done":  {Type: model.STEP_SUCCEED},
				},
			}
			h := newHarness(t, nil, wf)
			id := h.start(t, "until", map[string]any{"at": "2020-01-01T00:00:00Z"})
			for h.pump(t) {
			}
			flowCtx, err := h.engine.GetFlow(context.Background(), "until", id)
			require.NoError(t, err)
			require.Equal(t, model.SUCCEEDED, flowCtx.State)
		},
		"workflow timeout fails the flow": func(t *testing.T) {
			wf := model.Workflow{
				Name:           "slow",
				StartAt:        "Sleep",
				TimeoutSeconds: 60,
				Steps: map[string]model.StepDef{
					"Sleep": {Type: model.STEP_WAIT, Seconds: 3600, Next: "Done"},
					"Done":  {Type: model.STEP_SUCCEED},
				},
			}
			h := newHarness(t, nil, wf)
			id := h.start(t, "slow", nil)
			done := h.runUntilDone(t, "slow", id)
			require.Equal(t, model.FAILED, done.State)
			require.Equal(t, model.ERROR_TIMEOUT, done.Error.Error)
		},
		"start is idempotent per id": func(t *testing.T) {
			calls := 0
			actions := map[string]adapter.Action{
				"count": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					calls++
					return nil, nil
				}},
			}
			wf := model.Workflow{
				Name:    "once",
				StartAt: "Count",
				Steps: map[string]model.StepDef{
					"Count": {Type: model.STEP_TASK, Resource: "test:count", Next: "Done"},
					"Done":  {Type: model.STEP_SUCCEED},
				},
			}
			h := newHarness(t, actions, wf)
			for i := 0; i < 3; i++ {
				id, err := h.engine.StartFlow(context.Background(), model.WorkflowRunRequest{Name: "once", FlowId: "evt-1"})
				require.NoError(t, err)
				require.Equal(t, "evt-1", id)
			}
			h.runUntilDone(t, "once", "evt-1")
			require.Equal(t, 1, calls)
		},
		"unknown workflow": func(t *testing.T) {
			h := newHarness(t, nil)
			_, err := h.engine.StartFlow(context.Background(), model.WorkflowRunRequest{Name: "nope"})
			require.Error(t, err)
		},
	} {
		t.Run(scenario, fn)
	}
}

func flakyWorkflow(policy *model.RetryPolicy, catch []model.CatchDef) model.Workflow {
	wf := model.Workflow{
		Name:    "flaky",
		StartAt: "Call",
		Steps: map[string]model.StepDef{
			"Call": {Type: model.STEP_TASK, Resource: "test:flaky", ResultPath: "$.result", Retry: policy, Catch: catch, Next: "Done"},
			"Done": {Type: model.STEP_SUCCEED},
		},
	}
	if len(catch) != 0 {
		wf.Steps["Recorded"] = model.StepDef{Type: model.STEP_SUCCEED}
	}
	return wf
}

func flakyActions(failures int, semantics adapter.Semantics, calls *int) map[string]adapter.Action {
	return map[string]adapter.Action{
		"flaky": {Semantics: semantics, Fn: func(ctx context.Context, params map[string]any) (any, error) {
			*calls++
			if *calls <= failures {
				return nil, adapter.Retryable("Service.Unavailable", "call %d failed", *calls)
			}
			return map[string]any{"ok": true}, nil
		}},
	}
}

func TestFlowEngineRetry(t *testing.T) {
	policy := &model.RetryPolicy{IntervalSeconds: 1, BackoffRate: 2, MaxAttempts: 5, JitterStrategy: model.JITTER_NONE}
	catch := []model.CatchDef{{ErrorEquals: []string{model.ERROR_ALL}, Next: "Recorded", ResultPath: "$.error"}}

	t.Run("transient failures are transparent", func(t *testing.T) {
		calls := 0
		h := newHarness(t, flakyActions(0, adapter.AT_LEAST_ONCE, &calls), flakyWorkflow(policy, nil))
		reference := h.runUntilDone(t, "flaky", h.start(t, "flaky", map[string]any{"k": "v"}))

		for k := 1; k < policy.MaxAttempts; k++ {
			calls := 0
			h := newHarness(t, flakyActions(k, adapter.AT_LEAST_ONCE, &calls), flakyWorkflow(policy, nil))
			done := h.runUntilDone(t, "flaky", h.start(t, "flaky", map[string]any{"k": "v"}))
			require.Equal(t, k+1, calls)
			require.Equal(t, reference.State, done.State)
			require.Equal(t, reference.Data, done.Data)
			require.Equal(t, reference.CurrentStep, done.CurrentStep)
			require.Nil(t, done.Error)
		}
	})

	t.Run("exhausted retries fail the flow", func(t *testing.T) {
		calls := 0
		h := newHarness(t, flakyActions(100, adapter.AT_LEAST_ONCE, &calls), flakyWorkflow(policy, nil))
		done := h.runUntilDone(t, "flaky", h.start(t, "flaky", nil))
		require.Equal(t, model.FAILED, done.State)
		require.Equal(t, policy.MaxAttempts, calls)
		require.Equal(t, "Service.Unavailable", done.Error.Error)
	})

	t.Run("exhausted retries are caught", func(t *testing.T) {
		calls := 0
		h := newHarness(t, flakyActions(100, adapter.AT_LEAST_ONCE, &calls), flakyWorkflow(policy, catch))
		done := h.runUntilDone(t, "flaky", h.start(t, "flaky", nil))
		require.Equal(t, model.SUCCEEDED, done.State)
		require.Equal(t, "Recorded", done.CurrentStep)
		require.Equal(t, "Service.Unavailable", done.Data["error"].(map[string]any)["Error"])
	})

	t.Run("at most once actions are not retried", func(t *testing.T) {
		calls := 0
		h := newHarness(t, flakyActions(1, adapter.AT_MOST_ONCE, &calls), flakyWorkflow(policy, nil))
		done := h.runUntilDone(t, "flaky", h.start(t, "flaky", nil))
		require.Equal(t, model.FAILED, done.State)
		require.Equal(t, 1, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		actions := map[string]adapter.Action{
			"flaky": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
				calls++
				return nil, adapter.Permanent(model.ERROR_INVALID_INPUT, "bad request")
			}},
		}
		h := newHarness(t, actions, flakyWorkflow(policy, catch))
		done := h.runUntilDone(t, "flaky", h.start(t, "flaky", nil))
		require.Equal(t, 1, calls)
		require.Equal(t, "Recorded", done.CurrentStep)
		require.Equal(t, map[string]any{"Error": model.ERROR_INVALID_INPUT, "Cause": "bad request"}, done.Data["error"])
	})

	t.Run("backoff delays are honoured", func(t *testing.T) {
		calls := 0
		var at []time.Time
		var h *harness
		actions := map[string]adapter.Action{
			"flaky": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
				calls++
				at = append(at, h.clock.Now())
				if calls < 3 {
					return nil, adapter.Retryable("Service.Unavailable", "down")
				}
				return nil, nil
			}},
		}
		h = newHarness(t, actions, flakyWorkflow(policy, nil))
		done := h.runUntilDone(t, "flaky", h.start(t, "flaky", nil))
		require.Equal(t, model.SUCCEEDED, done.State)
		require.Len(t, at, 3)
		require.GreaterOrEqual(t, at[1].Sub(at[0]), time.Second)
		require.GreaterOrEqual(t, at[2].Sub(at[1]), 2*time.Second)
	})
}

func mapWorkflow(maxConcurrency int, catchItems bool, catch []model.CatchDef) model.Workflow {
	wf := model.Workflow{
		Name:    "batch",
		StartAt: "Each",
		Steps: map[string]model.StepDef{
			"Each": {
				Type:              model.STEP_MAP,
				ItemsPath:         "$.items",
				MaxConcurrency:    maxConcurrency,
				ResultPath:        "$.results",
				CatchItemFailures: catchItems,
				Catch:             catch,
				Next:              "Done",
				Iterator: &model.Graph{
					StartAt: "Work",
					Steps: map[string]model.StepDef{
						"Work": {Type: model.STEP_TASK, Resource: "test:work", Parameters: map[string]any{"value.$": "$.value"}, ResultPath: "$.out", Retry: noRetry(), Next: "End"},
						"End":  {Type: model.STEP_SUCCEED},
					},
				},
			},
			"Done": {Type: model.STEP_SUCCEED},
		},
	}
	if len(catch) != 0 {
		wf.Steps["Failed"] = model.StepDef{Type: model.STEP_SUCCEED}
	}
	return wf
}

func TestFlowEngineMap(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"concurrency one runs items serially in order": func(t *testing.T) {
			var order []any
			var h *harness
			actions := map[string]adapter.Action{
				"work": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					order = append(order, params["value"])
					h.clock.Advance(time.Second)
					return map[string]any{"seen": params["value"]}, nil
				}},
			}
			h = newHarness(t, actions, mapWorkflow(1, false, nil))
			items := []any{float64(3), float64(1), float64(2), float64(5)}
			id := h.start(t, "batch", map[string]any{"items": items})

			running := 0
			for h.pump(t) {
				flowCtx, err := h.engine.GetFlow(context.Background(), "batch", id)
				require.NoError(t, err)
				if flowCtx.Map != nil && flowCtx.Map.Running > running {
					running = flowCtx.Map.Running
				}
			}
			done := h.runUntilDone(t, "batch", id)
			require.Equal(t, model.SUCCEEDED, done.State)
			require.Equal(t, items, order)
			require.Equal(t, 1, running)
			require.GreaterOrEqual(t, done.UpdatedAt.Sub(done.StartedAt), time.Duration(len(items))*time.Second)

			results := done.Data["results"].([]any)
			require.Len(t, results, len(items))
			for i, r := range results {
				require.Equal(t, map[string]any{"seen": items[i]}, r.(map[string]any)["out"])
			}
		},
		"unbounded map keeps result order": func(t *testing.T) {
			actions := map[string]adapter.Action{
				"work": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					return params["value"], nil
				}},
			}
			h := newHarness(t, actions, mapWorkflow(0, false, nil))
			id := h.start(t, "batch", map[string]any{"items": []any{"a", "b", "c"}})
			h.pump(t)
			flowCtx, err := h.engine.GetFlow(context.Background(), "batch", id)
			require.NoError(t, err)
			require.Equal(t, 3, flowCtx.Map.Running)

			done := h.runUntilDone(t, "batch", id)
			require.Equal(t, model.SUCCEEDED, done.State)
			var outs []any
			for _, r := range done.Data["results"].([]any) {
				outs = append(outs, r.(map[string]any)["out"])
			}
			require.Equal(t, []any{"a", "b", "c"}, outs)
		},
		"empty items complete at once": func(t *testing.T) {
			h := newHarness(t, map[string]adapter.Action{"work": {Fn: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil }}}, mapWorkflow(1, false, nil))
			done := h.runUntilDone(t, "batch", h.start(t, "batch", map[string]any{"items": []any{}}))
			require.Equal(t, model.SUCCEEDED, done.State)
			require.Equal(t, []any{}, done.Data["results"])
		},
		"failed item fails the map": func(t *testing.T) {
			calls := 0
			actions := map[string]adapter.Action{
				"work": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					calls++
					if params["value"] == "bad" {
						return nil, adapter.Permanent("Item.Invalid", "bad item")
					}
					return nil, nil
				}},
			}
			h := newHarness(t, actions, mapWorkflow(1, false, nil))
			done := h.runUntilDone(t, "batch", h.start(t, "batch", map[string]any{"items": []any{"ok", "bad", "never"}}))
			require.Equal(t, model.FAILED, done.State)
			require.Equal(t, "Item.Invalid", done.Error.Error)
			require.Equal(t, 2, calls)
		},
		"failed item routes to the map catch": func(t *testing.T) {
			actions := map[string]adapter.Action{
				"work": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					return nil, adapter.Permanent("Item.Invalid", "bad item")
				}},
			}
			catch := []model.CatchDef{{ErrorEquals: []string{"Item.Invalid"}, Next: "Failed", ResultPath: "$.mapError"}}
			h := newHarness(t, actions, mapWorkflow(2, false, catch))
			done := h.runUntilDone(t, "batch", h.start(t, "batch", map[string]any{"items": []any{"x", "y"}}))
			require.Equal(t, model.SUCCEEDED, done.State)
			require.Equal(t, "Failed", done.CurrentStep)
			require.Equal(t, "Item.Invalid", done.Data["mapError"].(map[string]any)["Error"])
		},
		"caught item failures become results": func(t *testing.T) {
			actions := map[string]adapter.Action{
				"work": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
					if params["value"] == "bad" {
						return nil, adapter.Permanent("Item.Invalid", "bad item")
					}
					return "fine", nil
				}},
			}
			h := newHarness(t, actions, mapWorkflow(1, true, nil))
			done := h.runUntilDone(t, "batch", h.start(t, "batch", map[string]any{"items": []any{"bad", "good"}}))
			require.Equal(t, model.SUCCEEDED, done.State)
			results := done.Data["results"].([]any)
			require.Equal(t, "Item.Invalid", results[0].(map[string]any)["Error"])
			require.Equal(t, "fine", results[1].(map[string]any)["out"])
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestFlowEngineStop(t *testing.T) {
	wf := model.Workflow{
		Name:    "long",
		StartAt: "Sleep",
		Steps: map[string]model.StepDef{
			"Sleep": {Type: model.STEP_WAIT, Seconds: 600, Next: "Done"},
			"Done":  {Type: model.STEP_SUCCEED},
		},
	}
	h := newHarness(t, nil, wf)
	ctx := context.Background()
	id := h.start(t, "long", nil)
	for h.pump(t) {
	}

	stopped, err := h.engine.StopExecution(ctx, "long/"+id, "superseded")
	require.NoError(t, err)
	require.True(t, stopped)

	exec, err := h.engine.DescribeExecution(ctx, "long/"+id)
	require.NoError(t, err)
	require.Equal(t, model.STOPPED, exec.State)
	require.Equal(t, "superseded", exec.Error.Cause)

	stopped, err = h.engine.StopExecution(ctx, "long/"+id, "again")
	require.NoError(t, err)
	require.False(t, stopped)

	stopped, err = h.engine.StopExecution(ctx, "long/unknown", "gone")
	require.NoError(t, err)
	require.False(t, stopped)

	h.clock.Advance(time.Hour)
	for h.pump(t) {
	}
	flowCtx, err := h.engine.GetFlow(ctx, "long", id)
	require.NoError(t, err)
	require.Equal(t, model.STOPPED, flowCtx.State)
}

// pumpWithin drains the queues on another goroutine and fails the test when
// that takes longer than d.
func (h *harness) pumpWithin(t *testing.T, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for h.pump(t) {
		}
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("queued work did not drain within %s", d)
	}
}

func TestFlowEngineStopFromTask(t *testing.T) {
	long := model.Workflow{
		Name:    "long",
		StartAt: "Sleep",
		Steps: map[string]model.StepDef{
			"Sleep": {Type: model.STEP_WAIT, Seconds: 600, Next: "Done"},
			"Done":  {Type: model.STEP_SUCCEED},
		},
	}
	stopper := func(name string, target string) model.Workflow {
		return model.Workflow{
			Name:    name,
			StartAt: "Stop",
			Steps: map[string]model.StepDef{
				"Stop": {Type: model.STEP_TASK, Resource: "test:stop", Parameters: map[string]any{"executionId.$": target}, ResultPath: "$.stop", Retry: noRetry(), Next: "Done"},
				"Done": {Type: model.STEP_SUCCEED},
			},
		}
	}
	newStopHarness := func(t *testing.T, results *[]bool) *harness {
		var h *harness
		actions := map[string]adapter.Action{
			"stop": {Semantics: adapter.AT_LEAST_ONCE, Fn: func(ctx context.Context, params map[string]any) (any, error) {
				stopped, err := h.engine.StopExecution(ctx, params["executionId"].(string), "replaced")
				*results = append(*results, stopped)
				return map[string]any{"stopped": stopped}, err
			}},
		}
		h = newHarness(t, actions, long, stopper("stopper", "$.target"), stopper("selfstop", "$$.Execution.Id"))
		return h
	}
	ctx := context.Background()

	for scenario, fn := range map[string]func(t *testing.T){
		"target shares the lock stripe of the caller": func(t *testing.T) {
			var results []bool
			h := newStopHarness(t, &results)
			stripe := h.engine.locks.Stripe("stopper/caller")
			target := ""
			for i := 0; i < 100000 && len(target) == 0; i++ {
				if id := fmt.Sprintf("target-%d", i); h.engine.locks.Stripe("long/"+id) == stripe {
					target = id
				}
			}
			require.NotEmpty(t, target)

			_, err := h.engine.StartFlow(ctx, model.WorkflowRunRequest{Name: "long", FlowId: target})
			require.NoError(t, err)
			h.pumpWithin(t, 3*time.Second)
			_, err = h.engine.StartFlow(ctx, model.WorkflowRunRequest{Name: "stopper", FlowId: "caller", Input: map[string]any{"target": "long/" + target}})
			require.NoError(t, err)
			h.pumpWithin(t, 3*time.Second)

			caller, err := h.engine.GetFlow(ctx, "stopper", "caller")
			require.NoError(t, err)
			require.Equal(t, model.SUCCEEDED, caller.State)
			require.Equal(t, map[string]any{"stopped": true}, caller.Data["stop"])

			stopped, err := h.engine.GetFlow(ctx, "long", target)
			require.NoError(t, err)
			require.Equal(t, model.STOPPED, stopped.State)
			require.Equal(t, "replaced", stopped.Error.Cause)
		},
		"task stops its own flow": func(t *testing.T) {
			var results []bool
			h := newStopHarness(t, &results)
			id := h.start(t, "selfstop", nil)
			h.pumpWithin(t, 3*time.Second)

			require.Equal(t, []bool{true}, results)
			flowCtx, err := h.engine.GetFlow(ctx, "selfstop", id)
			require.NoError(t, err)
			require.Equal(t, model.STOPPED, flowCtx.State)
			require.Equal(t, "Stop", flowCtx.CurrentStep)
			require.Nil(t, flowCtx.Data["stop"])
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestFlowEngineStopMapChildren(t *testing.T) {
	wf := mapWorkflow(0, false, nil)
	wf.Steps["Each"].Iterator.Steps["Work"] = model.StepDef{Type: model.STEP_WAIT, Seconds: 600, Next: "End"}
	h := newHarness(t, nil, wf)
	ctx := context.Background()
	id := h.start(t, "batch", map[string]any{"items": []any{"a", "b"}})
	for h.pump(t) {
	}
	parent, err := h.engine.GetFlow(ctx, "batch", id)
	require.NoError(t, err)
	children := parent.Map.Children

	stopped, err := h.engine.StopFlow(ctx, "batch", id, "cancelled")
	require.NoError(t, err)
	require.True(t, stopped)
	for _, childId := range children {
		child, err := h.engine.GetFlow(ctx, "batch.Each", childId)
		require.NoError(t, err)
		require.Equal(t, model.STOPPED, child.State)
	}
}

func TestFlowEngineSequenceGate(t *testing.T) {
	wf := model.Workflow{
		Name:        "serial",
		StartAt:     "Sleep",
		SequenceKey: "$.key",
		Steps: map[string]model.StepDef{
			"Sleep": {Type: model.STEP_WAIT, Seconds: 60, Next: "Done"},
			"Done":  {Type: model.STEP_SUCCEED},
		},
	}
	h := newHarness(t, nil, wf)
	ctx := context.Background()
	first := h.start(t, "serial", map[string]any{"key": "K"})
	second := h.start(t, "serial", map[string]any{"key": "K"})
	other := h.start(t, "serial", map[string]any{"key": "L"})

	_, err := h.engine.GetFlow(ctx, "serial", second)
	require.Error(t, err)
	_, err = h.engine.GetFlow(ctx, "serial", other)
	require.NoError(t, err)

	done := h.runUntilDone(t, "serial", first)
	require.Equal(t, model.SUCCEEDED, done.State)

	next, err := h.engine.GetFlow(ctx, "serial", second)
	require.NoError(t, err)
	require.False(t, next.StartedAt.Before(done.UpdatedAt))
	require.Equal(t, model.SUCCEEDED, h.runUntilDone(t, "serial", second).State)
}

func TestFlowEngineStopQueued(t *testing.T) {
	wf := model.Workflow{
		Name:        "serial",
		StartAt:     "Sleep",
		SequenceKey: "$.key",
		Steps: map[string]model.StepDef{
			"Sleep": {Type: model.STEP_WAIT, Seconds: 60, Next: "Done"},
			"Done":  {Type: model.STEP_SUCCEED},
		},
	}
	h := newHarness(t, nil, wf)
	ctx := context.Background()
	first := h.start(t, "serial", map[string]any{"key": "K"})
	second := h.start(t, "serial", map[string]any{"key": "K"})
	third := h.start(t, "serial", map[string]any{"key": "K"})

	stopped, err := h.engine.StopFlow(ctx, "serial", second, "superseded")
	require.NoError(t, err)
	require.True(t, stopped)

	stopped, err = h.engine.StopFlow(ctx, "serial", second, "superseded")
	require.NoError(t, err)
	require.False(t, stopped)

	require.Equal(t, model.SUCCEEDED, h.runUntilDone(t, "serial", first).State)

	_, err = h.engine.GetFlow(ctx, "serial", second)
	require.Error(t, err)
	require.Equal(t, model.SUCCEEDED, h.runUntilDone(t, "serial", third).State)
	_, err = h.engine.GetFlow(ctx, "serial", second)
	require.Error(t, err)
}

func TestStateHandlerDelete(t *testing.T) {
	wf := model.Workflow{
		Name:      "ephemeral",
		StartAt:   "Done",
		OnSuccess: "DELETE",
		Steps: map[string]model.StepDef{
			"Done": {Type: model.STEP_SUCCEED},
		},
	}
	h := newHarness(t, nil, wf)
	id := h.start(t, "ephemeral", nil)
	for h.pump(t) {
	}
	_, err := h.engine.GetFlow(context.Background(), "ephemeral", id)
	require.Error(t, err)
}
