package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/stretchr/testify/require"
)

type localPartitions []int

func (p localPartitions) LocalPartitions() []int {
	return p
}

// flakyEngine fails the first fails calls with a storage error.
type flakyEngine struct {
	mu    sync.Mutex
	fails int
	calls map[string]int
}

func newFlakyEngine(fails int) *flakyEngine {
	return &flakyEngine{fails: fails, calls: make(map[string]int)}
}

func (f *flakyEngine) call(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if f.fails > 0 {
		f.fails--
		return persistence.StorageLayerError{Message: "connection reset"}
	}
	return nil
}

func (f *flakyEngine) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *flakyEngine) ExecuteStep(ctx context.Context, req model.StepExecutionRequest) error {
	return f.call("step")
}

func (f *flakyEngine) ExecuteRetry(ctx context.Context, req model.StepExecutionRequest) error {
	return f.call("retry")
}

func (f *flakyEngine) ExecuteDelay(ctx context.Context, req model.StepExecutionRequest) error {
	return f.call("delay")
}

func (f *flakyEngine) ExecuteTimeout(ctx context.Context, req model.TimeoutRequest) error {
	return f.call("timeout")
}

func TestExecutorRedelivery(t *testing.T) {
	ctx := context.Background()
	parts := localPartitions{0}
	req := model.StepExecutionRequest{WorkflowName: "media-record", FlowId: "a", Step: "Create Schedule", Attempt: 1, Kind: model.STEP_EXECUTE}

	for scenario, fn := range map[string]func(t *testing.T){
		"failed step goes to the retry queue": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(1)
			ex := NewStepExecutor(storage, engine, parts, 1, 4, 10, time.Hour, &sync.WaitGroup{})
			ex.redelivery = 0

			require.NoError(t, ex.execute(req))
			retries, err := storage.PollRetry(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, []model.StepExecutionRequest{req}, retries)

			require.NoError(t, ex.execute(req))
			retries, err = storage.PollRetry(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, retries)
		},
		"failed retry is handed over again": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(1)
			ex := NewRetryExecutor(storage, engine, parts, time.Hour, &sync.WaitGroup{})
			ex.redelivery = 0
			require.NoError(t, storage.Retry(ctx, req, time.Now()))

			ex.handle()
			require.Equal(t, 1, engine.count("retry"))
			ex.handle()
			require.Equal(t, 2, engine.count("retry"))
			ex.handle()
			require.Equal(t, 2, engine.count("retry"))
		},
		"failed delay is handed over again": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(2)
			ex := NewDelayExecutor(storage, engine, parts, time.Hour, &sync.WaitGroup{})
			ex.redelivery = 0
			require.NoError(t, storage.Delay(ctx, req, time.Now()))

			for i := 0; i < 4; i++ {
				ex.handle()
			}
			require.Equal(t, 3, engine.count("delay"))
			delayed, err := storage.PollDelay(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, delayed)
		},
		"failed timeout is handed over again": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(1)
			ex := NewTimeoutExecutor(storage, engine, parts, time.Hour, &sync.WaitGroup{})
			ex.redelivery = 0
			require.NoError(t, storage.Timeout(ctx, model.TimeoutRequest{WorkflowName: "media-record", FlowId: "a"}, time.Now()))

			ex.handle()
			ex.handle()
			ex.handle()
			require.Equal(t, 2, engine.count("timeout"))
		},
		"redelivery waits": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(1)
			ex := NewStepExecutor(storage, engine, parts, 1, 4, 10, time.Hour, &sync.WaitGroup{})
			ex.redelivery = time.Minute

			require.NoError(t, ex.execute(req))
			retries, err := storage.PollRetry(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, retries)

			storage.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
			retries, err = storage.PollRetry(ctx, 0)
			require.NoError(t, err)
			require.Len(t, retries, 1)
		},
		"stop hands buffered steps back": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(0)
			ex := NewStepExecutor(storage, engine, parts, 1, 4, 10, time.Hour, &sync.WaitGroup{})
			second := req
			second.FlowId = "b"
			require.NoError(t, storage.SaveFlowContextAndDispatch(ctx, nil, []model.StepExecutionRequest{req, second}))

			ex.poll()
			ready, err := storage.PollSteps(ctx, 0, 10)
			require.NoError(t, err)
			require.Empty(t, ready)

			ex.Stop()
			ready, err = storage.PollSteps(ctx, 0, 10)
			require.NoError(t, err)
			require.Equal(t, []model.StepExecutionRequest{req, second}, ready)
			require.Equal(t, 0, engine.count("step"))
		},
		"poll after stop leaves steps queued": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(0)
			ex := NewStepExecutor(storage, engine, parts, 1, 4, 10, time.Hour, &sync.WaitGroup{})
			ex.Stop()
			require.NoError(t, storage.SaveFlowContextAndDispatch(ctx, nil, []model.StepExecutionRequest{req}))

			ex.poll()
			ready, err := storage.PollSteps(ctx, 0, 10)
			require.NoError(t, err)
			require.Equal(t, []model.StepExecutionRequest{req}, ready)
		},
		"started executor survives a failing engine": func(t *testing.T) {
			storage := memory.NewFlowStorage()
			engine := newFlakyEngine(1)
			wg := &sync.WaitGroup{}
			group := NewEngineExecutors(Config{Concurrency: 1, Capacity: 4, PollInterval: time.Millisecond, RetryPollInterval: time.Millisecond, RedeliveryDelay: time.Millisecond}, storage, engine, parts, wg)
			require.NoError(t, storage.SaveFlowContextAndDispatch(ctx, nil, []model.StepExecutionRequest{req}))

			group.Start()
			require.Eventually(t, func() bool { return engine.count("retry") == 1 }, 2*time.Second, time.Millisecond)
			group.Stop()
			wg.Wait()
			require.Equal(t, 1, engine.count("step"))
		},
	} {
		t.Run(scenario, fn)
	}
}
