package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
)

var _ Executor = new(stepExecutor)

// stepExecutor drains the ready queues of the local partitions into a worker
// pool. Requests still buffered when it stops go back on the ready queues.
type stepExecutor struct {
	storage    persistence.FlowStorage
	engine     Engine
	partitions PartitionSource
	batchSize  int
	redelivery time.Duration
	tw         *util.TickWorker
	worker     *util.Worker
	stopping   atomic.Bool
	pollLock   sync.Mutex
}

func NewStepExecutor(storage persistence.FlowStorage, engine Engine, partitions PartitionSource, concurrency int, capacity int, batchSize int, interval time.Duration, wg *sync.WaitGroup) *stepExecutor {
	if batchSize < 1 {
		batchSize = 10
	}
	ex := &stepExecutor{
		storage:    storage,
		engine:     engine,
		partitions: partitions,
		batchSize:  batchSize,
		redelivery: defaultRedeliveryDelay,
	}
	ex.worker = util.NewWorker("step-executor", wg, ex.execute, concurrency, capacity)
	ex.tw = util.NewTickWorker("step-poller", orDefault(interval, 100*time.Millisecond), ex.poll, wg)
	return ex
}

func (ex *stepExecutor) Start() {
	ex.worker.Start()
	ex.tw.Start()
}

func (ex *stepExecutor) Stop() {
	ex.stopping.Store(true)
	ex.tw.Stop()
	ex.pollLock.Lock()
	defer ex.pollLock.Unlock()
	ex.worker.Stop()
	var pending []model.StepExecutionRequest
	for _, task := range ex.worker.Pending() {
		if req, ok := task.(model.StepExecutionRequest); ok {
			pending = append(pending, req)
		}
	}
	requeue(context.Background(), ex.storage, pending)
}

func (ex *stepExecutor) poll() {
	ex.pollLock.Lock()
	defer ex.pollLock.Unlock()
	ctx := context.Background()
	for _, p := range ex.partitions.LocalPartitions() {
		if ex.stopping.Load() {
			return
		}
		reqs, err := ex.storage.PollSteps(ctx, p, ex.batchSize)
		if err != nil {
			logPollError("step", p, err)
			continue
		}
		for i, req := range reqs {
			if ex.stopping.Load() || !ex.worker.Submit(req) {
				requeue(ctx, ex.storage, reqs[i:])
				return
			}
		}
	}
}

func (ex *stepExecutor) execute(task util.Task) error {
	req, ok := task.(model.StepExecutionRequest)
	if !ok {
		return fmt.Errorf("unexpected task %T", task)
	}
	ctx := context.Background()
	if err := ex.engine.ExecuteStep(ctx, req); err != nil {
		return redeliverStep(ctx, ex.storage.Retry, req, ex.redelivery, err)
	}
	return nil
}
