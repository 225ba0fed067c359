package executor

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

var _ Executor = new(delayExecutor)

// delayExecutor resumes instances whose Wait step is due.
type delayExecutor struct {
	storage    persistence.FlowStorage
	engine     Engine
	partitions PartitionSource
	redelivery time.Duration
	tw         *util.TickWorker
}

func NewDelayExecutor(storage persistence.FlowStorage, engine Engine, partitions PartitionSource, interval time.Duration, wg *sync.WaitGroup) *delayExecutor {
	ex := &delayExecutor{
		storage:    storage,
		engine:     engine,
		partitions: partitions,
		redelivery: defaultRedeliveryDelay,
	}
	ex.tw = util.NewTickWorker("delay-executor", orDefault(interval, time.Second), ex.handle, wg)
	return ex
}

func (ex *delayExecutor) Start() {
	ex.tw.Start()
}

func (ex *delayExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *delayExecutor) handle() {
	ctx := context.Background()
	for _, p := range ex.partitions.LocalPartitions() {
		reqs, err := ex.storage.PollDelay(ctx, p)
		if err != nil {
			logPollError("delay", p, err)
			continue
		}
		for _, req := range reqs {
			if err := ex.engine.ExecuteDelay(ctx, req); err != nil {
				if err := redeliverStep(ctx, ex.storage.Delay, req, ex.redelivery, err); err != nil {
					logger.Error("error redelivering delay request", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.Error(err))
				}
			}
		}
	}
}
