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

var _ Executor = new(retryExecutor)

type retryExecutor struct {
	storage    persistence.FlowStorage
	engine     Engine
	partitions PartitionSource
	redelivery time.Duration
	tw         *util.TickWorker
}

func NewRetryExecutor(storage persistence.FlowStorage, engine Engine, partitions PartitionSource, interval time.Duration, wg *sync.WaitGroup) *retryExecutor {
	ex := &retryExecutor{
		storage:    storage,
		engine:     engine,
		partitions: partitions,
		redelivery: defaultRedeliveryDelay,
	}
	ex.tw = util.NewTickWorker("retry-executor", orDefault(interval, time.Second), ex.handle, wg)
	return ex
}

func (ex *retryExecutor) Start() {
	ex.tw.Start()
}

func (ex *retryExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *retryExecutor) handle() {
	ctx := context.Background()
	for _, p := range ex.partitions.LocalPartitions() {
		reqs, err := ex.storage.PollRetry(ctx, p)
		if err != nil {
			logPollError("retry", p, err)
			continue
		}
		for _, req := range reqs {
			if err := ex.engine.ExecuteRetry(ctx, req); err != nil {
				if err := redeliverStep(ctx, ex.storage.Retry, req, ex.redelivery, err); err != nil {
					logger.Error("error redelivering retry request", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.Error(err))
				}
			}
		}
	}
}
