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

var _ Executor = new(timeoutExecutor)

type timeoutExecutor struct {
	storage    persistence.FlowStorage
	engine     Engine
	partitions PartitionSource
	redelivery time.Duration
	tw         *util.TickWorker
}

func NewTimeoutExecutor(storage persistence.FlowStorage, engine Engine, partitions PartitionSource, interval time.Duration, wg *sync.WaitGroup) *timeoutExecutor {
	ex := &timeoutExecutor{
		storage:    storage,
		engine:     engine,
		partitions: partitions,
		redelivery: defaultRedeliveryDelay,
	}
	ex.tw = util.NewTickWorker("timeout-executor", orDefault(interval, time.Second), ex.handle, wg)
	return ex
}

func (ex *timeoutExecutor) Start() {
	ex.tw.Start()
}

func (ex *timeoutExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *timeoutExecutor) handle() {
	ctx := context.Background()
	for _, p := range ex.partitions.LocalPartitions() {
		reqs, err := ex.storage.PollTimeout(ctx, p)
		if err != nil {
			logPollError("timeout", p, err)
			continue
		}
		for _, req := range reqs {
			if err := ex.engine.ExecuteTimeout(ctx, req); err != nil {
				if err := redeliverTimeout(ctx, ex.storage, req, ex.redelivery, err); err != nil {
					logger.Error("error redelivering timeout request", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.Error(err))
				}
			}
		}
	}
}
