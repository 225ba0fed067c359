package executor

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"go.uber.org/zap"
)

type Executor interface {
	Start()
	Stop()
}

// PartitionSource reports the partitions this node polls.
type PartitionSource interface {
	LocalPartitions() []int
}

// Engine is the part of the flow engine the executors drive.
type Engine interface {
	ExecuteStep(ctx context.Context, req model.StepExecutionRequest) error
	ExecuteRetry(ctx context.Context, req model.StepExecutionRequest) error
	ExecuteDelay(ctx context.Context, req model.StepExecutionRequest) error
	ExecuteTimeout(ctx context.Context, req model.TimeoutRequest) error
}

type Config struct {
	Concurrency         int
	Capacity            int
	BatchSize           int
	PollInterval        time.Duration
	RetryPollInterval   time.Duration
	DelayPollInterval   time.Duration
	TimeoutPollInterval time.Duration
	// RedeliveryDelay is how long a request the engine failed on waits
	// before it is handed to the engine again.
	RedeliveryDelay time.Duration
}

const defaultRedeliveryDelay = 5 * time.Second

// Group starts and stops the executors together.
type Group struct {
	executors map[string]Executor
}

func NewGroup() *Group {
	return &Group{executors: make(map[string]Executor)}
}

func (g *Group) Register(name string, ex Executor) {
	g.executors[name] = ex
}

func (g *Group) Start() {
	for _, ex := range g.executors {
		ex.Start()
	}
}

func (g *Group) Stop() {
	for _, ex := range g.executors {
		ex.Stop()
	}
}

// NewEngineExecutors wires the step, retry, delay and timeout executors.
func NewEngineExecutors(conf Config, storage persistence.FlowStorage, engine Engine, partitions PartitionSource, wg *sync.WaitGroup) *Group {
	redelivery := orDefault(conf.RedeliveryDelay, defaultRedeliveryDelay)
	step := NewStepExecutor(storage, engine, partitions, conf.Concurrency, conf.Capacity, conf.BatchSize, conf.PollInterval, wg)
	retry := NewRetryExecutor(storage, engine, partitions, conf.RetryPollInterval, wg)
	delay := NewDelayExecutor(storage, engine, partitions, conf.DelayPollInterval, wg)
	timeout := NewTimeoutExecutor(storage, engine, partitions, conf.TimeoutPollInterval, wg)
	step.redelivery, retry.redelivery, delay.redelivery, timeout.redelivery = redelivery, redelivery, redelivery, redelivery

	g := NewGroup()
	g.Register("step", step)
	g.Register("retry", retry)
	g.Register("delay", delay)
	g.Register("timeout", timeout)
	return g
}

func orDefault(d time.Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func logPollError(executor string, partition int, err error) {
	logger.Error("error while polling", zap.String("executor", executor), zap.Int("partition", partition), zap.Error(err))
}

// Requests are popped from their queue before the engine sees them. When the
// engine fails on one, it goes back on a timed queue so the instance is
// retried instead of left without pending work.

type stepQueue func(ctx context.Context, req model.StepExecutionRequest, at time.Time) error

func redeliverStep(ctx context.Context, push stepQueue, req model.StepExecutionRequest, after time.Duration, cause error) error {
	logger.Error("error executing step, redelivering", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.String("step", req.Step), zap.String("kind", string(req.Kind)), zap.Duration("after", after), zap.Error(cause))
	return push(ctx, req, time.Now().Add(after))
}

func redeliverTimeout(ctx context.Context, storage persistence.FlowStorage, req model.TimeoutRequest, after time.Duration, cause error) error {
	logger.Error("error timing out flow, redelivering", zap.String("workflow", req.WorkflowName), zap.String("id", req.FlowId), zap.Duration("after", after), zap.Error(cause))
	return storage.Timeout(ctx, req, time.Now().Add(after))
}

// requeue puts step requests back on the ready queues unchanged.
func requeue(ctx context.Context, storage persistence.FlowStorage, reqs []model.StepExecutionRequest) {
	if len(reqs) == 0 {
		return
	}
	if err := storage.SaveFlowContextAndDispatch(ctx, nil, reqs); err != nil {
		logger.Error("error requeueing step requests", zap.Int("count", len(reqs)), zap.Error(err))
	}
}
