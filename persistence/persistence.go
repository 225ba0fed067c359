package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/streamflow/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// ConditionFailedError is returned when a conditional write does not apply.
type ConditionFailedError struct {
	Message string
}

func (e ConditionFailedError) Error() string {
	return fmt.Sprintf("condition failed: %s", e.Message)
}

// RecordStore is the keyed state store. Every mutation appends exactly one
// change event to the record's partition, atomically with the write.
type RecordStore interface {
	Schema() model.TableSchema
	Put(ctx context.Context, rec model.Record) (model.Record, error)
	Get(ctx context.Context, key model.RecordKey) (model.Record, error)
	Update(ctx context.Context, key model.RecordKey, update model.RecordUpdate) (model.Record, error)
	Delete(ctx context.Context, key model.RecordKey) (model.Record, error)
}

// ChangeLog is the read side of the change feed.
type ChangeLog interface {
	Partitions() int
	Read(ctx context.Context, partition int, after string, limit int) ([]model.ChangeEvent, error)
	Latest(ctx context.Context, partition int) (string, error)
	Checkpoint(ctx context.Context, consumer string, partition int) (string, bool, error)
	Commit(ctx context.Context, consumer string, partition int, position string) error
}

// FlowStorage persists workflow instances and their step queues.
type FlowStorage interface {
	SaveFlowContext(ctx context.Context, flowCtx *model.FlowContext) error
	GetFlowContext(ctx context.Context, wfName string, flowId string) (*model.FlowContext, error)
	DeleteFlowContext(ctx context.Context, wfName string, flowId string) error

	// SaveFlowContextAndDispatch stores the contexts and enqueues the requests
	// in one transaction.
	SaveFlowContextAndDispatch(ctx context.Context, flowCtxs []*model.FlowContext, reqs []model.StepExecutionRequest) error
	PollSteps(ctx context.Context, partition int, batchSize int) ([]model.StepExecutionRequest, error)

	Retry(ctx context.Context, req model.StepExecutionRequest, at time.Time) error
	PollRetry(ctx context.Context, partition int) ([]model.StepExecutionRequest, error)
	Delay(ctx context.Context, req model.StepExecutionRequest, at time.Time) error
	PollDelay(ctx context.Context, partition int) ([]model.StepExecutionRequest, error)
	Timeout(ctx context.Context, req model.TimeoutRequest, at time.Time) error
	PollTimeout(ctx context.Context, partition int) ([]model.TimeoutRequest, error)

	// AcquireOrEnqueue takes the sequence key for req.FlowId, or queues req
	// behind the current holder.
	AcquireOrEnqueue(ctx context.Context, key string, req model.StartRequest) (bool, error)
	// ReleaseSequence frees the key held by flowId. When starts are queued the
	// key passes to the oldest one, which is returned.
	ReleaseSequence(ctx context.Context, key string, flowId string) (*model.StartRequest, error)
	// DropQueued removes a start of the workflow still waiting behind a
	// sequence key and reports whether there was one.
	DropQueued(ctx context.Context, wfName string, flowId string) (bool, error)
}

type ScheduleStorage interface {
	SaveSchedule(ctx context.Context, s model.Schedule) error
	GetSchedule(ctx context.Context, group string, name string) (*model.Schedule, error)
	DeleteSchedule(ctx context.Context, group string, name string) (bool, error)
	PollDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
}

type MetadataStorage interface {
	SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error
	DeleteWorkflowDefinition(ctx context.Context, name string) error
	GetWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error)
}

// Partitioner maps keys to partitions.
type Partitioner interface {
	GetPartition(key string) int
	PartitionCount() int
}
