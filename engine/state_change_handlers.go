package engine

import (
	"context"

	"github.com/mohitkumar/streamflow/flow"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/persistence"
	"go.uber.org/zap"
)

type stateHandlerFn func(ctx context.Context, wfName string, flowId string) error

// StateHandlerContainer resolves what happens to a flow context once the flow
// is terminal.
type StateHandlerContainer struct {
	handlers map[flow.Statehandler]stateHandlerFn
	storage  persistence.FlowStorage
}

func NewStateHandlerContainer(storage persistence.FlowStorage) *StateHandlerContainer {
	hd := &StateHandlerContainer{
		storage:  storage,
		handlers: make(map[flow.Statehandler]stateHandlerFn, 2),
	}
	hd.handlers[flow.DELETE] = hd.delete
	hd.handlers[flow.NOOP] = hd.noop
	return hd
}

func (s *StateHandlerContainer) GetHandler(st flow.Statehandler) stateHandlerFn {
	handler, ok := s.handlers[st]
	if ok {
		return handler
	}
	return s.noop
}

func (s *StateHandlerContainer) delete(ctx context.Context, wfName string, flowId string) error {
	logger.Debug("deleting finished flow", zap.String("workflow", wfName), zap.String("id", flowId))
	return s.storage.DeleteFlowContext(ctx, wfName, flowId)
}

func (s *StateHandlerContainer) noop(ctx context.Context, wfName string, flowId string) error {
	return nil
}
