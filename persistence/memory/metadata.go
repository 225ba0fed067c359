package memory

import (
	"context"
	"sync"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
)

var _ persistence.MetadataStorage = new(MetadataStorage)

type MetadataStorage struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
}

func NewMetadataStorage() *MetadataStorage {
	return &MetadataStorage{workflows: make(map[string]model.Workflow)}
}

func (m *MetadataStorage) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.Name] = wf
	return nil
}

func (m *MetadataStorage) DeleteWorkflowDefinition(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, name)
	return nil
}

func (m *MetadataStorage) GetWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[name]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
	}
	return &wf, nil
}
