package metadata

import (
	"context"
	"strings"
	"time"

	"github.com/mohitkumar/streamflow/action"
	"github.com/mohitkumar/streamflow/flow"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type MetadataService interface {
	GetFlow(ctx context.Context, name string) (*flow.Flow, error)
	ValidateFlow(wf model.Workflow) error
	SaveWorkflow(ctx context.Context, wf model.Workflow) error
	DeleteWorkflow(ctx context.Context, name string) error
	GetWorkflow(ctx context.Context, name string) (*model.Workflow, error)
	GetMetadataStorage() persistence.MetadataStorage
}

var _ MetadataService = new(MetadataServiceImpl)

// MetadataServiceImpl compiles definitions on first use and caches the
// result. Map iterators are cached under their own workflow names.
type MetadataServiceImpl struct {
	storage persistence.MetadataStorage
	invoker action.Invoker
	cache   *c.Cache
}

func NewMetadataService(storage persistence.MetadataStorage, invoker action.Invoker) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		storage: storage,
		invoker: invoker,
		cache:   c.New(30*time.Minute, 10*time.Minute),
	}
}

func (s *MetadataServiceImpl) GetFlow(ctx context.Context, name string) (*flow.Flow, error) {
	if cached, found := s.cache.Get(name); found {
		return cached.(*flow.Flow), nil
	}
	root := name
	if idx := strings.Index(name, flow.ITERATOR_SEPARATOR); idx > 0 {
		root = name[:idx]
	}
	wf, err := s.storage.GetWorkflowDefinition(ctx, root)
	if err != nil {
		return nil, err
	}
	fl, err := flow.Convert(*wf, s.invoker)
	if err != nil {
		return nil, err
	}
	s.cacheFlow(fl)
	if root == name {
		return fl, nil
	}
	child, ok := fl.Iterators[name]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
	}
	return child, nil
}

func (s *MetadataServiceImpl) cacheFlow(fl *flow.Flow) {
	s.cache.SetDefault(fl.Name, fl)
	for name, child := range fl.Iterators {
		s.cache.SetDefault(name, child)
	}
}

func (s *MetadataServiceImpl) ValidateFlow(wf model.Workflow) error {
	_, err := flow.Convert(wf, s.invoker)
	return err
}

func (s *MetadataServiceImpl) SaveWorkflow(ctx context.Context, wf model.Workflow) error {
	fl, err := flow.Convert(wf, s.invoker)
	if err != nil {
		return err
	}
	if err := s.storage.SaveWorkflowDefinition(ctx, wf); err != nil {
		return err
	}
	s.invalidate(wf.Name)
	s.cacheFlow(fl)
	logger.Info("workflow definition saved", zap.String("workflow", wf.Name), zap.Int("steps", len(wf.Steps)))
	return nil
}

func (s *MetadataServiceImpl) DeleteWorkflow(ctx context.Context, name string) error {
	if err := s.storage.DeleteWorkflowDefinition(ctx, name); err != nil {
		return err
	}
	s.invalidate(name)
	return nil
}

func (s *MetadataServiceImpl) GetWorkflow(ctx context.Context, name string) (*model.Workflow, error) {
	return s.storage.GetWorkflowDefinition(ctx, name)
}

func (s *MetadataServiceImpl) invalidate(name string) {
	prefix := name + flow.ITERATOR_SEPARATOR
	for key := range s.cache.Items() {
		if key == name || strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
}

func (s *MetadataServiceImpl) GetMetadataStorage() persistence.MetadataStorage {
	return s.storage
}
