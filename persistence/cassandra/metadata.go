package cassandra

import (
	"context"
	"errors"

	"github.com/gocql/gocql"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
)

const createWorkflowTable = "CREATE TABLE IF NOT EXISTS workflow(name text PRIMARY KEY, definition text)"

var _ persistence.MetadataStorage = new(cassandraMetadataStorage)

// cassandraMetadataStorage keeps workflow definitions in a single table keyed
// by workflow name.
type cassandraMetadataStorage struct {
	*baseDao
	workflowEncoderDecoder util.EncoderDecoder[model.Workflow]
}

func NewCassandraMetadataStorage(conf Config) (*cassandraMetadataStorage, error) {
	dao, err := NewBaseDao(conf)
	if err != nil {
		return nil, err
	}
	if err := dao.Session.Query(createWorkflowTable).Exec(); err != nil {
		dao.Close()
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &cassandraMetadataStorage{
		baseDao:                dao,
		workflowEncoderDecoder: util.NewJsonEncoderDecoder[model.Workflow](),
	}, nil
}

func (c *cassandraMetadataStorage) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	data, err := c.workflowEncoderDecoder.Encode(wf)
	if err != nil {
		return err
	}
	q := c.Session.Query("INSERT INTO workflow(name, definition) VALUES(?,?)", wf.Name, string(data)).WithContext(ctx)
	if err := q.Exec(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (c *cassandraMetadataStorage) DeleteWorkflowDefinition(ctx context.Context, name string) error {
	if err := c.Session.Query("DELETE FROM workflow WHERE name=?", name).WithContext(ctx).Exec(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (c *cassandraMetadataStorage) GetWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	var definition string
	err := c.Session.Query("SELECT definition FROM workflow WHERE name=?", name).WithContext(ctx).Scan(&definition)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return c.workflowEncoderDecoder.Decode([]byte(definition))
}
