package redis

import (
	"context"
	"errors"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	rd "github.com/redis/go-redis/v9"
)

const METADATA_KEY string = "METADATA"
const WORKFLOW_DEFINITION_KEY string = "WORKFLOW"

var _ persistence.MetadataStorage = new(redisMetadataStorage)

type redisMetadataStorage struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.Workflow]
}

func NewRedisMetadataStorage(client rd.UniversalClient, namespace string) *redisMetadataStorage {
	return &redisMetadataStorage{
		baseDao:        newBaseDao(client, namespace),
		encoderDecoder: util.NewJsonEncoderDecoder[model.Workflow](),
	}
}

func (r *redisMetadataStorage) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	data, err := r.encoderDecoder.Encode(wf)
	if err != nil {
		return err
	}
	key := r.getNamespaceKey(METADATA_KEY, WORKFLOW_DEFINITION_KEY)
	if err := r.redisClient.HSet(ctx, key, wf.Name, string(data)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisMetadataStorage) DeleteWorkflowDefinition(ctx context.Context, name string) error {
	key := r.getNamespaceKey(METADATA_KEY, WORKFLOW_DEFINITION_KEY)
	if err := r.redisClient.HDel(ctx, key, name).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisMetadataStorage) GetWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	key := r.getNamespaceKey(METADATA_KEY, WORKFLOW_DEFINITION_KEY)
	data, err := r.redisClient.HGet(ctx, key, name).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(data))
}
