package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	rd "github.com/redis/go-redis/v9"
)

const WORKFLOW_KEY string = "FLOW"
const STEP_QUEUE string = "STEPS"
const RETRY_QUEUE string = "RETRY"
const DELAY_QUEUE string = "DELAY"
const TIMEOUT_QUEUE string = "TIMEOUT"
const SEQUENCE_KEY string = "SEQ"

var _ persistence.FlowStorage = new(redisFlowStorage)

// acquireScript takes the holder key or appends the request behind it.
// KEYS: holder, pending list, pending requests hash, queued index.
// ARGV: flowId, request, sequence key.
var acquireScript = rd.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
if holder == ARGV[1] then
	return 1
end
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return 0
`)

// releaseScript hands the holder key to the oldest pending request, or frees
// it. Returns the request that now holds the key.
var releaseScript = rd.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder ~= ARGV[1] then
	return false
end
local nextId = redis.call('LPOP', KEYS[2])
if not nextId then
	redis.call('DEL', KEYS[1])
	return false
end
local req = redis.call('HGET', KEYS[3], nextId)
redis.call('HDEL', KEYS[3], nextId)
redis.call('HDEL', KEYS[4], nextId)
redis.call('SET', KEYS[1], nextId)
return req
`)

// dropScript removes a pending flow unless it was handed the key meanwhile.
var dropScript = rd.NewScript(`
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

type redisFlowStorage struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.FlowContext]
	reqEncDec      util.EncoderDecoder[model.StepExecutionRequest]
	timeoutEncDec  util.EncoderDecoder[model.TimeoutRequest]
	startEncDec    util.EncoderDecoder[model.StartRequest]
}

func NewRedisFlowStorage(client rd.UniversalClient, namespace string) *redisFlowStorage {
	return &redisFlowStorage{
		baseDao:        newBaseDao(client, namespace),
		encoderDecoder: util.NewJsonEncoderDecoder[model.FlowContext](),
		reqEncDec:      util.NewJsonEncoderDecoder[model.StepExecutionRequest](),
		timeoutEncDec:  util.NewJsonEncoderDecoder[model.TimeoutRequest](),
		startEncDec:    util.NewJsonEncoderDecoder[model.StartRequest](),
	}
}

func (r *redisFlowStorage) SaveFlowContext(ctx context.Context, flowCtx *model.FlowContext) error {
	key := r.getNamespaceKey(WORKFLOW_KEY, flowCtx.WorkflowName)
	data, err := r.encoderDecoder.Encode(*flowCtx)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, key, flowCtx.Id, string(data)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisFlowStorage) GetFlowContext(ctx context.Context, wfName string, flowId string) (*model.FlowContext, error) {
	key := r.getNamespaceKey(WORKFLOW_KEY, wfName)
	flowCtxStr, err := r.redisClient.HGet(ctx, key, flowId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "flow", Key: wfName + "/" + flowId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(flowCtxStr))
}

func (r *redisFlowStorage) DeleteFlowContext(ctx context.Context, wfName string, flowId string) error {
	key := r.getNamespaceKey(WORKFLOW_KEY, wfName)
	if err := r.redisClient.HDel(ctx, key, flowId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisFlowStorage) SaveFlowContextAndDispatch(ctx context.Context, flowCtxs []*model.FlowContext, reqs []model.StepExecutionRequest) error {
	type entry struct {
		key, field, value string
	}
	entries := make([]entry, 0, len(flowCtxs))
	for _, fc := range flowCtxs {
		data, err := r.encoderDecoder.Encode(*fc)
		if err != nil {
			return err
		}
		entries = append(entries, entry{r.getNamespaceKey(WORKFLOW_KEY, fc.WorkflowName), fc.Id, string(data)})
	}
	messages := make(map[string][]any)
	for _, req := range reqs {
		data, err := r.reqEncDec.Encode(req)
		if err != nil {
			return err
		}
		queue := r.getNamespaceKey(STEP_QUEUE, strconv.Itoa(req.Partition))
		messages[queue] = append(messages[queue], string(data))
	}
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, e.key, e.field, e.value)
		}
		for queue, msgs := range messages {
			pipe.RPush(ctx, queue, msgs...)
		}
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisFlowStorage) PollSteps(ctx context.Context, partition int, batchSize int) ([]model.StepExecutionRequest, error) {
	queue := r.getNamespaceKey(STEP_QUEUE, strconv.Itoa(partition))
	values, err := r.redisClient.LPopCount(ctx, queue, batchSize).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return decodeAll(r.reqEncDec, values)
}

func (r *redisFlowStorage) Retry(ctx context.Context, req model.StepExecutionRequest, at time.Time) error {
	return r.pushStepRequest(ctx, RETRY_QUEUE, req, at)
}

func (r *redisFlowStorage) PollRetry(ctx context.Context, partition int) ([]model.StepExecutionRequest, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.getNamespaceKey(RETRY_QUEUE, strconv.Itoa(partition)))
	if err != nil {
		return nil, err
	}
	return decodeAll(r.reqEncDec, values)
}

func (r *redisFlowStorage) Delay(ctx context.Context, req model.StepExecutionRequest, at time.Time) error {
	return r.pushStepRequest(ctx, DELAY_QUEUE, req, at)
}

func (r *redisFlowStorage) PollDelay(ctx context.Context, partition int) ([]model.StepExecutionRequest, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.getNamespaceKey(DELAY_QUEUE, strconv.Itoa(partition)))
	if err != nil {
		return nil, err
	}
	return decodeAll(r.reqEncDec, values)
}

func (r *redisFlowStorage) Timeout(ctx context.Context, req model.TimeoutRequest, at time.Time) error {
	data, err := r.timeoutEncDec.Encode(req)
	if err != nil {
		return err
	}
	return r.addToSortedSet(ctx, r.getNamespaceKey(TIMEOUT_QUEUE, strconv.Itoa(req.Partition)), string(data), at)
}

func (r *redisFlowStorage) PollTimeout(ctx context.Context, partition int) ([]model.TimeoutRequest, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.getNamespaceKey(TIMEOUT_QUEUE, strconv.Itoa(partition)))
	if err != nil {
		return nil, err
	}
	return decodeAll(r.timeoutEncDec, values)
}

func (r *redisFlowStorage) AcquireOrEnqueue(ctx context.Context, key string, req model.StartRequest) (bool, error) {
	data, err := r.startEncDec.Encode(req)
	if err != nil {
		return false, err
	}
	res, err := acquireScript.Run(ctx, r.redisClient, r.sequenceKeys(key), req.FlowId, string(data), key).Int()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return res == 1, nil
}

func (r *redisFlowStorage) ReleaseSequence(ctx context.Context, key string, flowId string) (*model.StartRequest, error) {
	res, err := releaseScript.Run(ctx, r.redisClient, r.sequenceKeys(key), flowId).Text()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.startEncDec.Decode([]byte(res))
}

func (r *redisFlowStorage) DropQueued(ctx context.Context, wfName string, flowId string) (bool, error) {
	key, err := r.redisClient.HGet(ctx, r.queuedIndex(), flowId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return false, nil
		}
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	keys := r.sequenceKeys(key)
	data, err := r.redisClient.HGet(ctx, keys[2], flowId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return false, nil
		}
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	req, err := r.startEncDec.Decode([]byte(data))
	if err != nil {
		return false, err
	}
	if req.WorkflowName != wfName {
		return false, nil
	}
	res, err := dropScript.Run(ctx, r.redisClient, keys, flowId).Int()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return res == 1, nil
}

// queuedIndex maps every pending flow id to its sequence key.
func (r *redisFlowStorage) queuedIndex() string {
	return r.getNamespaceKey(SEQUENCE_KEY, "queued")
}

func (r *redisFlowStorage) sequenceKeys(key string) []string {
	return []string{
		r.getNamespaceKey(SEQUENCE_KEY, key, "holder"),
		r.getNamespaceKey(SEQUENCE_KEY, key, "pending"),
		r.getNamespaceKey(SEQUENCE_KEY, key, "requests"),
		r.queuedIndex(),
	}
}

func (r *redisFlowStorage) pushStepRequest(ctx context.Context, queue string, req model.StepExecutionRequest, at time.Time) error {
	data, err := r.reqEncDec.Encode(req)
	if err != nil {
		return err
	}
	return r.addToSortedSet(ctx, r.getNamespaceKey(queue, strconv.Itoa(req.Partition)), string(data), at)
}

func (r *redisFlowStorage) addToSortedSet(ctx context.Context, key string, message string, at time.Time) error {
	member := rd.Z{
		Score:  float64(at.UnixMilli()),
		Member: message,
	}
	if err := r.redisClient.ZAdd(ctx, key, member).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisFlowStorage) getExpiredFromSortedSet(ctx context.Context, key string) ([]string, error) {
	max := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var zr *rd.StringSliceCmd
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		zr = pipe.ZRangeByScore(ctx, key, &rd.ZRangeBy{Min: "0", Max: max})
		pipe.ZRemRangeByScore(ctx, key, "0", max)
		return nil
	})
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	res, err := zr.Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return res, nil
}

func decodeAll[T any](encDec util.EncoderDecoder[T], values []string) ([]T, error) {
	out := make([]T, 0, len(values))
	for _, v := range values {
		item, err := encDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, nil
}
