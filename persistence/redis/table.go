package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	rd "github.com/redis/go-redis/v9"
)

const RECORD_KEY string = "RECORD"
const FEED_KEY string = "FEED"
const CHECKPOINT_KEY string = "CHECKPOINT"

const maxTxAttempts = 10

var _ persistence.RecordStore = new(redisTable)
var _ persistence.ChangeLog = new(redisTable)

type storedRecord struct {
	Version    int64        `json:"version"`
	Attributes model.Record `json:"attributes"`
}

// redisTable keeps each record as a string value and its change log as one
// stream per partition. Writes WATCH the record key and append to the stream
// inside the same MULTI block.
type redisTable struct {
	*baseDao
	schema       model.TableSchema
	partitioner  persistence.Partitioner
	feedMaxLen   int64
	recordEncDec util.EncoderDecoder[storedRecord]
	eventEncDec  util.EncoderDecoder[model.ChangeEvent]
}

func NewRedisTable(client rd.UniversalClient, namespace string, schema model.TableSchema, partitioner persistence.Partitioner, feedMaxLen int64) *redisTable {
	return &redisTable{
		baseDao:      newBaseDao(client, namespace),
		schema:       schema,
		partitioner:  partitioner,
		feedMaxLen:   feedMaxLen,
		recordEncDec: util.NewJsonEncoderDecoder[storedRecord](),
		eventEncDec:  util.NewJsonEncoderDecoder[model.ChangeEvent](),
	}
}

func (r *redisTable) Schema() model.TableSchema {
	return r.schema
}

func (r *redisTable) recordKey(key model.RecordKey) string {
	return r.getNamespaceKey(RECORD_KEY, r.schema.Name, key.String())
}

func (r *redisTable) streamKey(partition int) string {
	return r.getNamespaceKey(FEED_KEY, r.schema.Name, strconv.Itoa(partition))
}

func (r *redisTable) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	key, err := r.schema.KeyOf(rec)
	if err != nil {
		return nil, err
	}
	return r.mutate(ctx, key, func(old *storedRecord) (*storedRecord, error) {
		version := int64(1)
		if old != nil {
			version = old.Version + 1
		}
		return &storedRecord{Version: version, Attributes: rec.Clone()}, nil
	})
}

func (r *redisTable) Get(ctx context.Context, key model.RecordKey) (model.Record, error) {
	data, err := r.redisClient.Get(ctx, r.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "record", Key: key.String()}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	stored, err := r.recordEncDec.Decode(data)
	if err != nil {
		return nil, err
	}
	return stored.Attributes, nil
}

func (r *redisTable) Update(ctx context.Context, key model.RecordKey, update model.RecordUpdate) (model.Record, error) {
	for k := range update.Set {
		if r.schema.IsKeyAttribute(k) {
			return nil, fmt.Errorf("can not update key attribute %s", k)
		}
	}
	return r.mutate(ctx, key, func(old *storedRecord) (*storedRecord, error) {
		var version int64
		base := model.Record(r.schema.KeyAttributes(key))
		if old != nil {
			version = old.Version
			base = old.Attributes
		}
		if update.ConditionExists && old == nil {
			return nil, persistence.ConditionFailedError{Message: fmt.Sprintf("record %s does not exist", key)}
		}
		if update.ExpectedVersion != nil && *update.ExpectedVersion != version {
			return nil, persistence.ConditionFailedError{Message: fmt.Sprintf("record %s version %d, expected %d", key, version, *update.ExpectedVersion)}
		}
		return &storedRecord{Version: version + 1, Attributes: update.Apply(base)}, nil
	})
}

func (r *redisTable) Delete(ctx context.Context, key model.RecordKey) (model.Record, error) {
	return r.mutate(ctx, key, func(old *storedRecord) (*storedRecord, error) {
		return nil, nil
	})
}

// mutate applies fn to the current record under optimistic locking. A nil
// result from fn deletes the record. Deleting a missing record writes
// nothing and emits no event.
func (r *redisTable) mutate(ctx context.Context, key model.RecordKey, fn func(old *storedRecord) (*storedRecord, error)) (model.Record, error) {
	rk := r.recordKey(key)
	partition := r.partitioner.GetPartition(key.PartitionKey)
	var result model.Record
	txf := func(tx *rd.Tx) error {
		var old *storedRecord
		data, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, rd.Nil):
		case err != nil:
			return err
		default:
			old, err = r.recordEncDec.Decode(data)
			if err != nil {
				return err
			}
		}
		newRec, err := fn(old)
		if err != nil {
			return err
		}
		if old == nil && newRec == nil {
			result = nil
			return nil
		}
		event := model.ChangeEvent{
			EventID:   uuid.NewString(),
			Table:     r.schema.Name,
			Key:       key,
			Keys:      r.schema.KeyAttributes(key),
			Partition: partition,
			CreatedAt: time.Now(),
		}
		switch {
		case old == nil:
			event.EventName = model.INSERT
			event.NewImage = newRec.Attributes
		case newRec == nil:
			event.EventName = model.REMOVE
			event.OldImage = old.Attributes
		default:
			event.EventName = model.MODIFY
			event.OldImage = old.Attributes
			event.NewImage = newRec.Attributes
		}
		payload, err := r.eventEncDec.Encode(event)
		if err != nil {
			return err
		}
		var recData []byte
		if newRec != nil {
			if recData, err = r.recordEncDec.Encode(*newRec); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			if newRec == nil {
				pipe.Del(ctx, rk)
			} else {
				pipe.Set(ctx, rk, recData, 0)
			}
			pipe.XAdd(ctx, &rd.XAddArgs{
				Stream: r.streamKey(partition),
				MaxLen: r.feedMaxLen,
				Values: map[string]any{"event": string(payload)},
			})
			return nil
		})
		if err != nil {
			return err
		}
		if newRec != nil {
			result = newRec.Attributes
		} else {
			result = old.Attributes
		}
		return nil
	}
	for i := 0; i < maxTxAttempts; i++ {
		err := r.redisClient.Watch(ctx, txf, rk)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		var cond persistence.ConditionFailedError
		if errors.As(err, &cond) {
			return nil, cond
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return nil, persistence.StorageLayerError{Message: fmt.Sprintf("too much contention on record %s", key)}
}

func (r *redisTable) Partitions() int {
	return r.partitioner.PartitionCount()
}

func (r *redisTable) Read(ctx context.Context, partition int, after string, limit int) ([]model.ChangeEvent, error) {
	start := "-"
	if len(after) != 0 {
		next, err := nextStreamId(after)
		if err != nil {
			return nil, err
		}
		start = next
	}
	var msgs []rd.XMessage
	var err error
	if limit > 0 {
		msgs, err = r.redisClient.XRangeN(ctx, r.streamKey(partition), start, "+", int64(limit)).Result()
	} else {
		msgs, err = r.redisClient.XRange(ctx, r.streamKey(partition), start, "+").Result()
	}
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	events := make([]model.ChangeEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		event, err := r.eventEncDec.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		event.SequenceNumber = msg.ID
		events = append(events, *event)
	}
	return events, nil
}

func (r *redisTable) Latest(ctx context.Context, partition int) (string, error) {
	msgs, err := r.redisClient.XRevRangeN(ctx, r.streamKey(partition), "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", nil
		}
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (r *redisTable) Checkpoint(ctx context.Context, consumer string, partition int) (string, bool, error) {
	key := r.getNamespaceKey(CHECKPOINT_KEY, r.schema.Name, consumer)
	pos, err := r.redisClient.HGet(ctx, key, strconv.Itoa(partition)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", false, nil
		}
		return "", false, persistence.StorageLayerError{Message: err.Error()}
	}
	return pos, true, nil
}

func (r *redisTable) Commit(ctx context.Context, consumer string, partition int, position string) error {
	key := r.getNamespaceKey(CHECKPOINT_KEY, r.schema.Name, consumer)
	if err := r.redisClient.HSet(ctx, key, strconv.Itoa(partition), position).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// nextStreamId returns the smallest stream id greater than id.
func nextStreamId(id string) (string, error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid stream id %s", id)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %s", id)
	}
	return fmt.Sprintf("%s-%d", parts[0], seq+1), nil
}
