package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
)

var _ persistence.RecordStore = new(Table)
var _ persistence.ChangeLog = new(Table)

type storedRecord struct {
	version int64
	attrs   model.Record
}

// Table is an in-memory record store with its change log.
type Table struct {
	mu          sync.Mutex
	schema      model.TableSchema
	partitioner persistence.Partitioner
	records     map[string]storedRecord
	logs        map[int][]model.ChangeEvent
	sequences   map[int]uint64
	checkpoints map[string]string
}

func NewTable(schema model.TableSchema, partitioner persistence.Partitioner) *Table {
	return &Table{
		schema:      schema,
		partitioner: partitioner,
		records:     make(map[string]storedRecord),
		logs:        make(map[int][]model.ChangeEvent),
		sequences:   make(map[int]uint64),
		checkpoints: make(map[string]string),
	}
}

func (t *Table) Schema() model.TableSchema {
	return t.schema
}

func (t *Table) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	key, err := t.schema.KeyOf(rec)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old, exists := t.records[key.String()]
	newRec := storedRecord{version: old.version + 1, attrs: rec.Clone()}
	t.records[key.String()] = newRec
	if exists {
		t.appendEvent(model.MODIFY, key, old.attrs, newRec.attrs)
	} else {
		t.appendEvent(model.INSERT, key, nil, newRec.attrs)
	}
	return newRec.attrs.Clone(), nil
}

func (t *Table) Get(ctx context.Context, key model.RecordKey) (model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key.String()]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "record", Key: key.String()}
	}
	return rec.attrs.Clone(), nil
}

func (t *Table) Update(ctx context.Context, key model.RecordKey, update model.RecordUpdate) (model.Record, error) {
	for k := range update.Set {
		if t.schema.IsKeyAttribute(k) {
			return nil, fmt.Errorf("can not update key attribute %s", k)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old, exists := t.records[key.String()]
	if update.ConditionExists && !exists {
		return nil, persistence.ConditionFailedError{Message: fmt.Sprintf("record %s does not exist", key)}
	}
	if update.ExpectedVersion != nil && *update.ExpectedVersion != old.version {
		return nil, persistence.ConditionFailedError{Message: fmt.Sprintf("record %s version %d, expected %d", key, old.version, *update.ExpectedVersion)}
	}
	base := old.attrs
	if !exists {
		base = model.Record(t.schema.KeyAttributes(key))
	}
	newRec := storedRecord{version: old.version + 1, attrs: update.Apply(base)}
	t.records[key.String()] = newRec
	if exists {
		t.appendEvent(model.MODIFY, key, old.attrs, newRec.attrs)
	} else {
		t.appendEvent(model.INSERT, key, nil, newRec.attrs)
	}
	return newRec.attrs.Clone(), nil
}

func (t *Table) Delete(ctx context.Context, key model.RecordKey) (model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.records[key.String()]
	if !ok {
		return nil, nil
	}
	delete(t.records, key.String())
	t.appendEvent(model.REMOVE, key, old.attrs, nil)
	return old.attrs.Clone(), nil
}

func (t *Table) appendEvent(name model.EventName, key model.RecordKey, oldImage, newImage model.Record) {
	partition := t.partitioner.GetPartition(key.PartitionKey)
	t.sequences[partition]++
	event := model.ChangeEvent{
		EventID:        uuid.NewString(),
		EventName:      name,
		Table:          t.schema.Name,
		Key:            key,
		Keys:           t.schema.KeyAttributes(key),
		OldImage:       oldImage.Clone(),
		NewImage:       newImage.Clone(),
		SequenceNumber: fmt.Sprintf("%020d", t.sequences[partition]),
		Partition:      partition,
		CreatedAt:      time.Now(),
	}
	t.logs[partition] = append(t.logs[partition], event)
}

func (t *Table) Partitions() int {
	return t.partitioner.PartitionCount()
}

func (t *Table) Read(ctx context.Context, partition int, after string, limit int) ([]model.ChangeEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.ChangeEvent
	for _, e := range t.logs[partition] {
		if e.SequenceNumber <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *Table) Latest(ctx context.Context, partition int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	log := t.logs[partition]
	if len(log) == 0 {
		return "", nil
	}
	return log[len(log)-1].SequenceNumber, nil
}

func (t *Table) Checkpoint(ctx context.Context, consumer string, partition int) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.checkpoints[checkpointKey(consumer, partition)]
	return pos, ok, nil
}

func (t *Table) Commit(ctx context.Context, consumer string, partition int, position string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints[checkpointKey(consumer, partition)] = position
	return nil
}

func checkpointKey(consumer string, partition int) string {
	return fmt.Sprintf("%s:%d", consumer, partition)
}
