package model

import (
	"fmt"
	"strings"
)

// Record is a keyed entity of the state store. Key attributes live in the
// attribute map next to the payload.
type Record map[string]any

type RecordKey struct {
	PartitionKey string `json:"partitionKey"`
	SortKey      string `json:"sortKey,omitempty"`
}

func (k RecordKey) String() string {
	if len(k.SortKey) == 0 {
		return k.PartitionKey
	}
	return k.PartitionKey + "#" + k.SortKey
}

func (k RecordKey) IsZero() bool {
	return len(k.PartitionKey) == 0
}

// TableSchema names the key attributes of a table.
type TableSchema struct {
	Name         string `json:"name"`
	PartitionKey string `json:"partitionKey"`
	SortKey      string `json:"sortKey,omitempty"`
}

// KeyOf extracts the record key, failing when a key attribute is missing.
func (s TableSchema) KeyOf(rec Record) (RecordKey, error) {
	pk, ok := rec[s.PartitionKey]
	if !ok || pk == nil || fmt.Sprint(pk) == "" {
		return RecordKey{}, fmt.Errorf("record is missing partition key %s", s.PartitionKey)
	}
	key := RecordKey{PartitionKey: fmt.Sprint(pk)}
	if len(s.SortKey) != 0 {
		sk, ok := rec[s.SortKey]
		if !ok || sk == nil || fmt.Sprint(sk) == "" {
			return RecordKey{}, fmt.Errorf("record is missing sort key %s", s.SortKey)
		}
		key.SortKey = fmt.Sprint(sk)
	}
	return key, nil
}

// KeyFromMap reads a key from a map holding the key attributes, as found in
// the Keys section of a change event.
func (s TableSchema) KeyFromMap(keys map[string]any) (RecordKey, error) {
	return s.KeyOf(Record(keys))
}

// KeyAttributes renders the key as the attribute map used in change events.
func (s TableSchema) KeyAttributes(key RecordKey) map[string]any {
	keys := map[string]any{s.PartitionKey: key.PartitionKey}
	if len(s.SortKey) != 0 {
		keys[s.SortKey] = key.SortKey
	}
	return keys
}

func (s TableSchema) IsKeyAttribute(name string) bool {
	return strings.EqualFold(name, s.PartitionKey) || (len(s.SortKey) != 0 && strings.EqualFold(name, s.SortKey))
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordUpdate is a partial update. Only attributes named in Set or Remove
// are touched.
type RecordUpdate struct {
	Set             map[string]any `json:"set,omitempty"`
	Remove          []string       `json:"remove,omitempty"`
	ConditionExists bool           `json:"conditionExists,omitempty"`
	ExpectedVersion *int64         `json:"expectedVersion,omitempty"`
}

// Apply returns the new image. The input record is not modified.
func (u RecordUpdate) Apply(rec Record) Record {
	out := rec.Clone()
	if out == nil {
		out = make(Record)
	}
	for k, v := range u.Set {
		out[k] = v
	}
	for _, k := range u.Remove {
		delete(out, k)
	}
	return out
}
