package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
)

var _ Adapter = new(StoreAdapter)

// StoreAdapter reads records and writes correlation fields back onto them.
type StoreAdapter struct {
	store persistence.RecordStore
}

func NewStoreAdapter(store persistence.RecordStore) *StoreAdapter {
	return &StoreAdapter{store: store}
}

func (s *StoreAdapter) Name() string {
	return "store"
}

func (s *StoreAdapter) Actions() map[string]Action {
	return map[string]Action{
		"getItem":    {Fn: s.getItem, Semantics: AT_LEAST_ONCE},
		"updateItem": {Fn: s.updateItem, Semantics: AT_LEAST_ONCE},
	}
}

func (s *StoreAdapter) key(params map[string]any) (model.RecordKey, error) {
	keys, err := mapParam(params, "key")
	if err != nil {
		return model.RecordKey{}, err
	}
	if keys == nil {
		return model.RecordKey{}, Permanent(model.ERROR_INVALID_INPUT, "missing parameter key")
	}
	key, err := s.store.Schema().KeyFromMap(keys)
	if err != nil {
		return model.RecordKey{}, Permanent(model.ERROR_INVALID_INPUT, "%v", err)
	}
	return key, nil
}

// getItem returns {"Item": record}, without Item when the record is missing.
func (s *StoreAdapter) getItem(ctx context.Context, params map[string]any) (any, error) {
	key, err := s.key(params)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return map[string]any{}, nil
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "reading %s: %v", key, err)
	}
	return map[string]any{"Item": map[string]any(rec)}, nil
}

// updateItem sets and removes only the named attributes. Key attributes can
// not be changed. With conditionExists (the default) a missing record is a
// no-op reported as updated=false, so a correlation write never recreates a
// removed record.
func (s *StoreAdapter) updateItem(ctx context.Context, params map[string]any) (any, error) {
	key, err := s.key(params)
	if err != nil {
		return nil, err
	}
	set, err := mapParam(params, "set")
	if err != nil {
		return nil, err
	}
	var remove []string
	if raw, ok := params["remove"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, Permanent(model.ERROR_INVALID_INPUT, "parameter remove must be a list, got %T", raw)
		}
		for _, v := range list {
			remove = append(remove, fmt.Sprint(v))
		}
	}
	if len(set) == 0 && len(remove) == 0 {
		return nil, Permanent(model.ERROR_INVALID_INPUT, "updateItem needs set or remove")
	}
	schema := s.store.Schema()
	for name := range set {
		if schema.IsKeyAttribute(name) {
			return nil, Permanent(model.ERROR_INVALID_INPUT, "key attribute %s can not be updated", name)
		}
	}
	for _, name := range remove {
		if schema.IsKeyAttribute(name) {
			return nil, Permanent(model.ERROR_INVALID_INPUT, "key attribute %s can not be removed", name)
		}
	}
	conditionExists := true
	if v, ok := params["conditionExists"].(bool); ok {
		conditionExists = v
	}
	_, err = s.store.Update(ctx, key, model.RecordUpdate{Set: set, Remove: remove, ConditionExists: conditionExists})
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			return map[string]any{"updated": false}, nil
		}
		return nil, Retryable(model.ERROR_TASK_FAILED, "updating %s: %v", key, err)
	}
	return map[string]any{"updated": true}, nil
}
