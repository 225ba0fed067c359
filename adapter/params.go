package adapter

import (
	"fmt"
	"strconv"

	"github.com/mohitkumar/streamflow/model"
)

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", Permanent(model.ERROR_INVALID_INPUT, "missing parameter %s", name)
	}
	switch s := v.(type) {
	case string:
		if len(s) == 0 {
			return "", Permanent(model.ERROR_INVALID_INPUT, "parameter %s is empty", name)
		}
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	default:
		return "", Permanent(model.ERROR_INVALID_INPUT, "parameter %s must be a string, got %T", name, v)
	}
}

func optionalString(params map[string]any, name string) string {
	v, ok := params[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func mapParam(params map[string]any, name string) (map[string]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, Permanent(model.ERROR_INVALID_INPUT, "parameter %s must be an object, got %T", name, v)
	}
	return m, nil
}
