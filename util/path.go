package util

import (
	"fmt"
	"strings"

	"github.com/oliveagle/jsonpath"
)

const CONTEXT_PREFIX = "$$"

// Lookup resolves a JSONPath expression against data.
func Lookup(data any, path string) (any, error) {
	if path == "$" {
		return data, nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("invalid path %q, must start with $", path)
	}
	return jsonpath.JsonPathLookup(data, path)
}

// LookupRef resolves a reference that is either a data path ($.x) or a
// context object path ($$.Execution.Id).
func LookupRef(ref string, data any, contextObject map[string]any) (any, error) {
	if strings.HasPrefix(ref, CONTEXT_PREFIX) {
		return Lookup(contextObject, "$"+strings.TrimPrefix(ref, CONTEXT_PREFIX))
	}
	return Lookup(data, ref)
}

func IsPresent(data any, path string) bool {
	v, err := Lookup(data, path)
	return err == nil && v != nil
}

func ValidatePath(path string) error {
	if path == "$" {
		return nil
	}
	p := path
	if strings.HasPrefix(p, CONTEXT_PREFIX) {
		p = "$" + strings.TrimPrefix(p, CONTEXT_PREFIX)
	}
	if !strings.HasPrefix(p, "$") {
		return fmt.Errorf("invalid path %q, must start with $", path)
	}
	_, err := jsonpath.Compile(p)
	return err
}

// SetPath returns a copy of data with value stored at a simple dotted path.
// An empty path discards the value; "$" replaces the whole document and
// requires an object value.
func SetPath(data map[string]any, path string, value any) (map[string]any, error) {
	switch {
	case len(path) == 0:
		return data, nil
	case path == "$":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("result path $ requires an object result, got %T", value)
		}
		return m, nil
	case !strings.HasPrefix(path, "$."):
		return nil, fmt.Errorf("invalid result path %q", path)
	}
	parts := strings.Split(strings.TrimPrefix(path, "$."), ".")
	for _, p := range parts {
		if len(p) == 0 || strings.ContainsAny(p, "[]*") {
			return nil, fmt.Errorf("unsupported result path %q, only dotted field names are allowed", path)
		}
	}
	return setIn(data, parts, value), nil
}

func setIn(node map[string]any, parts []string, value any) map[string]any {
	out := make(map[string]any, len(node)+1)
	for k, v := range node {
		out[k] = v
	}
	if len(parts) == 1 {
		out[parts[0]] = value
		return out
	}
	child, _ := out[parts[0]].(map[string]any)
	out[parts[0]] = setIn(child, parts[1:], value)
	return out
}
