package util

import (
	"fmt"
	"regexp"
	"strings"
)

var tokenRegex = regexp.MustCompile("{(.*?)}")

// ResolveParams builds a step's input from its parameter template. Keys
// ending in ".$" take the typed value found at the path they hold; other
// strings have their {$.path} tokens interpolated.
func ResolveParams(params map[string]any, data any, contextObject map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if strings.HasSuffix(k, ".$") {
			ref, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %s must hold a path string", k)
			}
			value, err := LookupRef(ref, data, contextObject)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", k, err)
			}
			out[strings.TrimSuffix(k, ".$")] = value
			continue
		}
		value, err := resolveValue(v, data, contextObject)
		if err != nil {
			return nil, err
		}
		out[k] = value
	}
	return out, nil
}

func resolveValue(v any, data any, contextObject map[string]any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return ResolveParams(val, data, contextObject)
	case []any:
		return resolveList(val, data, contextObject)
	case string:
		return interpolate(val, data, contextObject), nil
	default:
		return v, nil
	}
}

func resolveList(list []any, data any, contextObject map[string]any) ([]any, error) {
	output := make([]any, 0, len(list))
	for _, v := range list {
		value, err := resolveValue(v, data, contextObject)
		if err != nil {
			return nil, err
		}
		output = append(output, value)
	}
	return output, nil
}

func interpolate(s string, data any, contextObject map[string]any) string {
	tokens := tokenRegex.FindAllString(s, -1)
	if len(tokens) == 0 {
		return s
	}
	tokenMap := make(map[string]string)
	for _, token := range tokens {
		tmatch := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(tmatch, "$") {
			continue
		}
		value, err := LookupRef(tmatch, data, contextObject)
		if err != nil || value == nil {
			tokenMap[token] = ""
			continue
		}
		tokenMap[token] = fmt.Sprintf("%v", value)
	}
	for t, tv := range tokenMap {
		s = strings.ReplaceAll(s, t, tv)
	}
	return s
}
