package router

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type matcherKind int

const (
	MATCH_LITERAL matcherKind = iota
	MATCH_EXISTS
	MATCH_PREFIX
	MATCH_ANYTHING_BUT
	MATCH_NUMERIC
	MATCH_CHANGED
)

type numericOp struct {
	op    string
	value float64
}

type matcher struct {
	kind     matcherKind
	value    any
	exists   bool
	prefix   string
	excluded []any
	numeric  []numericOp
	changed  bool
}

type field struct {
	path         []string
	alternatives []matcher
}

// Pattern is a compiled filter rule. Every field of the pattern must match
// one of its alternatives. Evaluation never modifies the document.
type Pattern struct {
	fields []field
}

// CompilePattern compiles a nested object mirroring the event document whose
// leaves are arrays of alternatives.
func CompilePattern(pattern map[string]any) (*Pattern, error) {
	if len(pattern) == 0 {
		return nil, fmt.Errorf("pattern is empty")
	}
	p := &Pattern{}
	if err := p.compile(nil, pattern); err != nil {
		return nil, err
	}
	sort.Slice(p.fields, func(i, j int) bool {
		return strings.Join(p.fields[i].path, ".") < strings.Join(p.fields[j].path, ".")
	})
	return p, nil
}

func (p *Pattern) compile(prefix []string, node map[string]any) error {
	for key, v := range node {
		path := append(append([]string{}, prefix...), key)
		switch val := v.(type) {
		case map[string]any:
			if len(val) == 0 {
				return fmt.Errorf("pattern at %s is an empty object", strings.Join(path, "."))
			}
			if err := p.compile(path, val); err != nil {
				return err
			}
		case []any:
			if len(val) == 0 {
				return fmt.Errorf("pattern at %s has no alternatives", strings.Join(path, "."))
			}
			f := field{path: path}
			for _, alt := range val {
				m, err := compileMatcher(path, alt)
				if err != nil {
					return err
				}
				f.alternatives = append(f.alternatives, m)
			}
			p.fields = append(p.fields, f)
		default:
			return fmt.Errorf("pattern at %s must be an object or an array, got %T", strings.Join(path, "."), v)
		}
	}
	return nil
}

func compileMatcher(path []string, alt any) (matcher, error) {
	where := strings.Join(path, ".")
	obj, ok := alt.(map[string]any)
	if !ok {
		switch alt.(type) {
		case string, float64, bool, nil:
			return matcher{kind: MATCH_LITERAL, value: alt}, nil
		case int:
			return matcher{kind: MATCH_LITERAL, value: float64(alt.(int))}, nil
		default:
			return matcher{}, fmt.Errorf("pattern at %s: unsupported literal %T", where, alt)
		}
	}
	if len(obj) != 1 {
		return matcher{}, fmt.Errorf("pattern at %s: operator object must have exactly one key", where)
	}
	for op, arg := range obj {
		switch op {
		case "exists":
			b, ok := arg.(bool)
			if !ok {
				return matcher{}, fmt.Errorf("pattern at %s: exists needs a boolean", where)
			}
			return matcher{kind: MATCH_EXISTS, exists: b}, nil
		case "prefix":
			s, ok := arg.(string)
			if !ok {
				return matcher{}, fmt.Errorf("pattern at %s: prefix needs a string", where)
			}
			return matcher{kind: MATCH_PREFIX, prefix: s}, nil
		case "anything-but":
			list, ok := arg.([]any)
			if !ok {
				list = []any{arg}
			}
			excluded := make([]any, 0, len(list))
			for _, v := range list {
				if n, ok := v.(int); ok {
					excluded = append(excluded, float64(n))
					continue
				}
				excluded = append(excluded, v)
			}
			return matcher{kind: MATCH_ANYTHING_BUT, excluded: excluded}, nil
		case "numeric":
			ops, err := compileNumeric(arg)
			if err != nil {
				return matcher{}, fmt.Errorf("pattern at %s: %w", where, err)
			}
			return matcher{kind: MATCH_NUMERIC, numeric: ops}, nil
		case "changed":
			b, ok := arg.(bool)
			if !ok {
				return matcher{}, fmt.Errorf("pattern at %s: changed needs a boolean", where)
			}
			if imagePath(path) == nil {
				return matcher{}, fmt.Errorf("pattern at %s: changed only applies under dynamodb.NewImage or dynamodb.OldImage", where)
			}
			return matcher{kind: MATCH_CHANGED, changed: b}, nil
		default:
			return matcher{}, fmt.Errorf("pattern at %s: unknown operator %s", where, op)
		}
	}
	return matcher{}, nil
}

func compileNumeric(arg any) ([]numericOp, error) {
	list, ok := arg.([]any)
	if !ok || len(list) == 0 || len(list)%2 != 0 {
		return nil, fmt.Errorf("numeric needs operator and value pairs")
	}
	var ops []numericOp
	for i := 0; i < len(list); i += 2 {
		op, ok := list[i].(string)
		if !ok {
			return nil, fmt.Errorf("numeric operator must be a string")
		}
		switch op {
		case "=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("unknown numeric operator %s", op)
		}
		v, ok := toFloat(list[i+1])
		if !ok {
			return nil, fmt.Errorf("numeric value must be a number")
		}
		ops = append(ops, numericOp{op: op, value: v})
	}
	return ops, nil
}

// imagePath returns the attribute path below the image, or nil when path
// does not address an image attribute.
func imagePath(path []string) []string {
	if len(path) < 3 || path[0] != "dynamodb" || (path[1] != "NewImage" && path[1] != "OldImage") {
		return nil
	}
	return path[2:]
}

func lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValue(a any, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// Matches reports whether the event document satisfies the pattern.
func (p *Pattern) Matches(doc map[string]any) bool {
	for _, f := range p.fields {
		if !f.matches(doc) {
			return false
		}
	}
	return true
}

func (f field) matches(doc map[string]any) bool {
	value, present := lookup(doc, f.path)
	for _, m := range f.alternatives {
		if m.matches(doc, f.path, value, present) {
			return true
		}
	}
	return false
}

func (m matcher) matches(doc map[string]any, path []string, value any, present bool) bool {
	switch m.kind {
	case MATCH_EXISTS:
		return m.exists == (present && value != nil)
	case MATCH_CHANGED:
		attr := imagePath(path)
		newValue, inNew := lookup(doc, append([]string{"dynamodb", "NewImage"}, attr...))
		oldValue, inOld := lookup(doc, append([]string{"dynamodb", "OldImage"}, attr...))
		changed := inNew != inOld || (inNew && !equalValue(newValue, oldValue))
		return changed == m.changed
	}
	if !present {
		return false
	}
	if list, ok := value.([]any); ok {
		for _, v := range list {
			if m.matchValue(v) {
				return true
			}
		}
		return false
	}
	return m.matchValue(value)
}

func (m matcher) matchValue(v any) bool {
	switch m.kind {
	case MATCH_LITERAL:
		return equalValue(m.value, v)
	case MATCH_PREFIX:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, m.prefix)
	case MATCH_ANYTHING_BUT:
		if v == nil {
			return false
		}
		for _, ex := range m.excluded {
			if equalValue(ex, v) {
				return false
			}
		}
		return true
	case MATCH_NUMERIC:
		n, ok := toFloat(v)
		if !ok {
			return false
		}
		for _, op := range m.numeric {
			if !compareNumeric(n, op) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareNumeric(n float64, op numericOp) bool {
	switch op.op {
	case "=":
		return n == op.value
	case "<":
		return n < op.value
	case "<=":
		return n <= op.value
	case ">":
		return n > op.value
	case ">=":
		return n >= op.value
	default:
		return false
	}
}
