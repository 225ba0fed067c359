package action

import (
	"fmt"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

// ValidateCondition rejects unknown operators and malformed operands.
func ValidateCondition(c model.Condition) error {
	switch c.Op {
	case model.OP_AND, model.OP_OR:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s needs at least one condition", c.Op)
		}
		for _, sub := range c.Conditions {
			if err := ValidateCondition(sub); err != nil {
				return err
			}
		}
		return nil
	case model.OP_NOT:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("not needs exactly one condition")
		}
		return ValidateCondition(c.Conditions[0])
	case model.OP_STRING_EQUALS, model.OP_STRING_EQUALS_PATH,
		model.OP_NUMERIC_EQUALS, model.OP_NUMERIC_LESS_THAN, model.OP_NUMERIC_GREATER_THAN,
		model.OP_BOOLEAN_EQUALS, model.OP_IS_PRESENT,
		model.OP_TIMESTAMP_LESS_THAN, model.OP_TIMESTAMP_GREATER_THAN:
	default:
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
	if err := util.ValidatePath(c.Variable); err != nil {
		return err
	}
	switch c.Op {
	case model.OP_STRING_EQUALS:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("%s on %s needs a string value", c.Op, c.Variable)
		}
	case model.OP_STRING_EQUALS_PATH:
		ref, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("%s on %s needs a path value", c.Op, c.Variable)
		}
		return util.ValidatePath(ref)
	case model.OP_NUMERIC_EQUALS, model.OP_NUMERIC_LESS_THAN, model.OP_NUMERIC_GREATER_THAN:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("%s on %s needs a numeric value", c.Op, c.Variable)
		}
	case model.OP_BOOLEAN_EQUALS, model.OP_IS_PRESENT:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("%s on %s needs a boolean value", c.Op, c.Variable)
		}
	case model.OP_TIMESTAMP_LESS_THAN, model.OP_TIMESTAMP_GREATER_THAN:
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("%s on %s needs a timestamp value", c.Op, c.Variable)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("%s on %s: %w", c.Op, c.Variable, err)
		}
	}
	return nil
}

// Evaluate tests a condition. A variable that can not be resolved makes
// every comparison false; IsPresent tests exactly that.
func Evaluate(c model.Condition, data any, contextObject map[string]any) bool {
	switch c.Op {
	case model.OP_AND:
		for _, sub := range c.Conditions {
			if !Evaluate(sub, data, contextObject) {
				return false
			}
		}
		return true
	case model.OP_OR:
		for _, sub := range c.Conditions {
			if Evaluate(sub, data, contextObject) {
				return true
			}
		}
		return false
	case model.OP_NOT:
		return len(c.Conditions) == 1 && !Evaluate(c.Conditions[0], data, contextObject)
	}
	value, err := util.LookupRef(c.Variable, data, contextObject)
	present := err == nil && value != nil
	if c.Op == model.OP_IS_PRESENT {
		want, _ := c.Value.(bool)
		return present == want
	}
	if !present {
		return false
	}
	switch c.Op {
	case model.OP_STRING_EQUALS:
		s, ok := value.(string)
		return ok && s == c.Value
	case model.OP_STRING_EQUALS_PATH:
		ref, _ := c.Value.(string)
		other, err := util.LookupRef(ref, data, contextObject)
		if err != nil {
			return false
		}
		s1, ok1 := value.(string)
		s2, ok2 := other.(string)
		return ok1 && ok2 && s1 == s2
	case model.OP_NUMERIC_EQUALS, model.OP_NUMERIC_LESS_THAN, model.OP_NUMERIC_GREATER_THAN:
		v, ok := toFloat(value)
		if !ok {
			return false
		}
		want, _ := toFloat(c.Value)
		switch c.Op {
		case model.OP_NUMERIC_EQUALS:
			return v == want
		case model.OP_NUMERIC_LESS_THAN:
			return v < want
		default:
			return v > want
		}
	case model.OP_BOOLEAN_EQUALS:
		b, ok := value.(bool)
		return ok && b == c.Value
	case model.OP_TIMESTAMP_LESS_THAN, model.OP_TIMESTAMP_GREATER_THAN:
		s, ok := value.(string)
		if !ok {
			return false
		}
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return false
		}
		want, _ := time.Parse(time.RFC3339, fmt.Sprint(c.Value))
		if c.Op == model.OP_TIMESTAMP_LESS_THAN {
			return v.Before(want)
		}
		return v.After(want)
	}
	return false
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
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
