package action

import (
	"fmt"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

var _ Step = new(WaitStep)

// WaitStep suspends the instance for a fixed time or until a timestamp read
// from the data. A timestamp in the past continues at once.
type WaitStep struct {
	baseStep
	seconds       int
	timestampPath string
}

func NewWaitStep(base baseStep, def model.StepDef) *WaitStep {
	return &WaitStep{
		baseStep:      base,
		seconds:       def.Seconds,
		timestampPath: def.TimestampPath,
	}
}

func (w *WaitStep) Validate() error {
	if err := w.validateNext(); err != nil {
		return err
	}
	switch {
	case w.seconds > 0 && len(w.timestampPath) != 0:
		return fmt.Errorf("step %s: wait takes seconds or timestampPath, not both", w.name)
	case w.seconds < 0:
		return fmt.Errorf("step %s: wait seconds can not be negative", w.name)
	case len(w.timestampPath) != 0:
		return util.ValidatePath(w.timestampPath)
	case w.seconds == 0:
		return fmt.Errorf("step %s: wait needs seconds or timestampPath", w.name)
	}
	return nil
}

func (w *WaitStep) Execute(ec *ExecutionContext) (Result, error) {
	data := ec.Flow.Data
	until := ec.Now.Add(time.Duration(w.seconds) * time.Second)
	if len(w.timestampPath) != 0 {
		value, err := util.LookupRef(w.timestampPath, data, ec.ContextObject)
		if err != nil {
			return failResult(data, model.ERROR_RUNTIME, fmt.Sprintf("wait %s: %v", w.name, err)), nil
		}
		s, ok := value.(string)
		if !ok {
			return failResult(data, model.ERROR_RUNTIME, fmt.Sprintf("wait %s: timestamp must be a string, got %T", w.name, value)), nil
		}
		until, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return failResult(data, model.ERROR_RUNTIME, fmt.Sprintf("wait %s: %v", w.name, err)), nil
		}
	}
	if !until.After(ec.Now) {
		return Result{Outcome: OUTCOME_NEXT, Next: w.next, Data: data}, nil
	}
	return Result{Outcome: OUTCOME_WAIT, Next: w.next, Data: data, WaitUntil: until}, nil
}

func failResult(data map[string]any, name string, cause string) Result {
	return Result{Outcome: OUTCOME_FAIL, Data: data, Error: &model.StepError{Error: name, Cause: cause}}
}
