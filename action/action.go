package action

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

type Outcome int

const (
	OUTCOME_NEXT Outcome = iota
	OUTCOME_WAIT
	OUTCOME_RETRY
	OUTCOME_MAP
	OUTCOME_SUCCEED
	OUTCOME_FAIL
)

func (o Outcome) String() string {
	switch o {
	case OUTCOME_NEXT:
		return "NEXT"
	case OUTCOME_WAIT:
		return "WAIT"
	case OUTCOME_RETRY:
		return "RETRY"
	case OUTCOME_MAP:
		return "MAP"
	case OUTCOME_SUCCEED:
		return "SUCCEED"
	case OUTCOME_FAIL:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Result tells the engine what to do after a step ran. Data is the instance
// data to persist; only the fields matching Outcome are set.
type Result struct {
	Outcome    Outcome
	Next       string
	Data       map[string]any
	WaitUntil  time.Time
	RetryAfter time.Duration
	Items      []any
	Error      *model.StepError
}

// Invoker calls external actions. adapter.Registry is the production one.
type Invoker interface {
	Invoke(ctx context.Context, resource string, params map[string]any) (any, error)
	Semantics(resource string) adapter.Semantics
	Has(resource string) bool
}

// ExecutionContext is what a step sees of the running instance.
type ExecutionContext struct {
	Ctx           context.Context
	Flow          *model.FlowContext
	ContextObject map[string]any
	Now           time.Time
	Rand          func() float64
}

type Step interface {
	GetName() string
	GetType() model.StepType
	GetNext() []string
	Validate() error
	Execute(ec *ExecutionContext) (Result, error)
}

type baseStep struct {
	name    string
	comment string
	next    string
	stType  model.StepType
}

func newBaseStep(name string, def model.StepDef) baseStep {
	return baseStep{name: name, comment: def.Comment, next: def.Next, stType: def.Type}
}

func (bs *baseStep) GetName() string {
	return bs.name
}

func (bs *baseStep) GetType() model.StepType {
	return bs.stType
}

func (bs *baseStep) GetNext() []string {
	if len(bs.next) == 0 {
		return nil
	}
	return []string{bs.next}
}

func (bs *baseStep) validateNext() error {
	if len(bs.next) == 0 {
		return fmt.Errorf("step %s: next is required", bs.name)
	}
	return nil
}

// New builds the step for a definition. Unknown types are rejected.
func New(name string, def model.StepDef, invoker Invoker) (Step, error) {
	base := newBaseStep(name, def)
	var st Step
	switch def.Type {
	case model.STEP_TASK:
		st = NewTaskStep(base, def, invoker)
	case model.STEP_CHOICE:
		st = NewChoiceStep(base, def)
	case model.STEP_WAIT:
		st = NewWaitStep(base, def)
	case model.STEP_MAP:
		st = NewMapStep(base, def)
	case model.STEP_PASS:
		st = NewPassStep(base, def)
	case model.STEP_SUCCEED:
		st = NewSucceedStep(base)
	case model.STEP_FAIL:
		st = NewFailStep(base, def)
	default:
		return nil, fmt.Errorf("step %s: unknown step type %q", name, def.Type)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// catcher routes a step error to the first matching catch clause.
type catcher struct {
	catches []model.CatchDef
}

func (c catcher) validate(step string) error {
	for i, ct := range c.catches {
		if len(ct.ErrorEquals) == 0 {
			return fmt.Errorf("step %s: catch %d needs errorEquals", step, i)
		}
		if len(ct.Next) == 0 {
			return fmt.Errorf("step %s: catch %d needs next", step, i)
		}
		if len(ct.ResultPath) != 0 {
			if err := util.ValidatePath(ct.ResultPath); err != nil {
				return fmt.Errorf("step %s: catch %d: %w", step, i, err)
			}
		}
	}
	return nil
}

func (c catcher) targets() []string {
	var out []string
	for _, ct := range c.catches {
		out = append(out, ct.Next)
	}
	return out
}

// handle returns a NEXT result for a caught error and FAIL otherwise.
func (c catcher) handle(stepErr model.StepError, data map[string]any) Result {
	for _, ct := range c.catches {
		if !errorMatches(ct.ErrorEquals, stepErr.Error) {
			continue
		}
		out, err := util.SetPath(data, ct.ResultPath, map[string]any{"Error": stepErr.Error, "Cause": stepErr.Cause})
		if err != nil {
			return Result{Outcome: OUTCOME_FAIL, Data: data, Error: &model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()}}
		}
		return Result{Outcome: OUTCOME_NEXT, Next: ct.Next, Data: out}
	}
	return Result{Outcome: OUTCOME_FAIL, Data: data, Error: &stepErr}
}

func errorMatches(names []string, errName string) bool {
	for _, n := range names {
		if n == model.ERROR_ALL || n == errName {
			return true
		}
	}
	return false
}
