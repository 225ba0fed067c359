package action

import (
	"fmt"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

var _ Step = new(PassStep)
var _ Step = new(SucceedStep)
var _ Step = new(FailStep)

// PassStep writes its resolved parameters to resultPath, "$" by default.
type PassStep struct {
	baseStep
	parameters map[string]any
	resultPath string
}

func NewPassStep(base baseStep, def model.StepDef) *PassStep {
	resultPath := def.ResultPath
	if len(resultPath) == 0 {
		resultPath = "$"
	}
	return &PassStep{baseStep: base, parameters: def.Parameters, resultPath: resultPath}
}

func (p *PassStep) Validate() error {
	if err := p.validateNext(); err != nil {
		return err
	}
	return util.ValidatePath(p.resultPath)
}

func (p *PassStep) Execute(ec *ExecutionContext) (Result, error) {
	data := ec.Flow.Data
	if p.parameters == nil {
		return Result{Outcome: OUTCOME_NEXT, Next: p.next, Data: data}, nil
	}
	params, err := util.ResolveParams(p.parameters, data, ec.ContextObject)
	if err != nil {
		return failResult(data, model.ERROR_RUNTIME, fmt.Sprintf("pass %s: %v", p.name, err)), nil
	}
	out, err := util.SetPath(data, p.resultPath, params)
	if err != nil {
		return failResult(data, model.ERROR_RUNTIME, fmt.Sprintf("pass %s: %v", p.name, err)), nil
	}
	return Result{Outcome: OUTCOME_NEXT, Next: p.next, Data: out}, nil
}

type SucceedStep struct {
	baseStep
}

func NewSucceedStep(base baseStep) *SucceedStep {
	return &SucceedStep{baseStep: base}
}

func (s *SucceedStep) Validate() error {
	if len(s.next) != 0 {
		return fmt.Errorf("step %s: succeed is terminal and takes no next", s.name)
	}
	return nil
}

func (s *SucceedStep) Execute(ec *ExecutionContext) (Result, error) {
	return Result{Outcome: OUTCOME_SUCCEED, Data: ec.Flow.Data}, nil
}

type FailStep struct {
	baseStep
	errName string
	cause   string
}

func NewFailStep(base baseStep, def model.StepDef) *FailStep {
	return &FailStep{baseStep: base, errName: def.Error, cause: def.Cause}
}

func (f *FailStep) Validate() error {
	if len(f.next) != 0 {
		return fmt.Errorf("step %s: fail is terminal and takes no next", f.name)
	}
	return nil
}

func (f *FailStep) Execute(ec *ExecutionContext) (Result, error) {
	name := f.errName
	if len(name) == 0 {
		name = model.ERROR_TASK_FAILED
	}
	return failResult(ec.Flow.Data, name, f.cause), nil
}
