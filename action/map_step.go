package action

import (
	"fmt"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

var _ Step = new(MapStep)

// MapStep runs its iterator once per item as child instances. Execute only
// selects the items; the engine owns the children and calls Complete or
// Failed when they are done.
type MapStep struct {
	baseStep
	catcher
	itemsPath         string
	itemSelector      map[string]any
	maxConcurrency    int
	resultPath        string
	catchItemFailures bool
	hasIterator       bool
	childWorkflow     string
}

func NewMapStep(base baseStep, def model.StepDef) *MapStep {
	return &MapStep{
		baseStep:          base,
		catcher:           catcher{catches: def.Catch},
		itemsPath:         def.ItemsPath,
		itemSelector:      def.ItemSelector,
		maxConcurrency:    def.MaxConcurrency,
		resultPath:        def.ResultPath,
		catchItemFailures: def.CatchItemFailures,
		hasIterator:       def.Iterator != nil,
	}
}

// SetChildWorkflow names the workflow the iterator was compiled into.
func (m *MapStep) SetChildWorkflow(name string) {
	m.childWorkflow = name
}

func (m *MapStep) ChildWorkflow() string {
	return m.childWorkflow
}

// MaxConcurrency is 0 for unbounded.
func (m *MapStep) MaxConcurrency() int {
	return m.maxConcurrency
}

func (m *MapStep) CatchItemFailures() bool {
	return m.catchItemFailures
}

func (m *MapStep) GetNext() []string {
	return append(m.baseStep.GetNext(), m.catcher.targets()...)
}

func (m *MapStep) Validate() error {
	if err := m.validateNext(); err != nil {
		return err
	}
	if !m.hasIterator {
		return fmt.Errorf("step %s: map needs an iterator", m.name)
	}
	if m.maxConcurrency < 0 {
		return fmt.Errorf("step %s: maxConcurrency can not be negative", m.name)
	}
	if len(m.itemsPath) == 0 {
		return fmt.Errorf("step %s: map needs itemsPath", m.name)
	}
	if err := util.ValidatePath(m.itemsPath); err != nil {
		return fmt.Errorf("step %s: %w", m.name, err)
	}
	if len(m.resultPath) != 0 {
		if err := util.ValidatePath(m.resultPath); err != nil {
			return fmt.Errorf("step %s: %w", m.name, err)
		}
	}
	return m.catcher.validate(m.name)
}

func (m *MapStep) Execute(ec *ExecutionContext) (Result, error) {
	data := ec.Flow.Data
	value, err := util.LookupRef(m.itemsPath, data, ec.ContextObject)
	if err != nil {
		return m.Failed(data, model.StepError{Error: model.ERROR_RUNTIME, Cause: fmt.Sprintf("map %s: %v", m.name, err)}), nil
	}
	items, ok := value.([]any)
	if !ok {
		return m.Failed(data, model.StepError{Error: model.ERROR_RUNTIME, Cause: fmt.Sprintf("map %s: items must be a list, got %T", m.name, value)}), nil
	}
	inputs := make([]any, 0, len(items))
	for i, item := range items {
		if m.itemSelector == nil {
			inputs = append(inputs, item)
			continue
		}
		ctxObj := make(map[string]any, len(ec.ContextObject)+1)
		for k, v := range ec.ContextObject {
			ctxObj[k] = v
		}
		ctxObj["Map"] = map[string]any{"Item": map[string]any{"Index": float64(i), "Value": item}}
		selected, err := util.ResolveParams(m.itemSelector, data, ctxObj)
		if err != nil {
			return m.Failed(data, model.StepError{Error: model.ERROR_RUNTIME, Cause: fmt.Sprintf("map %s item %d: %v", m.name, i, err)}), nil
		}
		inputs = append(inputs, selected)
	}
	if len(inputs) == 0 {
		return m.Complete(data, []any{}), nil
	}
	return Result{Outcome: OUTCOME_MAP, Data: data, Items: inputs}, nil
}

// Complete stores the ordered child results and moves on.
func (m *MapStep) Complete(data map[string]any, results []any) Result {
	out, err := util.SetPath(data, m.resultPath, results)
	if err != nil {
		return m.Failed(data, model.StepError{Error: model.ERROR_RUNTIME, Cause: err.Error()})
	}
	return Result{Outcome: OUTCOME_NEXT, Next: m.next, Data: out}
}

// Failed applies the step's catch clauses to a child or item failure.
func (m *MapStep) Failed(data map[string]any, stepErr model.StepError) Result {
	return m.catcher.handle(stepErr, data)
}
