package action

import (
	"fmt"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

var _ Step = new(ChoiceStep)

type ChoiceStep struct {
	baseStep
	choices     []model.ChoiceRule
	defaultNext string
}

func NewChoiceStep(base baseStep, def model.StepDef) *ChoiceStep {
	return &ChoiceStep{
		baseStep:    base,
		choices:     def.Choices,
		defaultNext: def.Default,
	}
}

func (c *ChoiceStep) Validate() error {
	if len(c.choices) == 0 {
		return fmt.Errorf("step %s: choice needs at least one rule", c.name)
	}
	for i, rule := range c.choices {
		if len(rule.Next) == 0 {
			return fmt.Errorf("step %s: choice rule %d needs next", c.name, i)
		}
		if err := ValidateCondition(rule.Condition); err != nil {
			return fmt.Errorf("step %s: choice rule %d: %w", c.name, i, err)
		}
	}
	return nil
}

func (c *ChoiceStep) GetNext() []string {
	out := make([]string, 0, len(c.choices)+1)
	for _, rule := range c.choices {
		out = append(out, rule.Next)
	}
	if len(c.defaultNext) != 0 {
		out = append(out, c.defaultNext)
	}
	return out
}

func (c *ChoiceStep) Execute(ec *ExecutionContext) (Result, error) {
	flowCtx := ec.Flow
	for _, rule := range c.choices {
		if Evaluate(rule.Condition, flowCtx.Data, ec.ContextObject) {
			logger.Debug("choice matched", zap.String("step", c.name), zap.String("id", flowCtx.Id), zap.String("next", rule.Next))
			return Result{Outcome: OUTCOME_NEXT, Next: rule.Next, Data: flowCtx.Data}, nil
		}
	}
	if len(c.defaultNext) != 0 {
		return Result{Outcome: OUTCOME_NEXT, Next: c.defaultNext, Data: flowCtx.Data}, nil
	}
	return Result{
		Outcome: OUTCOME_FAIL,
		Data:    flowCtx.Data,
		Error:   &model.StepError{Error: model.ERROR_NO_CHOICE, Cause: fmt.Sprintf("no choice rule matched in step %s", c.name)},
	}, nil
}
