package model

type StepType string

const (
	STEP_TASK    StepType = "TASK"
	STEP_CHOICE  StepType = "CHOICE"
	STEP_WAIT    StepType = "WAIT"
	STEP_MAP     StepType = "MAP"
	STEP_PASS    StepType = "PASS"
	STEP_SUCCEED StepType = "SUCCEED"
	STEP_FAIL    StepType = "FAIL"
)

type Workflow struct {
	Name           string             `json:"name"`
	Comment        string             `json:"comment,omitempty"`
	StartAt        string             `json:"startAt"`
	Steps          map[string]StepDef `json:"steps"`
	TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
	SequenceKey    string             `json:"sequenceKey,omitempty"`
	OnFailure      string             `json:"onFailure,omitempty"`
	OnSuccess      string             `json:"onSuccess,omitempty"`
}

// Graph is the nested step graph of a Map iterator.
type Graph struct {
	StartAt string             `json:"startAt"`
	Steps   map[string]StepDef `json:"steps"`
}

type StepDef struct {
	Type    StepType `json:"type"`
	Comment string   `json:"comment,omitempty"`
	Next    string   `json:"next,omitempty"`

	// task and pass
	Resource   string         `json:"resource,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ResultPath string         `json:"resultPath,omitempty"`
	Retry      *RetryPolicy   `json:"retry,omitempty"`
	Catch      []CatchDef     `json:"catch,omitempty"`

	// choice
	Choices []ChoiceRule `json:"choices,omitempty"`
	Default string       `json:"default,omitempty"`

	// wait
	Seconds       int    `json:"seconds,omitempty"`
	TimestampPath string `json:"timestampPath,omitempty"`

	// map
	ItemsPath         string         `json:"itemsPath,omitempty"`
	ItemSelector      map[string]any `json:"itemSelector,omitempty"`
	MaxConcurrency    int            `json:"maxConcurrency,omitempty"`
	Iterator          *Graph         `json:"iterator,omitempty"`
	CatchItemFailures bool           `json:"catchItemFailures,omitempty"`

	// fail
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

type CatchDef struct {
	ErrorEquals []string `json:"errorEquals"`
	Next        string   `json:"next"`
	ResultPath  string   `json:"resultPath,omitempty"`
}

type ChoiceRule struct {
	Condition
	Next string `json:"next"`
}

type ConditionOp string

const (
	OP_STRING_EQUALS          ConditionOp = "StringEquals"
	OP_STRING_EQUALS_PATH     ConditionOp = "StringEqualsPath"
	OP_NUMERIC_EQUALS         ConditionOp = "NumericEquals"
	OP_NUMERIC_LESS_THAN      ConditionOp = "NumericLessThan"
	OP_NUMERIC_GREATER_THAN   ConditionOp = "NumericGreaterThan"
	OP_BOOLEAN_EQUALS         ConditionOp = "BooleanEquals"
	OP_IS_PRESENT             ConditionOp = "IsPresent"
	OP_TIMESTAMP_LESS_THAN    ConditionOp = "TimestampLessThan"
	OP_TIMESTAMP_GREATER_THAN ConditionOp = "TimestampGreaterThan"
	OP_AND                    ConditionOp = "And"
	OP_OR                     ConditionOp = "Or"
	OP_NOT                    ConditionOp = "Not"
)

type Condition struct {
	Variable   string      `json:"variable,omitempty"`
	Op         ConditionOp `json:"op"`
	Value      any         `json:"value,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

const (
	ERROR_ALL           = "States.ALL"
	ERROR_TASK_FAILED   = "States.TaskFailed"
	ERROR_TIMEOUT       = "States.Timeout"
	ERROR_NO_CHOICE     = "States.NoChoiceMatched"
	ERROR_RUNTIME       = "States.Runtime"
	ERROR_MAP_FAILED    = "States.MapItemFailed"
	ERROR_STOPPED       = "States.Stopped"
	ERROR_INVALID_INPUT = "States.InvalidInput"
)

type WorkflowRunRequest struct {
	Name   string         `json:"name"`
	FlowId string         `json:"flowId,omitempty"`
	Input  map[string]any `json:"input"`
}

type FlowExecution struct {
	Id          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	State       FlowState      `json:"state"`
	CurrentStep string         `json:"currentStep"`
	Error       *StepError     `json:"error,omitempty"`
	Data        map[string]any `json:"data"`
}
