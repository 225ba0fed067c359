package model

import "time"

type FlowState string

const (
	RUNNING   FlowState = "RUNNING"
	WAITING   FlowState = "WAITING"
	SUCCEEDED FlowState = "SUCCEEDED"
	FAILED    FlowState = "FAILED"
	STOPPED   FlowState = "STOPPED"
)

func (s FlowState) IsTerminal() bool {
	return s == SUCCEEDED || s == FAILED || s == STOPPED
}

type StepError struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

type ParentRef struct {
	WorkflowName string `json:"workflowName"`
	FlowId       string `json:"flowId"`
	Step         string `json:"step"`
	Index        int    `json:"index"`
}

// MapProgress tracks a running Map step on its parent instance.
type MapProgress struct {
	Step      string   `json:"step"`
	Items     []any    `json:"items"`
	Results   []any    `json:"results"`
	Children  []string `json:"children"`
	Done      []bool   `json:"done"`
	NextIndex int      `json:"nextIndex"`
	Running   int      `json:"running"`
	Completed int      `json:"completed"`
}

// FlowContext is the persisted state of one workflow instance.
type FlowContext struct {
	Id           string         `json:"id"`
	WorkflowName string         `json:"workflowName"`
	CurrentStep  string         `json:"currentStep"`
	State        FlowState      `json:"state"`
	Data         map[string]any `json:"data"`
	Attempt      int            `json:"attempt"`
	Partition    int            `json:"partition"`
	SequenceKey  string         `json:"sequenceKey,omitempty"`
	Parent       *ParentRef     `json:"parent,omitempty"`
	Map          *MapProgress   `json:"map,omitempty"`
	Error        *StepError     `json:"error,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	EnteredAt    time.Time      `json:"enteredAt"`
}

func (f *FlowContext) Ref() ExecutionRef {
	return ExecutionRef{WorkflowName: f.WorkflowName, FlowId: f.Id}
}

func (f *FlowContext) StepRequest(kind StepRequestKind) StepExecutionRequest {
	return StepExecutionRequest{
		WorkflowName: f.WorkflowName,
		FlowId:       f.Id,
		Step:         f.CurrentStep,
		Attempt:      f.Attempt,
		Kind:         kind,
		Partition:    f.Partition,
	}
}
