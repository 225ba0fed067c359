package model

import (
	"fmt"
	"strings"
)

type StepRequestKind string

const STEP_EXECUTE StepRequestKind = "EXECUTE"
const STEP_CHILD_DONE StepRequestKind = "CHILD_DONE"

// StepExecutionRequest is the unit carried by the ready, retry and delay
// queues.
type StepExecutionRequest struct {
	WorkflowName string          `json:"workflowName"`
	FlowId       string          `json:"flowId"`
	Step         string          `json:"step"`
	Attempt      int             `json:"attempt"`
	Kind         StepRequestKind `json:"kind"`
	ChildIndex   int             `json:"childIndex,omitempty"`
	Partition    int             `json:"partition"`
}

type StartRequest struct {
	WorkflowName string         `json:"workflowName"`
	FlowId       string         `json:"flowId"`
	Input        map[string]any `json:"input"`
}

type TimeoutRequest struct {
	WorkflowName string `json:"workflowName"`
	FlowId       string `json:"flowId"`
	Partition    int    `json:"partition"`
}

// ExecutionRef identifies an instance across workflows, rendered as
// workflow/flowId.
type ExecutionRef struct {
	WorkflowName string
	FlowId       string
}

func (r ExecutionRef) String() string {
	return r.WorkflowName + "/" + r.FlowId
}

func ParseExecutionRef(s string) (ExecutionRef, error) {
	idx := strings.LastIndex(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return ExecutionRef{}, fmt.Errorf("invalid execution id %q, expected workflow/flowId", s)
	}
	return ExecutionRef{WorkflowName: s[:idx], FlowId: s[idx+1:]}, nil
}
