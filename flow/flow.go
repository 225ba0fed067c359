package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohitkumar/streamflow/action"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
)

// ITERATOR_SEPARATOR joins a workflow name and a map step name into the name
// of the compiled iterator workflow.
const ITERATOR_SEPARATOR = "."

// Flow is a compiled workflow definition.
type Flow struct {
	Name           string
	StartAt        string
	Steps          map[string]action.Step
	TimeoutSeconds int
	SequenceKey    string
	FailureHandler Statehandler
	SuccessHandler Statehandler
	// Iterators holds the compiled map iterators keyed by workflow name.
	Iterators map[string]*Flow
}

func (f *Flow) Step(name string) (action.Step, error) {
	st, ok := f.Steps[name]
	if !ok {
		return nil, fmt.Errorf("workflow %s has no step %s", f.Name, name)
	}
	return st, nil
}

func IteratorName(wfName string, step string) string {
	return wfName + ITERATOR_SEPARATOR + step
}

// Convert compiles and validates a workflow definition.
func Convert(wf model.Workflow, invoker action.Invoker) (*Flow, error) {
	if len(wf.Name) == 0 {
		return nil, fmt.Errorf("workflow name is required")
	}
	if strings.ContainsAny(wf.Name, "./") {
		return nil, fmt.Errorf("workflow name %s can not contain '.' or '/'", wf.Name)
	}
	if err := ValidateStateHandler(wf.OnFailure); err != nil {
		return nil, err
	}
	if err := ValidateStateHandler(wf.OnSuccess); err != nil {
		return nil, err
	}
	if wf.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("workflow %s: timeoutSeconds can not be negative", wf.Name)
	}
	if len(wf.SequenceKey) != 0 {
		if err := util.ValidatePath(wf.SequenceKey); err != nil {
			return nil, fmt.Errorf("workflow %s: sequenceKey: %w", wf.Name, err)
		}
	}
	iterators := make(map[string]*Flow)
	fl, err := compile(wf.Name, model.Graph{StartAt: wf.StartAt, Steps: wf.Steps}, invoker, iterators)
	if err != nil {
		return nil, err
	}
	fl.TimeoutSeconds = wf.TimeoutSeconds
	fl.SequenceKey = wf.SequenceKey
	fl.FailureHandler = toStateHandler(wf.OnFailure)
	fl.SuccessHandler = toStateHandler(wf.OnSuccess)
	fl.Iterators = iterators
	return fl, nil
}

func compile(name string, graph model.Graph, invoker action.Invoker, iterators map[string]*Flow) (*Flow, error) {
	if len(graph.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps", name)
	}
	if _, ok := graph.Steps[graph.StartAt]; !ok {
		return nil, fmt.Errorf("workflow %s: startAt step %q not defined", name, graph.StartAt)
	}
	steps := make(map[string]action.Step, len(graph.Steps))
	for stepName, def := range graph.Steps {
		st, err := action.New(stepName, def, invoker)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
		if ms, ok := st.(*action.MapStep); ok {
			childName := IteratorName(name, stepName)
			child, err := compile(childName, *def.Iterator, invoker, iterators)
			if err != nil {
				return nil, err
			}
			child.FailureHandler = NOOP
			child.SuccessHandler = NOOP
			iterators[childName] = child
			ms.SetChildWorkflow(childName)
		}
		steps[stepName] = st
	}
	for _, st := range steps {
		for _, next := range st.GetNext() {
			if _, ok := steps[next]; !ok {
				return nil, fmt.Errorf("workflow %s: step %s points to undefined step %s", name, st.GetName(), next)
			}
		}
	}
	if unreachable := unreachableSteps(graph.StartAt, steps); len(unreachable) != 0 {
		return nil, fmt.Errorf("workflow %s: unreachable steps %s", name, strings.Join(unreachable, ", "))
	}
	return &Flow{Name: name, StartAt: graph.StartAt, Steps: steps, FailureHandler: NOOP, SuccessHandler: NOOP}, nil
}

func unreachableSteps(start string, steps map[string]action.Step) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) != 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range steps[cur].GetNext() {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for name := range steps {
		if !seen[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
