package router

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/metrics"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

// Starter starts a workflow instance. Starting twice with the same name starts
// one instance.
type Starter interface {
	StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error)
}

// RouteDef is the serialized form of a route. Filters are alternatives: the
// route matches when any of them does.
type RouteDef struct {
	Name     string           `json:"name"`
	Table    string           `json:"table,omitempty"`
	Workflow string           `json:"workflow"`
	Filters  []map[string]any `json:"filters"`
}

type Outcome int

const (
	UNMATCHED Outcome = iota
	MATCHED
)

// WorkflowDescriptor is the start request produced by a matched route.
type WorkflowDescriptor struct {
	Route    string
	Workflow string
	Name     string
	Input    map[string]any
}

type route struct {
	name     string
	table    string
	workflow string
	filters  []*Pattern
}

// Router evaluates ordered routes against change events. The first matching
// route wins.
type Router struct {
	routes  []route
	starter Starter
}

func NewRouter(starter Starter, defs []RouteDef) (*Router, error) {
	r := &Router{starter: starter}
	seen := make(map[string]bool)
	for _, def := range defs {
		if len(def.Name) == 0 {
			return nil, fmt.Errorf("route name can not be empty")
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate route %s", def.Name)
		}
		seen[def.Name] = true
		if len(def.Workflow) == 0 {
			return nil, fmt.Errorf("route %s has no workflow", def.Name)
		}
		if len(def.Filters) == 0 {
			return nil, fmt.Errorf("route %s has no filters", def.Name)
		}
		rt := route{name: def.Name, table: def.Table, workflow: def.Workflow}
		for i, f := range def.Filters {
			p, err := CompilePattern(f)
			if err != nil {
				return nil, fmt.Errorf("route %s filter %d: %w", def.Name, i, err)
			}
			rt.filters = append(rt.filters, p)
		}
		r.routes = append(r.routes, rt)
	}
	return r, nil
}

// ExecutionName derives the execution name of an event's workflow, so a
// redelivered event starts nothing new.
func ExecutionName(eventID string, workflow string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventID+"/"+workflow)).String()
}

// Route returns the descriptor of the first matching route.
func (r *Router) Route(event model.ChangeEvent) (Outcome, *WorkflowDescriptor) {
	doc := event.Document()
	for _, rt := range r.routes {
		if len(rt.table) != 0 && rt.table != event.Table {
			continue
		}
		for _, f := range rt.filters {
			if f.Matches(doc) {
				return MATCHED, &WorkflowDescriptor{
					Route:    rt.name,
					Workflow: rt.workflow,
					Name:     ExecutionName(event.EventID, rt.workflow),
					Input:    event.Document(),
				}
			}
		}
	}
	return UNMATCHED, nil
}

// Handle is the feed handler. It starts the workflow of every matched event
// without waiting for it. A failed start fails the batch so the feed retries
// it; starts that already succeeded are not repeated.
func (r *Router) Handle(ctx context.Context, events []model.ChangeEvent) error {
	for _, event := range events {
		outcome, desc := r.Route(event)
		switch outcome {
		case MATCHED:
			id, err := r.starter.StartExecution(ctx, desc.Workflow, desc.Name, desc.Input)
			if err != nil {
				return fmt.Errorf("starting %s for event %s: %w", desc.Workflow, event.EventID, err)
			}
			metrics.Record(ctx, metrics.RoutesMatched, 1, metrics.Tag(metrics.KeyRoute, desc.Route), metrics.Tag(metrics.KeyWorkflow, desc.Workflow))
			logger.Info("event routed", zap.String("event", event.EventID), zap.String("eventName", string(event.EventName)), zap.String("route", desc.Route), zap.String("execution", id))
		default:
			metrics.Record(ctx, metrics.RoutesUnmatched, 1, metrics.Tag(metrics.KeyTable, event.Table))
			logger.Debug("event matched no route", zap.String("event", event.EventID), zap.String("eventName", string(event.EventName)))
		}
	}
	return nil
}
