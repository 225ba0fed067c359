package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	KeyWorkflow, _ = tag.NewKey("workflow")
	KeyStep, _     = tag.NewKey("step")
	KeyState, _    = tag.NewKey("state")
	KeyRoute, _    = tag.NewKey("route")
	KeyTable, _    = tag.NewKey("table")
	KeyReason, _   = tag.NewKey("reason")
)

var (
	FeedEventsRead    = stats.Int64("streamflow/feed/events_read", "change events read from the feed", stats.UnitDimensionless)
	FeedEventsDropped = stats.Int64("streamflow/feed/events_dropped", "change events dropped after the retry or age budget", stats.UnitDimensionless)
	RoutesMatched     = stats.Int64("streamflow/router/matched", "events that matched a route", stats.UnitDimensionless)
	RoutesUnmatched   = stats.Int64("streamflow/router/unmatched", "events that matched no route", stats.UnitDimensionless)
	StepsExecuted     = stats.Int64("streamflow/engine/steps_executed", "steps executed", stats.UnitDimensionless)
	StepsFailed       = stats.Int64("streamflow/engine/steps_failed", "steps that returned an error", stats.UnitDimensionless)
	StepsRetried      = stats.Int64("streamflow/engine/steps_retried", "task steps queued for retry", stats.UnitDimensionless)
	FlowsFinished     = stats.Int64("streamflow/engine/flows_finished", "flows that reached a terminal state", stats.UnitDimensionless)
	SchedulesFired    = stats.Int64("streamflow/scheduler/fired", "schedules fired", stats.UnitDimensionless)
)

var Views = []*view.View{
	{Name: "streamflow/feed/events_read", Measure: FeedEventsRead, Aggregation: view.Count(), TagKeys: []tag.Key{KeyTable}},
	{Name: "streamflow/feed/events_dropped", Measure: FeedEventsDropped, Aggregation: view.Count(), TagKeys: []tag.Key{KeyTable, KeyReason}},
	{Name: "streamflow/router/matched", Measure: RoutesMatched, Aggregation: view.Count(), TagKeys: []tag.Key{KeyRoute, KeyWorkflow}},
	{Name: "streamflow/router/unmatched", Measure: RoutesUnmatched, Aggregation: view.Count(), TagKeys: []tag.Key{KeyTable}},
	{Name: "streamflow/engine/steps_executed", Measure: StepsExecuted, Aggregation: view.Count(), TagKeys: []tag.Key{KeyWorkflow, KeyStep}},
	{Name: "streamflow/engine/steps_failed", Measure: StepsFailed, Aggregation: view.Count(), TagKeys: []tag.Key{KeyWorkflow, KeyStep}},
	{Name: "streamflow/engine/steps_retried", Measure: StepsRetried, Aggregation: view.Count(), TagKeys: []tag.Key{KeyWorkflow, KeyStep}},
	{Name: "streamflow/engine/flows_finished", Measure: FlowsFinished, Aggregation: view.Count(), TagKeys: []tag.Key{KeyWorkflow, KeyState}},
	{Name: "streamflow/scheduler/fired", Measure: SchedulesFired, Aggregation: view.Count(), TagKeys: []tag.Key{KeyWorkflow}},
}

func Register() error {
	return view.Register(Views...)
}

func Unregister() {
	view.Unregister(Views...)
}

// Record adds n to measure, tagged with the given key/value pairs.
func Record(ctx context.Context, measure *stats.Int64Measure, n int64, tags ...tag.Mutator) {
	_ = stats.RecordWithTags(ctx, tags, measure.M(n))
}

func Tag(key tag.Key, value string) tag.Mutator {
	return tag.Upsert(key, value)
}
