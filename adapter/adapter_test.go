package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/notify"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/mohitkumar/streamflow/scheduler"
	"github.com/stretchr/testify/require"
)

type singlePartition struct{}

func (singlePartition) GetPartition(key string) int { return 0 }
func (singlePartition) PartitionCount() int         { return 1 }

type noopStarter struct{}

func (noopStarter) StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error) {
	return workflow + "/" + name, nil
}

func requireAdapterError(t *testing.T, err error, name string, retryable bool) {
	t.Helper()
	var ae *Error
	require.True(t, errors.As(err, &ae), "expected adapter error, got %v", err)
	require.Equal(t, name, ae.Name)
	require.Equal(t, retryable, ae.Retryable)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register(NewNotificationAdapter(notify.NewMemoryPublisher()))
	registry.Register(NewChannelAdapter(channel.NewSimulator(0)))

	require.True(t, registry.Has("notification:publish"))
	require.False(t, registry.Has("notification:subscribe"))
	require.Equal(t, AT_MOST_ONCE, registry.Semantics("notification:publish"))
	require.Equal(t, AT_LEAST_ONCE, registry.Semantics("channel:startChannel"))
	require.Equal(t, AT_MOST_ONCE, registry.Semantics("unknown:action"))
	require.Contains(t, registry.Resources(), "channel:describeChannel")

	_, err := registry.Invoke(ctx, "unknown:action", nil)
	requireAdapterError(t, err, model.ERROR_RUNTIME, false)

	_, _, err = SplitResource("no-action")
	require.Error(t, err)
	name, action, err := SplitResource("store:updateItem")
	require.NoError(t, err)
	require.Equal(t, "store", name)
	require.Equal(t, "updateItem", action)
}

func TestSchedulerAdapter(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewScheduler(memory.NewScheduleStorage(), noopStarter{}, config.SchedulerConfig{Group: "media-scheduler"}, &sync.WaitGroup{})
	registry := NewRegistry()
	registry.Register(NewSchedulerAdapter(sched))
	create := map[string]any{
		"name":                  "media-1234-2030-01-01T10-00-00Z",
		"group":                 "media-scheduler",
		"expression":            "at(2030-01-01T09:55:00)",
		"timezone":              "UTC",
		"actionAfterCompletion": "DELETE",
		"target": map[string]any{
			"workflow": "media-channel",
			"input":    map[string]any{"mediaChannelId": "1234"},
		},
	}

	for scenario, fn := range map[string]func(t *testing.T){
		"create twice keeps one schedule": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "scheduler:createSchedule", create)
			require.NoError(t, err)
			arn := out.(map[string]any)["scheduleArn"]
			require.Equal(t, "arn:streamflow:scheduler:media-scheduler:media-1234-2030-01-01T10-00-00Z", arn)
			again, err := registry.Invoke(ctx, "scheduler:createSchedule", create)
			require.NoError(t, err)
			require.Equal(t, arn, again.(map[string]any)["scheduleArn"])

			got, err := registry.Invoke(ctx, "scheduler:getSchedule", map[string]any{"name": create["name"], "group": "media-scheduler"})
			require.NoError(t, err)
			require.Equal(t, arn, got.(*model.Schedule).Arn)
		},
		"invalid expression is permanent": func(t *testing.T) {
			bad := map[string]any{"name": "x", "expression": "sometime", "target": map[string]any{"workflow": "w"}}
			_, err := registry.Invoke(ctx, "scheduler:createSchedule", bad)
			requireAdapterError(t, err, "ValidationException", false)
		},
		"missing target is invalid input": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "scheduler:createSchedule", map[string]any{"name": "x", "expression": "rate(1 hour)"})
			requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)
		},
		"delete missing is a no-op": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "scheduler:deleteSchedule", map[string]any{"name": "never-created", "group": "media-scheduler"})
			require.NoError(t, err)
			require.Equal(t, false, out.(map[string]any)["deleted"])
		},
		"get missing is not found": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "scheduler:getSchedule", map[string]any{"name": "never-created"})
			requireAdapterError(t, err, "ResourceNotFoundException", false)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestChannelAdapter(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register(NewChannelAdapter(channel.NewSimulator(0)))

	out, err := registry.Invoke(ctx, "channel:startChannel", map[string]any{"channelId": 1234.0})
	require.NoError(t, err)
	desc := out.(*channel.Description)
	require.Equal(t, "1234", desc.ChannelId)
	require.Equal(t, channel.RUNNING, desc.State)

	out, err = registry.Invoke(ctx, "channel:stopChannel", map[string]any{"channelId": "1234"})
	require.NoError(t, err)
	require.Equal(t, channel.IDLE, out.(*channel.Description).State)

	_, err = registry.Invoke(ctx, "channel:describeChannel", map[string]any{})
	requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)

	slow := channel.NewSimulator(time.Hour)
	registry.Register(NewChannelAdapter(slow))
	_, err = registry.Invoke(ctx, "channel:startChannel", map[string]any{"channelId": "7"})
	require.NoError(t, err)
	_, err = registry.Invoke(ctx, "channel:stopChannel", map[string]any{"channelId": "7"})
	requireAdapterError(t, err, "ConflictException", true)
}

func TestNotificationAdapter(t *testing.T) {
	ctx := context.Background()
	pub := notify.NewMemoryPublisher()
	registry := NewRegistry()
	registry.Register(NewNotificationAdapter(pub))

	out, err := registry.Invoke(ctx, "notification:publish", map[string]any{"topic": "media", "subject": "Channel started", "message": "1234 running"})
	require.NoError(t, err)
	require.NotEmpty(t, out.(map[string]any)["messageId"])
	require.Len(t, pub.Messages("media"), 1)

	_, err = registry.Invoke(ctx, "notification:publish", map[string]any{"topic": "media", "message": map[string]any{"status": "STARTED"}})
	require.NoError(t, err)
	require.Equal(t, `{"status":"STARTED"}`, pub.Messages("media")[1].Message)

	_, err = registry.Invoke(ctx, "notification:publish", map[string]any{"topic": "media"})
	requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)
}

func TestFunctionAdapter(t *testing.T) {
	ctx := context.Background()
	fa := NewFunctionAdapter()
	fa.RegisterFunc("double", func(ctx context.Context, payload map[string]any) (any, error) {
		return map[string]any{"value": payload["value"].(float64) * 2}, nil
	})
	fa.RegisterFunc("broken", func(ctx context.Context, payload map[string]any) (any, error) {
		return nil, Permanent("BadThing", "always")
	})
	require.NoError(t, fa.RegisterScript("isLong", `({long: $.duration > 3600, name: $.name})`))
	require.NoError(t, fa.RegisterScript("tag", `$.tagged = true;`))
	require.NoError(t, fa.RegisterScript("throws", `throw new Error("boom")`))
	require.NoError(t, fa.RegisterScript("spin", `while (true) {}`))
	require.Error(t, fa.RegisterScript("syntax", `({`))
	require.Error(t, fa.RegisterScript("empty", ``))
	fa.scriptTimeout = 50 * time.Millisecond

	registry := NewRegistry()
	registry.Register(fa)
	require.Equal(t, []string{"broken", "double", "isLong", "spin", "tag", "throws"}, fa.Functions())

	for scenario, fn := range map[string]func(t *testing.T){
		"go function by name": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "function:double", map[string]any{"value": 21.0})
			require.NoError(t, err)
			require.Equal(t, 42.0, out.(map[string]any)["value"])
		},
		"go function through invoke": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "function:invoke", map[string]any{"functionName": "double", "payload": map[string]any{"value": 1.0}})
			require.NoError(t, err)
			require.Equal(t, 2.0, out.(map[string]any)["value"])
		},
		"unknown function": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "function:invoke", map[string]any{"functionName": "nope"})
			requireAdapterError(t, err, "ResourceNotFoundException", false)
		},
		"function error passes through": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "function:broken", nil)
			requireAdapterError(t, err, "BadThing", false)
		},
		"script completion value": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "function:isLong", map[string]any{"duration": 7200.0, "name": "show"})
			require.NoError(t, err)
			res := out.(map[string]any)
			require.Equal(t, true, res["long"])
			require.Equal(t, "show", res["name"])
		},
		"script mutating payload": func(t *testing.T) {
			out, err := registry.Invoke(ctx, "function:tag", map[string]any{"a": 1.0})
			require.NoError(t, err)
			require.Equal(t, true, out.(map[string]any)["tagged"])
		},
		"script exception": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "function:throws", nil)
			requireAdapterError(t, err, "FunctionError", false)
		},
		"script timeout": func(t *testing.T) {
			_, err := registry.Invoke(ctx, "function:spin", nil)
			requireAdapterError(t, err, "States.Timeout", true)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestStoreAdapter(t *testing.T) {
	ctx := context.Background()
	schema := model.TableSchema{Name: "media-schedules", PartitionKey: "mediaChannelId", SortKey: "startDateTime"}
	key := map[string]any{"mediaChannelId": "1234", "startDateTime": "2030-01-01T10:00:00Z"}

	for scenario, fn := range map[string]func(t *testing.T, table *memory.Table, registry *Registry){
		"update sets only named fields": func(t *testing.T, table *memory.Table, registry *Registry) {
			_, err := table.Put(ctx, model.Record{"mediaChannelId": "1234", "startDateTime": "2030-01-01T10:00:00Z", "status": "NEW"})
			require.NoError(t, err)
			out, err := registry.Invoke(ctx, "store:updateItem", map[string]any{"key": key, "set": map[string]any{"schedulerArn": "S"}})
			require.NoError(t, err)
			require.Equal(t, true, out.(map[string]any)["updated"])

			out, err = registry.Invoke(ctx, "store:getItem", map[string]any{"key": key})
			require.NoError(t, err)
			item := out.(map[string]any)["Item"].(map[string]any)
			require.Equal(t, "NEW", item["status"])
			require.Equal(t, "S", item["schedulerArn"])
		},
		"update of missing record is a no-op": func(t *testing.T, table *memory.Table, registry *Registry) {
			out, err := registry.Invoke(ctx, "store:updateItem", map[string]any{"key": key, "set": map[string]any{"schedulerArn": "S"}})
			require.NoError(t, err)
			require.Equal(t, false, out.(map[string]any)["updated"])
			events, err := table.Read(ctx, 0, "", 0)
			require.NoError(t, err)
			require.Empty(t, events)
		},
		"remove attributes": func(t *testing.T, table *memory.Table, registry *Registry) {
			_, err := table.Put(ctx, model.Record{"mediaChannelId": "1234", "startDateTime": "2030-01-01T10:00:00Z", "errorMessage": "bad"})
			require.NoError(t, err)
			_, err = registry.Invoke(ctx, "store:updateItem", map[string]any{"key": key, "remove": []any{"errorMessage"}})
			require.NoError(t, err)
			rec, err := table.Get(ctx, model.RecordKey{PartitionKey: "1234", SortKey: "2030-01-01T10:00:00Z"})
			require.NoError(t, err)
			require.NotContains(t, rec, "errorMessage")
		},
		"key attributes are rejected": func(t *testing.T, table *memory.Table, registry *Registry) {
			_, err := registry.Invoke(ctx, "store:updateItem", map[string]any{"key": key, "set": map[string]any{"startDateTime": "x"}})
			requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)
			_, err = registry.Invoke(ctx, "store:updateItem", map[string]any{"key": key})
			requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)
			_, err = registry.Invoke(ctx, "store:updateItem", map[string]any{"key": map[string]any{"mediaChannelId": "1234"}, "set": map[string]any{"a": 1.0}})
			requireAdapterError(t, err, model.ERROR_INVALID_INPUT, false)
		},
		"get missing record has no item": func(t *testing.T, table *memory.Table, registry *Registry) {
			out, err := registry.Invoke(ctx, "store:getItem", map[string]any{"key": key})
			require.NoError(t, err)
			require.NotContains(t, out.(map[string]any), "Item")
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			table := memory.NewTable(schema, singlePartition{})
			registry := NewRegistry()
			registry.Register(NewStoreAdapter(table))
			fn(t, table, registry)
		})
	}
}
