package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/engine"
	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/mohitkumar/streamflow/scheduler"
	"github.com/stretchr/testify/require"
)

type singlePartition struct{}

func (singlePartition) GetPartition(key string) int { return 0 }
func (singlePartition) PartitionCount() int         { return 1 }
func (singlePartition) LocalPartitions() []int      { return []int{0} }

type fixture struct {
	server    *Server
	table     *memory.Table
	scheduler *scheduler.Scheduler
	channels  *channel.Simulator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := adapter.NewRegistry()
	svc := metadata.NewMetadataService(memory.NewMetadataStorage(), registry)
	eng := engine.NewFlowEngine(memory.NewFlowStorage(), svc, singlePartition{})
	f := &fixture{
		table:     memory.NewTable(model.TableSchema{Name: "media-schedules", PartitionKey: "mediaChannelId", SortKey: "startDateTime"}, singlePartition{}),
		scheduler: scheduler.NewScheduler(memory.NewScheduleStorage(), eng, config.SchedulerConfig{Group: "media-scheduler"}, &sync.WaitGroup{}),
		channels:  channel.NewSimulator(time.Minute),
	}
	srv, err := NewServer(0, Services{
		Metadata:   svc,
		Executions: eng,
		Records:    f.table,
		Schedules:  f.scheduler,
		Channels:   f.channels,
		Node:       singlePartition{},
	})
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(t *testing.T, method string, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() != 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

var passFlow = model.Workflow{
	Name:    "greet",
	StartAt: "Greet",
	Steps: map[string]model.StepDef{
		"Greet": {Type: model.STEP_PASS, Parameters: map[string]any{"hello": "world"}, ResultPath: "$.greeting", Next: "Done"},
		"Done":  {Type: model.STEP_SUCCEED},
	},
}

func TestServer(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"workflow metadata": func(t *testing.T, f *fixture) {
			code, body := f.do(t, http.MethodPost, "/metadata/workflow", passFlow)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, true, body["created"])

			code, body = f.do(t, http.MethodGet, "/metadata/workflow/greet", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "Greet", body["startAt"])

			code, _ = f.do(t, http.MethodDelete, "/metadata/workflow/greet", nil)
			require.Equal(t, http.StatusOK, code)
			code, _ = f.do(t, http.MethodGet, "/metadata/workflow/greet", nil)
			require.Equal(t, http.StatusNotFound, code)
		},
		"invalid workflow is rejected": func(t *testing.T, f *fixture) {
			wf := passFlow
			wf.StartAt = "Missing"
			code, body := f.do(t, http.MethodPost, "/metadata/workflow", wf)
			require.Equal(t, http.StatusBadRequest, code)
			require.NotEmpty(t, body["error"])
		},
		"start and stop an execution": func(t *testing.T, f *fixture) {
			code, _ := f.do(t, http.MethodPost, "/metadata/workflow", passFlow)
			require.Equal(t, http.StatusOK, code)

			code, body := f.do(t, http.MethodPost, "/execution", model.WorkflowRunRequest{Name: "greet", FlowId: "run-1", Input: map[string]any{"name": "a"}})
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "greet/run-1", body["executionId"])
			require.Equal(t, "run-1", body["flowId"])

			code, body = f.do(t, http.MethodGet, "/execution/greet/run-1", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, string(model.RUNNING), body["state"])
			require.Equal(t, "greet/run-1", body["id"])

			code, body = f.do(t, http.MethodPost, "/execution/greet/run-1/stop", map[string]any{"cause": "operator"})
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, true, body["stopped"])

			code, body = f.do(t, http.MethodGet, "/execution/greet/run-1", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, string(model.STOPPED), body["state"])

			code, _ = f.do(t, http.MethodGet, "/execution/greet/unknown", nil)
			require.Equal(t, http.StatusNotFound, code)
		},
		"unknown workflow can not run": func(t *testing.T, f *fixture) {
			code, _ := f.do(t, http.MethodPost, "/execution", model.WorkflowRunRequest{Name: "missing"})
			require.Equal(t, http.StatusBadRequest, code)
		},
		"records": func(t *testing.T, f *fixture) {
			rec := map[string]any{"mediaChannelId": "1234", "startDateTime": "2030-01-01T10:00:00Z", "title": "news"}
			code, body := f.do(t, http.MethodPut, "/records", rec)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "news", body["title"])

			code, _ = f.do(t, http.MethodPut, "/records", map[string]any{"title": "no key"})
			require.Equal(t, http.StatusBadRequest, code)

			code, body = f.do(t, http.MethodPatch, "/records/1234/2030-01-01T10:00:00Z", model.RecordUpdate{Set: map[string]any{"status": "SCHEDULED"}})
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "SCHEDULED", body["status"])
			require.Equal(t, "news", body["title"])

			code, _ = f.do(t, http.MethodPatch, "/records/1234/2030-01-01T10:00:00Z", model.RecordUpdate{Set: map[string]any{"mediaChannelId": "9"}})
			require.Equal(t, http.StatusBadRequest, code)

			code, _ = f.do(t, http.MethodPatch, "/records/1234/2030-02-01T10:00:00Z", model.RecordUpdate{Set: map[string]any{"status": "X"}, ConditionExists: true})
			require.Equal(t, http.StatusConflict, code)

			code, body = f.do(t, http.MethodGet, "/records/1234/2030-01-01T10:00:00Z", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "SCHEDULED", body["status"])

			code, body = f.do(t, http.MethodDelete, "/records/1234/2030-01-01T10:00:00Z", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, true, body["deleted"])
			code, _ = f.do(t, http.MethodGet, "/records/1234/2030-01-01T10:00:00Z", nil)
			require.Equal(t, http.StatusNotFound, code)

			events, err := f.table.Read(context.Background(), 0, "", 0)
			require.NoError(t, err)
			var names []model.EventName
			for _, e := range events {
				names = append(names, e.EventName)
			}
			require.Equal(t, []model.EventName{model.INSERT, model.MODIFY, model.REMOVE}, names)
		},
		"schedules": func(t *testing.T, f *fixture) {
			_, err := f.scheduler.Create(context.Background(), scheduler.CreateRequest{
				Name:       "media-1",
				Expression: "at(2030-01-01T09:50:00)",
				Target:     model.ScheduleTarget{Workflow: "media-channel"},
			})
			require.NoError(t, err)

			code, body := f.do(t, http.MethodGet, "/schedules/media-scheduler/media-1", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, scheduler.Arn("media-scheduler", "media-1"), body["arn"])

			code, body = f.do(t, http.MethodDelete, "/schedules/media-scheduler/media-1", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, true, body["deleted"])
			code, _ = f.do(t, http.MethodGet, "/schedules/media-scheduler/media-1", nil)
			require.Equal(t, http.StatusNotFound, code)
		},
		"channels": func(t *testing.T, f *fixture) {
			code, body := f.do(t, http.MethodPost, "/channels/1234/start", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, string(channel.STARTING), body["state"])

			code, body = f.do(t, http.MethodGet, "/channels/1234", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "1234", body["channelId"])

			code, _ = f.do(t, http.MethodPost, "/channels/1234/stop", nil)
			require.Equal(t, http.StatusConflict, code)
		},
		"health": func(t *testing.T, f *fixture) {
			code, body := f.do(t, http.MethodGet, "/health", nil)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, "UP", body["status"])
			require.Equal(t, []any{0.0}, body["partitions"])
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}
