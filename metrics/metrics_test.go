package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
)

func TestRecordCountsByTag(t *testing.T) {
	require.NoError(t, Register())
	defer Unregister()

	ctx := context.Background()
	Record(ctx, FlowsFinished, 1, Tag(KeyWorkflow, "media-record"), Tag(KeyState, "SUCCEEDED"))
	Record(ctx, FlowsFinished, 1, Tag(KeyWorkflow, "media-record"), Tag(KeyState, "SUCCEEDED"))
	Record(ctx, FlowsFinished, 1, Tag(KeyWorkflow, "media-record"), Tag(KeyState, "FAILED"))

	rows, err := view.RetrieveData("streamflow/engine/flows_finished")
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, row := range rows {
		for _, tg := range row.Tags {
			if tg.Key == KeyState {
				counts[tg.Value] = row.Data.(*view.CountData).Value
			}
		}
	}
	require.Equal(t, int64(2), counts["SUCCEEDED"])
	require.Equal(t, int64(1), counts["FAILED"])
}
