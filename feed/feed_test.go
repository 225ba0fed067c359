package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/stretchr/testify/require"
)

type partitions []int

func (p partitions) LocalPartitions() []int { return p }

type singlePartition struct{}

func (singlePartition) GetPartition(key string) int { return 0 }
func (singlePartition) PartitionCount() int         { return 1 }

type recorder struct {
	mu      sync.Mutex
	batches [][]model.ChangeEvent
	calls   int
	fail    int
}

func (r *recorder) handle(ctx context.Context, events []model.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != 0 {
		if r.fail > 0 {
			r.fail--
		}
		return errors.New("workflow start failed")
	}
	r.batches = append(r.batches, events)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, e := range b {
			out = append(out, e.Key.PartitionKey)
		}
	}
	return out
}

var schema = model.TableSchema{Name: "media-schedules", PartitionKey: "mediaChannelId"}

func put(t *testing.T, table *memory.Table, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := table.Put(context.Background(), model.Record{"mediaChannelId": id})
		require.NoError(t, err)
	}
}

func TestFeed(t *testing.T) {
	ctx := context.Background()
	base := config.FeedConfig{
		Consumer:         "router",
		BatchSize:        1,
		MaxRetryAttempts: 3,
		PollInterval:     time.Hour,
	}
	setup := func(t *testing.T, conf config.FeedConfig, local partitions) (*Feed, *memory.Table, *recorder, *time.Time) {
		table := memory.NewTable(schema, singlePartition{})
		f := NewFeed(table, schema.Name, conf, local, &sync.WaitGroup{})
		now := time.Now()
		f.SetClock(func() time.Time { return now })
		t.Cleanup(f.Stop)
		return f, table, &recorder{}, &now
	}

	for scenario, fn := range map[string]func(t *testing.T){
		"latest skips earlier events": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			put(t, table, "1", "2")
			require.NoError(t, f.Subscribe(ctx, LATEST, rec.handle))
			f.Poll()
			require.Empty(t, rec.ids())
			put(t, table, "3")
			f.Poll()
			require.Equal(t, []string{"3"}, rec.ids())
		},
		"trim horizon delivers in order": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			put(t, table, "1", "2", "3")
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			for i := 0; i < 5; i++ {
				f.Poll()
			}
			require.Equal(t, []string{"1", "2", "3"}, rec.ids())
			for _, b := range rec.batches {
				require.Len(t, b, 1)
			}
		},
		"checkpoint overrides start position": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			put(t, table, "1", "2", "3")
			events, err := table.Read(ctx, 0, "", 0)
			require.NoError(t, err)
			require.NoError(t, table.Commit(ctx, "router", 0, events[1].SequenceNumber))
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			f.Poll()
			f.Poll()
			require.Equal(t, []string{"3"}, rec.ids())
		},
		"explicit position": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			put(t, table, "1", "2", "3")
			events, err := table.Read(ctx, 0, "", 0)
			require.NoError(t, err)
			require.NoError(t, f.Subscribe(ctx, events[0].SequenceNumber, rec.handle))
			f.Poll()
			f.Poll()
			require.Equal(t, []string{"2", "3"}, rec.ids())
		},
		"batching window": func(t *testing.T) {
			conf := base
			conf.BatchSize = 3
			conf.MaxBatchingWindow = time.Minute
			f, table, rec, now := setup(t, conf, partitions{0})
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			put(t, table, "1", "2")
			f.Poll()
			require.Empty(t, rec.batches)
			*now = now.Add(30 * time.Second)
			f.Poll()
			require.Empty(t, rec.batches)
			*now = now.Add(31 * time.Second)
			f.Poll()
			require.Len(t, rec.batches, 1)
			require.Len(t, rec.batches[0], 2)

			put(t, table, "3", "4", "5")
			f.Poll()
			require.Len(t, rec.batches, 2)
			require.Len(t, rec.batches[1], 3)
		},
		"transient handler failures are retried": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			rec.fail = 2
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			put(t, table, "1")
			f.Poll()
			require.Equal(t, 3, rec.calls)
			require.Equal(t, []string{"1"}, rec.ids())
		},
		"exhausted retries drop the batch": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{0})
			rec.fail = -1
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			put(t, table, "1")
			f.Poll()
			require.Equal(t, 4, rec.calls)
			rec.fail = 0
			put(t, table, "2")
			f.Poll()
			f.Poll()
			require.Equal(t, []string{"2"}, rec.ids())
			pos, ok, err := table.Checkpoint(ctx, "router", 0)
			require.NoError(t, err)
			require.True(t, ok)
			latest, err := table.Latest(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, latest, pos)
		},
		"expired events are dropped": func(t *testing.T) {
			conf := base
			conf.MaxRecordAge = time.Minute
			f, table, rec, now := setup(t, conf, partitions{0})
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			put(t, table, "1")
			*now = now.Add(2 * time.Minute)
			f.Poll()
			require.Equal(t, 0, rec.calls)
			*now = time.Now()
			put(t, table, "2")
			f.Poll()
			require.Equal(t, []string{"2"}, rec.ids())
		},
		"events age out between retries": func(t *testing.T) {
			conf := base
			conf.MaxRecordAge = time.Minute
			f, table, _, now := setup(t, conf, partitions{0})
			calls := 0
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, func(ctx context.Context, events []model.ChangeEvent) error {
				calls++
				*now = now.Add(2 * time.Minute)
				return fmt.Errorf("down")
			}))
			put(t, table, "1")
			f.Poll()
			require.Equal(t, 1, calls)
		},
		"only local partitions are read": func(t *testing.T) {
			f, table, rec, _ := setup(t, base, partitions{})
			require.NoError(t, f.Subscribe(ctx, TRIM_HORIZON, rec.handle))
			put(t, table, "1")
			f.Poll()
			require.Empty(t, rec.ids())
		},
		"nil handler is rejected": func(t *testing.T) {
			f, _, _, _ := setup(t, base, partitions{0})
			require.Error(t, f.Subscribe(ctx, LATEST, nil))
		},
	} {
		t.Run(scenario, fn)
	}
}
