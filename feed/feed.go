package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/metrics"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

const (
	LATEST       = "LATEST"
	TRIM_HORIZON = "TRIM_HORIZON"
)

// Handler receives the events of one partition in order. A returned error
// makes the feed retry the batch within its failure budget.
type Handler func(ctx context.Context, events []model.ChangeEvent) error

// PartitionSource reports the partitions this node reads.
type PartitionSource interface {
	LocalPartitions() []int
}

type partitionState struct {
	cursor  string
	pending []model.ChangeEvent
	since   time.Time
}

// Feed delivers the change log of the local partitions to a handler, in
// batches, at least once. The checkpoint of a partition advances past a batch
// once it was delivered or dropped.
type Feed struct {
	log        persistence.ChangeLog
	table      string
	conf       config.FeedConfig
	partitions PartitionSource
	handler    Handler
	from       string
	state      map[int]*partitionState
	mu         sync.Mutex
	tw         *util.TickWorker
	nowFn      func() time.Time
}

func NewFeed(log persistence.ChangeLog, table string, conf config.FeedConfig, partitions PartitionSource, wg *sync.WaitGroup) *Feed {
	if len(conf.Consumer) == 0 {
		conf.Consumer = "router"
	}
	if conf.BatchSize < 1 {
		conf.BatchSize = 1
	}
	if conf.MaxRetryAttempts < 0 {
		conf.MaxRetryAttempts = 0
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 200 * time.Millisecond
	}
	f := &Feed{
		log:        log,
		table:      table,
		conf:       conf,
		partitions: partitions,
		state:      make(map[int]*partitionState),
		nowFn:      time.Now,
	}
	f.tw = util.NewTickWorker("feed-"+table, conf.PollInterval, f.Poll, wg)
	return f
}

func (f *Feed) SetClock(now func() time.Time) {
	f.nowFn = now
}

// Subscribe starts delivering to handler. fromPosition is LATEST, TRIM_HORIZON
// or a sequence number after which reading starts; a stored checkpoint of the
// consumer takes precedence.
func (f *Feed) Subscribe(ctx context.Context, fromPosition string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("feed %s: handler is nil", f.table)
	}
	if len(fromPosition) == 0 {
		fromPosition = f.conf.StartingPosition
	}
	if len(fromPosition) == 0 {
		fromPosition = LATEST
	}
	f.mu.Lock()
	f.handler = handler
	f.from = fromPosition
	f.mu.Unlock()
	logger.Info("subscribed to change feed", zap.String("table", f.table), zap.String("consumer", f.conf.Consumer), zap.String("from", fromPosition))
	f.tw.Start()
	return nil
}

func (f *Feed) Stop() {
	f.tw.Stop()
}

// Poll reads and delivers once for every local partition. The tick worker
// calls it; tests call it directly.
func (f *Feed) Poll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		return
	}
	ctx := context.Background()
	local := f.partitions.LocalPartitions()
	owned := make(map[int]bool, len(local))
	for _, p := range local {
		owned[p] = true
		if err := f.pollPartition(ctx, p); err != nil {
			logger.Error("error reading change feed", zap.String("table", f.table), zap.Int("partition", p), zap.Error(err))
		}
	}
	for p := range f.state {
		if !owned[p] {
			// Undelivered events are read again by the new owner from the
			// committed checkpoint.
			delete(f.state, p)
		}
	}
}

func (f *Feed) startPosition(ctx context.Context, p int) (string, error) {
	pos, ok, err := f.log.Checkpoint(ctx, f.conf.Consumer, p)
	if err != nil {
		return "", err
	}
	if ok {
		return pos, nil
	}
	switch f.from {
	case LATEST:
		return f.log.Latest(ctx, p)
	case TRIM_HORIZON:
		return "", nil
	default:
		return f.from, nil
	}
}

func (f *Feed) pollPartition(ctx context.Context, p int) error {
	st, ok := f.state[p]
	if !ok {
		pos, err := f.startPosition(ctx, p)
		if err != nil {
			return err
		}
		st = &partitionState{cursor: pos}
		f.state[p] = st
		if err := f.log.Commit(ctx, f.conf.Consumer, p, pos); err != nil {
			return err
		}
	}
	if room := f.conf.BatchSize - len(st.pending); room > 0 {
		events, err := f.log.Read(ctx, p, st.cursor, room)
		if err != nil {
			return err
		}
		if len(events) != 0 {
			if len(st.pending) == 0 {
				st.since = f.nowFn()
			}
			st.pending = append(st.pending, events...)
			st.cursor = events[len(events)-1].SequenceNumber
			metrics.Record(ctx, metrics.FeedEventsRead, int64(len(events)), metrics.Tag(metrics.KeyTable, f.table))
		}
	}
	if len(st.pending) == 0 {
		return nil
	}
	if len(st.pending) < f.conf.BatchSize && f.nowFn().Sub(st.since) < f.conf.MaxBatchingWindow {
		return nil
	}
	batch := st.pending
	st.pending = nil
	f.deliver(ctx, p, batch)
	return f.log.Commit(ctx, f.conf.Consumer, p, batch[len(batch)-1].SequenceNumber)
}

var errAllExpired = errors.New("all events expired")

func (f *Feed) deliver(ctx context.Context, p int, batch []model.ChangeEvent) {
	attempts := 0
	err := util.RetryConstant(ctx, f.conf.RetryInterval, f.conf.MaxRetryAttempts, func() error {
		batch = f.dropExpired(ctx, p, batch)
		if len(batch) == 0 {
			return util.Permanent(errAllExpired)
		}
		attempts++
		return f.handler(ctx, batch)
	})
	if err == nil || errors.Is(err, errAllExpired) {
		return
	}
	logger.Error("dropping change events after retries",
		zap.String("table", f.table), zap.Int("partition", p), zap.Int("events", len(batch)),
		zap.String("last", batch[len(batch)-1].SequenceNumber), zap.Int("attempts", attempts), zap.Error(err))
	metrics.Record(ctx, metrics.FeedEventsDropped, int64(len(batch)), metrics.Tag(metrics.KeyTable, f.table), metrics.Tag(metrics.KeyReason, "retries"))
}

func (f *Feed) dropExpired(ctx context.Context, p int, batch []model.ChangeEvent) []model.ChangeEvent {
	if f.conf.MaxRecordAge <= 0 {
		return batch
	}
	now := f.nowFn()
	kept := batch[:0:0]
	for _, e := range batch {
		if e.Age(now) > f.conf.MaxRecordAge {
			logger.Warn("dropping expired change event", zap.String("table", f.table), zap.Int("partition", p), zap.String("sequence", e.SequenceNumber), zap.Duration("age", e.Age(now)))
			metrics.Record(ctx, metrics.FeedEventsDropped, 1, metrics.Tag(metrics.KeyTable, f.table), metrics.Tag(metrics.KeyReason, "age"))
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
