package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	rd "github.com/redis/go-redis/v9"
)

const SCHEDULE_KEY string = "SCHEDULE"
const SCHEDULE_DUE_KEY string = "SCHEDULE_DUE"

var _ persistence.ScheduleStorage = new(redisScheduleStorage)

type redisScheduleStorage struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.Schedule]
}

func NewRedisScheduleStorage(client rd.UniversalClient, namespace string) *redisScheduleStorage {
	return &redisScheduleStorage{
		baseDao:        newBaseDao(client, namespace),
		encoderDecoder: util.NewJsonEncoderDecoder[model.Schedule](),
	}
}

func (r *redisScheduleStorage) SaveSchedule(ctx context.Context, sch model.Schedule) error {
	data, err := r.encoderDecoder.Encode(sch)
	if err != nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, r.getNamespaceKey(SCHEDULE_KEY, sch.Group), sch.Name, string(data))
		pipe.ZAdd(ctx, r.getNamespaceKey(SCHEDULE_DUE_KEY), rd.Z{
			Score:  float64(sch.FireAt.UnixMilli()),
			Member: sch.Id(),
		})
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisScheduleStorage) GetSchedule(ctx context.Context, group string, name string) (*model.Schedule, error) {
	data, err := r.redisClient.HGet(ctx, r.getNamespaceKey(SCHEDULE_KEY, group), name).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "schedule", Key: group + "/" + name}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(data))
}

func (r *redisScheduleStorage) DeleteSchedule(ctx context.Context, group string, name string) (bool, error) {
	var del *rd.IntCmd
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		del = pipe.HDel(ctx, r.getNamespaceKey(SCHEDULE_KEY, group), name)
		pipe.ZRem(ctx, r.getNamespaceKey(SCHEDULE_DUE_KEY), group+"/"+name)
		return nil
	})
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return del.Val() == 1, nil
}

// PollDueSchedules claims due entries with ZREM so each schedule is handed
// out to a single poller.
func (r *redisScheduleStorage) PollDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	dueKey := r.getNamespaceKey(SCHEDULE_DUE_KEY)
	ids, err := r.redisClient.ZRangeByScore(ctx, dueKey, &rd.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var due []model.Schedule
	for _, id := range ids {
		removed, err := r.redisClient.ZRem(ctx, dueKey, id).Result()
		if err != nil {
			return due, persistence.StorageLayerError{Message: err.Error()}
		}
		if removed == 0 {
			continue
		}
		group, name, ok := strings.Cut(id, "/")
		if !ok {
			continue
		}
		sch, err := r.GetSchedule(ctx, group, name)
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return due, err
		}
		due = append(due, *sch)
	}
	return due, nil
}
