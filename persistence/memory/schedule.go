package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
)

var _ persistence.ScheduleStorage = new(ScheduleStorage)

type ScheduleStorage struct {
	mu        sync.Mutex
	schedules map[string]model.Schedule
	due       map[string]time.Time
}

func NewScheduleStorage() *ScheduleStorage {
	return &ScheduleStorage{
		schedules: make(map[string]model.Schedule),
		due:       make(map[string]time.Time),
	}
}

func (s *ScheduleStorage) SaveSchedule(ctx context.Context, sch model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sch.Id()] = sch
	s.due[sch.Id()] = sch.FireAt
	return nil
}

func (s *ScheduleStorage) GetSchedule(ctx context.Context, group string, name string) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[group+"/"+name]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "schedule", Key: group + "/" + name}
	}
	return &sch, nil
}

func (s *ScheduleStorage) DeleteSchedule(ctx context.Context, group string, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := group + "/" + name
	_, ok := s.schedules[id]
	delete(s.schedules, id)
	delete(s.due, id)
	return ok, nil
}

// PollDueSchedules hands out each due schedule once, in fire order.
func (s *ScheduleStorage) PollDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Schedule
	for id, at := range s.due {
		if at.After(now) {
			continue
		}
		if sch, ok := s.schedules[id]; ok {
			due = append(due, sch)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, sch := range due {
		delete(s.due, sch.Id())
	}
	return due, nil
}
