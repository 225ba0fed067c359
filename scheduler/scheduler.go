package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/metrics"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

// Starter starts the target workflow of a schedule.
type Starter interface {
	StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error)
}

type CreateRequest struct {
	Name                  string
	Group                 string
	Expression            string
	Timezone              string
	Target                model.ScheduleTarget
	ActionAfterCompletion model.ActionAfterCompletion
}

// ValidationError rejects a schedule request; retrying it cannot succeed.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

type Scheduler struct {
	storage persistence.ScheduleStorage
	starter Starter
	conf    config.SchedulerConfig
	tw      *util.TickWorker
	locks   *util.KeyedMutex
	nowFn   func() time.Time
}

func NewScheduler(storage persistence.ScheduleStorage, starter Starter, conf config.SchedulerConfig, wg *sync.WaitGroup) *Scheduler {
	if len(conf.Group) == 0 {
		conf.Group = "default"
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	s := &Scheduler{
		storage: storage,
		starter: starter,
		conf:    conf,
		locks:   util.NewKeyedMutex(64),
		nowFn:   time.Now,
	}
	s.tw = util.NewTickWorker("scheduler", conf.PollInterval, s.FireDue, wg)
	return s
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.nowFn = now
}

func (s *Scheduler) Start() {
	s.tw.Start()
}

func (s *Scheduler) Stop() {
	s.tw.Stop()
}

func (s *Scheduler) group(g string) string {
	if len(g) == 0 {
		return s.conf.Group
	}
	return g
}

// Create stores the schedule, replacing any schedule of the same name in the
// group.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*model.Schedule, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, ValidationError{Message: err.Error()}
	}
	if len(req.Target.Workflow) == 0 {
		return nil, ValidationError{Message: fmt.Sprintf("schedule %s needs a target workflow", req.Name)}
	}
	expr, err := ParseExpression(req.Expression, req.Timezone)
	if err != nil {
		return nil, ValidationError{Message: err.Error()}
	}
	after := req.ActionAfterCompletion
	if len(after) == 0 {
		after = model.ACTION_AFTER_NONE
	}
	if after != model.ACTION_AFTER_NONE && after != model.ACTION_AFTER_DELETE {
		return nil, ValidationError{Message: fmt.Sprintf("invalid actionAfterCompletion %s", after)}
	}
	input, err := util.NormalizeMap(req.Target.Input)
	if err != nil {
		return nil, ValidationError{Message: fmt.Sprintf("invalid schedule input: %v", err)}
	}
	group := s.group(req.Group)
	now := s.nowFn()
	sch := model.Schedule{
		Name:                  req.Name,
		Group:                 group,
		Arn:                   Arn(group, req.Name),
		Expression:            req.Expression,
		Timezone:              req.Timezone,
		Target:                model.ScheduleTarget{Workflow: req.Target.Workflow, Input: input},
		ActionAfterCompletion: after,
		FireAt:                expr.FirstFire(now),
		CreatedAt:             now,
	}
	unlock := s.locks.Lock(sch.Id())
	defer unlock()
	if err := s.storage.SaveSchedule(ctx, sch); err != nil {
		return nil, err
	}
	logger.Info("schedule saved", zap.String("arn", sch.Arn), zap.Time("fireAt", sch.FireAt))
	return &sch, nil
}

// Delete removes the schedule and reports whether it existed.
func (s *Scheduler) Delete(ctx context.Context, group string, name string) (bool, error) {
	unlock := s.locks.Lock(s.group(group) + "/" + name)
	defer unlock()
	deleted, err := s.storage.DeleteSchedule(ctx, s.group(group), name)
	if err != nil {
		return false, err
	}
	logger.Info("schedule deleted", zap.String("group", s.group(group)), zap.String("name", name), zap.Bool("existed", deleted))
	return deleted, nil
}

func (s *Scheduler) Get(ctx context.Context, group string, name string) (*model.Schedule, error) {
	return s.storage.GetSchedule(ctx, s.group(group), name)
}

// FireDue starts the targets of every due schedule. The tick worker calls
// it; tests call it directly.
func (s *Scheduler) FireDue() {
	ctx := context.Background()
	due, err := s.storage.PollDueSchedules(ctx, s.nowFn(), s.conf.BatchSize)
	if err != nil {
		logger.Error("error polling due schedules", zap.Error(err))
		return
	}
	for _, sch := range due {
		s.fire(ctx, sch)
	}
}

// ExecutionName is the execution id used for one firing. Firing the same
// schedule occurrence twice starts nothing new; a replaced schedule gets new
// names even when its fire time is unchanged.
func ExecutionName(sch model.Schedule) string {
	occurrence := fmt.Sprintf("%s@%s#%d", sch.Arn, sch.FireAt.UTC().Format(time.RFC3339), sch.CreatedAt.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(occurrence)).String()
}

func (s *Scheduler) fire(ctx context.Context, sch model.Schedule) {
	name := ExecutionName(sch)
	id, err := s.starter.StartExecution(ctx, sch.Target.Workflow, name, sch.Target.Input)
	if err != nil {
		var nf persistence.NotFoundError
		if !errors.As(err, &nf) {
			logger.Error("error firing schedule, will retry", zap.String("arn", sch.Arn), zap.Error(err))
			unlock := s.locks.Lock(sch.Id())
			defer unlock()
			if !s.unchanged(ctx, sch) {
				return
			}
			if err := s.storage.SaveSchedule(ctx, sch); err != nil {
				logger.Error("error re-arming schedule", zap.String("arn", sch.Arn), zap.Error(err))
			}
			return
		}
		logger.Error("schedule target does not exist", zap.String("arn", sch.Arn), zap.String("workflow", sch.Target.Workflow), zap.Error(err))
	} else {
		metrics.Record(ctx, metrics.SchedulesFired, 1, metrics.Tag(metrics.KeyWorkflow, sch.Target.Workflow))
		logger.Info("schedule fired", zap.String("arn", sch.Arn), zap.String("execution", id))
	}
	s.afterFire(ctx, sch)
}

// afterFire deletes or re-arms the fired schedule. A schedule replaced or
// deleted since the poll is left alone.
func (s *Scheduler) afterFire(ctx context.Context, sch model.Schedule) {
	unlock := s.locks.Lock(sch.Id())
	defer unlock()
	if !s.unchanged(ctx, sch) {
		return
	}
	if sch.ActionAfterCompletion == model.ACTION_AFTER_DELETE {
		if _, err := s.storage.DeleteSchedule(ctx, sch.Group, sch.Name); err != nil {
			logger.Error("error deleting fired schedule", zap.String("arn", sch.Arn), zap.Error(err))
		}
		return
	}
	expr, err := ParseExpression(sch.Expression, sch.Timezone)
	if err != nil || !expr.IsRate() {
		return
	}
	now := s.nowFn()
	fired := sch.FireAt
	sch.LastFiredAt = &fired
	for !sch.FireAt.After(now) {
		sch.FireAt = sch.FireAt.Add(expr.Every)
	}
	if err := s.storage.SaveSchedule(ctx, sch); err != nil {
		logger.Error("error re-arming rate schedule", zap.String("arn", sch.Arn), zap.Error(err))
	}
}

// unchanged reports whether sch is still the stored version of the schedule.
// Callers hold the schedule lock.
func (s *Scheduler) unchanged(ctx context.Context, sch model.Schedule) bool {
	current, err := s.storage.GetSchedule(ctx, sch.Group, sch.Name)
	if err != nil {
		var nf persistence.NotFoundError
		if !errors.As(err, &nf) {
			logger.Error("error reading fired schedule", zap.String("arn", sch.Arn), zap.Error(err))
		}
		return false
	}
	if !current.CreatedAt.Equal(sch.CreatedAt) || !current.FireAt.Equal(sch.FireAt) {
		logger.Info("schedule replaced while firing", zap.String("arn", sch.Arn), zap.Time("fireAt", current.FireAt))
		return false
	}
	return true
}
