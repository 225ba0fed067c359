package channel

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/logger"
	"go.uber.org/zap"
)

// PIPELINES is the pipeline count of a running standard channel.
const PIPELINES = 2

var _ Client = new(Simulator)

type simChannel struct {
	state State
	since time.Time
}

// Simulator is an in-process channel control plane. Channels appear IDLE on
// first use and move through STARTING and STOPPING in transition time.
type Simulator struct {
	mu         sync.Mutex
	channels   map[string]*simChannel
	transition time.Duration
	nowFn      func() time.Time
}

func NewSimulator(transition time.Duration) *Simulator {
	return &Simulator{
		channels:   make(map[string]*simChannel),
		transition: transition,
		nowFn:      time.Now,
	}
}

func (s *Simulator) SetClock(now func() time.Time) {
	s.nowFn = now
}

func (s *Simulator) channel(id string) *simChannel {
	ch, ok := s.channels[id]
	if !ok {
		ch = &simChannel{state: IDLE, since: s.nowFn()}
		s.channels[id] = ch
	}
	now := s.nowFn()
	if now.Sub(ch.since) >= s.transition {
		switch ch.state {
		case STARTING:
			ch.state = RUNNING
			ch.since = now
		case STOPPING:
			ch.state = IDLE
			ch.since = now
		}
	}
	return ch
}

func describe(id string, ch *simChannel) *Description {
	d := &Description{ChannelId: id, State: ch.state}
	if ch.state == RUNNING {
		d.PipelinesRunningCount = PIPELINES
	}
	return d
}

func (s *Simulator) move(id string, ch *simChannel, to State) {
	logger.Info("channel state change", zap.String("channel", id), zap.String("from", string(ch.state)), zap.String("to", string(to)))
	ch.state = to
	ch.since = s.nowFn()
}

func (s *Simulator) Start(ctx context.Context, channelId string) (*Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelId)
	switch ch.state {
	case IDLE:
		s.move(channelId, ch, STARTING)
		ch = s.channel(channelId)
	case STOPPING:
		return nil, ConflictError{ChannelId: channelId, State: ch.state, Request: "start"}
	}
	return describe(channelId, ch), nil
}

func (s *Simulator) Stop(ctx context.Context, channelId string) (*Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelId)
	switch ch.state {
	case RUNNING:
		s.move(channelId, ch, STOPPING)
		ch = s.channel(channelId)
	case STARTING:
		return nil, ConflictError{ChannelId: channelId, State: ch.state, Request: "stop"}
	}
	return describe(channelId, ch), nil
}

func (s *Simulator) Describe(ctx context.Context, channelId string) (*Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return describe(channelId, s.channel(channelId)), nil
}
