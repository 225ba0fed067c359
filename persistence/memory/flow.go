package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/util"
)

var _ persistence.FlowStorage = new(FlowStorage)

type timed[T any] struct {
	at  time.Time
	seq uint64
	val T
}

type timedQueue[T any] struct {
	items []timed[T]
	seq   uint64
}

func (q *timedQueue[T]) push(at time.Time, v T) {
	q.seq++
	q.items = append(q.items, timed[T]{at: at, seq: q.seq, val: v})
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].at.Equal(q.items[j].at) {
			return q.items[i].seq < q.items[j].seq
		}
		return q.items[i].at.Before(q.items[j].at)
	})
}

func (q *timedQueue[T]) popDue(now time.Time) []T {
	var out []T
	idx := 0
	for idx < len(q.items) && !q.items[idx].at.After(now) {
		out = append(out, q.items[idx].val)
		idx++
	}
	q.items = q.items[idx:]
	return out
}

type sequenceGate struct {
	holder  string
	pending []model.StartRequest
}

// FlowStorage keeps flow contexts and queues in process memory. Contexts are
// stored encoded so callers never share mutable state with the store.
type FlowStorage struct {
	mu      sync.Mutex
	encDec  util.EncoderDecoder[model.FlowContext]
	flows   map[string][]byte
	ready   map[int][]model.StepExecutionRequest
	retry   map[int]*timedQueue[model.StepExecutionRequest]
	delay   map[int]*timedQueue[model.StepExecutionRequest]
	timeout map[int]*timedQueue[model.TimeoutRequest]
	gates   map[string]*sequenceGate
	nowFn   func() time.Time
}

func NewFlowStorage() *FlowStorage {
	return &FlowStorage{
		encDec:  util.NewJsonEncoderDecoder[model.FlowContext](),
		flows:   make(map[string][]byte),
		ready:   make(map[int][]model.StepExecutionRequest),
		retry:   make(map[int]*timedQueue[model.StepExecutionRequest]),
		delay:   make(map[int]*timedQueue[model.StepExecutionRequest]),
		timeout: make(map[int]*timedQueue[model.TimeoutRequest]),
		gates:   make(map[string]*sequenceGate),
		nowFn:   time.Now,
	}
}

// SetClock replaces the clock used to decide which queued entries are due.
func (s *FlowStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

func flowKey(wfName, flowId string) string {
	return wfName + ":" + flowId
}

func (s *FlowStorage) SaveFlowContext(ctx context.Context, flowCtx *model.FlowContext) error {
	data, err := s.encDec.Encode(*flowCtx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flowKey(flowCtx.WorkflowName, flowCtx.Id)] = data
	return nil
}

func (s *FlowStorage) GetFlowContext(ctx context.Context, wfName string, flowId string) (*model.FlowContext, error) {
	s.mu.Lock()
	data, ok := s.flows[flowKey(wfName, flowId)]
	s.mu.Unlock()
	if !ok {
		return nil, persistence.NotFoundError{Kind: "flow", Key: flowKey(wfName, flowId)}
	}
	return s.encDec.Decode(data)
}

func (s *FlowStorage) DeleteFlowContext(ctx context.Context, wfName string, flowId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowKey(wfName, flowId))
	return nil
}

func (s *FlowStorage) SaveFlowContextAndDispatch(ctx context.Context, flowCtxs []*model.FlowContext, reqs []model.StepExecutionRequest) error {
	encoded := make(map[string][]byte, len(flowCtxs))
	for _, fc := range flowCtxs {
		data, err := s.encDec.Encode(*fc)
		if err != nil {
			return err
		}
		encoded[flowKey(fc.WorkflowName, fc.Id)] = data
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range encoded {
		s.flows[k] = v
	}
	for _, req := range reqs {
		s.ready[req.Partition] = append(s.ready[req.Partition], req)
	}
	return nil
}

func (s *FlowStorage) PollSteps(ctx context.Context, partition int, batchSize int) ([]model.StepExecutionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.ready[partition]
	n := batchSize
	if n > len(q) {
		n = len(q)
	}
	out := make([]model.StepExecutionRequest, n)
	copy(out, q[:n])
	s.ready[partition] = q[n:]
	return out, nil
}

func (s *FlowStorage) Retry(ctx context.Context, req model.StepExecutionRequest, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueFor(s.retry, req.Partition).push(at, req)
	return nil
}

func (s *FlowStorage) PollRetry(ctx context.Context, partition int) ([]model.StepExecutionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queueFor(s.retry, partition).popDue(s.nowFn()), nil
}

func (s *FlowStorage) Delay(ctx context.Context, req model.StepExecutionRequest, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueFor(s.delay, req.Partition).push(at, req)
	return nil
}

func (s *FlowStorage) PollDelay(ctx context.Context, partition int) ([]model.StepExecutionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queueFor(s.delay, partition).popDue(s.nowFn()), nil
}

func (s *FlowStorage) Timeout(ctx context.Context, req model.TimeoutRequest, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueFor(s.timeout, req.Partition).push(at, req)
	return nil
}

func (s *FlowStorage) PollTimeout(ctx context.Context, partition int) ([]model.TimeoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queueFor(s.timeout, partition).popDue(s.nowFn()), nil
}

func (s *FlowStorage) AcquireOrEnqueue(ctx context.Context, key string, req model.StartRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[key]
	if !ok || len(gate.holder) == 0 {
		s.gates[key] = &sequenceGate{holder: req.FlowId}
		return true, nil
	}
	if gate.holder == req.FlowId {
		return true, nil
	}
	for _, p := range gate.pending {
		if p.FlowId == req.FlowId {
			return false, nil
		}
	}
	gate.pending = append(gate.pending, req)
	return false, nil
}

func (s *FlowStorage) ReleaseSequence(ctx context.Context, key string, flowId string) (*model.StartRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[key]
	if !ok || gate.holder != flowId {
		return nil, nil
	}
	if len(gate.pending) == 0 {
		delete(s.gates, key)
		return nil, nil
	}
	next := gate.pending[0]
	gate.pending = gate.pending[1:]
	gate.holder = next.FlowId
	return &next, nil
}

func (s *FlowStorage) DropQueued(ctx context.Context, wfName string, flowId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gate := range s.gates {
		for i, p := range gate.pending {
			if p.WorkflowName == wfName && p.FlowId == flowId {
				gate.pending = append(gate.pending[:i], gate.pending[i+1:]...)
				return true, nil
			}
		}
	}
	return false, nil
}

func queueFor[T any](m map[int]*timedQueue[T], partition int) *timedQueue[T] {
	q, ok := m[partition]
	if !ok {
		q = &timedQueue[T]{}
		m[partition] = q
	}
	return q
}
