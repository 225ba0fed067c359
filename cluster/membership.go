package cluster

import (
	"net"

	"github.com/hashicorp/serf/serf"
	"github.com/mohitkumar/streamflow/logger"
	"go.uber.org/zap"
)

const rpcAddrTag = "rpc_addr"

type Handler interface {
	Join(name, addr string, isLocal bool) error
	Leave(name string) error
}

// Membership feeds serf member events into a Handler, usually the Ring. The
// local member joins like any other, so the ring learns its own node from
// the first join event.
type Membership struct {
	Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
}

func NewMembership(handler Handler, config Config) (*Membership, error) {
	m := &Membership{
		Config:  config,
		handler: handler,
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Membership) setupSerf() error {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}
	conf := serf.DefaultConfig()
	conf.Init()
	conf.MemberlistConfig.BindAddr = addr.IP.String()
	conf.MemberlistConfig.BindPort = addr.Port
	m.events = make(chan serf.Event)
	conf.EventCh = m.events
	conf.Tags = map[string]string{rpcAddrTag: m.RpcAddr}
	for k, v := range m.Tags {
		conf.Tags[k] = v
	}
	conf.NodeName = m.NodeName
	if m.serf, err = serf.Create(conf); err != nil {
		return err
	}
	go m.eventHandler()
	if len(m.StartJoinAddrs) != 0 {
		n, err := m.serf.Join(m.StartJoinAddrs, true)
		if err != nil {
			return err
		}
		logger.Info("joined cluster", zap.String("node", m.NodeName), zap.Int("contacted", n))
	}
	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		me, ok := e.(serf.MemberEvent)
		if !ok {
			continue
		}
		switch e.EventType() {
		case serf.EventMemberJoin:
			for _, member := range me.Members {
				m.handleJoin(member)
			}
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			for _, member := range me.Members {
				if m.isLocal(member) {
					continue
				}
				m.handleLeave(member)
			}
		}
	}
}

func (m *Membership) handleJoin(member serf.Member) {
	if err := m.handler.Join(member.Name, member.Tags[rpcAddrTag], m.isLocal(member)); err != nil {
		m.logError(err, "failed to join", member)
	}
}

func (m *Membership) handleLeave(member serf.Member) {
	if err := m.handler.Leave(member.Name); err != nil {
		m.logError(err, "failed to leave", member)
	}
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

// Leave announces the departure so peers take over the partitions of this
// node without waiting for failure detection.
func (m *Membership) Leave() error {
	if err := m.serf.Leave(); err != nil {
		return err
	}
	return m.serf.Shutdown()
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	logger.Error(
		msg,
		zap.Error(err),
		zap.String("name", member.Name),
		zap.String(rpcAddrTag, member.Tags[rpcAddrTag]),
	)
}
