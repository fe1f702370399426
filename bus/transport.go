package bus

import "sync"

// Transport carries invalidation events between browsing contexts of
// the same origin. Send must not deliver back to the sending context;
// delivery to other contexts is asynchronous.
type Transport interface {
	Send(Event) error
	SetHandler(func(Event))
	Close() error
}

// LoopbackGroup is an in-memory transport group. Every member joined
// from the group receives events sent by the other members. It gives
// single-process hosts and tests the cross-context semantics without a
// relay.
type LoopbackGroup struct {
	mu      sync.Mutex
	members []*loopbackMember
}

func NewLoopbackGroup() *LoopbackGroup {
	return &LoopbackGroup{}
}

// Join adds a context to the group and returns its transport.
func (g *LoopbackGroup) Join() Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := &loopbackMember{group: g}
	g.members = append(g.members, m)
	return m
}

func (g *LoopbackGroup) deliver(from *loopbackMember, ev Event) {
	g.mu.Lock()
	members := make([]*loopbackMember, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()
	for _, m := range members {
		if m == from {
			continue
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

type loopbackMember struct {
	group   *LoopbackGroup
	mu      sync.Mutex
	handler func(Event)
}

func (m *loopbackMember) Send(ev Event) error {
	go m.group.deliver(m, ev)
	return nil
}

func (m *loopbackMember) SetHandler(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *loopbackMember) Close() error {
	m.group.mu.Lock()
	defer m.group.mu.Unlock()
	for i, member := range m.group.members {
		if member == m {
			m.group.members = append(m.group.members[:i], m.group.members[i+1:]...)
			break
		}
	}
	return nil
}
