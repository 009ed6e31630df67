package distributed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var errBusDown = errors.New("bus down")

// memBus is an in-process Transport and Presence shared by several nodes.
// Messages go through the wire encoding so tests exercise it.
type memBus struct {
	mu        sync.Mutex
	subs      map[*busSub]struct{}
	members   map[string]map[string]struct{}
	published atomic.Int64

	failPublish   atomic.Bool
	failPresence  atomic.Bool
	failSubscribe atomic.Int32 // number of Subscribe calls left to fail
}

type busSub struct {
	*Sub
	mu sync.Mutex // one delivery at a time
	fn func(*Message)
}

func newMemBus() *memBus {
	return &memBus{
		subs:    map[*busSub]struct{}{},
		members: map[string]map[string]struct{}{},
	}
}

// node returns a Transport view of the bus whose Close does not tear the
// shared bus down.
func (b *memBus) node() *busNode { return &busNode{bus: b} }

func (b *memBus) deliver(raw []byte) error {
	msg, err := UnmarshalMessage(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	subs := make([]*busSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		select {
		case <-s.Done():
		default:
			s.fn(msg)
		}
		s.mu.Unlock()
	}
	return nil
}

// drop ends every live subscription with err, as a lost connection would.
func (b *memBus) drop(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[*busSub]struct{}{}
	b.mu.Unlock()
	for s := range subs {
		s.End(err)
	}
}

type busNode struct {
	bus    *memBus
	mu     sync.Mutex
	mine   []*busSub
	closed bool
}

func (n *busNode) Publish(ctx context.Context, msg *Message) error {
	if n.bus.failPublish.Load() {
		return errBusDown
	}
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}
	n.bus.published.Add(1)
	return n.bus.deliver(raw)
}

func (n *busNode) Subscribe(ctx context.Context, fn func(*Message)) (Subscription, error) {
	if left := n.bus.failSubscribe.Load(); left > 0 {
		n.bus.failSubscribe.Add(-1)
		return nil, errBusDown
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errors.New("node closed")
	}
	s := &busSub{fn: fn}
	s.Sub = NewSub(func() error {
		n.bus.mu.Lock()
		delete(n.bus.subs, s)
		n.bus.mu.Unlock()
		return nil
	})
	n.bus.mu.Lock()
	n.bus.subs[s] = struct{}{}
	n.bus.mu.Unlock()
	n.mine = append(n.mine, s)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()
	return s, nil
}

func (n *busNode) Close() error {
	n.mu.Lock()
	n.closed = true
	mine := n.mine
	n.mu.Unlock()
	for _, s := range mine {
		s.Close()
	}
	return nil
}

func (n *busNode) AddMember(ctx context.Context, group, id string) error {
	if n.bus.failPresence.Load() {
		return errBusDown
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	m, ok := n.bus.members[group]
	if !ok {
		m = map[string]struct{}{}
		n.bus.members[group] = m
	}
	m[id] = struct{}{}
	return nil
}

func (n *busNode) RemoveMember(ctx context.Context, group, id string) error {
	if n.bus.failPresence.Load() {
		return errBusDown
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	if m, ok := n.bus.members[group]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(n.bus.members, group)
		}
	}
	return nil
}

func (n *busNode) Members(ctx context.Context, group string) ([]string, error) {
	if n.bus.failPresence.Load() {
		return nil, errBusDown
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	out := make([]string, 0, len(n.bus.members[group]))
	for id := range n.bus.members[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// transportOnly hides the presence methods of a node.
type transportOnly struct {
	Transport
}
