package ssebackplane

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mroth/ssebackplane/internal/logger"
)

// Backplane mediates connection registration, group membership and event
// delivery. Memory is the single-node implementation; the distributed
// package provides one that fans out across nodes.
//
// Send operations never block on consumers and never fail: targets that are
// gone are skipped and reported in the returned Delivery.
type Backplane interface {
	Connect() (ConnectionID, QueueReader)
	Disconnect(id ConnectionID)
	Exists(id ConnectionID) bool

	SendToClient(id ConnectionID, env *Envelope) Delivery
	SendToClients(ids []ConnectionID, env *Envelope) Delivery
	SendToAll(env *Envelope) Delivery
	SendToGroup(group string, env *Envelope) Delivery
	SendToGroups(groups []string, env *Envelope) Delivery

	JoinGroup(id ConnectionID, group string)
	JoinGroups(id ConnectionID, groups ...string)
	LeaveGroup(id ConnectionID, group string)
	GroupMemberCount(group string) int
	GroupMembers(group string) []ConnectionID
	ClientGroups(id ConnectionID) []string

	OnDisconnect(fn func(DisconnectNotice)) Subscription
}

// Delivery aggregates the per-recipient outcome of one send on the local
// node.
type Delivery struct {
	Targeted  int // recipients in the snapshot
	Delivered int // envelopes accepted by a queue
	Dropped   int // recipients gone before the envelope was queued
	Evicted   int // older envelopes discarded by a bounded queue
}

// Add returns the sum of two deliveries.
func (d Delivery) Add(o Delivery) Delivery {
	return Delivery{
		Targeted:  d.Targeted + o.Targeted,
		Delivered: d.Delivered + o.Delivered,
		Dropped:   d.Dropped + o.Dropped,
		Evicted:   d.Evicted + o.Evicted,
	}
}

// DisconnectNotice is emitted once per disconnect, after cleanup.
type DisconnectNotice struct {
	ConnectionID ConnectionID
	Groups       []string // groups the connection was in at disconnect time
}

// Subscription is returned by OnDisconnect.
type Subscription interface {
	Unsubscribe()
}

type listener struct {
	id uint64
	fn func(DisconnectNotice)
}

// listeners is an ordered set of disconnect callbacks.
type listeners struct {
	mu   sync.RWMutex
	next uint64
	fns  []listener
}

func (l *listeners) add(fn func(DisconnectNotice)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.fns = append(l.fns, listener{id: l.next, fn: fn})
	return &subscription{l: l, id: l.next}
}

func (l *listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ln := range l.fns {
		if ln.id == id {
			l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
			return
		}
	}
}

// fire calls every listener in registration order. Each gets its own copy of
// the group list, and a panicking listener is logged and skipped.
func (l *listeners) fire(n DisconnectNotice, log *slog.Logger) {
	l.mu.RLock()
	fns := make([]listener, len(l.fns))
	copy(fns, l.fns)
	l.mu.RUnlock()

	for _, ln := range fns {
		notice := DisconnectNotice{
			ConnectionID: n.ConnectionID,
			Groups:       append([]string(nil), n.Groups...),
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("disconnect listener panicked",
						logger.ConnID(string(n.ConnectionID)),
						logger.Error(fmt.Errorf("%v", r)))
				}
			}()
			ln.fn(notice)
		}()
	}
}

type subscription struct {
	l    *listeners
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.l.remove(s.id) })
}
