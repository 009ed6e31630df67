package ssebackplane

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mroth/ssebackplane/internal/queue"
)

// ConnectionID identifies one open stream. IDs are random UUIDs, unique
// across every node of a deployment, and never reused.
type ConnectionID string

func (id ConnectionID) String() string { return string(id) }

// QueueReader is the read side of a connection's delivery queue. Exactly one
// consumer, the connection's Stream, drains it.
type QueueReader interface {
	// Ready receives whenever envelopes may be available or the queue closed.
	Ready() <-chan struct{}
	// Pop returns the next envelope without blocking.
	Pop() (*Envelope, bool)
	// Done is closed once the connection has been disconnected.
	Done() <-chan struct{}
	Closed() bool
	Len() int
}

type connection struct {
	id      ConnectionID
	created time.Time
	queue   *queue.Queue[*Envelope]

	mu      sync.Mutex
	groups  map[string]struct{}
	removed bool

	enqueued atomic.Uint64 // envelopes accepted by the queue (all time)
}

// push enqueues env, reporting whether the connection accepted it and whether
// an older envelope was evicted to make room.
func (c *connection) push(env *Envelope) (ok, evicted bool) {
	ok, evicted = c.queue.Push(env)
	if ok {
		c.enqueued.Add(1)
	}
	return ok, evicted
}

func (c *connection) groupList() []string {
	c.mu.Lock()
	gs := make([]string, 0, len(c.groups))
	for g := range c.groups {
		gs = append(gs, g)
	}
	c.mu.Unlock()
	sort.Strings(gs)
	return gs
}

// ConnectionStatus is a point-in-time description of a connection.
type ConnectionStatus struct {
	ID       string   `json:"id"`
	Created  int64    `json:"created_at"`
	Groups   []string `json:"groups"`
	Queued   int      `json:"queued"`
	Enqueued uint64   `json:"msgs_enqueued"`
	Dropped  uint64   `json:"msgs_dropped"`
}

func (c *connection) Status() ConnectionStatus {
	return ConnectionStatus{
		ID:       string(c.id),
		Created:  c.created.Unix(),
		Groups:   c.groupList(),
		Queued:   c.queue.Len(),
		Enqueued: c.enqueued.Load(),
		Dropped:  c.queue.Dropped(),
	}
}

// Conn is a convenience handle bundling a connection id, its queue reader and
// the backplane it was created on.
type Conn struct {
	bp     Backplane
	id     ConnectionID
	reader QueueReader
	once   sync.Once
}

// CreateConnection connects a new client to bp and returns its handle.
func CreateConnection(bp Backplane) *Conn {
	id, r := bp.Connect()
	return &Conn{bp: bp, id: id, reader: r}
}

// ID returns the connection id.
func (c *Conn) ID() ConnectionID { return c.id }

// Reader returns the connection's queue reader.
func (c *Conn) Reader() QueueReader { return c.reader }

// JoinGroup adds the connection to group.
func (c *Conn) JoinGroup(group string) { c.bp.JoinGroup(c.id, group) }

// JoinGroups adds the connection to each group.
func (c *Conn) JoinGroups(groups ...string) { c.bp.JoinGroups(c.id, groups...) }

// LeaveGroup removes the connection from group.
func (c *Conn) LeaveGroup(group string) { c.bp.LeaveGroup(c.id, group) }

// Groups returns the groups the connection belongs to.
func (c *Conn) Groups() []string { return c.bp.ClientGroups(c.id) }

// Close disconnects the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() { c.bp.Disconnect(c.id) })
}
