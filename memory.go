package ssebackplane

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mroth/ssebackplane/internal/debug"
	"github.com/mroth/ssebackplane/internal/logger"
	"github.com/mroth/ssebackplane/internal/queue"
)

// Memory is the in-process Backplane. It keeps every connection of this node
// in a Registry and delivers by pushing onto per-connection queues.
type Memory struct {
	reg       *Registry
	listeners listeners

	conf    memoryConfig
	log     *slog.Logger
	metrics *Metrics

	sentMsgs    atomic.Uint64 // send operations since startup
	startupTime time.Time
	closed      atomic.Bool
}

var _ Backplane = (*Memory)(nil)

type memoryConfig struct {
	QueueLimit int    // per-connection queue bound, 0 for unbounded
	NodeName   string // reported in Status
}

// Option configures a Memory backplane.
type Option func(m *Memory) error

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) error {
		if l != nil {
			m.log = l
		}
		return nil
	}
}

// WithQueueLimit bounds every connection queue to n envelopes; when full the
// oldest queued envelope is dropped. n == 0 (the default) means unbounded,
// which never loses events but lets a stalled client grow memory without
// limit.
func WithQueueLimit(n int) Option {
	return func(m *Memory) error {
		if n < 0 {
			return errors.New("ssebackplane: queue limit must not be negative")
		}
		m.conf.QueueLimit = n
		return nil
	}
}

// WithMetrics records backplane activity on metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Memory) error {
		m.metrics = metrics
		return nil
	}
}

// WithNodeName overrides the node name reported in Status.
func WithNodeName(name string) Option {
	return func(m *Memory) error {
		m.conf.NodeName = name
		return nil
	}
}

// NewMemory creates an in-process backplane.
func NewMemory(opts ...Option) (*Memory, error) {
	m := &Memory{
		log:         logger.Discard(),
		startupTime: time.Now(),
		conf: memoryConfig{
			NodeName: defaultNodeName(),
		},
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.log = m.log.With(logger.Component("backplane"))
	m.reg = NewRegistry(m.conf.QueueLimit, m.log)
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Memory) Registry() *Registry { return m.reg }

// Metrics returns the metrics the backplane records on, possibly nil.
func (m *Memory) Metrics() *Metrics { return m.metrics }

// Logger returns the backplane's logger.
func (m *Memory) Logger() *slog.Logger { return m.log }

// Connect registers a new connection. After Close it returns an
// unregistered id whose queue is already closed, so a stream opened during
// shutdown ends at once.
func (m *Memory) Connect() (ConnectionID, QueueReader) {
	if m.closed.Load() {
		q := queue.New[*Envelope](0)
		q.Close()
		id := ConnectionID(uuid.NewString())
		m.log.Debug("connect refused: backplane closed", logger.ConnID(string(id)))
		return id, q
	}
	id, r := m.reg.Connect()
	m.metrics.connected()
	m.log.Debug("client connected", logger.ConnID(string(id)), logger.Count("total", m.reg.Count()))
	// Close may have taken its snapshot between the check above and the
	// registration
	if m.closed.Load() {
		m.Disconnect(id)
	}
	return id, r
}

// Disconnect removes the connection and notifies OnDisconnect listeners.
// Unknown or already removed ids are ignored.
func (m *Memory) Disconnect(id ConnectionID) {
	groups, ok := m.reg.Disconnect(id)
	if !ok {
		return
	}
	m.metrics.disconnected()
	m.log.Debug("client disconnected", logger.ConnID(string(id)), logger.Groups(groups))
	m.listeners.fire(DisconnectNotice{ConnectionID: id, Groups: groups}, m.log)
}

// Exists reports whether id is connected to this node.
func (m *Memory) Exists(id ConnectionID) bool { return m.reg.Exists(id) }

func (m *Memory) deliver(c *connection, env *Envelope) Delivery {
	d := Delivery{Targeted: 1}
	if c == nil {
		d.Dropped = 1
		return d
	}
	ok, evicted := c.push(env)
	switch {
	case !ok:
		// disconnected between snapshot and push
		d.Dropped = 1
	default:
		d.Delivered = 1
	}
	if evicted {
		d.Evicted = 1
	}
	return d
}

func (m *Memory) record(kind string, d Delivery) Delivery {
	m.sentMsgs.Add(1)
	m.metrics.send(kind, d)
	debug.Debug("send", logger.Kind(kind),
		logger.Count("targeted", d.Targeted),
		logger.Count("delivered", d.Delivered),
		logger.Count("dropped", d.Dropped))
	return d
}

// SendToClient enqueues env for one connection.
func (m *Memory) SendToClient(id ConnectionID, env *Envelope) Delivery {
	if env == nil {
		return Delivery{}
	}
	return m.record("client", m.deliver(m.reg.lookup(id), env))
}

// SendToClients enqueues env for each listed connection.
func (m *Memory) SendToClients(ids []ConnectionID, env *Envelope) Delivery {
	if env == nil {
		return Delivery{}
	}
	var d Delivery
	for _, id := range ids {
		d = d.Add(m.deliver(m.reg.lookup(id), env))
	}
	return m.record("clients", d)
}

// SendToAll enqueues env for every connection registered at call time.
func (m *Memory) SendToAll(env *Envelope) Delivery {
	if env == nil {
		return Delivery{}
	}
	var d Delivery
	for _, c := range m.reg.snapshot() {
		d = d.Add(m.deliver(c, env))
	}
	return m.record("all", d)
}

// SendToGroup enqueues env, tagged with group, for every member of group at
// call time.
func (m *Memory) SendToGroup(group string, env *Envelope) Delivery {
	if env == nil {
		return Delivery{}
	}
	return m.record("group", m.sendToGroup(group, env))
}

func (m *Memory) sendToGroup(group string, env *Envelope) Delivery {
	var d Delivery
	members := m.reg.GroupMembers(group)
	if len(members) == 0 {
		return d
	}
	tagged := env.WithGroup(group)
	for _, id := range members {
		d = d.Add(m.deliver(m.reg.lookup(id), tagged))
	}
	return d
}

// SendToGroups sends to each group in turn. A connection that is a member of
// several listed groups receives one copy per group, each tagged with that
// group.
func (m *Memory) SendToGroups(groups []string, env *Envelope) Delivery {
	if env == nil {
		return Delivery{}
	}
	var d Delivery
	for _, g := range groups {
		d = d.Add(m.sendToGroup(g, env))
	}
	return m.record("groups", d)
}

// JoinGroup adds id to group. Unknown ids are logged and ignored.
func (m *Memory) JoinGroup(id ConnectionID, group string) {
	m.reg.JoinGroup(id, group)
}

// JoinGroups adds id to every group.
func (m *Memory) JoinGroups(id ConnectionID, groups ...string) {
	for _, g := range groups {
		m.reg.JoinGroup(id, g)
	}
}

// LeaveGroup removes id from group.
func (m *Memory) LeaveGroup(id ConnectionID, group string) {
	m.reg.LeaveGroup(id, group)
}

// GroupMemberCount is the number of members of group, 0 if unknown.
func (m *Memory) GroupMemberCount(group string) int {
	return m.reg.GroupMemberCount(group)
}

// GroupMembers returns a snapshot of group's members.
func (m *Memory) GroupMembers(group string) []ConnectionID {
	return m.reg.GroupMembers(group)
}

// ClientGroups returns the groups id belongs to.
func (m *Memory) ClientGroups(id ConnectionID) []string {
	return m.reg.ClientGroups(id)
}

// OnDisconnect registers fn to be called after every disconnect. Listeners run
// synchronously on the disconnecting goroutine, in registration order; a
// panic in one is logged and does not affect the others.
func (m *Memory) OnDisconnect(fn func(DisconnectNotice)) Subscription {
	return m.listeners.add(fn)
}

// Close disconnects every connection, which ends their streams and fires
// disconnect notices. Calling Close more than once is safe.
func (m *Memory) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, id := range m.reg.Connections() {
		m.Disconnect(id)
	}
	m.log.Debug("backplane closed")
}
