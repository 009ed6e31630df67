// Package distributed spreads a backplane over several nodes.
//
// Each node keeps its own connections in an ssebackplane.Memory. Sends are
// delivered to local connections immediately and published through a
// Transport so every other node delivers them to its own connections. Group
// membership across nodes is eventually consistent: a message reaches the
// members a node knows about when the message arrives there.
package distributed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mroth/ssebackplane"
	"github.com/mroth/ssebackplane/internal/debug"
	"github.com/mroth/ssebackplane/internal/logger"
	"github.com/mroth/ssebackplane/internal/queue"
)

// Distributed is a Backplane whose sends reach connections on every node
// sharing the Transport.
//
// Sends never block on the network: messages go onto an ordered outbox that
// Run drains with a single goroutine, so sends from one goroutine are
// published in the order they were made. Transport failures are logged and
// counted, never returned; local delivery is unaffected by them.
type Distributed struct {
	local     *ssebackplane.Memory
	transport Transport
	presence  Presence

	conf    config
	log     *slog.Logger
	metrics *ssebackplane.Metrics

	outbox  *queue.Queue[op]
	drainMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	closed    atomic.Bool
}

var _ ssebackplane.Backplane = (*Distributed)(nil)

type config struct {
	NodeID      string
	OpTimeout   time.Duration // bound on each publish/presence call
	BackoffMin  time.Duration // resubscribe delay after the first failure
	BackoffMax  time.Duration
	presenceSet bool
}

type opKind int

const (
	opPublish opKind = iota
	opAddMember
	opRemoveMember
)

func (k opKind) String() string {
	switch k {
	case opPublish:
		return "publish"
	default:
		return "presence"
	}
}

// op is one queued network operation.
type op struct {
	kind  opKind
	msg   *Message
	group string
	id    string
}

// Option configures a Distributed backplane.
type Option func(d *Distributed)

// WithLogger sets the logger. Defaults to the local backplane's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributed) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics counts transport errors on m. Defaults to the local
// backplane's metrics.
func WithMetrics(m *ssebackplane.Metrics) Option {
	return func(d *Distributed) { d.metrics = m }
}

// WithNodeID sets the id stamped on published messages. It must be unique
// in the deployment; the default is a random UUID.
func WithNodeID(id string) Option {
	return func(d *Distributed) {
		if id != "" {
			d.conf.NodeID = id
		}
	}
}

// WithOpTimeout bounds every publish and presence call.
func WithOpTimeout(t time.Duration) Option {
	return func(d *Distributed) {
		if t > 0 {
			d.conf.OpTimeout = t
		}
	}
}

// WithResubscribeBackoff sets the exponential backoff range used when the
// subscription fails.
func WithResubscribeBackoff(lo, hi time.Duration) Option {
	return func(d *Distributed) {
		if lo > 0 && hi >= lo {
			d.conf.BackoffMin, d.conf.BackoffMax = lo, hi
		}
	}
}

// WithPresence overrides the presence store. By default the Transport is
// used when it implements Presence. A nil p disables cluster-wide membership
// queries.
func WithPresence(p Presence) Option {
	return func(d *Distributed) {
		d.presence = p
		d.conf.presenceSet = true
	}
}

// New wraps local with transport t. The returned backplane owns both: Close
// closes them. Nothing is received from other nodes until Run is called.
func New(local *ssebackplane.Memory, t Transport, opts ...Option) (*Distributed, error) {
	if local == nil {
		return nil, errors.New("distributed: nil local backplane")
	}
	if t == nil {
		return nil, errors.New("distributed: nil transport")
	}
	d := &Distributed{
		local:     local,
		transport: t,
		log:       local.Logger(),
		metrics:   local.Metrics(),
		outbox:    queue.New[op](0),
		ready:     make(chan struct{}),
		conf: config{
			NodeID:     uuid.NewString(),
			OpTimeout:  5 * time.Second,
			BackoffMin: 100 * time.Millisecond,
			BackoffMax: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.conf.presenceSet {
		if p, ok := t.(Presence); ok {
			d.presence = p
		}
	}
	d.log = d.log.With(logger.Component("distributed"), logger.Node(d.conf.NodeID))
	local.OnDisconnect(d.forget)
	return d, nil
}

// NodeID is the id stamped on messages published by this node.
func (d *Distributed) NodeID() string { return d.conf.NodeID }

// Local returns the node's in-process backplane.
func (d *Distributed) Local() *ssebackplane.Memory { return d.local }

// Ready is closed once the first subscription has been established.
func (d *Distributed) Ready() <-chan struct{} { return d.ready }

// Status reports the local node.
func (d *Distributed) Status() ssebackplane.ReportingStatus {
	return d.local.Status()
}

func (d *Distributed) Connect() (ssebackplane.ConnectionID, ssebackplane.QueueReader) {
	return d.local.Connect()
}

// Disconnect removes a local connection. Its presence entries are removed
// asynchronously.
func (d *Distributed) Disconnect(id ssebackplane.ConnectionID) {
	d.local.Disconnect(id)
}

// Exists reports whether id is connected to this node.
func (d *Distributed) Exists(id ssebackplane.ConnectionID) bool {
	return d.local.Exists(id)
}

// SendToClient delivers locally when this node hosts id and publishes
// otherwise. The Delivery describes the local part only.
func (d *Distributed) SendToClient(id ssebackplane.ConnectionID, env *ssebackplane.Envelope) ssebackplane.Delivery {
	if env == nil {
		return ssebackplane.Delivery{}
	}
	if d.local.Exists(id) {
		return d.local.SendToClient(id, env)
	}
	d.publish(newMessage(d.conf.NodeID, KindClient, []string{string(id)}, env))
	return ssebackplane.Delivery{}
}

// SendToClients delivers to the locally hosted ids and publishes the rest.
func (d *Distributed) SendToClients(ids []ssebackplane.ConnectionID, env *ssebackplane.Envelope) ssebackplane.Delivery {
	if env == nil {
		return ssebackplane.Delivery{}
	}
	var local []ssebackplane.ConnectionID
	var remote []string
	for _, id := range ids {
		if d.local.Exists(id) {
			local = append(local, id)
		} else {
			remote = append(remote, string(id))
		}
	}
	var res ssebackplane.Delivery
	if len(local) > 0 {
		res = d.local.SendToClients(local, env)
	}
	if len(remote) > 0 {
		d.publish(newMessage(d.conf.NodeID, KindClients, remote, env))
	}
	return res
}

func (d *Distributed) SendToAll(env *ssebackplane.Envelope) ssebackplane.Delivery {
	if env == nil {
		return ssebackplane.Delivery{}
	}
	res := d.local.SendToAll(env)
	d.publish(newMessage(d.conf.NodeID, KindAll, nil, env))
	return res
}

func (d *Distributed) SendToGroup(group string, env *ssebackplane.Envelope) ssebackplane.Delivery {
	if env == nil {
		return ssebackplane.Delivery{}
	}
	res := d.local.SendToGroup(group, env)
	d.publish(newMessage(d.conf.NodeID, KindGroup, []string{group}, env))
	return res
}

func (d *Distributed) SendToGroups(groups []string, env *ssebackplane.Envelope) ssebackplane.Delivery {
	if env == nil || len(groups) == 0 {
		return ssebackplane.Delivery{}
	}
	res := d.local.SendToGroups(groups, env)
	d.publish(newMessage(d.conf.NodeID, KindGroups, append([]string(nil), groups...), env))
	return res
}

// JoinGroup adds id to group. Ids hosted on another node are forwarded to
// it.
func (d *Distributed) JoinGroup(id ssebackplane.ConnectionID, group string) {
	if !d.local.Exists(id) {
		d.publish(&Message{Origin: d.conf.NodeID, Kind: KindJoin, Targets: []string{string(id)}, Group: group})
		return
	}
	d.local.JoinGroup(id, group)
	if d.presence == nil {
		return
	}
	d.enqueue(op{kind: opAddMember, group: group, id: string(id)})
	// a disconnect racing the join has already queued its removals; undo
	// the add so presence does not keep a dead member
	if !d.local.Exists(id) {
		d.enqueue(op{kind: opRemoveMember, group: group, id: string(id)})
	}
}

func (d *Distributed) JoinGroups(id ssebackplane.ConnectionID, groups ...string) {
	for _, g := range groups {
		d.JoinGroup(id, g)
	}
}

// LeaveGroup removes id from group. Ids hosted on another node are forwarded
// to it.
func (d *Distributed) LeaveGroup(id ssebackplane.ConnectionID, group string) {
	if !d.local.Exists(id) {
		d.publish(&Message{Origin: d.conf.NodeID, Kind: KindLeave, Targets: []string{string(id)}, Group: group})
		return
	}
	d.local.LeaveGroup(id, group)
	if d.presence != nil {
		d.enqueue(op{kind: opRemoveMember, group: group, id: string(id)})
	}
}

// GroupMemberCount counts members on every node when a presence store is
// configured, and on this node otherwise.
func (d *Distributed) GroupMemberCount(group string) int {
	if d.presence == nil {
		return d.local.GroupMemberCount(group)
	}
	return len(d.GroupMembers(group))
}

// GroupMembers returns the local members merged with the presence store's
// view. Local changes not yet written to the store are included. If the
// store fails only local members are returned.
func (d *Distributed) GroupMembers(group string) []ssebackplane.ConnectionID {
	members := d.local.GroupMembers(group)
	if d.presence == nil {
		return members
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.conf.OpTimeout)
	defer cancel()
	remote, err := d.presence.Members(ctx, group)
	if err != nil {
		d.metrics.TransportError("presence")
		d.log.Warn("presence query failed, using local members", logger.GroupName(group), logger.Error(err))
		return members
	}
	seen := make(map[ssebackplane.ConnectionID]struct{}, len(members)+len(remote))
	for _, id := range members {
		seen[id] = struct{}{}
	}
	for _, r := range remote {
		id := ssebackplane.ConnectionID(r)
		if _, ok := seen[id]; ok {
			continue
		}
		// a local id the store still lists left the group already
		if d.local.Exists(id) {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	return members
}

// ClientGroups reports the groups of a connection hosted on this node.
func (d *Distributed) ClientGroups(id ssebackplane.ConnectionID) []string {
	return d.local.ClientGroups(id)
}

// OnDisconnect registers fn for disconnects of connections on this node.
func (d *Distributed) OnDisconnect(fn func(ssebackplane.DisconnectNotice)) ssebackplane.Subscription {
	return d.local.OnDisconnect(fn)
}

func (d *Distributed) forget(n ssebackplane.DisconnectNotice) {
	if d.presence == nil {
		return
	}
	for _, g := range n.Groups {
		d.enqueue(op{kind: opRemoveMember, group: g, id: string(n.ConnectionID)})
	}
}

func (d *Distributed) publish(msg *Message) {
	d.enqueue(op{kind: opPublish, msg: msg})
}

func (d *Distributed) enqueue(o op) {
	if ok, _ := d.outbox.Push(o); !ok {
		debug.Debug("outbox closed, dropping", logger.Kind(o.kind.String()))
	}
}

// handle applies a message received from the transport.
func (d *Distributed) handle(msg *Message) {
	if msg.Origin == d.conf.NodeID {
		return
	}
	switch msg.Kind {
	case KindJoin, KindLeave:
		for _, t := range msg.Targets {
			id := ssebackplane.ConnectionID(t)
			if !d.local.Exists(id) {
				continue
			}
			if msg.Kind == KindJoin {
				d.JoinGroup(id, msg.Group)
			} else {
				d.LeaveGroup(id, msg.Group)
			}
		}
		return
	}

	env, err := msg.Envelope()
	if err != nil {
		d.log.Warn("dropping undeliverable message", logger.Kind(string(msg.Kind)), logger.Error(err))
		return
	}
	switch msg.Kind {
	case KindClient, KindClients:
		var ids []ssebackplane.ConnectionID
		for _, t := range msg.Targets {
			if id := ssebackplane.ConnectionID(t); d.local.Exists(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			d.local.SendToClients(ids, env)
		}
	case KindAll:
		d.local.SendToAll(env)
	case KindGroup:
		for _, g := range msg.Targets {
			d.local.SendToGroup(g, env)
		}
	case KindGroups:
		d.local.SendToGroups(msg.Targets, env)
	default:
		d.log.Warn("unknown message kind", logger.Kind(string(msg.Kind)))
	}
}

// Run receives messages from other nodes and drains the outbox until ctx is
// cancelled or Close is called. A failed subscription is retried with
// exponential backoff. Anything still queued when Run stops is flushed
// before it returns.
func (d *Distributed) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.receive(gctx) })
	g.Go(func() error { return d.send(gctx) })
	err := g.Wait()
	d.flush()
	return err
}

func (d *Distributed) receive(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.BackoffMin
	b.MaxInterval = d.conf.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		sub, err := d.transport.Subscribe(ctx, d.handle)
		if err != nil {
			if ctx.Err() != nil || d.closed.Load() {
				return nil
			}
			d.metrics.TransportError("subscribe")
			wait := b.NextBackOff()
			d.log.Warn("subscribe failed", logger.Error(err), slog.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		b.Reset()
		d.readyOnce.Do(func() { close(d.ready) })
		d.log.Info("subscribed")

		select {
		case <-ctx.Done():
			_ = sub.Close()
			return nil
		case <-sub.Done():
			if ctx.Err() != nil || d.closed.Load() {
				return nil
			}
			d.metrics.TransportError("subscribe")
			d.log.Warn("subscription lost, resubscribing", logger.Error(sub.Err()))
		}
	}
}

func (d *Distributed) send(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.outbox.Ready():
			// leave queued ops to the final flush in Run
			if ctx.Err() != nil {
				return nil
			}
			d.drain(ctx)
			if d.outbox.Closed() && d.outbox.Len() == 0 {
				return nil
			}
		}
	}
}

// drain performs queued operations in order until the outbox is empty or ctx
// is done. Only one drain runs at a time.
func (d *Distributed) drain(ctx context.Context) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	for ctx.Err() == nil {
		o, ok := d.outbox.Pop()
		if !ok {
			return
		}
		d.do(ctx, o)
	}
}

// abandon discards what is left in the outbox, counting each op as a
// transport error.
func (d *Distributed) abandon(cause error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	var skipped int
	for {
		o, ok := d.outbox.Pop()
		if !ok {
			break
		}
		skipped++
		d.metrics.TransportError(o.kind.String())
	}
	if skipped > 0 {
		d.log.Warn("outbox operations abandoned", logger.Count("count", skipped), logger.Error(cause))
	}
}

func (d *Distributed) do(parent context.Context, o op) {
	ctx, cancel := context.WithTimeout(parent, d.conf.OpTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opPublish:
		err = d.transport.Publish(ctx, o.msg)
	case opAddMember:
		err = d.presence.AddMember(ctx, o.group, o.id)
	case opRemoveMember:
		err = d.presence.RemoveMember(ctx, o.group, o.id)
	}
	if err != nil {
		d.metrics.TransportError(o.kind.String())
		d.log.Warn("transport operation failed", logger.Kind(o.kind.String()), logger.Error(err))
	}
}

// flush drains what is left in the outbox, bounded by one op timeout. Ops
// still queued when the timeout expires are abandoned.
func (d *Distributed) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.conf.OpTimeout)
	defer cancel()
	d.drain(ctx)
	if err := ctx.Err(); err != nil {
		d.abandon(err)
	}
}

// Close disconnects every local connection, flushes the outbox including the
// resulting presence removals, and closes the transport. Run returns once
// Close has been called.
func (d *Distributed) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.local.Close()
	d.outbox.Close()
	d.flush()
	return d.transport.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
