package distributed

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssebackplane"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

// startNode creates a node on t, runs it until the test ends and waits for
// its subscription.
func startNode(tb testing.TB, t Transport, opts ...Option) *Distributed {
	tb.Helper()
	local, err := ssebackplane.NewMemory()
	require.NoError(tb, err)
	d, err := New(local, t, append([]Option{WithResubscribeBackoff(time.Millisecond, 10*time.Millisecond)}, opts...)...)
	require.NoError(tb, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	tb.Cleanup(func() {
		cancel()
		<-done
		d.Close()
	})

	select {
	case <-d.Ready():
	case <-time.After(wait):
		tb.Fatal("node never subscribed")
	}
	return d
}

func popAll(q ssebackplane.QueueReader) []*ssebackplane.Envelope {
	var out []*ssebackplane.Envelope
	for {
		e, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	local, err := ssebackplane.NewMemory()
	require.NoError(t, err)
	_, err = New(nil, newMemBus().node())
	assert.Error(t, err)
	_, err = New(local, nil)
	assert.Error(t, err)
}

func TestSendToGroupAcrossNodes(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	onA, qa := a.Connect()
	onB, qb := b.Connect()
	a.JoinGroup(onA, "room1")
	b.JoinGroup(onB, "room1")

	d := a.SendToGroup("room1", ssebackplane.MustEnvelope("hi"))
	assert.Equal(t, ssebackplane.Delivery{Targeted: 1, Delivered: 1}, d, "delivery reports the local node")

	require.Eventually(t, func() bool { return qb.Len() == 1 }, wait, tick)
	got := popAll(qb)
	g, ok := got[0].Group()
	assert.True(t, ok)
	assert.Equal(t, "room1", g)
	assert.Equal(t, "hi", string(got[0].Payload()))

	// the sender's own published copy is ignored
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, popAll(qa), 1)
}

func TestSendToAllAcrossNodes(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())
	c := startNode(t, bus.node())

	_, qa := a.Connect()
	_, qb := b.Connect()
	_, qc := c.Connect()

	a.SendToAll(ssebackplane.MustEnvelope("x"))
	for _, q := range []ssebackplane.QueueReader{qb, qc} {
		q := q
		require.Eventually(t, func() bool { return q.Len() == 1 }, wait, tick)
	}
	assert.Equal(t, 1, qa.Len())
}

func TestSendToClientRouting(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	onA, qa := a.Connect()
	onB, qb := b.Connect()

	// a locally hosted id is never published
	d := a.SendToClient(onA, ssebackplane.MustEnvelope("local"))
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, 1, qa.Len())

	d = a.SendToClient(onB, ssebackplane.MustEnvelope("remote"))
	assert.Equal(t, ssebackplane.Delivery{}, d)
	require.Eventually(t, func() bool { return qb.Len() == 1 }, wait, tick)
	assert.Equal(t, int64(1), bus.published.Load())

	a.SendToClients([]ssebackplane.ConnectionID{onA, onB, "ghost"}, ssebackplane.MustEnvelope("both"))
	require.Eventually(t, func() bool { return qb.Len() == 2 }, wait, tick)
	assert.Equal(t, 2, qa.Len())
}

func TestPerSenderOrderAcrossNodes(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	id, q := b.Connect()
	b.JoinGroup(id, "g")

	const n = 200
	for i := 0; i < n; i++ {
		a.SendToGroup("g", ssebackplane.MustEnvelope(strconv.Itoa(i)))
	}
	require.Eventually(t, func() bool { return q.Len() == n }, wait, tick)
	for i, e := range popAll(q) {
		require.Equal(t, strconv.Itoa(i), string(e.Payload()))
	}
}

func TestJoinForwardedToHostingNode(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	onB, qb := b.Connect()
	a.JoinGroup(onB, "room1")
	require.Eventually(t, func() bool {
		return len(b.ClientGroups(onB)) == 1
	}, wait, tick)

	a.SendToGroup("room1", ssebackplane.MustEnvelope("hello"))
	require.Eventually(t, func() bool { return qb.Len() == 1 }, wait, tick)

	a.LeaveGroup(onB, "room1")
	require.Eventually(t, func() bool {
		return len(b.ClientGroups(onB)) == 0
	}, wait, tick)
}

func TestPresenceMembership(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	onA, _ := a.Connect()
	onB, _ := b.Connect()
	a.JoinGroup(onA, "room1")
	b.JoinGroup(onB, "room1")

	require.Eventually(t, func() bool { return a.GroupMemberCount("room1") == 2 }, wait, tick)
	assert.ElementsMatch(t, []ssebackplane.ConnectionID{onA, onB}, b.GroupMembers("room1"))
	assert.Equal(t, []string{"room1"}, b.ClientGroups(onB))
	assert.Empty(t, a.ClientGroups(onB), "client groups are local only")

	b.Disconnect(onB)
	require.Eventually(t, func() bool { return a.GroupMemberCount("room1") == 1 }, wait, tick)

	a.LeaveGroup(onA, "room1")
	require.Eventually(t, func() bool { return b.GroupMemberCount("room1") == 0 }, wait, tick)
	assert.Equal(t, 0, a.GroupMemberCount("ghost"))
}

func TestGroupMembersIncludesUnflushedLocalJoins(t *testing.T) {
	bus := newMemBus()
	local, err := ssebackplane.NewMemory()
	require.NoError(t, err)
	// never run, so nothing reaches the presence store
	d, err := New(local, bus.node())
	require.NoError(t, err)
	defer d.Close()

	id, _ := d.Connect()
	d.JoinGroup(id, "g")
	assert.Equal(t, []ssebackplane.ConnectionID{id}, d.GroupMembers("g"))
	assert.Equal(t, 1, d.GroupMemberCount("g"))
}

func TestWithoutPresenceMembershipIsLocal(t *testing.T) {
	bus := newMemBus()
	a := startNode(t, transportOnly{bus.node()})
	b := startNode(t, bus.node(), WithPresence(nil))

	onA, _ := a.Connect()
	a.JoinGroup(onA, "g")
	onB, _ := b.Connect()
	b.JoinGroup(onB, "g")

	assert.Equal(t, 1, a.GroupMemberCount("g"))
	assert.Equal(t, 1, b.GroupMemberCount("g"))
	bus.mu.Lock()
	assert.Empty(t, bus.members)
	bus.mu.Unlock()
}

func TestTransportFailuresDoNotAffectLocalDelivery(t *testing.T) {
	bus := newMemBus()
	metrics, err := ssebackplane.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	a := startNode(t, bus.node(), WithMetrics(metrics))

	bus.failPublish.Store(true)
	bus.failPresence.Store(true)

	id, q := a.Connect()
	a.JoinGroup(id, "g")
	d := a.SendToGroup("g", ssebackplane.MustEnvelope("still here"))
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, 1, q.Len())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.TransportErrors.WithLabelValues("publish")) == 1
	}, wait, tick)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.TransportErrors.WithLabelValues("presence")) >= 1
	}, wait, tick)

	// failed presence queries fall back to local members
	assert.Equal(t, []ssebackplane.ConnectionID{id}, a.GroupMembers("g"))
}

func TestResubscribeAfterFailures(t *testing.T) {
	bus := newMemBus()
	bus.failSubscribe.Store(3)
	a := startNode(t, bus.node())
	b := startNode(t, bus.node())

	id, q := b.Connect()
	b.JoinGroup(id, "g")

	// a dropped subscription is re-established
	bus.drop(errBusDown)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 2
	}, wait, tick)

	a.SendToGroup("g", ssebackplane.MustEnvelope("after"))
	require.Eventually(t, func() bool { return q.Len() == 1 }, wait, tick)
}

func TestCloseRemovesPresenceAndStopsRun(t *testing.T) {
	bus := newMemBus()
	local, err := ssebackplane.NewMemory()
	require.NoError(t, err)
	d, err := New(local, bus.node())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	<-d.Ready()

	id, q := d.Connect()
	d.JoinGroup(id, "g")
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.members["g"]) == 1
	}, wait, tick)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, q.Closed())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return after Close")
	}
	bus.mu.Lock()
	assert.Empty(t, bus.members)
	bus.mu.Unlock()
}

func TestCancelledSendLeavesOpsForFlush(t *testing.T) {
	bus := newMemBus()
	metrics, err := ssebackplane.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	local, err := ssebackplane.NewMemory()
	require.NoError(t, err)
	d, err := New(local, bus.node(), WithMetrics(metrics))
	require.NoError(t, err)

	d.SendToAll(ssebackplane.MustEnvelope("one"))
	d.SendToAll(ssebackplane.MustEnvelope("two"))

	// with ctx done and the outbox ready, select may take either case
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		require.NoError(t, d.send(ctx))
	}
	assert.Equal(t, 2, d.outbox.Len())

	d.flush()
	assert.Zero(t, d.outbox.Len())
	assert.EqualValues(t, 2, bus.published.Load())
	assert.Zero(t, testutil.ToFloat64(metrics.TransportErrors.WithLabelValues("publish")))
}

func TestMessageValidation(t *testing.T) {
	var tests = []struct {
		name string
		raw  string
		ok   bool
	}{
		{"group", `{"origin":"n1","kind":"group","targets":["g"],"payload":"aGk="}`, true},
		{"tagged", `{"origin":"n1","kind":"all","group":"e","hasGroup":true,"payload":"aGk="}`, true},
		{"join without payload", `{"origin":"n1","kind":"join","targets":["c"],"group":"g"}`, true},
		{"unknown kind", `{"origin":"n1","kind":"shout","payload":"aGk="}`, false},
		{"empty payload", `{"origin":"n1","kind":"all"}`, false},
		{"not json", `hello`, false},
		{"missing origin", `{"kind":"all","payload":"aGk="}`, false},
		{"group without targets", `{"origin":"n1","kind":"group","payload":"aGk="}`, false},
		{"clients with empty targets", `{"origin":"n1","kind":"clients","targets":[],"payload":"aGk="}`, false},
		{"leave without targets", `{"origin":"n1","kind":"leave","group":"g"}`, false},
		{"join without group", `{"origin":"n1","kind":"join","targets":["c"]}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := UnmarshalMessage([]byte(tc.raw))
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			if m.Kind == KindJoin || m.Kind == KindLeave {
				return
			}
			env, err := m.Envelope()
			require.NoError(t, err)
			assert.Equal(t, "hi", string(env.Payload()))
			g, tagged := env.Group()
			assert.Equal(t, m.HasGroup, tagged)
			assert.Equal(t, m.Group, g)
		})
	}
}

func TestMessageCarriesEnvelopeTag(t *testing.T) {
	env, err := ssebackplane.NewGroupEnvelope("typing", []byte(`{"u":1}`))
	require.NoError(t, err)
	raw, err := newMessage("n1", KindAll, nil, env).Marshal()
	require.NoError(t, err)

	m, err := UnmarshalMessage(raw)
	require.NoError(t, err)
	back, err := m.Envelope()
	require.NoError(t, err)
	g, ok := back.Group()
	assert.True(t, ok)
	assert.Equal(t, "typing", g)
	assert.Equal(t, `{"u":1}`, string(back.Payload()))
}
