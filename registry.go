package ssebackplane

import (
	"hash/maphash"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mroth/ssebackplane/internal/debug"
	"github.com/mroth/ssebackplane/internal/logger"
	"github.com/mroth/ssebackplane/internal/queue"
)

const shardCount = 32

var shardSeed = maphash.MakeSeed()

func shardOf(key string) int {
	return int(maphash.String(shardSeed, key) % shardCount)
}

type connShard struct {
	mu sync.RWMutex
	m  map[ConnectionID]*connection
}

type groupShard struct {
	mu sync.RWMutex
	m  map[string]map[ConnectionID]struct{}
}

// Registry owns every Connection and the group index that references them.
//
// Connections and groups live in separately sharded maps. A membership change
// locks the connection first and then the group's shard, and updates both
// sides before releasing either, so a reader of GroupMembers or ClientGroups
// never sees one half of a join or leave.
type Registry struct {
	conns      [shardCount]connShard
	groups     [shardCount]groupShard
	queueLimit int
	log        *slog.Logger
}

// NewRegistry returns an empty registry. queueLimit bounds each connection's
// queue with a drop-oldest policy; 0 leaves queues unbounded.
func NewRegistry(queueLimit int, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{queueLimit: queueLimit, log: log}
	for i := range r.conns {
		r.conns[i].m = make(map[ConnectionID]*connection)
		r.groups[i].m = make(map[string]map[ConnectionID]struct{})
	}
	return r
}

func (r *Registry) connShard(id ConnectionID) *connShard {
	return &r.conns[shardOf(string(id))]
}

func (r *Registry) groupShard(group string) *groupShard {
	return &r.groups[shardOf(group)]
}

// Connect allocates a connection with an empty queue and no groups.
func (r *Registry) Connect() (ConnectionID, QueueReader) {
	c := &connection{
		id:      ConnectionID(uuid.NewString()),
		created: time.Now(),
		queue:   queue.New[*Envelope](r.queueLimit),
		groups:  make(map[string]struct{}),
	}

	s := r.connShard(c.id)
	s.mu.Lock()
	s.m[c.id] = c
	s.mu.Unlock()

	debug.Debug("connection registered", logger.ConnID(string(c.id)))
	return c.id, c.queue
}

// Disconnect removes the connection, strips it from every group it was in
// (dropping groups that become empty) and closes its queue. It returns the
// groups the connection belonged to, sorted, and false if id was unknown.
func (r *Registry) Disconnect(id ConnectionID) ([]string, bool) {
	s := r.connShard(id)
	s.mu.Lock()
	c, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	c.removed = true
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		r.removeMember(g, id)
		groups = append(groups, g)
	}
	c.groups = nil
	c.mu.Unlock()

	c.queue.Close()
	sort.Strings(groups)

	debug.Debug("connection unregistered", logger.ConnID(string(id)), logger.Groups(groups))
	return groups, true
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id ConnectionID) bool {
	return r.lookup(id) != nil
}

func (r *Registry) lookup(id ConnectionID) *connection {
	s := r.connShard(id)
	s.mu.RLock()
	c := s.m[id]
	s.mu.RUnlock()
	return c
}

// JoinGroup adds id to group, creating the group on first join. Unknown ids
// are ignored. Joining twice has the effect of joining once.
func (r *Registry) JoinGroup(id ConnectionID, group string) bool {
	c := r.lookup(id)
	if c == nil {
		r.log.Warn("join ignored: unknown connection", logger.ConnID(string(id)), logger.GroupName(group))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false
	}
	if _, ok := c.groups[group]; ok {
		return true
	}

	gs := r.groupShard(group)
	gs.mu.Lock()
	members, ok := gs.m[group]
	if !ok {
		members = make(map[ConnectionID]struct{})
		gs.m[group] = members
	}
	members[id] = struct{}{}
	c.groups[group] = struct{}{}
	gs.mu.Unlock()

	debug.Debug("joined group", logger.ConnID(string(id)), logger.GroupName(group))
	return true
}

// LeaveGroup removes id from group, dropping the group if it becomes empty.
// Leaving a group the connection is not in is a no-op.
func (r *Registry) LeaveGroup(id ConnectionID, group string) bool {
	c := r.lookup(id)
	if c == nil {
		debug.Debug("leave ignored: unknown connection", logger.ConnID(string(id)), logger.GroupName(group))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[group]; !ok {
		return false
	}

	gs := r.groupShard(group)
	gs.mu.Lock()
	if members, ok := gs.m[group]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(gs.m, group)
		}
	}
	delete(c.groups, group)
	gs.mu.Unlock()

	debug.Debug("left group", logger.ConnID(string(id)), logger.GroupName(group))
	return true
}

// removeMember must be called with the member connection's mutex held.
func (r *Registry) removeMember(group string, id ConnectionID) {
	gs := r.groupShard(group)
	gs.mu.Lock()
	if members, ok := gs.m[group]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(gs.m, group)
		}
	}
	gs.mu.Unlock()
}

// GroupMembers returns a snapshot of the group's members, empty if the group
// does not exist.
func (r *Registry) GroupMembers(group string) []ConnectionID {
	gs := r.groupShard(group)
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	members := gs.m[group]
	ids := make([]ConnectionID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// GroupMemberCount is the number of members in group, 0 if it does not exist.
func (r *Registry) GroupMemberCount(group string) int {
	gs := r.groupShard(group)
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.m[group])
}

// ClientGroups returns the sorted groups id belongs to, empty if unknown.
func (r *Registry) ClientGroups(id ConnectionID) []string {
	c := r.lookup(id)
	if c == nil {
		return []string{}
	}
	return c.groupList()
}

// Groups returns every non-empty group with its member count.
func (r *Registry) Groups() map[string]int {
	out := make(map[string]int)
	for i := range r.groups {
		gs := &r.groups[i]
		gs.mu.RLock()
		for g, members := range gs.m {
			out[g] = len(members)
		}
		gs.mu.RUnlock()
	}
	return out
}

// Count is the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.conns {
		s := &r.conns[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Connections returns a snapshot of every registered connection id.
func (r *Registry) Connections() []ConnectionID {
	var ids []ConnectionID
	for _, c := range r.snapshot() {
		ids = append(ids, c.id)
	}
	return ids
}

func (r *Registry) snapshot() []*connection {
	var out []*connection
	for i := range r.conns {
		s := &r.conns[i]
		s.mu.RLock()
		for _, c := range s.m {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}
