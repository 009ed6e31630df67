/*
Package ssebackplane pushes events from a server to many Server-Sent Events
clients, addressed to a single connection, to every connection, or to named
groups that connections join and leave at will.

# Backplane

A Backplane owns the connection registry and the group index. Producers call
SendToClient, SendToClients, SendToAll, SendToGroup or SendToGroups at any
time; every call snapshots its recipients and pushes one shared, immutable
Envelope onto each recipient's queue. Sends never block on slow clients.

Memory is the single-process implementation. The distributed package wraps a
Memory and a pub/sub Transport (Redis or NATS) so that events sent on one node
reach clients connected to any node.

	bp, _ := ssebackplane.NewMemory()
	http.Handle("/events", ssebackplane.NewHandler(bp))

	env, _ := ssebackplane.NewJSONEnvelope(map[string]string{"text": "hi"})
	bp.SendToGroup("room1", env)

# Queues

Each connection has its own FIFO queue drained by exactly one Stream. Queues
are unbounded by default: a producer flooding a stalled client grows that
client's memory. WithQueueLimit bounds them, dropping the oldest queued
envelope on overflow.

# Wire format

Streams open with a retry directive and then write one frame per event:

	retry: 3000

	id: 1
	event: room1
	data: {"text":"hi"}

	: keepalive

The event line carries the envelope's group tag and is omitted for untagged
envelopes, so those reach the client's onmessage handler. Ids start at 1 per
stream; keepalive comments do not consume ids.
*/
package ssebackplane
