// Package redistransport connects distributed backplane nodes through Redis.
//
// Messages travel over one pub/sub channel. Group membership is kept in one
// Redis set per group so every node can answer member queries for the whole
// deployment.
package redistransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mroth/ssebackplane/distributed"
	"github.com/mroth/ssebackplane/internal/logger"
)

// DefaultPrefix namespaces the channel and keys.
const DefaultPrefix = "ssebackplane"

// Transport implements distributed.Transport and distributed.Presence.
type Transport struct {
	rdb     redis.UniversalClient
	owned   bool
	prefix  string
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[*distributed.Sub]struct{}
	closed bool
}

var (
	_ distributed.Transport = (*Transport)(nil)
	_ distributed.Presence  = (*Transport)(nil)
)

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("redistransport: closed")

// Option configures a Transport.
type Option func(t *Transport)

// WithPrefix sets the prefix of the pub/sub channel and presence keys.
// Deployments sharing a Redis must use distinct prefixes.
func WithPrefix(p string) Option {
	return func(t *Transport) {
		if p != "" {
			t.prefix = p
		}
	}
}

// WithLogger sets the logger for undecodable messages.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New uses rdb, which the caller keeps ownership of.
func New(rdb redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		rdb:    rdb,
		prefix: DefaultPrefix,
		log:    logger.Discard(),
		subs:   map[*distributed.Sub]struct{}{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.channel = t.prefix + ":events"
	t.log = t.log.With(logger.Component("redistransport"))
	return t
}

// Dial connects to the Redis server at url (redis://...). The client is
// closed with the Transport.
func Dial(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redistransport: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redistransport: ping: %w", err)
	}
	t := New(rdb, opts...)
	t.owned = true
	return t, nil
}

// Channel is the pub/sub channel messages are published on.
func (t *Transport) Channel() string { return t.channel }

func (t *Transport) groupKey(group string) string {
	return t.prefix + ":group:" + group
}

func (t *Transport) Publish(ctx context.Context, msg *distributed.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("redistransport: encode: %w", err)
	}
	if err := t.rdb.Publish(ctx, t.channel, b).Err(); err != nil {
		return fmt.Errorf("redistransport: publish: %w", err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription, then delivers
// messages from a background goroutine. go-redis reconnects the underlying
// connection by itself, so the subscription only ends on Close or ctx.
func (t *Transport) Subscribe(ctx context.Context, fn func(*distributed.Message)) (distributed.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	ps := t.rdb.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redistransport: subscribe: %w", err)
	}

	sub := distributed.NewSub(ps.Close)
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-sub.Done():
				return
			case m, ok := <-ch:
				if !ok {
					sub.End(errors.New("redistransport: subscription channel closed"))
					return
				}
				msg, err := distributed.UnmarshalMessage([]byte(m.Payload))
				if err != nil {
					t.log.Warn("skipping undecodable message", logger.Error(err))
					continue
				}
				fn(msg)
			}
		}
	}()
	return sub, nil
}

func (t *Transport) AddMember(ctx context.Context, group, id string) error {
	return t.rdb.SAdd(ctx, t.groupKey(group), id).Err()
}

func (t *Transport) RemoveMember(ctx context.Context, group, id string) error {
	return t.rdb.SRem(ctx, t.groupKey(group), id).Err()
}

func (t *Transport) Members(ctx context.Context, group string) ([]string, error) {
	return t.rdb.SMembers(ctx, t.groupKey(group)).Result()
}

// Close ends every subscription and, for transports made by Dial, closes
// the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*distributed.Sub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if t.owned {
		return t.rdb.Close()
	}
	return nil
}
