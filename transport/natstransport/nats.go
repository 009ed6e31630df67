// Package natstransport connects distributed backplane nodes through NATS
// core subjects. It does not implement presence; group member queries stay
// local to each node unless another Presence is configured.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mroth/ssebackplane/distributed"
	"github.com/mroth/ssebackplane/internal/logger"
)

// DefaultSubject is the subject messages are published on.
const DefaultSubject = "ssebackplane.events"

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("natstransport: closed")

// Transport implements distributed.Transport.
type Transport struct {
	nc      *nats.Conn
	owned   bool
	subject string
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[*distributed.Sub]struct{}
	closed bool
}

var _ distributed.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(t *Transport)

// WithSubject sets the subject messages are exchanged on.
func WithSubject(s string) Option {
	return func(t *Transport) {
		if s != "" {
			t.subject = s
		}
	}
}

// WithLogger sets the logger for undecodable messages and connection events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New uses nc, which the caller keeps ownership of.
func New(nc *nats.Conn, opts ...Option) *Transport {
	t := &Transport{
		nc:      nc,
		subject: DefaultSubject,
		log:     logger.Discard(),
		subs:    map[*distributed.Sub]struct{}{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logger.Component("natstransport"))
	return t
}

// Dial connects to the NATS server at url. The connection reconnects
// indefinitely and is closed with the Transport.
func Dial(url, name string, opts ...Option) (*Transport, error) {
	t := New(nil, opts...)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.Warn("nats disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.endAll(nats.ErrConnectionClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natstransport: connect: %w", err)
	}
	t.nc = nc
	t.owned = true
	return t, nil
}

// Subject is the subject messages are published on.
func (t *Transport) Subject() string { return t.subject }

func (t *Transport) Publish(ctx context.Context, msg *distributed.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("natstransport: encode: %w", err)
	}
	if err := t.nc.Publish(t.subject, b); err != nil {
		return fmt.Errorf("natstransport: publish: %w", err)
	}
	return nil
}

// Subscribe registers on the subject and waits for the server to process
// the registration. NATS delivers to the callback from a single goroutine
// per subscription.
func (t *Transport) Subscribe(ctx context.Context, fn func(*distributed.Message)) (distributed.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	ns, err := t.nc.Subscribe(t.subject, func(m *nats.Msg) {
		msg, err := distributed.UnmarshalMessage(m.Data)
		if err != nil {
			t.log.Warn("skipping undecodable message", logger.Error(err))
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("natstransport: subscribe: %w", err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		ns.Unsubscribe()
		return nil, fmt.Errorf("natstransport: flush: %w", err)
	}

	sub := distributed.NewSub(ns.Unsubscribe)
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}()
	return sub, nil
}

func (t *Transport) endAll(err error) {
	t.mu.Lock()
	subs := make([]*distributed.Sub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.End(err)
	}
}

// Close unsubscribes everything and, for transports made by Dial, drains
// and closes the connection.
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
		return t.nc.Drain()
	}
	return nil
}
