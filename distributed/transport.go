package distributed

import "context"

// Transport moves Messages between the nodes of a deployment. Every node
// receives every published message, its own included.
type Transport interface {
	// Publish sends msg to all subscribed nodes.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe starts delivering incoming messages to fn from a background
	// goroutine, one at a time, and returns once the subscription is
	// established. The subscription ends when ctx is cancelled, Close is
	// called, or the underlying connection fails.
	Subscribe(ctx context.Context, fn func(*Message)) (Subscription, error)
	Close() error
}

// Subscription is a live Transport subscription.
type Subscription interface {
	// Done is closed when the subscription ends.
	Done() <-chan struct{}
	// Err reports why the subscription ended; nil after Close or
	// cancellation.
	Err() error
	Close() error
}

// Presence is a cluster-wide group membership store. Transports that can
// keep shared state implement it alongside Transport.
type Presence interface {
	AddMember(ctx context.Context, group, id string) error
	RemoveMember(ctx context.Context, group, id string) error
	Members(ctx context.Context, group string) ([]string, error)
}
