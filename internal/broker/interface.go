package broker

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Publish while the bus is unreachable.
// Local-process delivery is unaffected; remote users recover via resync.
var ErrUnavailable = errors.New("broker unavailable")

// Broker is the cluster-wide publish/subscribe bus. It guarantees
// at-least-once local delivery of whatever it receives, and nothing
// about cross-process ordering; sequence numbers are the ordering source
// of truth for consumers.
type Broker interface {
	// Publish sends an envelope to a channel. Returns ErrUnavailable
	// (possibly wrapped) while the bus connection is down.
	Publish(ctx context.Context, channel string, env *Envelope) error

	// Subscribe delivers envelopes published to a channel. The returned
	// channel is closed when ctx is cancelled or the broker closes.
	Subscribe(ctx context.Context, channel string) (<-chan *Envelope, error)

	// SubscribePattern delivers envelopes from all channels matching a
	// glob pattern (e.g. "chat:conv:*").
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Envelope, error)

	// Healthy reports whether the bus connection is currently up.
	Healthy() bool

	// NotifyStatus registers a callback invoked on every health
	// transition. Drives the client-visible connection-status banner.
	NotifyStatus(fn func(healthy bool))

	Close() error
}
