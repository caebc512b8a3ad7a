package broker

import (
	"context"
	"path"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-instance
// development. It can be flipped unhealthy to exercise degraded-mode
// behavior deterministically.
type MemoryBroker struct {
	mu       sync.Mutex
	subs     []*memorySub
	healthy  bool
	statusFn []func(healthy bool)
	closed   bool
}

type memorySub struct {
	pattern string
	ch      chan *Envelope
	cancel  <-chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{healthy: true}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, env *Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrUnavailable
	}
	if !b.healthy {
		b.mu.Unlock()
		return ErrUnavailable
	}
	subs := append([]*memorySub{}, b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber backlog full; at-least-once only for what the
			// bus accepts, same as the real drivers.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan *Envelope, error) {
	return b.subscribe(ctx, channel)
}

func (b *MemoryBroker) SubscribePattern(ctx context.Context, pattern string) (<-chan *Envelope, error) {
	return b.subscribe(ctx, pattern)
}

func (b *MemoryBroker) subscribe(ctx context.Context, pattern string) (<-chan *Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Envelope, 256),
		cancel:  ctx.Done(),
	}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				break
			}
		}
	}()

	return sub.ch, nil
}

func (b *MemoryBroker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// SetHealthy flips the simulated bus health, firing status callbacks on
// transitions.
func (b *MemoryBroker) SetHealthy(healthy bool) {
	b.mu.Lock()
	changed := b.healthy != healthy
	b.healthy = healthy
	fns := append([]func(bool){}, b.statusFn...)
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range fns {
		fn(healthy)
	}
}

func (b *MemoryBroker) NotifyStatus(fn func(healthy bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusFn = append(b.statusFn, fn)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}
