package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// RedisConfig holds Redis bus configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// RedisBroker implements Broker over Redis pub/sub.
//
// On connection loss it enters degraded mode: Publish fails fast with
// ErrUnavailable while a background loop retries the connection with
// bounded exponential backoff. No replay happens on recovery; clients
// resync from the event store.
type RedisBroker struct {
	client        *redis.Client
	cfg           RedisConfig
	subscriptions map[string]*redis.PubSub
	mu            sync.Mutex

	healthy  atomic.Bool
	statusMu sync.Mutex
	statusFn []func(healthy bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBroker connects to Redis and starts the health monitor.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBroker{
		client:        client,
		cfg:           cfg,
		subscriptions: make(map[string]*redis.PubSub),
		done:          make(chan struct{}),
	}
	b.healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.monitor(ctx)

	return b, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, env *Envelope) error {
	if !b.healthy.Load() {
		return ErrUnavailable
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.setHealthy(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan *Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, channel)
	b.subscriptions[channel] = pubsub

	out := make(chan *Envelope, 256)
	go b.pump(ctx, pubsub, out)
	return out, nil
}

func (b *RedisBroker) SubscribePattern(ctx context.Context, pattern string) (<-chan *Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pubsub := b.client.PSubscribe(ctx, pattern)
	b.subscriptions[pattern] = pubsub

	out := make(chan *Envelope, 256)
	go b.pump(ctx, pubsub, out)
	return out, nil
}

func (b *RedisBroker) Healthy() bool {
	return b.healthy.Load()
}

func (b *RedisBroker) NotifyStatus(fn func(healthy bool)) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.statusFn = append(b.statusFn, fn)
}

func (b *RedisBroker) Close() error {
	b.cancel()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pubsub := range b.subscriptions {
		pubsub.Close()
	}
	b.subscriptions = make(map[string]*redis.PubSub)
	return b.client.Close()
}

// pump reads raw pub/sub messages, decodes envelopes, and forwards them.
// go-redis transparently re-establishes the pub/sub connection; the gap
// during an outage is covered by the resync path, not by replay here.
func (b *RedisBroker) pump(ctx context.Context, pubsub *redis.PubSub, out chan<- *Envelope) {
	defer close(out)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.L().Warn().Err(err).Str(log.FieldChannel, msg.Channel).Msg("dropping malformed bus envelope")
				continue
			}
			select {
			case out <- &env:
			case <-ctx.Done():
				return
			default:
				log.L().Warn().Str(log.FieldChannel, msg.Channel).Msg("subscriber backlog full, dropping envelope")
			}
		}
	}
}

// monitor pings the server and drives degraded-mode transitions. While
// down it retries with exponential backoff between ReconnectMin and
// ReconnectMax.
func (b *RedisBroker) monitor(ctx context.Context) {
	defer close(b.done)

	interval := b.cfg.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.client.Ping(ctx).Err(); err != nil {
				b.setHealthy(false)
				b.reconnect(ctx)
			} else {
				b.setHealthy(true)
			}
		}
	}
}

func (b *RedisBroker) reconnect(ctx context.Context) {
	delay := b.cfg.ReconnectMin
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	max := b.cfg.ReconnectMax
	if max <= 0 {
		max = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := b.client.Ping(ctx).Err(); err == nil {
			b.setHealthy(true)
			log.L().Info().Msg("broker connection restored")
			return
		}

		log.L().Warn().Dur("retry_in", delay).Msg("broker still unreachable")
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}

func (b *RedisBroker) setHealthy(healthy bool) {
	if b.healthy.Swap(healthy) == healthy {
		return
	}
	if !healthy {
		log.L().Warn().Msg("broker degraded: cross-process fan-out suspended")
	}

	b.statusMu.Lock()
	fns := append([]func(bool){}, b.statusFn...)
	b.statusMu.Unlock()
	for _, fn := range fns {
		fn(healthy)
	}
}
