package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// Config tunes the Redis subscription registry.
type Config struct {
	Address           string
	Password          string
	DB                int
	Prefix            string
	KeyTTL            time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:           "localhost:6379",
		Prefix:            "d8chat:subs",
		KeyTTL:            90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// RedisRegistry stores one TTL-keyed entry per (conversation, user,
// instance). A heartbeat loop refreshes the entries this instance owns;
// entries from a dead instance expire on their own.
type RedisRegistry struct {
	client      *redis.Client
	instanceID  string
	prefix      string
	keyTTL      time.Duration
	heartbeat   time.Duration
	managedKeys map[string]struct{}
	mu          sync.RWMutex
	cancel      context.CancelFunc
}

func NewRedisRegistry(cfg Config, instanceID string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis registry: %w", err)
	}

	return &RedisRegistry{
		client:      client,
		instanceID:  instanceID,
		prefix:      cfg.Prefix,
		keyTTL:      cfg.KeyTTL,
		heartbeat:   cfg.HeartbeatInterval,
		managedKeys: make(map[string]struct{}),
	}, nil
}

func (r *RedisRegistry) keyFor(conversationID, userID string) string {
	return fmt.Sprintf("%s:conv:%s:user:%s:inst:%s", r.prefix, conversationID, userID, r.instanceID)
}

func (r *RedisRegistry) AddSubscriber(ctx context.Context, conversationID, userID string) error {
	key := r.keyFor(conversationID, userID)
	if err := r.client.Set(ctx, key, "1", r.keyTTL).Err(); err != nil {
		return fmt.Errorf("register subscriber: %w", err)
	}
	r.mu.Lock()
	r.managedKeys[key] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *RedisRegistry) RemoveSubscriber(ctx context.Context, conversationID, userID string) error {
	key := r.keyFor(conversationID, userID)
	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deregister subscriber: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Subscribers(ctx context.Context, conversationID string) ([]string, error) {
	pattern := fmt.Sprintf("%s:conv:%s:user:*", r.prefix, conversationID)
	seen := make(map[string]struct{})
	var out []string

	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		userID := userIDFromKey(iter.Val())
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}
	return out, nil
}

// userIDFromKey pulls the user segment out of
// "<prefix>:conv:<conv>:user:<user>:inst:<instance>".
func userIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "user" {
			return parts[i+1]
		}
	}
	return ""
}

func (r *RedisRegistry) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.heartbeatLoop(ctx)
	log.L().Info().
		Dur("interval", r.heartbeat).
		Dur("ttl", r.keyTTL).
		Msg("subscription registry heartbeat started")
	return nil
}

func (r *RedisRegistry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisRegistry) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.managedKeys))
	for k := range r.managedKeys {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		if err := r.client.Expire(ctx, key, r.keyTTL).Err(); err != nil {
			log.L().Error().Str("key", key).Err(err).Msg("refresh registry key")
		}
	}
}

func (r *RedisRegistry) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *RedisRegistry) Close() error {
	r.StopHeartbeat()
	return r.client.Close()
}
