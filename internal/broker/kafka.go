package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// KafkaConfig holds Kafka bus configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// Kafka topics. Conversation channels collapse onto one topic keyed by
// conversation id, which preserves per-conversation ordering inside a
// partition; the cluster channel maps to its own topic.
const (
	topicConversations = "chat-conversations"
	topicCluster       = "chat-cluster"
)

// channelToTopicAndKey maps a bus channel name to a Kafka topic and
// partition key.
//
//	"chat:conv:C42" → topic "chat-conversations", key "C42"
//	"chat:cluster"  → topic "chat-cluster", no key
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	if channel == ChannelCluster {
		return topicCluster, "", nil
	}
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "chat" || parts[1] != "conv" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return topicConversations, parts[2], nil
}

// patternToTopic maps a subscribe pattern to its topic.
//
//	"chat:conv:*" → "chat-conversations"
func patternToTopic(pattern string) (string, error) {
	channel := strings.ReplaceAll(pattern, "*", "_placeholder_")
	topic, _, err := channelToTopicAndKey(channel)
	return topic, err
}

type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
}

// KafkaBroker implements Broker over Apache Kafka. Selected by the
// broker.driver config; semantics match the Redis driver, with consumer
// groups standing in for pub/sub channels.
type KafkaBroker struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription
	cfg           KafkaConfig
	mu            sync.Mutex

	healthy  atomic.Bool
	statusMu sync.Mutex
	statusFn []func(healthy bool)

	doneCh chan struct{}
}

// NewKafkaBroker creates a Kafka-backed bus.
func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := &KafkaBroker{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		cfg:           cfg,
		doneCh:        make(chan struct{}),
	}
	b.healthy.Store(true)

	go b.deliveryReportHandler()

	if err := b.ensureTopics(); err != nil {
		log.L().Warn().Err(err).Msg("failed to ensure kafka topics (may already exist)")
	}

	return b, nil
}

func (b *KafkaBroker) ensureTopics() error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": b.cfg.Brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := b.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topics := []kafka.TopicSpecification{
		{Topic: topicConversations, NumPartitions: partitions, ReplicationFactor: 1},
		{Topic: topicCluster, NumPartitions: 1, ReplicationFactor: 1},
	}

	results, err := admin.CreateTopics(ctx, topics)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			log.L().Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("failed to create topic")
		}
	}
	return nil
}

// deliveryReportHandler drains producer events and tracks bus health
// from delivery outcomes.
func (b *KafkaBroker) deliveryReportHandler() {
	for e := range b.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				log.L().Warn().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
				b.setHealthy(false)
			} else {
				b.setHealthy(true)
			}
		case kafka.Error:
			if ev.IsFatal() || ev.Code() == kafka.ErrAllBrokersDown {
				b.setHealthy(false)
			}
		}
	}
	close(b.doneCh)
}

func (b *KafkaBroker) Publish(ctx context.Context, channel string, env *Envelope) error {
	if !b.healthy.Load() {
		return ErrUnavailable
	}

	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          data,
	}
	if key != "" {
		msg.Key = []byte(key)
	}

	if err := b.producer.Produce(msg, nil); err != nil {
		b.setHealthy(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan *Envelope, error) {
	topic, convID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel: %w", err)
	}
	return b.subscribeToTopic(ctx, channel, topic, convID)
}

func (b *KafkaBroker) SubscribePattern(ctx context.Context, pattern string) (<-chan *Envelope, error) {
	topic, err := patternToTopic(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pattern: %w", err)
	}
	return b.subscribeToTopic(ctx, pattern, topic, "")
}

func (b *KafkaBroker) subscribeToTopic(ctx context.Context, subKey, topic, filterConvID string) (<-chan *Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.subscriptions[subKey]; ok {
		existing.cancel()
		existing.consumer.Close()
		delete(b.subscriptions, subKey)
	}

	groupID := b.cfg.GroupID
	if groupID == "" {
		groupID = "d8chat-bus"
	}
	// Every instance must see every envelope, so each subscription gets
	// its own consumer group.
	consumerGroupID := fmt.Sprintf("%s-%s", groupID, sanitizeGroupID(subKey))

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       b.cfg.Brokers,
		"group.id":                consumerGroupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *Envelope, 256)

	b.subscriptions[subKey] = &kafkaSubscription{consumer: c, cancel: cancel}

	go b.consume(subCtx, c, out, filterConvID)
	return out, nil
}

func (b *KafkaBroker) consume(ctx context.Context, c *kafka.Consumer, out chan<- *Envelope, filterConvID string) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.ReadMessage(time.Second)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			log.L().Warn().Err(err).Msg("kafka read failed")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.L().Warn().Err(err).Msg("dropping malformed bus envelope")
			continue
		}
		if filterConvID != "" && env.ConversationID != filterConvID {
			continue
		}

		select {
		case out <- &env:
		case <-ctx.Done():
			return
		}
	}
}

func (b *KafkaBroker) Healthy() bool {
	return b.healthy.Load()
}

func (b *KafkaBroker) NotifyStatus(fn func(healthy bool)) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.statusFn = append(b.statusFn, fn)
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	for key, sub := range b.subscriptions {
		sub.cancel()
		sub.consumer.Close()
		delete(b.subscriptions, key)
	}
	b.mu.Unlock()

	b.producer.Flush(5000)
	b.producer.Close()
	<-b.doneCh
	return nil
}

func (b *KafkaBroker) setHealthy(healthy bool) {
	if b.healthy.Swap(healthy) == healthy {
		return
	}
	b.statusMu.Lock()
	fns := append([]func(bool){}, b.statusFn...)
	b.statusMu.Unlock()
	for _, fn := range fns {
		fn(healthy)
	}
}

func sanitizeGroupID(s string) string {
	r := strings.NewReplacer(":", "-", "*", "all", "/", "-")
	return r.Replace(s)
}
