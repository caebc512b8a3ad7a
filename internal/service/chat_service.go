package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DevOcho/d8-chat/internal/audit"
	"github.com/DevOcho/d8-chat/internal/broker"
	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/hub"
	"github.com/DevOcho/d8-chat/internal/mention"
	"github.com/DevOcho/d8-chat/internal/metrics"
	"github.com/DevOcho/d8-chat/internal/notify"
	"github.com/DevOcho/d8-chat/internal/presence"
	"github.com/DevOcho/d8-chat/internal/registry"
	"github.com/DevOcho/d8-chat/internal/roster"
	"github.com/DevOcho/d8-chat/internal/store"
	"github.com/DevOcho/d8-chat/internal/typing"
	"github.com/DevOcho/d8-chat/pkg/log"
)

// Pipeline stages, used as the structured "stage" log field.
const (
	stageValidate = "validate"
	stagePersist  = "persist"
	stageDeliver  = "deliver"
	stagePublish  = "publish"
	stageMention  = "mention"
	stageNotify   = "notify"
	stageReplay   = "replay"
)

// Config tunes the dispatch pipeline.
type Config struct {
	InstanceID     string
	MaxBodyBytes   int
	TypingTTL      time.Duration
	NotifyThrottle time.Duration
}

func DefaultConfig() Config {
	return Config{
		InstanceID:     uuid.NewString(),
		MaxBodyBytes:   16 * 1024,
		TypingTTL:      typing.DefaultTTL,
		NotifyThrottle: 10 * time.Second,
	}
}

type chatService struct {
	cfg      Config
	hub      *hub.Hub
	store    store.EventStore
	broker   broker.Broker
	presence *presence.Tracker
	typing   *typing.Aggregator
	resolver *mention.Resolver
	roster   roster.Provider
	registry registry.Registry
	notifier notify.Provider
	throttle *notifyThrottle

	// dispatch serializes append + local delivery per conversation so
	// viewers observe events in persistence order and subscribe can
	// splice replay into live traffic without gaps or duplicates.
	dispatchMu sync.Mutex
	dispatch   map[string]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChatService(
	cfg Config,
	h *hub.Hub,
	st store.EventStore,
	br broker.Broker,
	pres *presence.Tracker,
	ros roster.Provider,
	reg registry.Registry,
) ChatService {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 * 1024
	}

	s := &chatService{
		cfg:      cfg,
		hub:      h,
		store:    st,
		broker:   br,
		presence: pres,
		resolver: mention.NewResolver(),
		roster:   ros,
		registry: reg,
		notifier: notify.NewHubProvider(h),
		throttle: newNotifyThrottle(cfg.NotifyThrottle),
		dispatch: make(map[string]*sync.Mutex),
	}
	s.typing = typing.NewAggregator(cfg.TypingTTL, s.deliverTypingUpdate)
	pres.SetBroadcast(s.onPresenceTransition)
	br.NotifyStatus(s.onBrokerStatus)
	return s
}

func (s *chatService) HandleConnect(_ context.Context, c *hub.Client) {
	s.hub.Register(c)
	s.presence.OnConnect(c.UserID)
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	if conv := s.hub.ActiveConversation(c.ID); conv != "" {
		if err := s.registry.RemoveSubscriber(ctx, conv, c.UserID); err != nil {
			log.L().Debug().Err(err).Msg("registry cleanup failed on disconnect")
		}
	}
	s.hub.Deregister(c.ID)
	s.presence.OnDisconnect(c.UserID)
}

func (s *chatService) HandlePing(_ context.Context, c *hub.Client) error {
	s.presence.OnHeartbeat(c.UserID)
	return c.SendFrame(&domain.BaseFrame{Type: domain.FramePong})
}

// HandleSubscribe switches the connection's active conversation and
// replays the missed delta before live traffic resumes for it.
func (s *chatService) HandleSubscribe(ctx context.Context, c *hub.Client, frame domain.SubscribeFrame) error {
	l := log.L().With().
		Str(log.FieldConnectionID, c.ID).
		Str(log.FieldConversationID, frame.ConversationID).
		Logger()

	if frame.ConversationID == "" {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "conversation_id is required"))
		return domain.Validation("empty conversation id")
	}
	if err := s.checkMembership(ctx, frame.ConversationID, c.UserID); err != nil {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "not a member of this conversation"))
		return err
	}

	if prev := s.hub.ActiveConversation(c.ID); prev != "" && prev != frame.ConversationID {
		if err := s.registry.RemoveSubscriber(ctx, prev, c.UserID); err != nil {
			l.Debug().Err(err).Msg("registry cleanup failed on conversation switch")
		}
	}

	// Replay everything past the client's high-water mark, then splice
	// into live traffic. The bulk of the delta is read without blocking
	// the conversation; the tail that accumulated during that read is
	// replayed under the dispatch lock, where no append can interleave,
	// so the handoff to live delivery is exact.
	last := frame.LastSeq
	replayed := 0
	replay := func() error {
		events, err := s.store.ReadRange(ctx, frame.ConversationID, last)
		if err != nil {
			l.Error().Str(log.FieldStage, stageReplay).Err(err).Msg("resync read failed")
			c.SendFrame(domain.NewErrorFrame(domain.CodePersistence, "history unavailable, retry"))
			return err
		}
		for _, ev := range events {
			if err := c.SendFrame(domain.FrameForEvent(ev)); err != nil {
				return err
			}
			last = ev.Sequence
		}
		replayed += len(events)
		return nil
	}

	if err := replay(); err != nil {
		return err
	}
	mu := s.convLock(frame.ConversationID)
	mu.Lock()
	err := replay()
	if err == nil {
		s.hub.Subscribe(c.ID, frame.ConversationID)
	}
	mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.registry.AddSubscriber(ctx, frame.ConversationID, c.UserID); err != nil {
		l.Warn().Err(err).Msg("subscription registry update failed")
	}

	l.Debug().
		Str(log.FieldStage, stageReplay).
		Int("replayed", replayed).
		Uint64(log.FieldSequence, last).
		Msg("subscription established")

	audit.LogWithDetail(ctx, audit.ActionSubscribe, c.UserID, frame.ConversationID, "conversation subscribed")
	return c.SendFrame(&domain.SubscribedFrame{
		Type:           domain.FrameSubscribed,
		ConversationID: frame.ConversationID,
		LastSeq:        last,
	})
}

// HandleMessageSend runs the durable pipeline: validate, persist, local
// deliver, publish, resolve mentions, notify. Failures after persistence
// never undo delivery; the resync path is the recovery mechanism.
func (s *chatService) HandleMessageSend(ctx context.Context, c *hub.Client, frame domain.MessageSendFrame) error {
	body := strings.TrimSpace(frame.BodyRef)
	if body == "" && len(frame.AttachmentIDs) == 0 {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "message body is empty"))
		return domain.Validation("empty message body")
	}
	if len(body) > s.cfg.MaxBodyBytes {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "message body too large"))
		return domain.Validation("message body too large")
	}
	if frame.ConversationID == "" {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "conversation_id is required"))
		return domain.Validation("empty conversation id")
	}

	ev := domain.Event{
		ID:              uuid.NewString(),
		Kind:            domain.EventMessageCreated,
		ConversationID:  frame.ConversationID,
		AuthorID:        c.UserID,
		AuthorName:      c.Username,
		BodyRef:         body,
		ParentMessageID: frame.ParentMessageID,
		AttachmentIDs:   frame.AttachmentIDs,
		CreatedAt:       time.Now().UTC(),
	}

	ev, err := s.persistAndFanOut(ctx, c, ev)
	if err != nil {
		return err
	}
	audit.LogWithDetail(ctx, audit.ActionSendMessage, c.UserID, ev.ConversationID, "message sent")

	s.notifyForEvent(ctx, ev, body)
	return nil
}

func (s *chatService) HandleMessageEdit(ctx context.Context, c *hub.Client, frame domain.MessageEditFrame) error {
	body := strings.TrimSpace(frame.BodyRef)
	if frame.MessageID == "" || frame.ConversationID == "" {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "message_id and conversation_id are required"))
		return domain.Validation("missing edit target")
	}
	if body == "" {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "message body is empty"))
		return domain.Validation("empty message body")
	}

	ev := domain.Event{
		ID:             uuid.NewString(),
		Kind:           domain.EventMessageEdited,
		ConversationID: frame.ConversationID,
		AuthorID:       c.UserID,
		AuthorName:     c.Username,
		BodyRef:        body,
		RefID:          frame.MessageID,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.persistAndFanOut(ctx, c, ev)
	if err == nil {
		audit.LogWithDetail(ctx, audit.ActionEditMessage, c.UserID, frame.MessageID, "message edited")
	}
	return err
}

func (s *chatService) HandleMessageDelete(ctx context.Context, c *hub.Client, frame domain.MessageDeleteFrame) error {
	if frame.MessageID == "" || frame.ConversationID == "" {
		c.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "message_id and conversation_id are required"))
		return domain.Validation("missing delete target")
	}

	ev := domain.Event{
		ID:             uuid.NewString(),
		Kind:           domain.EventMessageDeleted,
		ConversationID: frame.ConversationID,
		AuthorID:       c.UserID,
		AuthorName:     c.Username,
		RefID:          frame.MessageID,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.persistAndFanOut(ctx, c, ev)
	if err == nil {
		audit.LogWithDetail(ctx, audit.ActionDeleteMessage, c.UserID, frame.MessageID, "message deleted")
	}
	return err
}

// persistAndFanOut appends the event, delivers it to local viewers, and
// publishes it for remote instances. Returns the event with its assigned
// sequence.
// convLock returns the dispatch mutex for a conversation, creating it on
// first use.
func (s *chatService) convLock(conversationID string) *sync.Mutex {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	mu, ok := s.dispatch[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.dispatch[conversationID] = mu
	}
	return mu
}

func (s *chatService) persistAndFanOut(ctx context.Context, c *hub.Client, ev domain.Event) (domain.Event, error) {
	l := log.L().With().
		Str(log.FieldConversationID, ev.ConversationID).
		Str(log.FieldMessageID, ev.ID).
		Str(log.FieldUserID, ev.AuthorID).
		Logger()

	mu := s.convLock(ev.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := s.store.Append(ctx, ev.ConversationID, ev)
	if err != nil {
		l.Error().Str(log.FieldStage, stagePersist).Err(err).Msg("event append failed")
		c.SendFrame(domain.NewErrorFrame(domain.CodePersistence, "message not saved, retry"))
		return ev, domain.Persistence("append event", err)
	}
	ev.Sequence = seq
	metrics.EventsAppended.Inc()

	frame := domain.FrameForEvent(ev)
	payload, err := json.Marshal(frame)
	if err != nil {
		l.Error().Str(log.FieldStage, stageDeliver).Err(err).Msg("frame marshal failed")
		return ev, err
	}

	delivered := s.hub.LocalDeliver(ev.ConversationID, payload)
	l.Debug().
		Str(log.FieldStage, stageDeliver).
		Uint64(log.FieldSequence, seq).
		Int("recipients", delivered).
		Msg("event delivered locally")

	env := &broker.Envelope{
		Kind:           broker.EnvMessage,
		Origin:         s.cfg.InstanceID,
		ConversationID: ev.ConversationID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.broker.Publish(ctx, broker.ConversationChannel(ev.ConversationID), env); err != nil {
		metrics.BrokerPublishFailures.Inc()
		l.Warn().Str(log.FieldStage, stagePublish).Err(err).Msg("cross-process publish failed, remote users will resync")
	}

	return ev, nil
}

// notifyForEvent resolves mentions and direct-message targets and sends
// alerts. Failures here never surface to the sender; the message is
// already delivered.
func (s *chatService) notifyForEvent(ctx context.Context, ev domain.Event, body string) {
	l := log.L().With().
		Str(log.FieldConversationID, ev.ConversationID).
		Str(log.FieldMessageID, ev.ID).
		Logger()

	conv, err := s.roster.Conversation(ctx, ev.ConversationID)
	if err != nil {
		l.Warn().Str(log.FieldStage, stageMention).Err(err).Msg("conversation lookup failed, skipping notifications")
		return
	}
	members, err := s.roster.Members(ctx, ev.ConversationID)
	if err != nil {
		l.Warn().Str(log.FieldStage, stageMention).Err(err).Msg("roster lookup failed, skipping notifications")
		return
	}

	subscribed, err := s.registry.Subscribers(ctx, ev.ConversationID)
	if err != nil {
		l.Warn().Str(log.FieldStage, stageMention).Err(err).Msg("subscription registry unavailable, using local view")
		subscribed = s.hub.SubscriberUserIDs(ev.ConversationID)
	}

	targets := make(map[string]domain.MentionTrigger)
	for _, t := range s.resolver.Resolve(body, ev.AuthorID, members, subscribed) {
		targets[t.UserID] = t.Trigger
	}

	// Direct messages alert every co-member, mention or not.
	if conv.IsDirect() {
		for _, m := range members {
			if m.UserID == ev.AuthorID {
				continue
			}
			if _, ok := targets[m.UserID]; !ok {
				targets[m.UserID] = ""
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	for userID := range targets {
		if !s.throttle.Allow(userID, ev.ConversationID) {
			continue
		}
		sig := broker.NotifySignal{
			UserID:         userID,
			ConversationID: ev.ConversationID,
			Title:          ev.AuthorName,
			Body:           body,
			Tag:            ev.ConversationID,
			Sound:          s.isViewing(subscribed, userID),
		}
		s.deliverNotifyLocal(sig)

		env, err := broker.NewEnvelope(broker.EnvNotify, s.cfg.InstanceID, ev.ConversationID, sig)
		if err != nil {
			continue
		}
		if err := s.broker.Publish(ctx, broker.ChannelCluster, env); err != nil {
			metrics.BrokerPublishFailures.Inc()
			l.Warn().Str(log.FieldStage, stageNotify).Err(err).Msg("notification publish failed")
		}
	}
}

// isViewing reports whether the user is actively viewing the
// conversation somewhere in the cluster; viewers get a sound cue instead
// of a notification banner.
func (s *chatService) isViewing(subscribed []string, userID string) bool {
	for _, id := range subscribed {
		if id == userID {
			return true
		}
	}
	return false
}

// deliverNotifyLocal sends the alert to the target user's connections on
// this process.
func (s *chatService) deliverNotifyLocal(sig broker.NotifySignal) {
	if sig.Sound {
		data, err := json.Marshal(&domain.SoundFrame{Type: domain.FrameSound})
		if err != nil {
			return
		}
		if n := s.hub.DeliverToUser(sig.UserID, data); n > 0 {
			metrics.NotificationsSent.Inc()
		}
		return
	}
	n := notify.Notification{Title: sig.Title, Body: sig.Body, Tag: sig.Tag}
	if err := s.notifier.Notify(context.Background(), sig.UserID, n); err != nil {
		log.L().Warn().Err(err).
			Str(log.FieldStage, stageNotify).
			Str(log.FieldUserID, sig.UserID).
			Msg("notification delivery failed")
	}
}

func (s *chatService) HandleTypingStart(ctx context.Context, c *hub.Client, frame domain.TypingFrame) error {
	if frame.ConversationID == "" {
		return domain.Validation("empty conversation id")
	}
	s.typing.Start(frame.ConversationID, c.UserID, c.Username)
	s.publishTyping(ctx, frame.ConversationID, c, true)
	return nil
}

func (s *chatService) HandleTypingStop(ctx context.Context, c *hub.Client, frame domain.TypingFrame) error {
	if frame.ConversationID == "" {
		return domain.Validation("empty conversation id")
	}
	s.typing.Stop(frame.ConversationID, c.UserID)
	s.publishTyping(ctx, frame.ConversationID, c, false)
	return nil
}

// publishTyping replicates a typing signal to the other instances. Each
// process feeds remote signals into its own aggregator and enforces the
// TTL on its own clock. Ephemeral: failures are swallowed.
func (s *chatService) publishTyping(ctx context.Context, conversationID string, c *hub.Client, active bool) {
	env, err := broker.NewEnvelope(broker.EnvTyping, s.cfg.InstanceID, conversationID, broker.TypingSignal{
		ConversationID: conversationID,
		UserID:         c.UserID,
		Username:       c.Username,
		Typing:         active,
	})
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, broker.ConversationChannel(conversationID), env); err != nil {
		log.L().Debug().
			Str(log.FieldConversationID, conversationID).
			Err(err).
			Msg("typing publish dropped")
	}
}

// deliverTypingUpdate pushes the changed typist set to every local
// viewer, excluding each recipient's own entry so nobody sees "you are
// typing".
func (s *chatService) deliverTypingUpdate(conversationID string, typists []typing.Typist) {
	for _, c := range s.hub.Subscribers(conversationID) {
		names := make([]string, 0, len(typists))
		for _, t := range typists {
			if t.UserID == c.UserID {
				continue
			}
			names = append(names, t.Username)
		}
		c.SendFrame(&domain.TypingUpdateFrame{
			Type:           domain.FrameTypingUpdate,
			ConversationID: conversationID,
			Typists:        names,
		})
	}
}

// onPresenceTransition broadcasts a local presence change to this
// process's connections and replicates it to the rest of the cluster.
func (s *chatService) onPresenceTransition(userID string, state presence.State) {
	frame := &domain.PresenceUpdateFrame{
		Type:   domain.FramePresenceUpdate,
		UserID: userID,
		State:  string(state),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.hub.BroadcastAll(data)

	env, err := broker.NewEnvelope(broker.EnvPresence, s.cfg.InstanceID, "", broker.PresenceSignal{
		UserID: userID,
		State:  string(state),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.Publish(ctx, broker.ChannelCluster, env); err != nil {
		log.L().Debug().Str(log.FieldUserID, userID).Err(err).Msg("presence publish dropped")
	}
}

// onBrokerStatus tells every local client whether cross-process fan-out
// is degraded.
func (s *chatService) onBrokerStatus(healthy bool) {
	data, err := json.Marshal(&domain.ConnectionStatusFrame{
		Type:     domain.FrameConnectionStatus,
		Degraded: !healthy,
	})
	if err != nil {
		return
	}
	s.hub.BroadcastAll(data)
	log.L().Info().Bool("healthy", healthy).Msg("cluster bus status changed")
}

func (s *chatService) checkMembership(ctx context.Context, conversationID, userID string) error {
	members, err := s.roster.Members(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	for _, m := range members {
		if m.UserID == userID {
			return nil
		}
	}
	return domain.Validation("user is not a conversation member")
}
