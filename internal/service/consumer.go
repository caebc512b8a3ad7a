package service

import (
	"context"
	"encoding/json"

	"github.com/DevOcho/d8-chat/internal/broker"
	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/pkg/log"
)

// Start launches the cluster consumer loops: one over all conversation
// channels, one over the shared cluster channel. Envelopes this instance
// published are skipped; their local delivery already happened at
// publish time.
func (s *chatService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	convCh, err := s.broker.SubscribePattern(ctx, broker.PatternConversation)
	if err != nil {
		cancel()
		return err
	}
	clusterCh, err := s.broker.Subscribe(ctx, broker.ChannelCluster)
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(2)
	go s.consumeConversations(ctx, convCh)
	go s.consumeCluster(ctx, clusterCh)

	log.L().Info().Str("instance_id", s.cfg.InstanceID).Msg("dispatch consumers started")
	return nil
}

func (s *chatService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.typing.Close()
	s.presence.Stop()
	return nil
}

func (s *chatService) consumeConversations(ctx context.Context, ch <-chan *broker.Envelope) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Origin == s.cfg.InstanceID {
				continue
			}
			switch env.Kind {
			case broker.EnvMessage:
				s.applyRemoteMessage(env)
			case broker.EnvTyping:
				s.applyRemoteTyping(env)
			}
		}
	}
}

func (s *chatService) consumeCluster(ctx context.Context, ch <-chan *broker.Envelope) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Origin == s.cfg.InstanceID {
				continue
			}
			switch env.Kind {
			case broker.EnvPresence:
				s.applyRemotePresence(env)
			case broker.EnvNotify:
				s.applyRemoteNotify(env)
			}
		}
	}
}

// applyRemoteMessage fans a remotely published event out to local
// viewers. The payload is the already-rendered frame, delivered as-is
// under the conversation's dispatch lock so it cannot interleave with a
// resync splice in progress.
func (s *chatService) applyRemoteMessage(env *broker.Envelope) {
	if env.ConversationID == "" {
		return
	}
	mu := s.convLock(env.ConversationID)
	mu.Lock()
	n := s.hub.LocalDeliver(env.ConversationID, env.Payload)
	mu.Unlock()
	log.L().Debug().
		Str(log.FieldConversationID, env.ConversationID).
		Str(log.FieldStage, stageDeliver).
		Int("recipients", n).
		Msg("remote event delivered")
}

// applyRemoteTyping feeds a remote typing signal into the local
// aggregator, which owns expiry on this process's clock.
func (s *chatService) applyRemoteTyping(env *broker.Envelope) {
	var sig broker.TypingSignal
	if err := env.UnmarshalPayload(&sig); err != nil {
		log.L().Warn().Err(err).Msg("invalid typing signal")
		return
	}
	if sig.Typing {
		s.typing.Start(sig.ConversationID, sig.UserID, sig.Username)
	} else {
		s.typing.Stop(sig.ConversationID, sig.UserID)
	}
}

func (s *chatService) applyRemotePresence(env *broker.Envelope) {
	var sig broker.PresenceSignal
	if err := env.UnmarshalPayload(&sig); err != nil {
		log.L().Warn().Err(err).Msg("invalid presence signal")
		return
	}
	data, err := json.Marshal(&domain.PresenceUpdateFrame{
		Type:   domain.FramePresenceUpdate,
		UserID: sig.UserID,
		State:  sig.State,
	})
	if err != nil {
		return
	}
	s.hub.BroadcastAll(data)
}

func (s *chatService) applyRemoteNotify(env *broker.Envelope) {
	var sig broker.NotifySignal
	if err := env.UnmarshalPayload(&sig); err != nil {
		log.L().Warn().Err(err).Msg("invalid notify signal")
		return
	}
	s.deliverNotifyLocal(sig)
}
