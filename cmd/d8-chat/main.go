package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DevOcho/d8-chat/internal/auth"
	"github.com/DevOcho/d8-chat/internal/broker"
	"github.com/DevOcho/d8-chat/internal/config"
	"github.com/DevOcho/d8-chat/internal/handler"
	"github.com/DevOcho/d8-chat/internal/hub"
	"github.com/DevOcho/d8-chat/internal/presence"
	"github.com/DevOcho/d8-chat/internal/registry"
	"github.com/DevOcho/d8-chat/internal/roster"
	"github.com/DevOcho/d8-chat/internal/service"
	"github.com/DevOcho/d8-chat/internal/store"
	"github.com/DevOcho/d8-chat/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "d8-chat",
	})
	l := log.L()

	instanceID := cfg.Chat.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	l.Info().
		Str("instance_id", instanceID).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("starting d8-chat")

	// Event store
	eventStore, err := openStore(cfg.Store)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open event store")
	}
	defer eventStore.Close()

	// Cluster bus
	bus, err := broker.New(cfg.Broker)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to cluster bus")
	}
	defer bus.Close()

	// Connection registry
	wsHub := hub.NewHub()

	// Cluster-wide subscription registry
	reg, err := openRegistry(cfg.Registry, wsHub, instanceID)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to subscription registry")
	}
	defer reg.Close()

	// Roster
	ros, err := openRoster(cfg.Roster)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to roster")
	}

	// Presence
	tracker := presence.NewTracker(presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		HeartbeatMisses:   cfg.Presence.HeartbeatMisses,
		IdleAfter:         cfg.Presence.IdleAfter,
		DisconnectGrace:   cfg.Presence.DisconnectGrace,
	})

	chatSvc := service.NewChatService(
		service.Config{
			InstanceID:     instanceID,
			MaxBodyBytes:   cfg.Chat.MaxBodyBytes,
			TypingTTL:      cfg.Typing.TTL,
			NotifyThrottle: cfg.Notify.Throttle,
		},
		wsHub, eventStore, bus, tracker, ros, reg,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := chatSvc.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start dispatch consumers")
	}
	defer chatSvc.Stop()

	if err := reg.StartHeartbeat(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start registry heartbeat")
	}

	authn := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := handler.NewWSHandler(wsHub, chatSvc, authn, hub.PumpConfig{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	})
	httpHandler := handler.NewHTTPHandler(eventStore, bus, wsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("server exited with error")
	}
	l.Info().Msg("d8-chat stopped")
}

func openStore(cfg config.StoreConfig) (store.EventStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "pebble", "":
		return store.OpenPebble(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openRegistry(cfg config.RegistryConfig, h *hub.Hub, instanceID string) (registry.Registry, error) {
	if !cfg.Enabled {
		return registry.NewLocalRegistry(h), nil
	}
	return registry.NewRedisRegistry(registry.Config{
		Address:           cfg.Address,
		Password:          cfg.Password,
		DB:                cfg.DB,
		Prefix:            cfg.Prefix,
		KeyTTL:            cfg.KeyTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, instanceID)
}

func openRoster(cfg config.RosterConfig) (roster.Provider, error) {
	switch cfg.Driver {
	case "static":
		return roster.NewStaticProvider(), nil
	case "postgres", "":
		return roster.NewPostgresProvider(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown roster driver %q", cfg.Driver)
	}
}
