// Command eventlog follows the relay's change events on NATS and writes
// each one to the structured log.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/config"
	"github.com/chatline/relay/internal/logger"
	"github.com/chatline/relay/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   "relay-eventlog",
		Version:   cfg.Logging.Version,
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Backend:   logger.ParseBackend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})

	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATS.URL != "" {
		natsConfig.URL = cfg.NATS.URL
	}
	natsConfig.Name = "relay-eventlog"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Error("connect to nats", "url", natsConfig.URL, "error", err)
		os.Exit(1)
	}

	var seen atomic.Int64
	err = natsClient.SubscribeEvents(func(subject string, ev chat.Event) {
		seen.Add(1)
		log.Info("event",
			"subject", subject,
			"kind", ev.Kind,
			"conversation_id", ev.ConversationID,
			"actor_id", ev.ActorID,
			"message_id", ev.MessageID,
			"status", ev.Status,
			"count", ev.Count,
			"participants", len(ev.Participants),
			"ts", time.UnixMilli(ev.Ts).UTC(),
		)
	})
	if err != nil {
		log.Error("subscribe", "subject", messaging.SubjectAllEvents, "error", err)
		os.Exit(1)
	}

	log.Info("eventlog started", "nats_url", natsConfig.URL, "subject", messaging.SubjectAllEvents)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("shutting down", "signal", sig.String(), "events", seen.Load())
	natsClient.Close()
}
