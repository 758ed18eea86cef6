package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatline/relay/internal/config"
	"github.com/chatline/relay/internal/logger"
	"github.com/chatline/relay/internal/messaging"
	"github.com/chatline/relay/internal/presence"
	"github.com/chatline/relay/internal/ratelimit"
	"github.com/chatline/relay/internal/relay"
	"github.com/chatline/relay/internal/session"
	"github.com/chatline/relay/internal/store"
	"github.com/chatline/relay/internal/store/memory"
	"github.com/chatline/relay/internal/store/postgres"
	"github.com/chatline/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   "relay",
		Version:   cfg.Logging.Version,
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Backend:   logger.ParseBackend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})

	// --- Storage ---
	var (
		st *store.Store
		db *sql.DB
	)
	if cfg.Postgres.DSN != "" {
		db, err = postgres.Open(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			log.Error("connect to postgres", "error", err)
			os.Exit(1)
		}
		if cfg.Postgres.RunMigrations {
			if err := postgres.Migrate(db); err != nil {
				log.Error("run migrations", "error", err)
				os.Exit(1)
			}
		}
		st = postgres.New(db)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = memory.New()
	}

	opts := relay.Options{
		Store:    st,
		Presence: presence.NewRegistry(),
		Logger:   log,
	}

	// --- Redis ---
	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		sessionStore, err = session.NewStore(cfg.Redis.Addr, cfg.Server.Name)
		if err != nil {
			log.Error("connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
		opts.Sessions = sessionStore
		opts.Limiter = limiter
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "relay-" + cfg.Server.Name
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Error("connect to nats", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		opts.Publisher = natsClient
	}

	engine := relay.New(opts)

	serverConfig := ws.ServerConfigFrom(cfg.Server)
	server := ws.NewServer(serverConfig, sessionStore, func(conn *ws.Connection, data []byte) {
		engine.Dispatch(conn, data)
	})
	server.SetLogger(log)
	if limiter != nil {
		server.SetLimiter(limiter)
	}
	server.SetOnConnect(func(conn *ws.Connection) { engine.Connect(conn) })
	server.SetOnDisconnect(func(conn *ws.Connection) { engine.Disconnect(conn) })

	log.Info("relay starting",
		"listen_addr", serverConfig.ListenAddr,
		"worker_pool", serverConfig.WorkerPoolSize,
		"max_connections", serverConfig.MaxConnections,
		"heartbeat", serverConfig.Heartbeat.Interval,
		"server_name", cfg.Server.Name,
		"postgres", db != nil,
		"redis", cfg.Redis.Addr,
		"nats", cfg.NATS.URL,
	)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown", "error", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if sessionStore != nil {
		if err := sessionStore.Close(); err != nil {
			log.Error("session store close", "error", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error("postgres close", "error", err)
		}
	}
	log.Info("relay stopped")
}
