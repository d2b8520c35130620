package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmchat/internal/cluster"
	"dmchat/internal/config"
	"dmchat/internal/domain"
	"dmchat/internal/httpserver"
	"dmchat/internal/live"
	"dmchat/internal/logging"
	"dmchat/internal/security"
	"dmchat/internal/service"
	"dmchat/internal/store/postgres"
	"dmchat/internal/store/sqlite"
	"dmchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

type store struct {
	db       *sql.DB
	users    domain.UserRepository
	messages domain.MessageRepository
}

func openStore(cfg *config.Config) (*store, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &store{db: db, users: postgres.NewUserRepo(db), messages: postgres.NewMessageRepo(db)}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &store{db: db, users: sqlite.NewUserRepo(db), messages: sqlite.NewMessageRepo(db)}, nil
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.db.Close()
	log.Info("database ready", zap.String("driver", cfg.DBDriver))

	// A lone gateway owns every live connection, so flags left by a crash are stale.
	// Clustered gateways share the table and rely on their own drains.
	if !cfg.Clustered() {
		n, err := st.users.ClearOnline(ctx)
		if err != nil {
			return fmt.Errorf("clear stale presence: %w", err)
		}
		if n > 0 {
			log.Info("cleared stale online flags", zap.Int64("users", n))
		}
	}

	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	hasher := security.NewPasswordHasher(0)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		return fmt.Errorf("init encryptor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Mirrors outlive gctx so offline updates from the final drain are flushed.
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()

	stored := live.NewPresenceMirror("users", service.NewStoredPresence(st.users), 0, log)
	g.Go(func() error { return stored.Run(mirrorCtx) })
	regOpts := []live.Option{live.WithShards(cfg.RegistryShards), live.WithPresenceHook(stored)}
	var (
		forwarder live.Forwarder
		refresher ws.PresenceRefresher
		relay     *cluster.Relay
	)
	if cfg.Clustered() {
		rdb, err := cluster.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()

		nc, err := cluster.ConnectNATS(cfg.NATSURL, "dmchat-"+cfg.GatewayID)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()

		presence := cluster.NewPresence(rdb, cfg.GatewayID, cfg.PresenceTTL)
		mirror := live.NewPresenceMirror("redis", presence, 0, log)
		g.Go(func() error { return mirror.Run(mirrorCtx) })

		regOpts = append(regOpts, live.WithPresenceHook(mirror))
		relay = cluster.NewRelay(nc, presence, cfg.GatewayID, log)
		forwarder = relay
		refresher = presence
		log.Info("cluster delivery enabled", zap.String("gateway_id", cfg.GatewayID))
	}

	registry := live.NewRegistry(log, regOpts...)
	dispatcher := live.NewDispatcher(registry, forwarder)
	if relay != nil {
		sub, err := relay.Subscribe(dispatcher)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Config:   cfg,
		Log:      log,
		Tokens:   tokens,
		Users:    st.users,
		Auth:     service.NewAuthService(st.users, tokens, hasher),
		Profiles: service.NewUserService(st.users, registry),
		Messages: service.NewMessageService(st.messages, st.users, encryptor, dispatcher, log),
		Live:     ws.NewHandler(registry, tokens, st.users, refresher, cfg.CORSOrigins, log),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		log.Info("starting dmchat server", zap.String("addr", cfg.HTTPAddr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Live connections are hijacked and not tracked by Shutdown.
		registry.Close()
		stopMirror()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
