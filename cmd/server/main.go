// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/config"
	"github.com/jason-s-yu/matchmaker/internal/database"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/handlers"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/notify"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/jason-s-yu/matchmaker/internal/store/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisEnabled {
		rdb, err = cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		defer rdb.Close()
	}

	st, users, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		logger.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()
	logger.Infof("using %s store", cfg.StoreBackend)

	// lobby events go to the historian queue whenever Redis is around
	if rdb != nil {
		st = events.NewRecordingStore(st, cache.NewEventQueue(rdb, cfg.EventsQueue), logger)
	}

	hub := notify.NewHub(32, logger)
	var notifier matchmaking.Notifier = hub
	if cfg.NotifyBackend == config.NotifyRedis {
		b := cache.NewBroadcaster(rdb, cfg.NotifyChannel, logger)
		notifier = b
		go func() {
			if err := b.Listen(ctx, hub.Deliver, nil); err != nil {
				logger.Errorf("notification relay stopped: %v", err)
			}
		}()
	}

	issuer, err := newIssuer(cfg)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	svc := matchmaking.NewService(st, users, notifier,
		lobby.NewFactory(cfg.MinOpponents, cfg.MaxOpponents),
		matchmaking.WithMaxAttempts(cfg.MaxAttempts),
		matchmaking.WithLogger(logger),
	)
	api := &handlers.APIServer{
		Matchmaker: svc,
		Auth:       issuer,
		Users:      users,
		Hub:        hub,
		Logger:     logger,
		TokenTTL:   cfg.TokenTTL,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}()

	logger.Infof("Running on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
}

// openStore builds the configured backend. The returned func releases its resources.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, store.UserStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		s := cache.NewStore(rdb)
		return s, s, func() {}, nil
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		s := database.NewStore(pool)
		return s, s, pool.Close, nil
	default:
		s, err := memstore.New()
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() {}, nil
	}
}

func newIssuer(cfg *config.Config) (*auth.Issuer, error) {
	if cfg.PrivateKeyPath != "" {
		return auth.NewIssuerFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenTTL)
	}
	return auth.NewIssuer(cfg.TokenTTL)
}
