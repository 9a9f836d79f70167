package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moodchat/backend/internal/api/handler"
	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/config"
	"moodchat/backend/internal/crypto"
	"moodchat/backend/internal/identity"
	"moodchat/backend/internal/localization"
	"moodchat/backend/internal/storage"
	"moodchat/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	connectAttempts = 6
	shutdownTimeout = 10 * time.Second
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return cfg.Build()
}

// connect retries fn with exponential backoff; the database and Redis
// containers usually come up after the service does.
func connect(ctx context.Context, log *zap.Logger, what string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			log.Warn("connection attempt failed", zap.String("target", what), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func setupStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Gateway, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryStore(nil), func() {}, nil
	}

	// 1. PostgreSQL
	var db *gorm.DB
	err := connect(ctx, log, "postgres", func(context.Context) error {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect PostgreSQL: %w", err)
	}

	// 2. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := connect(ctx, log, "redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return nil, nil, fmt.Errorf("connect Redis: %w", err)
	}

	// 3. Міграції
	s := storage.NewStorageService(db, rdb, log)
	if err := s.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database and redis connections established, migrations complete")

	closeAll := func() {
		if err := rdb.Close(); err != nil {
			log.Warn("closing redis", zap.Error(err))
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return s, closeAll, nil
}

func run() error {
	loaded, err := config.LoadDotEnv()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if !loaded {
		log.Info("no .env file, using process environment")
	}
	log.Info("starting MoodChat backend", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ініціалізація залежностей
	store, closeStore, err := setupStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ident, err := identity.NewService(cfg.JWTSecret, cfg.JWTTTL, store, nil)
	if err != nil {
		return err
	}
	keys, err := crypto.NewKeyring(store, cfg.RoomKeySecret, log)
	if err != nil {
		return err
	}
	loc, err := localization.Bundled()
	if err != nil {
		return err
	}

	// 2. Chat Hub та Matcher
	deps := chathub.SessionDeps{
		Matcher:   chathub.NewMatcherService(store, nil, log),
		Store:     store,
		Keys:      keys,
		Identity:  ident,
		Localizer: loc,
		Timing:    cfg.Session,
		Log:       log,
	}
	hub := chathub.NewManagerService(deps)
	go hub.Run()

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.NewBotService(cfg.TelegramBotToken, hub, ident, loc, log)
		if err != nil {
			return fmt.Errorf("start telegram bot: %w", err)
		}
		go bot.Run(ctx)
	}

	// 3. Gin та роутинг
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewHandler(hub, deps, ident).Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by the server; the hub
	// stops their sessions.
	return errors.Join(server.Shutdown(shutdownCtx), hub.Shutdown(shutdownCtx))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "moodchat:", err)
		os.Exit(1)
	}
}
