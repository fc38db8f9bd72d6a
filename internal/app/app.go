package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tush00nka/portal_chat/internal/config"
	"tush00nka/portal_chat/internal/handler"
	"tush00nka/portal_chat/internal/pkg/auth"
	"tush00nka/portal_chat/internal/pkg/metrics"
	"tush00nka/portal_chat/internal/presence"
	"tush00nka/portal_chat/internal/repository"
	"tush00nka/portal_chat/internal/service"
	"tush00nka/portal_chat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	server   *Server
	hub      *ws.Hub
	presence *presence.Coordinator
	closers  []func() error
}

// New собирает зависимости по конфигурации: хранилище, присутствие, вложения, HTTP
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	repos, err := a.repositories()
	if err != nil {
		return nil, err
	}

	presenceRepo, err := a.presenceRepository(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var uploader service.Uploader
	if cfg.S3BucketName != "" {
		s3, err := service.NewS3Service(ctx, cfg, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		uploader = s3
	} else {
		logger.Warn("S3_BUCKET_NAME is not set, attachment upload is disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	a.hub = ws.NewHub(m, logger)

	svc := service.New(service.Deps{
		Repos:     repos,
		Publisher: a.hub,
		Metrics:   m,
		Logger:    logger,
		Options: service.Options{
			ForwardMaxDepth: cfg.ForwardMaxDepth,
			MaxFileSize:     cfg.MaxFileSize,
		},
		Uploader: uploader,
	})

	a.presence = presence.NewCoordinator(a.hub, presenceRepo, svc.Conversations, m, logger, presence.Options{
		TypingTTL:   cfg.TypingTTL,
		PresenceTTL: cfg.PresenceTTL,
	})

	tokens := auth.NewManager(cfg.JWTKey, auth.DefaultTokenTTL, logger)
	dispatcher := ws.NewDispatcher(a.presence, svc.Messages, svc.Reads)

	a.server = NewServer(ServerDeps{
		Users:         handler.NewUserHandler(svc.Users, tokens, logger),
		Chats:         handler.NewChatHandler(svc, a.presence, handler.ChatOptions{GroupWindow: cfg.GroupWindow, MaxFileSize: cfg.MaxFileSize}, logger),
		Messages:      handler.NewMessageHandler(svc, logger),
		Announcements: handler.NewAnnouncementHandler(svc.Announcements, logger),
		WS:            handler.NewWSHandler(a.hub, dispatcher, svc.Conversations, ws.NewUpgrader(cfg.AllowedOrigins, !cfg.IsProduction()), logger),
		Auth:          tokens,
		Gatherer:      registry,
		Origins:       cfg.AllowedOrigins,
		Logger:        logger,
	})

	return a, nil
}

func (a *App) repositories() (repository.Repositories, error) {
	if a.cfg.Storage != config.StoragePostgres {
		a.logger.Info("using in-memory storage")
		return repository.NewMemoryRepositories(), nil
	}

	db, err := repository.NewDB(a.cfg.DSN(), !a.cfg.IsProduction())
	if err != nil {
		return repository.Repositories{}, err
	}
	sqlDB, err := db.DB()
	if err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := repository.Migrate(db); err != nil {
		a.close()
		return repository.Repositories{}, err
	}

	a.logger.Info("connected to postgres", "host", a.cfg.Host, "db", a.cfg.Name)
	return repository.NewGormRepositories(db), nil
}

func (a *App) presenceRepository(ctx context.Context) (repository.PresenceRepository, error) {
	if a.cfg.RedisAddr == "" {
		return repository.NewMemoryPresence(time.Now), nil
	}

	rdb, err := repository.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)

	a.logger.Info("connected to redis", "addr", a.cfg.RedisAddr)
	return repository.NewPresenceRepository(rdb), nil
}

// Run обслуживает HTTP до отмены ctx, затем мягко останавливается
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      a.server,
		Addr:         ":" + a.cfg.ServerPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "port", a.cfg.ServerPort, "storage", a.cfg.Storage)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	a.hub.Shutdown()
	a.presence.Close()
	a.close()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
