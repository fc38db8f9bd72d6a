// @title Portal Chat
// @version 0.2
// @description Chat core of the business portal.

// @host localhost:8080
// @BasePath /api
// @query.collection.format multi
// @schemes http

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "tush00nka/portal_chat/docs"
	"tush00nka/portal_chat/internal/app"
	"tush00nka/portal_chat/internal/config"
	"tush00nka/portal_chat/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := logger.New(cfg.LogLevel, cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
