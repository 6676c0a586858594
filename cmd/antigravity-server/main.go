// Package main is the entry point for the Antigravity proxy server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/auth"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
	"github.com/xilu0/antigravity-claude-proxy/internal/config"
	"github.com/xilu0/antigravity-claude-proxy/internal/dispatch"
	"github.com/xilu0/antigravity-claude-proxy/internal/handler"
	"github.com/xilu0/antigravity-claude-proxy/internal/redisstore"
	"github.com/xilu0/antigravity-claude-proxy/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("starting antigravity proxy",
		"port", cfg.Port,
		"accounts_path", cfg.AccountsPath,
	)

	// State store: Redis when configured, otherwise the accounts file.
	var store account.Store
	if cfg.RedisURL != "" {
		redisStore, err := redisstore.New(redisstore.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("using Redis state store", "addr", cfg.RedisURL)
	} else {
		store = account.NewFileStore(cfg.AccountsPath)
	}

	state, err := store.Load()
	if err != nil {
		logger.Error("failed to load account state", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded accounts", "count", len(state.Accounts))

	manager := account.NewManager(account.ManagerOptions{
		State: *state,
		Save: func(s *account.State) {
			if err := store.Save(s); err != nil {
				logger.Warn("failed to persist account state", "error", err)
			}
		},
		DefaultCooldown:    cfg.DefaultCooldown,
		MaxWaitBeforeError: cfg.MaxWaitBeforeError,
		Logger:             logger,
	})

	client := cloudcode.NewClient(cloudcode.ClientOptions{Logger: logger})

	creds := auth.NewCredentials(auth.CredentialsOptions{
		Manager: manager,
		TTL:     cfg.TokenTTL,
		Logger:  logger,
	})

	projects := auth.NewResolver(auth.ResolverOptions{
		Client:           client,
		DefaultProjectID: cfg.DefaultProjectID,
		Logger:           logger,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Manager:     manager,
		Credentials: creds,
		Projects:    projects,
		Client:      client,
		MaxRetries:  cfg.MaxRetries,
		Logger:      logger,
	})

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Dispatcher:      dispatcher,
		FallbackEnabled: cfg.FallbackEnabled,
		Logger:          logger,
	})
	modelsHandler := handler.NewModelsHandler(handler.ModelsHandlerOptions{
		Manager:     manager,
		Credentials: creds,
		Client:      client,
		Logger:      logger,
	})

	validateAPIKey := func(key string) bool {
		if cfg.APIKey == "" {
			return true // No API key configured, allow all
		}
		return key == cfg.APIKey
	}

	r := chi.NewRouter()
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Auth(validateAPIKey, logger))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		usable := len(manager.Available(""))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"healthy","accounts":{"total":%d,"usable":%d}}`,
			manager.Count(), usable)
	})
	r.Post("/v1/messages", messagesHandler.ServeHTTP)
	r.Post("/v1/messages/count_tokens", handler.NewCountTokensHandler().ServeHTTP)
	r.Get("/v1/models", modelsHandler.ServeHTTP)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
