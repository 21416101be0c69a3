package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/config"
	"github.com/quanteckio/omni-email/crypto"
	"github.com/quanteckio/omni-email/handler"
	"github.com/quanteckio/omni-email/middleware"
	"github.com/quanteckio/omni-email/models"
	"github.com/quanteckio/omni-email/repository"
	"github.com/quanteckio/omni-email/service"
	"github.com/quanteckio/omni-email/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Server.LogLevel)
	logger.Info().Str("addr", cfg.Server.Addr).Msg("starting mailbox gateway")

	masterKey, err := cfg.DecodeMasterKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid master key")
	}
	keyring, err := crypto.NewKeyring(masterKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid master key")
	}

	redisClient := initStore(cfg.Store)
	defer redisClient.Close()

	// Repositories and services
	accountRepo := repository.NewAccountRepository(redisClient, logger.With().Str("component", "account-repo").Logger())
	senderService := service.NewSenderService(logger.With().Str("component", "sender").Logger())
	mailboxService := service.NewMailboxService(logger.With().Str("component", "mailbox").Logger())
	tester := service.NewMailTester(senderService, mailboxService)

	// The watcher hub resolves credentials lazily so only the IMAP half of a
	// Secret ever reaches a long-lived goroutine.
	var accountService *service.AccountService
	hub := watcher.NewHub(watcher.Config{
		IdleGrace: time.Duration(cfg.Watcher.IdleGraceSeconds) * time.Second,
		Keepalive: time.Duration(cfg.Watcher.KeepaliveSeconds) * time.Second,
	}, func(ctx context.Context, accountID string) (models.ServerSettings, error) {
		secret, err := accountService.Secret(ctx, accountID)
		if err != nil {
			return models.ServerSettings{}, err
		}
		return secret.IMAP, nil
	}, logger.With().Str("component", "watcher").Logger())

	accountService = service.NewAccountService(accountRepo, keyring, tester, hub,
		logger.With().Str("component", "accounts").Logger())

	apiHandler := handler.NewHandler(accountService, senderService, mailboxService, tester, hub,
		time.Duration(cfg.Watcher.HeartbeatSeconds)*time.Second,
		logger.With().Str("component", "handler").Logger())

	// Setup router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.RecoveryLogger(logger))
	if len(cfg.Server.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", apiHandler.Router())

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: push streams stay open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	hub.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}

func initLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(logLevel).With().Timestamp().Logger()
}

func initStore(cfg config.StoreConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Token,
		DB:       cfg.DB,
	})
}
