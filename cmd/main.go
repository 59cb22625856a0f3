package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tournabot/engine/config"
	"github.com/tournabot/engine/db"
	"github.com/tournabot/engine/handlers"
	"github.com/tournabot/engine/metrics"
	"github.com/tournabot/engine/middleware"
	"github.com/tournabot/engine/notify"
	"github.com/tournabot/engine/repositories"
	api "github.com/tournabot/engine/routes"
	"github.com/tournabot/engine/services"
	"github.com/tournabot/engine/storage"
)

func main() {
	// Настройка логгера
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})) // Default to Info level

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.Int("port", cfg.ServerPort))

	// Подключение к базе данных
	dbConn, err := db.Connect(cfg.DatabaseURL, 5*time.Second, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("failed to close database connection", slog.Any("error", err))
		} else {
			logger.Info("database connection closed")
		}
	}()
	logger.Info("database connection established")

	// Архивация сеток: Cloudflare R2, либо лог-заглушка без конфигурации
	var archiver services.BracketArchiver
	if cfg.R2Configured() {
		uploader, err := storage.NewCloudflareR2Uploader(cfg.R2)
		if err != nil {
			logger.Error("failed to initialize Cloudflare R2 uploader", slog.Any("error", err))
			os.Exit(1)
		}
		archiver = storage.NewBracketArchiver(uploader, logger)
		logger.Info("Cloudflare R2 archiver initialized", slog.String("bucket", cfg.R2.BucketName))
	} else {
		archiver = storage.NewLogArchiver(logger)
		logger.Info("object storage not configured, archiving brackets to log only")
	}

	// Инициализация WebSocket Hub
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	wsHub := notify.NewHub(logger)
	go wsHub.Run(hubCtx)
	logger.Info("WebSocket Hub started")

	// Метрики
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	// Инициализация репозиториев
	tournamentRepo := repositories.NewPostgresTournamentRepository(dbConn)
	participantRepo := repositories.NewPostgresParticipantRepository(dbConn)
	matchRepo := repositories.NewPostgresMatchRepository(dbConn)
	logger.Info("Repositories initialized")

	// Инициализация сервисов
	locks := services.NewTournamentLocks()
	clock := clockwork.NewRealClock()

	bracketService := services.NewBracketService(dbConn, matchRepo, logger)
	matchService := services.NewMatchService(
		dbConn,
		tournamentRepo,
		participantRepo,
		matchRepo,
		wsHub,
		archiver,
		locks,
		engineMetrics,
		logger,
	)

	scheduler := services.NewScheduler(tournamentRepo, clock, logger)

	tournamentService := services.NewTournamentService(
		dbConn,
		tournamentRepo,
		participantRepo,
		matchRepo,
		bracketService,
		matchService,
		scheduler,
		wsHub,
		services.NewLogEconomy(logger),
		locks,
		engineMetrics,
		logger,
	)
	wizardService := services.NewWizardService(tournamentService, clock)
	logger.Info("Services initialized")

	// Восстановление таймеров фаз после рестарта: просроченные фазы
	// отрабатываются сразу, будущие планируются заново.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := scheduler.Recover(recoverCtx, tournamentService); err != nil {
		cancelRecover()
		logger.Error("failed to recover phase timers", slog.Any("error", err))
		os.Exit(1)
	}
	cancelRecover()
	logger.Info("phase timers recovered")

	// Инициализация обработчиков HTTP
	auth := middleware.NewAuthenticator(cfg.JWTSecretKey, cfg.AdminKeyHash)
	router := api.InitRoutes(api.Handlers{
		Tournaments: handlers.NewTournamentHandler(tournamentService),
		Matches:     handlers.NewMatchHandler(matchService),
		Wizard:      handlers.NewWizardHandler(wizardService),
		WebSocket:   handlers.NewWebSocketHandler(wsHub, logger),
	}, auth, registry)
	logger.Info("Routes configured")

	// Настройка и запуск HTTP-сервера
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("address", server.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		} else {
			logger.Info("server stopped gracefully")
		}
	case sig := <-quit:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()

		logger.Info("shutting down server", slog.Duration("timeout", 15*time.Second))
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.Any("error", err))
			if closeErr := server.Close(); closeErr != nil {
				logger.Error("failed to force close server", slog.Any("error", closeErr))
			}
			os.Exit(1)
		} else {
			logger.Info("server shutdown complete")
		}
	}
	logger.Info("application exited")
}
