package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/buildhive/engine/internal/api"
	"github.com/buildhive/engine/internal/api/handlers"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
	"github.com/buildhive/engine/pkg/config"
	"github.com/buildhive/engine/pkg/database"
	"github.com/buildhive/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting buildhive engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer asynqClient.Close()

	userRepo := repository.NewUserRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	buildRepo := repository.NewBuildRepository(db)
	versionRepo := repository.NewVersionRepository(db)

	authSvc := services.NewAuthService(userRepo, jwtSecret)
	creationSvc := services.NewCreationService(db, cfg.LockTimeout, cfg.CreateDedupeWindow)
	lifecycleSvc := services.NewLifecycleService(db, asynqClient)
	timelineSvc := services.NewTimelineService(db)

	router := api.NewRouter(api.Dependencies{
		DB:              db,
		HMACSecret:      jwtSecret,
		AuthHandler:     handlers.NewAuthHandler(authSvc),
		ProjectsHandler: handlers.NewProjectsHandler(creationSvc, projectRepo, buildRepo),
		BuildsHandler:   handlers.NewBuildsHandler(lifecycleSvc, buildRepo, versionRepo),
		VersionsHandler: handlers.NewVersionsHandler(lifecycleSvc, projectRepo, versionRepo),
		EventsHandler:   handlers.NewEventsHandler(timelineSvc, projectRepo),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
