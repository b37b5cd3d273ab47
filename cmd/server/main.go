package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"user-auth/internal/auth"
	"user-auth/internal/backup"
	"user-auth/internal/config"
	apphttp "user-auth/internal/http"
	"user-auth/internal/repository/sqlite"
	"user-auth/internal/service"
	"user-auth/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:    cfg.Auth.JWTSecret,
		Algorithm: cfg.Auth.Algorithm,
		TTL:       cfg.TokenTTL(),
	})
	if err != nil {
		logger.Fatalf("token issuer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := sqlite.Migrate(ctx, db, logger); err != nil {
		logger.Fatalf("migrate database: %v", err)
	}

	userRepo := sqlite.NewUserRepository(db)
	authService := service.NewAuthService(userRepo, auth.NewBcryptHasher(cfg.Auth.BcryptCost), tokens, logger)

	var backups backup.Runner
	if cfg.Backup.Bucket != "" && cfg.Backup.Interval > 0 {
		store, err := storage.NewS3ServiceFromOptions(ctx, storage.AWSOptions{
			Region:   cfg.Backup.Region,
			Endpoint: cfg.Backup.Endpoint,
			Profile:  cfg.AWS.Profile,
		})
		if err != nil {
			logger.Fatalf("setup backup storage: %v", err)
		}
		backups = backup.NewRunner(backup.Config{
			Bucket:    cfg.Backup.Bucket,
			KeyPrefix: cfg.Backup.KeyPrefix,
			Interval:  cfg.Backup.Interval,
			Logger:    logger,
		}, func(ctx context.Context, dest string) error {
			return sqlite.Snapshot(ctx, db, dest)
		}, store)
		if err := backups.Start(ctx); err != nil {
			logger.Fatalf("start backups: %v", err)
		}
		logger.Infof("backing up to s3 bucket %s every %s", cfg.Backup.Bucket, cfg.Backup.Interval)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(authService, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if backups != nil {
		backups.Shutdown()
	}

	logger.Info("bye")
}
