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

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"variant-studio/internal/auth"
	"variant-studio/internal/backup"
	"variant-studio/internal/billing"
	"variant-studio/internal/config"
	apphttp "variant-studio/internal/http"
	"variant-studio/internal/ratelimit"
	"variant-studio/internal/repository/sqlite"
	"variant-studio/internal/service"
	"variant-studio/internal/storage"
	"variant-studio/internal/variant"
	"variant-studio/internal/workspace"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	runRepo := sqlite.NewRunRepository(db)
	fileRepo := sqlite.NewRunFileRepository(db)
	if err := sqlite.InitAll(ctx, userRepo, runRepo, fileRepo); err != nil {
		logger.Fatalf("init repositories: %v", err)
	}

	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		logger.Fatalf("setup workspace: %v", err)
	}
	history := workspace.NewHistory(ws, cfg.Workspace.HistoryRetention, cfg.Workspace.PageSize)

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		client := ratelimit.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warnf("redis ping failed, rate limiting will fail open: %v", err)
		}
		limiter = ratelimit.New(client, cfg.Redis.RatePerMinute, cfg.Redis.Burst)
		logger.Infof("rate limiting %d requests/min per user via %s", cfg.Redis.RatePerMinute, cfg.Redis.Addr)
	}

	var provider billing.Provider
	if cfg.BillingEnabled() {
		provider = billing.NewStripe(cfg.Billing.SecretKey, cfg.Billing.WebhookSecret)
		logger.Info("stripe billing enabled")
	}

	backups := backup.NewManager(backup.Config{
		MaxConcurrent: 2,
		Bucket:        cfg.Storage.Bucket,
		KeyPrefix:     cfg.Storage.KeyPrefix,
		Logger:        logger,
	}, runRepo, ws, storageSvc)
	if err := backups.Start(ctx); err != nil {
		logger.Fatalf("start backup manager: %v", err)
	}
	if err := backups.Resume(ctx); err != nil {
		logger.Warnf("resume backups: %v", err)
	}

	userService := service.NewUserService(userRepo, service.UserConfig{
		SignupTokens:  cfg.Auth.SignupTokens,
		ReferralBonus: cfg.Auth.ReferralBonus,
	})
	runService := service.NewRunService(service.RunConfig{
		MaxBatchSize: cfg.Workspace.MaxBatchSize,
		TokenCost:    cfg.Processing.TokenCost,
		Bucket:       cfg.Storage.Bucket,
		KeyPrefix:    cfg.Storage.KeyPrefix,
		Logger:       logger,
	}, service.RunDeps{
		Runs:      runRepo,
		Files:     fileRepo,
		Users:     userRepo,
		Workspace: ws,
		History:   history,
		Videos: variant.VideoProcessor{
			FFmpegPath:  cfg.Workspace.FFmpegPath,
			FFprobePath: cfg.Workspace.FFprobePath,
		},
		Backups: backups,
		Storage: storageSvc,
	})
	billingService := service.NewBillingService(service.BillingConfig{
		TokensPerInvoice: cfg.Billing.TokensPerInvoice,
		SuccessURL:       cfg.Billing.SuccessURL,
		CancelURL:        cfg.Billing.CancelURL,
		Logger:           logger,
	}, userRepo, provider)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Config{
		CookieName:     cfg.Auth.CookieName,
		SecureCookie:   cfg.Server.SecureCookie,
		MaxUploadBytes: cfg.Workspace.MaxUploadMB << 20,
		StaticDir:      cfg.Server.StaticDir,
	}, apphttp.Deps{
		Users:   userService,
		Runs:    runService,
		Billing: billingService,
		History: history,
		Tokens:  auth.NewIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute),
		Limiter: limiter,
		Logger:  logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return workspace.RunJanitor(gctx, history, cfg.Workspace.JanitorInterval, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
		backups.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("server stopped: %v", err)
	}
	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if !cfg.BackupEnabled() {
		logger.Info("no storage bucket configured, archive backups disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
