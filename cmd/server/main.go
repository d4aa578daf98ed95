package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"formulation/internal/app"
	"formulation/internal/config"
	"formulation/internal/delivery"
	"formulation/internal/server"
	"formulation/internal/util"
	"formulation/pkg/answercrypt"
	"formulation/pkg/credential"
	"formulation/pkg/question"
	"formulation/pkg/store"
)

const (
	defaultCredentialTTL = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	tokenTTL, err := config.ParseTokenTTL(cfg.TokenTTL)
	if err != nil {
		log.Fatalf("failed to parse token TTL: %v", err)
	}
	credentialTTL, err := config.ParseCredentialTTL(cfg.CredentialTTL)
	if err != nil {
		log.Fatalf("failed to parse credential TTL: %v", err)
	}
	if credentialTTL <= 0 {
		credentialTTL = defaultCredentialTTL
	}
	sweepInterval, err := config.ParseSweepInterval(cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to parse sweep interval: %v", err)
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	logger := util.InitLogger(cfg.LogLevel)

	if err := question.Validate(); err != nil {
		log.Fatalf("question catalog is inconsistent: %v", err)
	}
	masterKey, err := answercrypt.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		log.Fatalf("failed to parse master key: %v", err)
	}
	cipher, err := answercrypt.New(masterKey)
	if err != nil {
		log.Fatalf("failed to init answer cipher: %v", err)
	}

	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	issuer, err := credential.New(
		[]byte(cfg.CredentialSecret),
		credentialTTL,
		credential.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword),
		credential.Options{},
	)
	if err != nil {
		log.Fatalf("failed to init credential issuer: %v", err)
	}

	var publisher delivery.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := delivery.NewAMQPPublisher(cfg.AMQPURL, delivery.DefaultQueue)
		if err != nil {
			log.Fatalf("failed to connect to amqp: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		slog.Warn("no amqpURL configured, magic links are logged instead of delivered")
		publisher = delivery.NewLogPublisher()
	}

	coordinator, err := app.New(app.Config{
		Tokens:    gormStore,
		Sessions:  gormStore,
		Cipher:    cipher,
		Orders:    question.NewOrderGenerator(),
		Publisher: publisher,
		TokenTTL:  tokenTTL,
	})
	if err != nil {
		log.Fatalf("failed to init coordinator: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		Coordinator: coordinator,
		Credentials: issuer,
		Redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}),
		MagicLinkRateLimitPerMinute: cfg.MagicLinkRateLimitPerMinute,
		TrustedProxies:              trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweepExpiredTokens(groupCtx, gormStore, sweepInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

// sweepExpiredTokens periodically deletes expired magic-link tokens so the
// table does not grow without bound.
func sweepExpiredTokens(ctx context.Context, tokens store.TokenStore, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			swept, err := tokens.SweepExpired(ctx)
			if err != nil {
				slog.Warn("token sweep failed", "err", err)
				continue
			}
			if swept > 0 {
				slog.Info("expired tokens swept", "count", swept)
			}
		}
	}
}
