package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/budget"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/chat"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/logging"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/metering"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/observability"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/proxy"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/ratelimit"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/router"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/tracker"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/upstream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	var recorders metering.Multi
	if cfg.Usage.Enabled {
		tr, err := tracker.New(cfg.Usage.DBPath, cfg.Usage.Retention)
		if err != nil {
			return fmt.Errorf("init tracker: %w", err)
		}
		defer func() { _ = tr.Close() }()
		recorders = append(recorders, tr)
	}
	if len(cfg.Metering.KafkaBrokers) > 0 {
		kp, err := metering.NewKafkaPublisher(cfg.Metering.KafkaBrokers, cfg.Metering.KafkaTopic)
		if err != nil {
			return fmt.Errorf("init kafka publisher: %w", err)
		}
		defer func() { _ = kp.Close() }()
		recorders = append(recorders, kp)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case "redis":
			rl, err := ratelimit.NewRedis(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
			if err != nil {
				return fmt.Errorf("init rate limiter: %w", err)
			}
			defer func() { _ = rl.Close() }()
			limiter = rl
		default:
			rl := ratelimit.NewMemory(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
			go rl.Run(ctx, time.Minute)
			limiter = rl
		}
	}

	starting := decimal.NewFromFloat(cfg.Balance.Starting)
	var ledger *budget.Ledger
	if cfg.Balance.Mode == config.BalanceServer {
		ledger = budget.NewLedger(starting)
	}

	rt := router.New(cfg.Models)
	client := upstream.New(cfg.Upstream, &http.Client{Timeout: cfg.Upstream.Timeout})

	opts := chat.Options{
		Router:          rt,
		Client:          client,
		Ledger:          ledger,
		Logger:          logger.Named("chat"),
		SystemPrompt:    cfg.SystemPrompt,
		StartingBalance: starting,
	}
	if len(recorders) > 0 {
		opts.Recorder = recorders
	}
	engine := chat.New(opts)

	srv := proxy.New(cfg, proxy.Options{
		Engine:  engine,
		Router:  rt,
		Ledger:  ledger,
		Limiter: limiter,
		Logger:  logger,
	})

	logger.Info("starting halotasker",
		zap.String("default_model", rt.Default().ModelID),
		zap.Strings("modes", rt.Modes()),
		zap.String("balance_mode", cfg.Balance.Mode),
		zap.Bool("strict_errors", cfg.StrictErrors),
		zap.Bool("usage_log", cfg.Usage.Enabled),
	)
	return srv.ListenAndServe(ctx)
}
