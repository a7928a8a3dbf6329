package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pumpfun-trading-bot/config"
	"pumpfun-trading-bot/internal/api"
	"pumpfun-trading-bot/internal/audit"
	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
	"pumpfun-trading-bot/internal/execution"
	"pumpfun-trading-bot/internal/patterns"
	"pumpfun-trading-bot/internal/pipeline"
	"pumpfun-trading-bot/internal/pricefeed"
	"pumpfun-trading-bot/internal/risk"
	"pumpfun-trading-bot/internal/signals"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LoggingConfig)
	logger.Info().Bool("dry_run", cfg.TradingConfig.DryRun).Msg("starting trade bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(logger)

	client := exchange.NewClient(cfg.ExchangeConfig.BaseURL, cfg.ExchangeConfig.APIToken, cfg.ExchangeTimeout())

	monitor := pricefeed.NewMonitor(client, bus, pricefeed.MonitorConfig{
		PollInterval:         cfg.PollInterval(),
		FetchLimit:           cfg.MonitorConfig.FetchLimit,
		AlertThreshold1m:     cfg.MonitorConfig.AlertThreshold1m,
		AlertThreshold5m:     cfg.MonitorConfig.AlertThreshold5m,
		VolumeSpikeThreshold: cfg.MonitorConfig.VolumeSpikeThreshold,
	}, logger)
	monitor.WatchAll(cfg.MonitorConfig.WatchInstruments)

	detector := patterns.NewDetector(patterns.Config{
		MicroPumpThreshold:   cfg.PatternConfig.MicroPumpThreshold,
		MidPumpThreshold:     cfg.PatternConfig.MidPumpThreshold,
		MegaPumpThreshold:    cfg.PatternConfig.MegaPumpThreshold,
		FomoThreshold:        cfg.PatternConfig.FomoThreshold,
		DumpThreshold:        cfg.PatternConfig.DumpThreshold,
		RugThreshold:         cfg.PatternConfig.RugThreshold,
		Pump5mThreshold:      cfg.PatternConfig.Pump5mThreshold,
		Dump5mThreshold:      cfg.PatternConfig.Dump5mThreshold,
		VolumeSpikeThreshold: cfg.PatternConfig.VolumeSpikeThreshold,
		HighVolumeThreshold:  cfg.PatternConfig.HighVolumeThreshold,
		StrongMomentum:       cfg.PatternConfig.StrongMomentum,
		WeakMomentum:         cfg.PatternConfig.WeakMomentum,
	}, logger)

	var store risk.PositionStore
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		store = risk.NewRedisPositionStore(redisClient, logger)
	}

	guard := risk.NewGuard(risk.Config{
		StopLossPercent:     cfg.RiskConfig.StopLossPercent,
		TrailingStopEnabled: cfg.RiskConfig.TrailingStopEnabled,
		TrailingStopPercent: cfg.RiskConfig.TrailingStopPercent,
		TrailingActivation:  cfg.RiskConfig.TrailingActivation,
		TakeProfitPercent:   cfg.RiskConfig.TakeProfitPercent,
		PartialTakeProfit:   cfg.RiskConfig.PartialTakeProfit,
		PartialTakeLevels:   cfg.RiskConfig.PartialTakeLevels,
		PartialTakeAmount:   cfg.RiskConfig.PartialTakeAmount,
		EmergencyThreshold:  cfg.RiskConfig.EmergencyThreshold,
		RugThreshold:        cfg.RiskConfig.RugThreshold,
	}, bus, store, logger)

	if err := guard.Restore(ctx, cfg.TradingConfig.UserIDs); err != nil {
		logger.Warn().Err(err).Msg("position restore incomplete")
	}
	for _, position := range guard.Positions() {
		monitor.Watch(position.Instrument)
	}

	killSwitch := execution.NewKillSwitch(logger)
	exits := execution.NewExitExecutor(client, bus, execution.ExitConfig{
		DryRun:      cfg.TradingConfig.DryRun,
		MaxSlippage: cfg.TradingConfig.MaxSlippage,
	}, logger)
	entries := execution.NewEntryExecutor(client, bus, execution.EntryConfig{
		DryRun: cfg.TradingConfig.DryRun,
	}, killSwitch, logger)

	signalStore := signals.NewStore(
		cfg.SignalsConfig.DataDir,
		time.Duration(cfg.SignalsConfig.CacheTTLSec)*time.Second,
		logger,
	)

	var sink audit.Sink = audit.NopSink{}
	var auditRepo *audit.Repository
	if cfg.DatabaseConfig.Enabled {
		auditRepo, err = audit.NewRepository(ctx, cfg.DatabaseConfig.URL, logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect audit database")
		}
		defer auditRepo.Close()
		sink = auditRepo
	}

	pipe := pipeline.New(monitor, detector, guard, exits, entries, signalStore, sink, bus, pipeline.Config{
		MinEntryConfidence: 0.65,
		DecisionInterval:   time.Duration(cfg.TradingConfig.DecisionIntervalSec) * time.Second,
		MinPositionUSD:     cfg.TradingConfig.MinPositionUSD,
		DefaultMaxUSD:      cfg.TradingConfig.DefaultMaxPositionUSD,
		PortfolioFraction:  cfg.TradingConfig.PortfolioFraction,
		RugRiskReject:      cfg.TradingConfig.RugRiskReject,
		RugRiskScaleDown:   cfg.TradingConfig.RugRiskScaleDown,
		MinConfidenceMicro: cfg.PatternConfig.MinConfidenceMicro,
		MinConfidenceMid:   cfg.PatternConfig.MinConfidenceMid,
		MinConfidenceMega:  cfg.PatternConfig.MinConfidenceMega,
	}, logger)

	for _, userID := range cfg.TradingConfig.UserIDs {
		pipe.RegisterUser(pipeline.UserContext{
			UserID:            userID,
			PortfolioValueUSD: cfg.TradingConfig.DefaultMaxPositionUSD * 10,
			MaxPositionUSD:    cfg.TradingConfig.DefaultMaxPositionUSD,
		})
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.LoggingConfig.Level != "debug",
		}, pipe, guard, exits, killSwitch, logger)
		server.Start()
	}

	pipe.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	pipe.Stop()
	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("status server shutdown failed")
		}
	}

	logger.Info().Msg("shutdown complete")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
