package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"autotrade/internal/infrastructure/config"
	"autotrade/internal/infrastructure/logger"
	"autotrade/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	if err := sc.Pipeline.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("initial balance sync failed")
		return
	}
	if err := sc.Pipeline.SeedHistory(ctx, cfg.Feed.Instruments, cfg.Risk.SeedDays); err != nil {
		log.Warn().Err(err).Msg("price history seeding incomplete")
	}
	if sc.Feed != nil {
		if err := sc.Feed.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("market feed connect failed")
			return
		}
	}

	log.Info().
		Str("config", *configPath).
		Str("mode", cfg.App.Mode).
		Dur("eval_interval", cfg.EvalInterval()).
		Msg("autotrade started")

	if err := sc.Pipeline.Run(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline exited")
	}
	sum := sc.Memory.Summary()
	log.Info().
		Int("orders", sum.Orders).
		Int("filled", sum.Filled).
		Int("cancelled", sum.Cancelled).
		Int("rejected", sum.Rejected).
		Int("fills", sum.Fills).
		Float64("buy_notional", sum.BuyNotional).
		Float64("sell_notional", sum.SellNotional).
		Int("open_positions", sum.OpenPositions).
		Msg("autotrade stopped")
}
