package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	initLoggers()

	logger.Info().Msg("Starting UnStableCoin Bot")

	dbPath := envOr("BOT_DB_PATH", "bot.db")
	db, err := initDB(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("error initializing database")
	}

	configs, err := loadAllConfigs("config")
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading configurations")
	}
	if len(configs) == 0 {
		logger.Fatal().Msg("no active bot configurations found in config/")
	}

	dataDir := envOr("BOT_DATA_DIR", ".")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A bot that fails to start does not stop the others; Wait reports the
	// first failure once every bot has returned.
	var g errgroup.Group
	for _, config := range configs {
		g.Go(func() error {
			return runBot(ctx, db, config, dataDir)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("at least one bot failed")
		cancel()
		os.Exit(1)
	}

	logger.Info().Msg("All bots have stopped. Exiting application.")
}

func runBot(ctx context.Context, db *gorm.DB, cfg BotConfig, dataDir string) error {
	log := logger.With().Str("bot", cfg.ID).Logger()

	store, err := NewTickStore(filepath.Join(dataDir, "ticks-"+cfg.ID+".db"), cfg.Market.retention())
	if err != nil {
		log.Error().Err(err).Msg("error opening tick store")
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}
	defer store.Close()

	var feed ReferenceFeed
	if cfg.Market.ReferenceSymbol != "" {
		feed = NewBinanceFeed()
	}

	realClock := RealClock{}
	oracle, err := NewOracle(cfg.Market, feed, store, realClock)
	if err != nil {
		log.Error().Err(err).Msg("error starting price oracle")
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}

	// Create Bot instance without TelegramClient initially
	bot, err := NewBot(db, cfg, realClock, nil, WithOracle(oracle))
	if err != nil {
		log.Error().Err(err).Msg("error creating bot")
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}

	tgClient, err := initTelegramBot(cfg.TelegramToken, bot.handleUpdate)
	if err != nil {
		log.Error().Err(err).Msg("error initializing Telegram client")
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}
	bot.tgBot = tgClient

	log.Info().Msg("starting bot")
	bot.Start(ctx)
	log.Info().Msg("bot stopped")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
