package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/book"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/game"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/manager"
	"github.com/park285/cheese-lichess-bot/internal/matchmaker"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
	"github.com/park285/cheese-lichess-bot/internal/notify"
	"github.com/park285/cheese-lichess-bot/internal/obslog"
)

type flags struct {
	config  string
	env     string
	logFile string
	upgrade bool
	verbose bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "config.yml", "path to the YAML config file")
	flag.StringVar(&f.env, "env", ".env", "optional KEY=VALUE file loaded before the config")
	flag.StringVar(&f.logFile, "log", "", "also write logs to this file")
	flag.StringVar(&f.logFile, "l", "", "shorthand for --log")
	flag.BoolVar(&f.upgrade, "upgrade", false, "upgrade the account to a BOT account and exit")
	flag.BoolVar(&f.upgrade, "u", false, "shorthand for --upgrade")
	flag.BoolVar(&f.verbose, "verbose", false, "log at debug level")
	flag.BoolVar(&f.verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	if err := config.LoadEnvFile(f.env); err != nil {
		log.Fatalf("env error: %v", err)
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logOpts := obslog.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Format:  cfg.Log.Format,
		Caller:  cfg.Log.Caller,
		Console: true,
	}
	if f.verbose {
		logOpts.Level = "debug"
	}
	if f.logFile != "" {
		logOpts.File = f.logFile
	}
	logger, err := obslog.Init(logOpts)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, f.upgrade, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, upgrade bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	// one stream per game plus the event stream, with room for posts alongside
	client := lichess.NewClient(cfg.URL, cfg.Token,
		lichess.WithLogger(logger.Named("lichess")),
		lichess.WithMaxConnsPerHost(2*cfg.Concurrency+4),
		lichess.WithStreamIdleTimeout(cfg.StreamIdle()),
	)

	actx, cancel := context.WithTimeout(ctx, time.Minute)
	account, err := client.Account(actx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	client.SetUsername(account.Username)
	logger.Info("account", zap.String("user", account.Name()))

	if upgrade {
		if account.IsBot() {
			logger.Warn("upgrade_skipped", zap.String("reason", "account is already a BOT"))
		} else {
			if err := client.UpgradeToBot(ctx); err != nil {
				return fmt.Errorf("upgrade account: %w", err)
			}
			logger.Info("upgrade_done", zap.String("user", account.Username))
			return nil
		}
	}
	if !account.IsBot() {
		return errors.New("account is not a BOT account; run with --upgrade first")
	}

	books, err := book.Load(cfg.Books)
	if err != nil {
		return fmt.Errorf("load opening books: %w", err)
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Notify.RedisURL != "" {
		pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
		rp, err := notify.NewRedisPublisher(pctx, cfg.Notify.RedisURL, cfg.Notify.Channel, runID, logger.Named("notify"))
		pcancel()
		if err != nil {
			logger.Warn("notify_disabled", zap.Error(err))
		} else {
			defer rp.Close()
			publisher = rp
		}
	}

	messages, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	engines := game.NewEngineFactory(cfg.Engine, logger)
	settings := game.SettingsFromConfig(cfg, messages)
	gameLogger := logger.Named("game")
	newGame := func(ref lichess.GameRef) manager.Game {
		return game.New(ref, account, client, engines, books, settings, gameLogger)
	}

	var mm manager.Matchmaker
	if cfg.Matchmaking.Enabled {
		mm = matchmaker.New(client, cfg.Matchmaking, account, logger.Named("matchmaker"))
	}

	mgr := manager.New(cfg, account, client, newGame, mm, publisher, logger.Named("manager"))
	if err := mgr.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown")
	return nil
}
