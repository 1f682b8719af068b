// Package main contains the entrypoint for relaybot, which forwards bot
// notifications from source chat channels to a Telegram chat.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/relaybot/internal/bot"
	"github.com/edgard/relaybot/internal/bot/tasks"
	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/cursor"
	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/discord"
	"github.com/edgard/relaybot/internal/dispatch"
	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/notice"
	"github.com/edgard/relaybot/internal/poller"
	"github.com/edgard/relaybot/internal/roles"
	"github.com/edgard/relaybot/internal/snapshot"
	"github.com/edgard/relaybot/internal/telegram"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
	exitStartup = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, runs the relay until ctx is cancelled and
// returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return exitConfig
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	cursors, err := openCursorStore(ctx, cfg.Cursor, log)
	if err != nil {
		log.Error("Failed to open cursor store", "backend", cfg.Cursor.Backend, "path", cfg.Cursor.Path, "error", err)
		return exitStartup
	}
	closeCursors := func() {
		if err := cursors.Close(); err != nil {
			log.Error("Failed to close cursor store", "error", err)
		}
	}

	source, err := discord.New(discord.ClientOpts{
		Token:   cfg.Source.Token,
		Timeout: cfg.Poller.Timeout,
		Logger:  log,
	})
	if err != nil {
		log.Error("Failed to create source client", "error", err)
		closeCursors()
		return exitStartup
	}

	directory := roles.NewDirectory(source, roles.Options{
		GuildID: cfg.Source.GuildID,
		TTL:     cfg.Roles.TTL,
		Timeout: cfg.Roles.Timeout,
		Logger:  log,
	})

	tg, err := telegram.NewTelegramBot(cfg.Dest.Token, cfg.Dest.APIURL, cfg.Dispatch.Timeout, log)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		closeCursors()
		return exitStartup
	}
	sender := telegram.NewSender(tg, cfg.Dest.ChatID, cfg.Dispatch.Timeout, log)

	me, err := sender.CheckAuth(ctx)
	if err != nil {
		closeCursors()
		if apperrors.Is(err, apperrors.KindAuth) {
			log.Error("Destination rejected bot credentials", "error", err)
			return exitStartup
		}
		log.Error("Failed to reach destination", "error", err)
		return exitRuntime
	}
	log.Info("Retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)

	dispatcher := dispatch.New(sender, dispatch.Options{
		QueueSize:   cfg.Dispatch.QueueSize,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Logger:      log,
	})

	parser := notice.NewParser(directory, cfg.Source.BotLabel, log)
	jobs := make([]bot.Periodic, 0, len(cfg.Source.Channels)+len(cfg.Snapshots))
	statuses := make([]tasks.StatusReporter, 0, len(cfg.Source.Channels))
	for _, ch := range cfg.Source.Channels {
		p := poller.New(poller.Options{
			Channel:    ch,
			Source:     source,
			Cursors:    cursors,
			Parser:     parser,
			Queue:      dispatcher,
			PanicGrace: cfg.Poller.PanicGrace,
			Logger:     log,
		})
		jobs = append(jobs, bot.Periodic{Ticker: p, Every: cfg.PollInterval()})
		statuses = append(statuses, p)
	}
	for _, sc := range cfg.Snapshots {
		p := snapshot.New(snapshot.Options{
			Config:      sc,
			Queue:       dispatcher,
			SourceLabel: cfg.Source.BotLabel,
			Logger:      log,
		})
		jobs = append(jobs, bot.Periodic{Ticker: p, Every: p.Interval()})
	}

	sched, err := bot.NewScheduler(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		closeCursors()
		return exitStartup
	}

	app := bot.NewBot(bot.Deps{
		Logger:     log,
		Cursors:    cursors,
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Tasks: tasks.RegisterAllTasks(tasks.TaskDeps{
			Logger:  log,
			Cursors: cursors,
			Pollers: statuses,
		}, cfg.Scheduler),
		Scheduler:       sched,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	log.Info("Starting relay...", "channels", len(cfg.Source.Channels), "snapshots", len(cfg.Snapshots),
		"poll_interval", cfg.PollInterval())
	runErr := app.Run(ctx)

	switch {
	case runErr == nil:
		log.Info("Relay stopped gracefully.")
		return exitOK
	case errors.Is(runErr, dispatch.ErrDestinationAuth):
		log.Error("Destination credentials lost, exiting", "error", runErr)
		return exitStartup
	default:
		log.Error("Relay stopped due to error", "error", runErr)
		return exitRuntime
	}
}

// openCursorStore opens the configured cursor backend.
func openCursorStore(ctx context.Context, cfg config.CursorConfig, log *slog.Logger) (cursor.Store, error) {
	if cfg.Backend != "sqlite" {
		return cursor.OpenFile(cfg.Path, log), nil
	}

	db, err := database.NewDB(cfg.Path, log)
	if err != nil {
		return nil, err
	}
	store, err := database.NewCursorStore(ctx, db, log)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Error closing database", "error", closeErr)
		}
		return nil, err
	}
	return store, nil
}
