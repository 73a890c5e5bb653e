// Package app wires the bot together: config, logging, storage, transport,
// the welcome-sequence services and the periodic sweeps.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/bot"
	"github.com/Orloff-Star/bot-curses/internal/broadcast"
	"github.com/Orloff-Star/bot-curses/internal/config"
	"github.com/Orloff-Star/bot-curses/internal/dispatch"
	"github.com/Orloff-Star/bot-curses/internal/sched"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/subscription"
	"github.com/Orloff-Star/bot-curses/internal/transport"
	"github.com/Orloff-Star/bot-curses/internal/transport/telegram"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	log     zerolog.Logger
	logFile *os.File

	store   *storage.Store
	adapter *telegram.Adapter
	router  *bot.Router
	disp    *dispatch.Dispatcher
	runner  *sched.Runner

	updates chan transport.Update
	wg      sync.WaitGroup
}

// New loads the config and constructs every component. Store initialization
// failure is the one fatal condition of this bot.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, logFile, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: mustDuration(cfg.Storage.BusyTimeout),
	}, log.With().Str("comp", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: mustDuration(cfg.Telegram.PollTimeout),
		SendTimeout: mustDuration(cfg.Telegram.SendTimeout),
	}, log.With().Str("comp", "telegram").Logger())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	camp, err := cfg.CampaignOrDefault()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	subs := subscription.New(store, adapter, camp, log.With().Str("comp", "subscription").Logger())
	bcast := broadcast.New(store, adapter, cfg.Broadcast.RatePerSec, log.With().Str("comp", "broadcast").Logger())
	disp := dispatch.New(store, adapter, camp, log.With().Str("comp", "dispatch").Logger())
	disp.SetRetentionHorizon(mustDuration(cfg.Dispatch.RetentionHorizon))

	router := bot.New(adapter, subs, bcast, store, camp, cfg.Telegram.OwnerUserIDs,
		log.With().Str("comp", "router").Logger())

	return &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     log,
		logFile: logFile,
		store:   store,
		adapter: adapter,
		router:  router,
		disp:    disp,
		runner:  sched.New(log.With().Str("comp", "sched").Logger()),
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(ctx, a.updates)
	}()

	sweepEvery, err := config.ParseDurationOrDefault(
		"dispatch.sweep_interval", a.cfg.Dispatch.SweepInterval, time.Minute)
	if err != nil {
		return err
	}
	retentionEvery, err := config.ParseDurationOrDefault(
		"dispatch.retention_interval", a.cfg.Dispatch.RetentionInterval, 24*time.Hour)
	if err != nil {
		return err
	}
	if err := a.runner.AddEvery("dispatch.sweep", sweepEvery, a.disp.Sweep); err != nil {
		return err
	}
	if err := a.runner.AddEvery("dispatch.retention", retentionEvery, a.disp.PurgeSent); err != nil {
		return err
	}
	a.runner.Start(ctx)

	// Config edits re-apply the log level without a restart; everything else
	// still takes a restart and is only logged.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := config.Watch(ctx, a.cfgPath, a.log.With().Str("comp", "config").Logger(), func(cfg *config.Config) {
			applyLogLevel(cfg.Logging.Level)
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("config watch unavailable")
		}
	}()

	a.log.Info().
		Str("config", a.cfgPath).
		Dur("sweep_every", sweepEvery).
		Msg("bot started")
	return nil
}

// Stop winds everything down: no new triggers, in-flight sweep rows finish,
// then transport and storage close.
func (a *App) Stop(ctx context.Context) error {
	a.runner.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("shutdown wait timed out")
	}

	err := a.store.Close()
	a.log.Info().Msg("bot stopped")
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return err
}

// newLogger builds the root zerolog logger: console writer plus an optional
// append-only file sink.
func newLogger(cfg config.LoggingConfig) (zerolog.Logger, *os.File, error) {
	zerolog.ErrorFieldName = "err"
	applyLogLevel(cfg.Level)

	var (
		writers []io.Writer
		file    *os.File
	)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./bot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, zerolog.SyncWriter(f))
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return log, file, nil
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// mustDuration converts an already-validated config duration. Load rejects
// malformed values, so a failure here is a programming error.
func mustDuration(raw string) time.Duration {
	d, err := config.ParseDurationField("", raw)
	if err != nil {
		panic(err)
	}
	return d
}
