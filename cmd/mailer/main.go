// Command mailer sends a one-off broadcast to every active subscriber from
// the terminal. It shows the message and the audience size, asks for
// confirmation, then reports the delivery tally.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/broadcast"
	"github.com/Orloff-Star/bot-curses/internal/config"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/transport"
	"github.com/Orloff-Star/bot-curses/internal/transport/telegram"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to the configuration file")
	text := flag.String("text", "", "message text (overrides broadcast.template from the config)")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	if err := run(*cfgPath, *text, *yes); err != nil {
		fmt.Fprintf(os.Stderr, "mailer: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, text string, yes bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	p, err := payloadFor(cfg, text)
	if err != nil {
		return err
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	sendTimeout, err := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout)
	if err != nil {
		return err
	}
	// Sends only; the long-poll loop is never started here.
	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, SendTimeout: sendTimeout}, log)
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	audience, err := store.CountActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("count subscribers: %w", err)
	}

	fmt.Printf("Message:\n  %s\n", strings.ReplaceAll(p.Text, "\n", "\n  "))
	if p.Media != transport.MediaNone {
		fmt.Printf("Media:   %s %s\n", p.Media, p.MediaURL)
	}
	if p.Button != nil {
		fmt.Printf("Button:  [%s] %s\n", p.Button.Label, p.Button.URL)
	}
	fmt.Printf("Audience: %d active subscribers\n", audience)
	if audience == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}

	if !yes && !confirm(os.Stdin) {
		fmt.Println("Cancelled.")
		return nil
	}

	rep, err := broadcast.New(store, adapter, cfg.Broadcast.RatePerSec, log).Send(ctx, p)
	fmt.Printf("Done: %s\n", rep)
	return err
}

func payloadFor(cfg *config.Config, text string) (transport.Payload, error) {
	if strings.TrimSpace(text) != "" {
		return transport.Payload{Text: text}, nil
	}
	if cfg.Broadcast.Template != nil {
		return cfg.Broadcast.Template.Payload(), nil
	}
	return transport.Payload{}, fmt.Errorf("no message: pass -text or set broadcast.template in the config")
}

func confirm(in *os.File) bool {
	fmt.Print("Send? [y/N]: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
