// Package telegram adapts the bot's transport interface to the Telegram Bot
// API via telebot. It owns the long-poll loop and normalizes incoming
// messages into transport.Update values consumed by the router.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/Orloff-Star/bot-curses/internal/transport"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout; default 10s
	SendTimeout time.Duration // per-call HTTP timeout; default 15s
}

type Adapter struct {
	cfg Config
	log zerolog.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- transport.Update)

	runMu   sync.Mutex
	running bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Reported once on Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
		Client: &http.Client{Timeout: sendTimeout},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Initialize atomic.Value with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(transport.Update{Message: &transport.Message{
			ID:            m.ID,
			ChatID:        m.Chat.ID,
			FromID:        m.Sender.ID,
			FromUsername:  m.Sender.Username,
			FromFirstName: m.Sender.FirstName,
			Text:          m.Text,
		}})
		return nil
	})
}

func (a *Adapter) forward(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start begins long-polling and forwards updates into out. It returns
// immediately; the poll loop runs until Stop.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		a.log.Info().Msg("telegram polling started")
		a.bot.Start()
		a.log.Info().Msg("telegram polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn().Uint64("count", n).Msg("incoming updates dropped (channel full)")
	}
	// telebot Stop is expected to be fast; never block shutdown on it.
	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("telegram stop timed out")
	case <-time.After(2 * time.Second):
		a.log.Warn().Msg("telegram stop grace elapsed")
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to int64, text string, btn *transport.Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(to), text, sendOptions(btn))
	return mapError(err)
}

func (a *Adapter) SendPhoto(ctx context.Context, to int64, mediaURL, caption string, btn *transport.Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromURL(mediaURL), Caption: caption}
	_, err := a.bot.Send(tele.ChatID(to), photo, sendOptions(btn))
	return mapError(err)
}

func (a *Adapter) SendVideo(ctx context.Context, to int64, mediaURL, caption string, btn *transport.Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	video := &tele.Video{File: tele.FromURL(mediaURL), Caption: caption}
	_, err := a.bot.Send(tele.ChatID(to), video, sendOptions(btn))
	return mapError(err)
}

func sendOptions(btn *transport.Button) *tele.SendOptions {
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if btn != nil && btn.Label != "" && btn.URL != "" {
		opt.ReplyMarkup = &tele.ReplyMarkup{
			InlineKeyboard: [][]tele.InlineButton{{{Text: btn.Label, URL: btn.URL}}},
		}
	}
	return opt
}

// mapError converts permanent per-recipient Telegram failures into
// transport.ErrRecipientGone so callers can deactivate instead of retrying.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return errors.Join(transport.ErrRecipientGone, err)
	}
	return err
}
