// Package bot routes incoming chat updates to the command handlers and
// collects non-command messages into the comment log.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/broadcast"
	"github.com/Orloff-Star/bot-curses/internal/campaign"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/subscription"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

const helpText = "🤖 <b>IT Courses Bot — help</b>\n\n" +
	"I send out the best programming and AI courses.\n\n" +
	"<b>Commands:</b>\n" +
	"/start — subscribe to the course digest\n" +
	"/help — this message\n" +
	"/stats — bot statistics\n\n" +
	"Anything else you write is kept as feedback for the team."

type Router struct {
	tr     transport.Transport
	subs   *subscription.Manager
	bcast  *broadcast.Broadcaster
	store  *storage.Store
	camp   campaign.Campaign
	owners map[int64]struct{}
	log    zerolog.Logger

	now func() time.Time
}

func New(
	tr transport.Transport,
	subs *subscription.Manager,
	bcast *broadcast.Broadcaster,
	store *storage.Store,
	camp campaign.Campaign,
	ownerIDs []int64,
	log zerolog.Logger,
) *Router {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	return &Router{
		tr:     tr,
		subs:   subs,
		bcast:  bcast,
		store:  store,
		camp:   camp,
		owners: owners,
		log:    log,
		now:    time.Now,
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *transport.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Int64("user_id", m.FromID).
				Any("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("panic in update handler")
		}
	}()

	cmd, args, isCommand := splitCommand(m.Text)
	if !isCommand {
		r.handleComment(ctx, m)
		return
	}

	switch cmd {
	case "start":
		r.handleStart(ctx, m)
	case "help":
		r.reply(ctx, m, helpText)
	case "stats":
		r.handleStats(ctx, m)
	case "broadcast":
		r.handleBroadcast(ctx, m, args)
	default:
		r.reply(ctx, m, "Unknown command. Use /start to subscribe or /help for help.")
	}
}

func (r *Router) handleStart(ctx context.Context, m *transport.Message) {
	r.log.Info().Int64("user_id", m.FromID).Str("username", m.FromUsername).Msg("/start received")
	n, err := r.subs.Subscribe(ctx, m.FromID, m.FromUsername, m.FromFirstName)
	if err != nil {
		r.log.Error().Int64("user_id", m.FromID).Err(err).Msg("subscribe failed")
		r.reply(ctx, m, "❌ Something went wrong. Please try again later.")
		return
	}
	r.log.Info().Int64("user_id", m.FromID).Int("scheduled", n).Msg("welcome sequence scheduled")
	r.reply(ctx, m, "✅ You are subscribed! New courses are on their way 📚")
}

func (r *Router) handleStats(ctx context.Context, m *transport.Message) {
	active, err := r.store.CountActiveSubscribers(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("stats: count subscribers failed")
		r.reply(ctx, m, "❌ Could not read statistics.")
		return
	}
	pending, err := r.store.CountPendingSends(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("stats: count pending failed")
		r.reply(ctx, m, "❌ Could not read statistics.")
		return
	}
	r.reply(ctx, m, fmt.Sprintf(
		"📊 <b>Bot statistics</b>\n\n👥 Active subscribers: %d\n📨 Pending sends: %d\n🕒 Campaign stages: %d",
		active, pending, r.camp.Len()))
}

func (r *Router) handleBroadcast(ctx context.Context, m *transport.Message, args string) {
	if _, ok := r.owners[m.FromID]; !ok {
		r.log.Warn().Int64("user_id", m.FromID).Msg("broadcast denied")
		r.reply(ctx, m, "Unknown command. Use /start to subscribe or /help for help.")
		return
	}
	text := strings.TrimSpace(args)
	if text == "" {
		r.reply(ctx, m, "Usage: /broadcast &lt;message&gt;")
		return
	}
	rep, err := r.bcast.Send(ctx, transport.Payload{Text: text})
	if err != nil {
		r.log.Error().Err(err).Msg("broadcast failed")
		r.reply(ctx, m, fmt.Sprintf("❌ Broadcast aborted after %s.", rep))
		return
	}
	r.reply(ctx, m, fmt.Sprintf("📨 Broadcast done: %s.", rep))
}

func (r *Router) handleComment(ctx context.Context, m *transport.Message) {
	body := strings.TrimSpace(m.Text)
	if body == "" {
		return
	}
	if err := r.store.AppendComment(ctx, m.FromID, m.FromUsername, body, r.now()); err != nil {
		r.log.Error().Int64("user_id", m.FromID).Err(err).Msg("comment append failed")
	}
	r.reply(ctx, m, "Thanks for the feedback! Use /start to subscribe or /help for help.")
}

func (r *Router) reply(ctx context.Context, m *transport.Message, text string) {
	if err := r.tr.SendText(ctx, m.ChatID, text, nil); err != nil {
		r.log.Warn().Int64("chat_id", m.ChatID).Err(err).Msg("reply failed")
	}
}

// splitCommand parses "/cmd@BotName rest of args". It reports ok=false for
// non-command text.
func splitCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if head == "" {
		return "", "", false
	}
	// Group chats address commands as /cmd@BotName.
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
