package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a permanent per-recipient failure: the user blocked
// the bot, deleted their account, or the chat no longer exists. Callers treat
// it differently from transient failures (deactivate instead of retry).
var ErrRecipientGone = errors.New("recipient unreachable")

// Button is an inline call-to-action attached below a message.
type Button struct {
	Label string
	URL   string
}

type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Payload is one deliverable message: text, optional media, optional button.
type Payload struct {
	Text     string
	Media    MediaKind
	MediaURL string
	Button   *Button
}

// WithoutMedia returns a text-only copy of the payload, keeping the button.
func (p Payload) WithoutMedia() Payload {
	p.Media = MediaNone
	p.MediaURL = ""
	return p
}

// Update is a normalized incoming event from the chat platform.
type Update struct {
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
}

// Transport sends messages to a single recipient. Implementations must return
// failures as errors (never panic) so callers can isolate them per recipient,
// and must bound each call with a timeout of their own.
type Transport interface {
	SendText(ctx context.Context, to int64, text string, btn *Button) error
	SendPhoto(ctx context.Context, to int64, mediaURL, caption string, btn *Button) error
	SendVideo(ctx context.Context, to int64, mediaURL, caption string, btn *Button) error
}

// Send delivers a payload through t, picking the send method by media kind.
// A media payload without a locator degrades to plain text.
func Send(ctx context.Context, t Transport, to int64, p Payload) error {
	switch {
	case p.Media == MediaPhoto && p.MediaURL != "":
		return t.SendPhoto(ctx, to, p.MediaURL, p.Text, p.Button)
	case p.Media == MediaVideo && p.MediaURL != "":
		return t.SendVideo(ctx, to, p.MediaURL, p.Text, p.Button)
	default:
		return t.SendText(ctx, to, p.Text, p.Button)
	}
}
