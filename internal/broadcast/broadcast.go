// Package broadcast fans one message out to every active subscriber, outside
// the staged welcome sequence. It never touches scheduled-send rows and may
// run concurrently with the dispatcher sweep.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

// Report is the per-run tally shown to the operator.
type Report struct {
	Sent   int
	Failed int
	Total  int
}

func (r Report) String() string {
	return fmt.Sprintf("%d/%d sent (%d failed)", r.Sent, r.Total, r.Failed)
}

type Broadcaster struct {
	store   *storage.Store
	tr      transport.Transport
	log     zerolog.Logger
	limiter *rate.Limiter
}

// New builds a broadcaster. ratePerSec bounds outgoing sends to stay under
// the platform's flood limits; values <= 0 default to 10.
func New(store *storage.Store, tr transport.Transport, ratePerSec int, log zerolog.Logger) *Broadcaster {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Broadcaster{
		store:   store,
		tr:      tr,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// Send delivers p to every active subscriber, isolating failures per
// recipient. A media delivery failure degrades to plain text before the
// recipient is counted as failed; a gone recipient is deactivated. An empty
// subscriber set yields a 0/0 report without error.
func (b *Broadcaster) Send(ctx context.Context, p transport.Payload) (Report, error) {
	ids, err := b.store.ListActiveSubscriberIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active subscribers: %w", err)
	}

	start := time.Now()
	rep := Report{Total: len(ids)}
	for _, id := range ids {
		if err := b.limiter.Wait(ctx); err != nil {
			// Context cancelled mid-broadcast: report what was done.
			return rep, err
		}
		if err := b.sendOne(ctx, id, p); err != nil {
			rep.Failed++
			continue
		}
		rep.Sent++
	}

	ev := b.log.Info()
	if rep.Failed > 0 {
		ev = b.log.Warn()
	}
	ev.Int("sent", rep.Sent).
		Int("failed", rep.Failed).
		Int("total", rep.Total).
		Dur("took", time.Since(start)).
		Msg("broadcast finished")
	return rep, nil
}

func (b *Broadcaster) sendOne(ctx context.Context, to int64, p transport.Payload) error {
	err := transport.Send(ctx, b.tr, to, p)
	if err != nil && p.Media != transport.MediaNone && !errors.Is(err, transport.ErrRecipientGone) {
		// Media URLs go stale; the text is still worth delivering.
		b.log.Debug().Int64("user_id", to).Err(err).Msg("media send failed; retrying as text")
		err = transport.Send(ctx, b.tr, to, p.WithoutMedia())
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrRecipientGone) {
		b.log.Warn().Int64("user_id", to).Err(err).Msg("recipient gone; deactivating subscriber")
		if derr := b.store.SetActive(ctx, to, false); derr != nil {
			b.log.Error().Int64("user_id", to).Err(derr).Msg("deactivate failed")
		}
		return err
	}
	b.log.Warn().Int64("user_id", to).Err(err).Msg("broadcast send failed")
	return err
}
