// Package subscription handles a user's entry into the welcome sequence:
// upsert the subscriber, deliver stage 0 immediately, and schedule the rest.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/campaign"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

type Manager struct {
	store *storage.Store
	tr    transport.Transport
	camp  campaign.Campaign
	log   zerolog.Logger

	now func() time.Time
}

func New(store *storage.Store, tr transport.Transport, camp campaign.Campaign, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		tr:    tr,
		camp:  camp,
		log:   log,
		now:   time.Now,
	}
}

// Subscribe creates or reactivates the subscriber, sends stage 0 right away
// and enqueues stages 1..N-1. All due times derive from a single captured
// timestamp, so enqueue latency cannot drift the schedule.
//
// Re-entry is idempotent: the subscriber restarts at stage 0 and gets a fresh
// set of scheduled rows. Unsent rows from a previous cycle are left alone and
// will still fire.
//
// The returned count is the number of stages scheduled. A stage-0 delivery
// failure is logged but does not abort scheduling; neither does a single
// failed enqueue.
func (m *Manager) Subscribe(ctx context.Context, userID int64, username, firstName string) (int, error) {
	now := m.now()
	if err := m.store.UpsertSubscriber(ctx, userID, username, firstName, now); err != nil {
		return 0, fmt.Errorf("subscribe %d: %w", userID, err)
	}

	if st, ok := m.camp.Stage(0); ok {
		if err := transport.Send(ctx, m.tr, userID, st.Payload()); err != nil {
			m.log.Warn().Int64("user_id", userID).Err(err).Msg("welcome stage 0 delivery failed")
		}
	}

	scheduled := 0
	for i := 1; i < m.camp.Len(); i++ {
		st, _ := m.camp.Stage(i)
		if err := m.store.EnqueueSend(ctx, userID, i, now.Add(st.Delay()), now); err != nil {
			m.log.Error().Int64("user_id", userID).Int("stage", i).Err(err).Msg("enqueue failed")
			continue
		}
		scheduled++
	}

	m.log.Info().
		Int64("user_id", userID).
		Str("username", username).
		Int("scheduled", scheduled).
		Msg("subscriber onboarded")
	return scheduled, nil
}
