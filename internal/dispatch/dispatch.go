// Package dispatch runs the periodic sweeps over the scheduled-send table:
// the delivery sweep that sends due stages and the retention sweep that
// purges old sent rows.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/campaign"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

const (
	// DefaultClaimLease bounds how long a claimed row stays undispatchable if
	// the claiming sweep dies mid-row.
	DefaultClaimLease = 5 * time.Minute

	// DefaultRetentionHorizon is the age after which sent rows are purged.
	DefaultRetentionHorizon = 7 * 24 * time.Hour
)

type Dispatcher struct {
	store *storage.Store
	tr    transport.Transport
	camp  campaign.Campaign
	log   zerolog.Logger

	claimLease       time.Duration
	retentionHorizon time.Duration
	now              func() time.Time
}

func New(store *storage.Store, tr transport.Transport, camp campaign.Campaign, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:            store,
		tr:               tr,
		camp:             camp,
		log:              log,
		claimLease:       DefaultClaimLease,
		retentionHorizon: DefaultRetentionHorizon,
		now:              time.Now,
	}
}

// SetRetentionHorizon overrides the purge age. Values <= 0 keep the default.
func (d *Dispatcher) SetRetentionHorizon(h time.Duration) {
	if h > 0 {
		d.retentionHorizon = h
	}
}

// Sweep fetches all due, unsent sends and dispatches them sequentially.
// Per-row failures never abort the sweep: a transport failure leaves the row
// pending for the next run, a gone recipient deactivates the subscriber, and
// rows pointing beyond the campaign are purged. Between rows the context is
// checked, so shutdown finishes the current row and stops.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	now := d.now()
	due, err := d.store.FetchDue(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch due sends: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	d.log.Debug().Int("due", len(due)).Msg("sweep found due sends")

	sent, failed, orphaned := 0, 0, false
	for _, row := range due {
		if ctx.Err() != nil {
			break
		}
		st, ok := d.camp.Stage(row.Stage)
		if !ok {
			orphaned = true
			continue
		}
		switch d.dispatchOne(ctx, row, st) {
		case nil:
			sent++
		default:
			failed++
		}
	}
	if orphaned {
		d.purgeOrphans(ctx)
	}

	d.log.Info().Int("sent", sent).Int("failed", failed).Msg("sweep finished")
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, row storage.DueSend, st campaign.Stage) error {
	claimed, err := d.store.ClaimSend(ctx, row.ID, d.now(), d.claimLease)
	if err != nil {
		d.log.Error().Int64("send_id", row.ID).Err(err).Msg("claim failed")
		return err
	}
	if !claimed {
		// Another sweep holds the row, or it was sent meanwhile.
		return errors.New("send already claimed")
	}

	if err := transport.Send(ctx, d.tr, row.UserID, st.Payload()); err != nil {
		// Release the claim so the next sweep retries without waiting out
		// the lease (the lease only covers a sweep dying mid-row).
		if rerr := d.store.ReleaseSend(ctx, row.ID); rerr != nil {
			d.log.Error().Int64("send_id", row.ID).Err(rerr).Msg("claim release failed")
		}
		if errors.Is(err, transport.ErrRecipientGone) {
			d.log.Warn().Int64("user_id", row.UserID).Err(err).Msg("recipient gone; deactivating subscriber")
			if derr := d.store.SetActive(ctx, row.UserID, false); derr != nil {
				d.log.Error().Int64("user_id", row.UserID).Err(derr).Msg("deactivate failed")
			}
			return err
		}
		// Transient: the row stays pending and retries once the claim
		// lease expires.
		d.log.Warn().
			Int64("user_id", row.UserID).
			Int("stage", row.Stage).
			Err(err).
			Msg("stage delivery failed; will retry")
		return err
	}

	// Mark-sent before stage advance: if the process dies between the two,
	// the row will not resend and the stage is re-advanced by the next send.
	if err := d.store.MarkSent(ctx, row.ID); err != nil {
		d.log.Error().Int64("send_id", row.ID).Err(err).Msg("mark sent failed")
		return err
	}
	if err := d.store.AdvanceStage(ctx, row.UserID, row.Stage); err != nil {
		d.log.Error().Int64("user_id", row.UserID).Err(err).Msg("advance stage failed")
	}
	d.log.Info().Int64("user_id", row.UserID).Int("stage", row.Stage).Msg("stage delivered")
	return nil
}

// purgeOrphans removes pending rows whose stage no longer exists in the
// campaign. Leaving them would re-log on every sweep forever; resending a
// stage the operator removed is worse.
func (d *Dispatcher) purgeOrphans(ctx context.Context) {
	n, err := d.store.DeleteUnsentAtOrAboveStage(ctx, d.camp.Len())
	if err != nil {
		d.log.Error().Err(err).Msg("orphan purge failed")
		return
	}
	d.log.Warn().
		Int64("purged", n).
		Int("campaign_len", d.camp.Len()).
		Msg("purged sends beyond campaign length")
}

// PurgeSent is the retention sweep: it deletes sent rows older than the
// retention horizon. Failures are logged and retried on the next run.
func (d *Dispatcher) PurgeSent(ctx context.Context) error {
	cutoff := d.now().Add(-d.retentionHorizon)
	n, err := d.store.PurgeSentBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge sent sends: %w", err)
	}
	if n > 0 {
		d.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("old sent rows purged")
	}
	return nil
}
