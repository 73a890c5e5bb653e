package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Orloff-Star/bot-curses/internal/campaign"
	"github.com/Orloff-Star/bot-curses/internal/storage"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

type fakeTransport struct {
	sent []string // stage texts, in delivery order
	fail error
}

func (f *fakeTransport) send(text string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, _ int64, text string, _ *transport.Button) error {
	return f.send(text)
}

func (f *fakeTransport) SendPhoto(_ context.Context, _ int64, _ string, caption string, _ *transport.Button) error {
	return f.send(caption)
}

func (f *fakeTransport) SendVideo(_ context.Context, _ int64, _ string, caption string, _ *transport.Button) error {
	return f.send(caption)
}

type fixture struct {
	store *storage.Store
	tr    *fakeTransport
	disp  *Dispatcher
	base  time.Time
	ctx   context.Context
}

// newFixture subscribes user 1 to a 3-stage campaign (delays 0/1/5 minutes)
// at a fixed base time, with stages 1 and 2 enqueued the way the
// subscription manager does it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	camp, err := campaign.New([]campaign.Stage{
		{DelayMinutes: 0, Text: "welcome"},
		{DelayMinutes: 1, Text: "first"},
		{DelayMinutes: 5, Text: "second"},
	})
	if err != nil {
		t.Fatalf("campaign.New: %v", err)
	}

	f := &fixture{
		store: store,
		tr:    &fakeTransport{},
		base:  time.Now().Truncate(time.Millisecond),
		ctx:   context.Background(),
	}
	f.disp = New(store, f.tr, camp, zerolog.Nop())

	if err := store.UpsertSubscriber(f.ctx, 1, "alice", "Alice", f.base); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}
	for stage, delay := range map[int]time.Duration{1: time.Minute, 2: 5 * time.Minute} {
		if err := store.EnqueueSend(f.ctx, 1, stage, f.base.Add(delay), f.base); err != nil {
			t.Fatalf("EnqueueSend: %v", err)
		}
	}
	return f
}

func (f *fixture) sweepAt(t *testing.T, offset time.Duration) {
	t.Helper()
	f.disp.now = func() time.Time { return f.base.Add(offset) }
	if err := f.disp.Sweep(f.ctx); err != nil {
		t.Fatalf("Sweep at +%v: %v", offset, err)
	}
}

func (f *fixture) stage(t *testing.T) int {
	t.Helper()
	sub, ok, err := f.store.GetSubscriber(f.ctx, 1)
	if err != nil || !ok {
		t.Fatalf("GetSubscriber: ok=%v err=%v", ok, err)
	}
	return sub.WelcomeStage
}

func TestSweepDeliversStagesAsTheyComeDue(t *testing.T) {
	f := newFixture(t)

	// Before anything is due.
	f.sweepAt(t, 30*time.Second)
	if len(f.tr.sent) != 0 {
		t.Fatalf("premature delivery: %v", f.tr.sent)
	}

	// Stage 1 fires at +1m.
	f.sweepAt(t, time.Minute)
	if len(f.tr.sent) != 1 || f.tr.sent[0] != "first" {
		t.Fatalf("sent = %v, want [first]", f.tr.sent)
	}
	if got := f.stage(t); got != 1 {
		t.Fatalf("welcome_stage = %d, want 1", got)
	}

	// A sweep between the due times does nothing.
	f.sweepAt(t, 2*time.Minute)
	if len(f.tr.sent) != 1 {
		t.Fatalf("unexpected delivery between stages: %v", f.tr.sent)
	}

	// Stage 2 fires at +5m.
	f.sweepAt(t, 5*time.Minute)
	if len(f.tr.sent) != 2 || f.tr.sent[1] != "second" {
		t.Fatalf("sent = %v, want [first second]", f.tr.sent)
	}
	if got := f.stage(t); got != 2 {
		t.Fatalf("welcome_stage = %d, want 2", got)
	}

	// Re-sweeping at the same instant must not resend anything.
	f.sweepAt(t, 5*time.Minute)
	if len(f.tr.sent) != 2 {
		t.Fatalf("duplicate delivery: %v", f.tr.sent)
	}
}

func TestSweepRetriesAfterTransportFailure(t *testing.T) {
	f := newFixture(t)

	f.tr.fail = errors.New("telegram: 429")
	f.sweepAt(t, time.Minute)
	if got := f.stage(t); got != 0 {
		t.Fatalf("welcome_stage = %d, want 0 after failed delivery", got)
	}
	pending, err := f.store.CountPendingSends(f.ctx)
	if err != nil {
		t.Fatalf("CountPendingSends: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2 (failed row stays pending)", pending)
	}

	// Next interval: transport recovered, the row fires.
	f.tr.fail = nil
	f.sweepAt(t, 2*time.Minute)
	if len(f.tr.sent) != 1 || f.tr.sent[0] != "first" {
		t.Fatalf("sent = %v, want [first]", f.tr.sent)
	}
	if got := f.stage(t); got != 1 {
		t.Fatalf("welcome_stage = %d, want 1 after retry", got)
	}
}

func TestSweepIsolatesFailuresPerRecipient(t *testing.T) {
	f := newFixture(t)
	// Second subscriber whose send is due at the same time as user 1's.
	if err := f.store.UpsertSubscriber(f.ctx, 2, "bob", "Bob", f.base); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}
	if err := f.store.EnqueueSend(f.ctx, 2, 1, f.base.Add(time.Minute), f.base); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}

	// User 1 is gone; user 2 must still receive.
	gone := errors.Join(transport.ErrRecipientGone, errors.New("blocked"))
	calls := 0
	f.disp.tr = transportFunc(func(to int64, text string) error {
		calls++
		if to == 1 {
			return gone
		}
		f.tr.sent = append(f.tr.sent, text)
		return nil
	})

	f.sweepAt(t, time.Minute)
	if calls != 2 {
		t.Fatalf("transport calls = %d, want 2 (no early abort)", calls)
	}
	if len(f.tr.sent) != 1 {
		t.Fatalf("sent = %v, want one delivery to user 2", f.tr.sent)
	}

	sub, _, err := f.store.GetSubscriber(f.ctx, 1)
	if err != nil {
		t.Fatalf("GetSubscriber: %v", err)
	}
	if sub.Active {
		t.Fatal("gone recipient should be deactivated")
	}
	// Deactivated subscriber's pending rows stop being fetched.
	due, err := f.store.FetchDue(f.ctx, f.base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("FetchDue: %v", err)
	}
	for _, d := range due {
		if d.UserID == 1 {
			t.Fatalf("deactivated subscriber still due: %+v", d)
		}
	}
}

// transportFunc adapts a function to transport.Transport for table-free fakes.
type transportFunc func(to int64, text string) error

func (fn transportFunc) SendText(_ context.Context, to int64, text string, _ *transport.Button) error {
	return fn(to, text)
}

func (fn transportFunc) SendPhoto(_ context.Context, to int64, _ string, caption string, _ *transport.Button) error {
	return fn(to, caption)
}

func (fn transportFunc) SendVideo(_ context.Context, to int64, _ string, caption string, _ *transport.Button) error {
	return fn(to, caption)
}

func TestSweepPurgesRowsBeyondCampaign(t *testing.T) {
	f := newFixture(t)
	// A row left behind by a longer, since-shrunk campaign.
	if err := f.store.EnqueueSend(f.ctx, 1, 9, f.base.Add(time.Minute), f.base); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}

	f.sweepAt(t, time.Minute)
	if len(f.tr.sent) != 1 || f.tr.sent[0] != "first" {
		t.Fatalf("sent = %v, want [first]", f.tr.sent)
	}
	pending, err := f.store.CountPendingSends(f.ctx)
	if err != nil {
		t.Fatalf("CountPendingSends: %v", err)
	}
	// Stage 2 remains; the orphaned stage-9 row is gone.
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 after orphan purge", pending)
	}
}

func TestSweepSkipsRowsClaimedElsewhere(t *testing.T) {
	f := newFixture(t)

	due, err := f.store.FetchDue(f.ctx, f.base.Add(time.Minute))
	if err != nil || len(due) != 1 {
		t.Fatalf("FetchDue: %v (%d rows)", err, len(due))
	}
	ok, err := f.store.ClaimSend(f.ctx, due[0].ID, f.base.Add(time.Minute), DefaultClaimLease)
	if err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}

	f.sweepAt(t, time.Minute)
	if len(f.tr.sent) != 0 {
		t.Fatalf("claimed row was dispatched anyway: %v", f.tr.sent)
	}
	if got := f.stage(t); got != 0 {
		t.Fatalf("welcome_stage = %d, want 0", got)
	}
}

func TestPurgeSentHonorsRetentionHorizon(t *testing.T) {
	f := newFixture(t)

	f.sweepAt(t, time.Minute)
	f.sweepAt(t, 5*time.Minute)
	if len(f.tr.sent) != 2 {
		t.Fatalf("setup: sent = %v", f.tr.sent)
	}

	// One day later: nothing to purge yet.
	f.disp.now = func() time.Time { return f.base.Add(24 * time.Hour) }
	if err := f.disp.PurgeSent(f.ctx); err != nil {
		t.Fatalf("PurgeSent: %v", err)
	}
	n, err := f.store.PurgeSentBefore(f.ctx, f.base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeSentBefore: %v", err)
	}
	if n != 0 {
		t.Fatal("rows purged before the horizon elapsed")
	}

	// Past the 7-day horizon the sent rows disappear.
	f.disp.now = func() time.Time { return f.base.Add(8 * 24 * time.Hour) }
	if err := f.disp.PurgeSent(f.ctx); err != nil {
		t.Fatalf("PurgeSent: %v", err)
	}
	due, err := f.store.FetchDue(f.ctx, f.base.Add(9*24*time.Hour))
	if err != nil {
		t.Fatalf("FetchDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("unexpected rows after retention purge: %+v", due)
	}
}
