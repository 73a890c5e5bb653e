package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Subscriber mirrors one row of the subscribers table.
type Subscriber struct {
	UserID       int64
	Username     string
	FirstName    string
	SubscribedAt time.Time
	WelcomeStage int
	Active       bool
}

// DueSend is an unsent scheduled send whose due time has elapsed, joined with
// the owning subscriber's handle.
type DueSend struct {
	ID           int64
	UserID       int64
	Stage        int
	Username     string
	ScheduledFor time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path and brings the
// schema up to date. Safe to run on every startup, including against files
// created by earlier versions without the additive columns.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Additive columns, checked against schema metadata rather than relying
	// on "duplicate column" error matching.
	if err := s.ensureColumn(ctx, "subscribers", "is_active", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "scheduled_messages", "claimed_at", "INTEGER")
}

func (s *Store) ensureColumn(ctx context.Context, table, column, decl string) error {
	ok, err := s.hasColumn(ctx, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	s.log.Info().Str("table", table).Str("column", column).Msg("schema column added")
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSubscriber creates or reactivates a subscriber. Re-entry resets
// welcome_stage to 0 and marks the subscriber active; it never fails for a
// pre-existing id.
func (s *Store) UpsertSubscriber(ctx context.Context, userID int64, username, firstName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, username, first_name, subscribed_at, welcome_stage, is_active)
		 VALUES(?,?,?,?,0,1)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   subscribed_at=excluded.subscribed_at,
		   welcome_stage=0,
		   is_active=1`,
		userID, nullStr(username), nullStr(firstName), at.UnixMilli(),
	)
	return err
}

// EnqueueSend records that stage is owed to userID at dueAt.
func (s *Store) EnqueueSend(ctx context.Context, userID int64, stage int, dueAt, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages(user_id, stage, scheduled_for, sent, created_at)
		 VALUES(?,?,?,0,?)`,
		userID, stage, dueAt.UnixMilli(), createdAt.UnixMilli(),
	)
	return err
}

// FetchDue returns unsent sends due at or before now for active subscribers,
// earliest due first.
func (s *Store) FetchDue(ctx context.Context, now time.Time) ([]DueSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sm.id, sm.user_id, sm.stage, COALESCE(sub.username, ''), sm.scheduled_for
		 FROM scheduled_messages sm
		 JOIN subscribers sub ON sub.user_id = sm.user_id
		 WHERE sm.sent = 0 AND sm.scheduled_for <= ? AND sub.is_active = 1
		 ORDER BY sm.scheduled_for ASC`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSend
	for rows.Next() {
		var (
			d  DueSend
			ms int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Stage, &d.Username, &ms); err != nil {
			return nil, err
		}
		d.ScheduledFor = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimSend atomically claims a pending send for dispatch. It returns false
// when the row is already sent or still held by a live claim, making
// overlapping sweeps safe. A claim older than lease is treated as abandoned
// and can be re-claimed.
func (s *Store) ClaimSend(ctx context.Context, id int64, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages
		 SET claimed_at = ?
		 WHERE id = ? AND sent = 0 AND (claimed_at IS NULL OR claimed_at <= ?)`,
		now.UnixMilli(), id, now.Add(-lease).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseSend drops the claim on a pending row after a failed dispatch so
// the very next sweep can retry it instead of waiting out the claim lease.
func (s *Store) ReleaseSend(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET claimed_at = NULL WHERE id = ? AND sent = 0`, id)
	return err
}

// MarkSent flips the sent flag. Repeating the call is a no-op; the flag is
// never reversed.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET sent = 1 WHERE id = ? AND sent = 0`, id)
	return err
}

// AdvanceStage moves the subscriber's welcome_stage to stage. The guard keeps
// the stage monotonically non-decreasing even if a stale caller passes an
// older index.
func (s *Store) AdvanceStage(ctx context.Context, userID int64, stage int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET welcome_stage = ? WHERE user_id = ? AND welcome_stage <= ?`,
		stage, userID, stage)
	return err
}

// SetActive soft-(de)activates a subscriber. Subscribers are never hard-deleted.
func (s *Store) SetActive(ctx context.Context, userID int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET is_active = ? WHERE user_id = ?`, v, userID)
	return err
}

func (s *Store) ListActiveSubscriberIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM subscribers WHERE is_active = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListSubscribers returns the full subscriber list, including inactive rows.
func (s *Store) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(username,''), COALESCE(first_name,''), subscribed_at, welcome_stage, is_active
		 FROM subscribers ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var (
			sub    Subscriber
			ms     int64
			active int
		)
		if err := rows.Scan(&sub.UserID, &sub.Username, &sub.FirstName, &ms, &sub.WelcomeStage, &active); err != nil {
			return nil, err
		}
		sub.SubscribedAt = time.UnixMilli(ms)
		sub.Active = active == 1
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) GetSubscriber(ctx context.Context, userID int64) (Subscriber, bool, error) {
	var (
		sub    Subscriber
		ms     int64
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, COALESCE(username,''), COALESCE(first_name,''), subscribed_at, welcome_stage, is_active
		 FROM subscribers WHERE user_id = ?`, userID).
		Scan(&sub.UserID, &sub.Username, &sub.FirstName, &ms, &sub.WelcomeStage, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	sub.SubscribedAt = time.UnixMilli(ms)
	sub.Active = active == 1
	return sub, true, nil
}

func (s *Store) CountActiveSubscribers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE is_active = 1`).Scan(&n)
	return n, err
}

func (s *Store) CountPendingSends(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_messages WHERE sent = 0`).Scan(&n)
	return n, err
}

// PurgeSentBefore deletes sent rows created before cutoff and reports how
// many were removed. Unsent rows are never touched.
func (s *Store) PurgeSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_messages WHERE sent = 1 AND created_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteUnsentAtOrAboveStage removes pending rows whose stage index no longer
// exists in the campaign (the campaign shrank under them).
func (s *Store) DeleteUnsentAtOrAboveStage(ctx context.Context, stageCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_messages WHERE sent = 0 AND stage >= ?`, stageCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendComment records a free-form user message into the comment log.
func (s *Store) AppendComment(ctx context.Context, userID int64, username, body string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments(user_id, username, body, created_at) VALUES(?,?,?,?)`,
		userID, nullStr(username), body, at.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
