// Package eventstore keeps a SQLite journal of finished turns and voice
// profile changes. A session is one user's conversation with the bot.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite-backed journal. In ephemeral mode it has no database
// and every write is dropped.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Session summarises one user's history.
type Session struct {
	UserID    string
	Turns     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    user_id TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    input TEXT,
    outcome TEXT NOT NULL,
    final_state TEXT,
    user_text TEXT,
    reply_text TEXT,
    fallback INTEGER NOT NULL DEFAULT 0,
    audio_seconds REAL,
    error_kind TEXT,
    error TEXT,
    elapsed_ms INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES sessions(user_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns(user_id, created_at);
CREATE TABLE IF NOT EXISTS voice_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    param TEXT,
    value REAL,
    custom_sample INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES sessions(user_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_voice_user_created ON voice_events(user_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTurn journals a finished turn and touches the user's session.
func (s *Store) RecordTurn(ctx context.Context, ev protocol.TurnEvent) error {
	if s.disabled() {
		return nil
	}
	at := s.stamp(ev.Timestamp)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, ev.UserID, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns(turn_id, user_id, input, outcome, final_state, user_text, reply_text,
			   fallback, audio_seconds, error_kind, error, elapsed_ms, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(turn_id) DO NOTHING`,
			ev.TurnID, ev.UserID, ev.Input, ev.Outcome, ev.FinalState, ev.UserText, ev.ReplyText,
			ev.Fallback, ev.AudioSeconds, ev.ErrorKind, ev.Error, ev.ElapsedMillis, at.UnixMilli())
		return err
	})
}

// RecordVoice journals a voice profile change.
func (s *Store) RecordVoice(ctx context.Context, ev protocol.VoiceEvent) error {
	if s.disabled() {
		return nil
	}
	at := s.stamp(ev.Timestamp)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, ev.UserID, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO voice_events(user_id, action, param, value, custom_sample, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			ev.UserID, ev.Action, ev.Param, ev.Value, ev.CustomSample, at.UnixMilli())
		return err
	})
}

// ListTurns returns up to limit of a user's turns, oldest first.
func (s *Store) ListTurns(ctx context.Context, userID string, limit int) ([]protocol.TurnEvent, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, user_id, input, outcome, final_state, user_text, reply_text, fallback,
		   audio_seconds, error_kind, error, elapsed_ms, created_at
		 FROM turns WHERE user_id = ? ORDER BY created_at ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []protocol.TurnEvent
	for rows.Next() {
		var ev protocol.TurnEvent
		var created int64
		if err := rows.Scan(&ev.TurnID, &ev.UserID, &ev.Input, &ev.Outcome, &ev.FinalState, &ev.UserText,
			&ev.ReplyText, &ev.Fallback, &ev.AudioSeconds, &ev.ErrorKind, &ev.Error, &ev.ElapsedMillis, &created); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(created).UTC()
		turns = append(turns, ev)
	}
	return turns, rows.Err()
}

// ListVoiceEvents returns up to limit of a user's voice changes, oldest first.
func (s *Store) ListVoiceEvents(ctx context.Context, userID string, limit int) ([]protocol.VoiceEvent, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, action, param, value, custom_sample, created_at
		 FROM voice_events WHERE user_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.VoiceEvent
	for rows.Next() {
		var ev protocol.VoiceEvent
		var created int64
		if err := rows.Scan(&ev.UserID, &ev.Action, &ev.Param, &ev.Value, &ev.CustomSample, &created); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(created).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetSession returns the summary for one user. ok is false when the user has
// no journal entries.
func (s *Store) GetSession(ctx context.Context, userID string) (Session, bool, error) {
	if s.disabled() {
		return Session{}, false, nil
	}
	var first, last int64
	sess := Session{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT s.first_seen, s.last_seen, (SELECT COUNT(*) FROM turns t WHERE t.user_id = s.user_id)
		 FROM sessions s WHERE s.user_id = ?`, userID).Scan(&first, &last, &sess.Turns)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.FirstSeen = time.UnixMilli(first).UTC()
	sess.LastSeen = time.UnixMilli(last).UTC()
	return sess, true, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if s.cfg.RetentionDays > 0 {
			cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
			for _, stmt := range []string{
				`DELETE FROM turns WHERE created_at < ?`,
				`DELETE FROM voice_events WHERE created_at < ?`,
				`DELETE FROM sessions WHERE last_seen < ?`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
					return err
				}
			}
		}
		if s.cfg.MaxSessions > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id IN (
				SELECT user_id FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxSessions); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if s.disabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock().UTC()
	}
	return t.UTC()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func touchSession(ctx context.Context, tx *sql.Tx, userID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(user_id, first_seen, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		userID, at.UnixMilli(), at.UnixMilli())
	return err
}
