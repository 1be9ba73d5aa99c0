// Package eventstore keeps a local SQLite audit timeline of what the link
// did: tool invocations, relay status changes and voice turns.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/protocol"
	"github.com/loqalabs/loqa-link/internal/tools"
)

const (
	KindRun   = "run"
	KindVoice = "voice"

	TypeToolInvocation = "tool.invocation"
	TypeRelayStatus    = "relay.status"
	TypeVoiceTurn      = "voice.turn"

	// PrivacyRedacted drops user text from stored payloads.
	PrivacyRedacted = "redacted"
)

// Event is one timeline entry.
type Event struct {
	ID        int64
	SessionID string
	RequestID string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store is the SQLite-backed timeline. With retention mode "ephemeral" it
// accepts writes and stores nothing.
type Store struct {
	db      *sql.DB
	cfg     config.EventStoreConfig
	privacy string
	log     *slog.Logger
	clock   func() time.Time

	// runID groups everything recorded by one process lifetime.
	runID string
}

func Open(ctx context.Context, cfg config.EventStoreConfig, privacy string, log *slog.Logger) (*Store, error) {
	s := &Store{
		cfg:     cfg,
		privacy: privacy,
		log:     log.With(slog.String("component", "eventstore")),
		clock:   time.Now,
		runID:   uuid.NewString(),
	}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
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
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	if err := s.OpenSession(ctx, s.runID, KindRun, ""); err != nil {
		db.Close()
		return nil, fmt.Errorf("record run: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    device_id TEXT,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    request_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunID is the session id of the current process.
func (s *Store) RunID() string { return s.runID }

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// OpenSession ensures a session row exists.
func (s *Store) OpenSession(ctx context.Context, sessionID, kind, deviceID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, kind, device_id, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device_id=COALESCE(NULLIF(excluded.device_id, ''), sessions.device_id)`,
		sessionID, kind, deviceID, s.privacy, s.clock().UTC())
	return err
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if evt.Privacy == "" {
		evt.Privacy = s.privacy
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, request_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.RequestID, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt)
	return err
}

type invocationPayload struct {
	ID         string    `json:"id"`
	ToolID     string    `json:"tool_id"`
	Query      string    `json:"query,omitempty"`
	Outcome    string    `json:"outcome"`
	Reply      string    `json:"reply,omitempty"`
	Delivered  bool      `json:"delivered"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordInvocation stores one handled intent under the current run.
func (s *Store) RecordInvocation(ctx context.Context, inv tools.Invocation) error {
	p := invocationPayload{
		ID:         inv.ID,
		ToolID:     inv.ToolID,
		Query:      inv.Query,
		Outcome:    string(inv.Outcome),
		Reply:      inv.Reply,
		Delivered:  inv.Delivered,
		StartedAt:  inv.StartedAt.UTC(),
		FinishedAt: inv.FinishedAt.UTC(),
	}
	if s.privacy == PrivacyRedacted {
		p.Query, p.Reply = "", ""
	}
	return s.appendJSON(ctx, s.runID, inv.RequestID, TypeToolInvocation, p)
}

func (s *Store) RecordStatus(ctx context.Context, ev protocol.StatusEvent) error {
	return s.appendJSON(ctx, s.runID, "", TypeRelayStatus, ev)
}

// VoiceTurn is the stored form of one voice exchange.
type VoiceTurn struct {
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordVoiceTurn stores a turn under its voice session, creating the
// session row on first use.
func (s *Store) RecordVoiceTurn(ctx context.Context, deviceID string, turn VoiceTurn) error {
	if turn.SessionID == "" {
		return errors.New("voice turn without session id")
	}
	if err := s.OpenSession(ctx, turn.SessionID, KindVoice, deviceID); err != nil {
		return err
	}
	if s.privacy == PrivacyRedacted {
		turn.Transcript, turn.Reply = "", ""
	}
	return s.appendJSON(ctx, turn.SessionID, "", TypeVoiceTurn, turn)
}

func (s *Store) appendJSON(ctx context.Context, sessionID, requestID, typ string, v any) error {
	if !s.enabled() {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, RequestID: requestID, Type: typ, Payload: payload})
}

// ListSessionEvents returns up to limit events of a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, request_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
}

// Recent returns the newest events of one type across all sessions.
func (s *Store) Recent(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx,
		`SELECT id, session_id, request_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE event_type = ? ORDER BY created_at DESC, id DESC LIMIT ?`, eventType, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var requestID, privacy sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &requestID, &e.Type, &e.Payload, &privacy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.Privacy = privacy.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. The current run is never pruned
// by the session cap.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ? AND session_id <> ?`, cutoff, s.runID); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions WHERE session_id <> ? ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.runID, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
