package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/protocol"
	"github.com/loqalabs/loqa-link/internal/tools"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig, privacy string) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	es, err := Open(context.Background(), cfg, privacy, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeralStoresNothing(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, "internal", newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.RecordInvocation(ctx, tools.Invocation{ID: "x"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, es.RunID(), 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestRecordInvocationUnderRun(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{}, "internal")

	inv := tools.Invocation{
		ID:        "inv-1",
		RequestID: "r1",
		ToolID:    "files",
		Query:     "list files",
		Outcome:   tools.OutcomeOK,
		Reply:     "a.txt",
		Delivered: true,
		StartedAt: time.Now(),
	}
	if err := es.RecordInvocation(ctx, inv); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, es.RunID(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != TypeToolInvocation || e.RequestID != "r1" || e.Privacy != "internal" {
		t.Fatalf("unexpected event %+v", e)
	}
	var p invocationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ToolID != "files" || p.Query != "list files" || p.Reply != "a.txt" || !p.Delivered {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestRedactedPrivacyDropsText(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{}, PrivacyRedacted)

	if err := es.RecordInvocation(ctx, tools.Invocation{ID: "inv-1", ToolID: "t", Query: "secret", Reply: "secret reply"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.RecordVoiceTurn(ctx, "device-1", VoiceTurn{SessionID: "v1", Transcript: "hi", Reply: "hello"}); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	for _, sid := range []string{es.RunID(), "v1"} {
		events, err := es.ListSessionEvents(ctx, sid, 10)
		if err != nil || len(events) != 1 {
			t.Fatalf("session %s: %v %v", sid, events, err)
		}
		var generic map[string]any
		if err := json.Unmarshal(events[0].Payload, &generic); err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{"query", "reply", "transcript"} {
			if _, ok := generic[key]; ok {
				t.Fatalf("session %s: %s should be redacted: %s", sid, key, events[0].Payload)
			}
		}
	}
}

func TestVoiceTurnsAndRecent(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{}, "internal")

	base := time.Now().Add(-time.Minute)
	for i, text := range []string{"one", "two", "three"} {
		es.clock = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if err := es.RecordVoiceTurn(ctx, "device-1", VoiceTurn{SessionID: "v1", Transcript: text}); err != nil {
			t.Fatalf("record turn: %v", err)
		}
	}
	if err := es.RecordVoiceTurn(ctx, "device-1", VoiceTurn{}); err == nil {
		t.Fatalf("expected error for missing session id")
	}

	recent, err := es.Recent(ctx, TypeVoiceTurn, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	var newest VoiceTurn
	if err := json.Unmarshal(recent[0].Payload, &newest); err != nil {
		t.Fatal(err)
	}
	if newest.Transcript != "three" {
		t.Fatalf("expected newest first, got %q", newest.Transcript)
	}
}

func TestRecordStatus(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{}, "internal")
	ev := protocol.StatusEvent{Channel: "relay", Status: "connected", Attempts: 2, Timestamp: time.Now().UTC()}
	if err := es.RecordStatus(ctx, ev); err != nil {
		t.Fatalf("record status: %v", err)
	}
	events, err := es.Recent(ctx, TypeRelayStatus, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one status event, got %v %v", events, err)
	}
	var got protocol.StatusEvent
	if err := json.Unmarshal(events[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "connected" || got.Attempts != 2 {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}, "internal")

	now := time.Now()
	es.clock = func() time.Time { return now.Add(-48 * time.Hour) }
	if err := es.RecordVoiceTurn(ctx, "d", VoiceTurn{SessionID: "old"}); err != nil {
		t.Fatal(err)
	}
	es.clock = func() time.Time { return now.Add(-time.Hour) }
	if err := es.RecordVoiceTurn(ctx, "d", VoiceTurn{SessionID: "older-recent"}); err != nil {
		t.Fatal(err)
	}
	es.clock = func() time.Time { return now }
	if err := es.RecordVoiceTurn(ctx, "d", VoiceTurn{SessionID: "newest"}); err != nil {
		t.Fatal(err)
	}

	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	count := func(sid string) int {
		events, err := es.ListSessionEvents(ctx, sid, 10)
		if err != nil {
			t.Fatal(err)
		}
		return len(events)
	}
	if count("old") != 0 {
		t.Fatalf("expected day-based prune to remove old session")
	}
	if count("older-recent") != 0 {
		t.Fatalf("expected session cap to remove older session")
	}
	if count("newest") != 1 {
		t.Fatalf("expected newest session to survive")
	}

	var runs int
	if err := es.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_id = ?`, es.RunID()).Scan(&runs); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Fatalf("current run must survive pruning")
	}
}
