package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/eventstore"
	"github.com/loqalabs/loqa-link/internal/protocol"
	"github.com/loqalabs/loqa-link/internal/tools"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Device.ID = "device_test"
	cfg.Relay.URL = ""
	cfg.Tools.Directory = filepath.Join(dir, "agents")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	return cfg
}

func buildRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	r := New(cfg, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.deviceID = cfg.Device.ID
	require.NoError(t, r.build(context.Background()))
	t.Cleanup(r.shutdown)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusReportsRelayAndBus(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	rec := get(t, r.routes(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "device_test", got.DeviceID)
	require.NotNil(t, got.Relay)
	require.Equal(t, "Disconnected", got.Relay.Status)
	require.Nil(t, got.Voice)
	require.False(t, got.Bus.Enabled)
}

func TestReadyz(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	require.Equal(t, http.StatusServiceUnavailable, get(t, r.routes(), "/readyz").Code)
	r.ready.Store(true)
	require.Equal(t, http.StatusOK, get(t, r.routes(), "/readyz").Code)
	require.Equal(t, "ok", get(t, r.routes(), "/healthz").Body.String())
}

func TestAgentsListsInstalledManifests(t *testing.T) {
	cfg := testConfig(t)
	agentDir := filepath.Join(cfg.Tools.Directory, "files")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	manifest := "name: Files\nmode: exec\ncommands:\n  run:\n    command: ls -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "agent.yaml"), []byte(manifest), 0o644))

	r := buildRuntime(t, cfg)
	rec := get(t, r.routes(), "/agents")
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []tools.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	require.Equal(t, "files", agents[0].ID)
}

func TestEventsExposeRecordedInvocations(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	require.NoError(t, r.store.RecordInvocation(context.Background(), tools.Invocation{ID: "i1", RequestID: "r1", ToolID: "files", Outcome: tools.OutcomeOK}))
	r.relayStatus(r.relay.Status())

	rec := get(t, r.routes(), "/events?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, "r1", events[0].RequestID)
	require.Equal(t, eventstore.TypeToolInvocation, events[0].Type)

	rec = get(t, r.routes(), "/events?type="+eventstore.TypeRelayStatus)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	var status protocol.StatusEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &status))
	require.Equal(t, "relay", status.Channel)
}

func TestChatStreamsReply(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat" || req.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: Hel\n\ndata: lo\n\n")
	}))
	t.Cleanup(api.Close)

	cfg := testConfig(t)
	cfg.Chat.Endpoint = api.URL
	cfg.Device.AuthToken = "secret"
	r := buildRuntime(t, cfg)

	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hello", rec.Body.String())

	rec = httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceEndpointsWithoutVoice(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	for _, path := range []string{"/voice/start", "/voice/stop", "/voice/device"} {
		rec := httptest.NewRecorder()
		r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		require.Equal(t, http.StatusConflict, rec.Code, path)
	}
}

func TestVoiceStopReportsIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Voice.Enabled = true
	cfg.Voice.Playback.Mode = "null"
	r := buildRuntime(t, cfg)

	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice/stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"idle","level":0}`, rec.Body.String())

	status := get(t, r.routes(), "/status")
	var got statusResponse
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &got))
	require.NotNil(t, got.Voice)
	require.Equal(t, "idle", got.Voice.Status)
}

func TestEmbeddedBusIsHealthy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Enabled = false
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	r := buildRuntime(t, cfg)

	var got statusResponse
	require.NoError(t, json.Unmarshal(get(t, r.routes(), "/status").Body.Bytes(), &got))
	require.True(t, got.Bus.Enabled)
	require.True(t, got.Bus.Healthy)
	require.Nil(t, got.Relay)
}
