package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.KeepaliveMS != 30000 {
		t.Fatalf("expected 30s keepalive, got %d", cfg.Relay.KeepaliveMS)
	}
	if cfg.Relay.MaxAttempts != 5 || cfg.Relay.BaseDelayMS != 1000 {
		t.Fatalf("unexpected relay backoff defaults: %+v", cfg.Relay)
	}
	if cfg.Chat.StreamTimeoutMS != 60000 {
		t.Fatalf("expected 60s stream timeout, got %d", cfg.Chat.StreamTimeoutMS)
	}
	if cfg.Tools.ReplyTarget != "system_sender" {
		t.Fatalf("unexpected reply target %q", cfg.Tools.ReplyTarget)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_RELAY_URL", "wss://relay.example/ws")
	t.Setenv("LOQA_RELAY_MAX_ATTEMPTS", "3")
	t.Setenv("LOQA_CHAT_ENDPOINT", "https://api.example")
	t.Setenv("LOQA_TOOLS_MAX_CONCURRENCY", "8")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Relay.URL != "wss://relay.example/ws" || cfg.Relay.MaxAttempts != 3 {
		t.Fatalf("expected relay override, got %+v", cfg.Relay)
	}
	if cfg.Chat.Endpoint != "https://api.example" {
		t.Fatalf("expected chat endpoint override")
	}
	if cfg.Tools.Concurrency != 8 {
		t.Fatalf("expected tools concurrency override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
}

func TestCompatEnvNames(t *testing.T) {
	t.Setenv("RELAY_WS_URL", "wss://compat/ws")
	t.Setenv("API_ENDPOINT", "https://compat.api")
	t.Setenv("ELEVEN_LABS_VOICE_ID", "voice-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.URL != "wss://compat/ws" {
		t.Fatalf("expected RELAY_WS_URL to apply, got %q", cfg.Relay.URL)
	}
	if cfg.Chat.Endpoint != "https://compat.api" {
		t.Fatalf("expected API_ENDPOINT to apply, got %q", cfg.Chat.Endpoint)
	}
	if cfg.Voice.Synthesis.VoiceID != "voice-1" {
		t.Fatalf("expected ELEVEN_LABS_VOICE_ID to apply")
	}

	t.Setenv("LOQA_RELAY_URL", "wss://native/ws")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.URL != "wss://native/ws" {
		t.Fatalf("expected LOQA_ name to win, got %q", cfg.Relay.URL)
	}
}

func TestLoadYAMLAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "link.env")
	if err := os.WriteFile(envPath, []byte("LOQA_CHAT_AUTH_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	// godotenv writes into the process environment; make sure it is reset.
	t.Setenv("LOQA_CHAT_AUTH_TOKEN", "")
	os.Unsetenv("LOQA_CHAT_AUTH_TOKEN")

	cfgPath := filepath.Join(dir, "link.yaml")
	body := "runtime_name: test-link\nenv_file: " + envPath + "\nrelay:\n  enabled: true\n  url: wss://yaml/ws\n  keepalive_ms: 15000\n  base_delay_ms: 500\n  max_attempts: 2\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-link" {
		t.Fatalf("expected yaml runtime name, got %q", cfg.RuntimeName)
	}
	if cfg.Relay.KeepaliveMS != 15000 || cfg.Relay.MaxAttempts != 2 {
		t.Fatalf("expected yaml relay values, got %+v", cfg.Relay)
	}
	if cfg.Chat.AuthToken != "from-dotenv" {
		t.Fatalf("expected dotenv token, got %q", cfg.Chat.AuthToken)
	}
}

func TestValidateRejectsBadPlaybackMode(t *testing.T) {
	cfg := Default()
	cfg.Voice.Enabled = true
	cfg.Voice.Speech.Endpoint = "https://speech.example"
	cfg.Voice.Synthesis.VoiceID = "v"
	cfg.Voice.Playback.Mode = "speaker"
	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown playback mode")
	}
	cfg.Voice.Playback.Mode = "null"
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
