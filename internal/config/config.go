package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	EnvFile     string           `yaml:"env_file"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Device      DeviceConfig     `yaml:"device"`
	Relay       RelayConfig      `yaml:"relay"`
	Chat        ChatConfig       `yaml:"chat"`
	Tools       ToolsConfig      `yaml:"tools"`
	Voice       VoiceConfig      `yaml:"voice"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

type DeviceConfig struct {
	ID        string `yaml:"id"`
	IDFile    string `yaml:"id_file"`
	AuthToken string `yaml:"auth_token"`
}

type RelayConfig struct {
	Enabled            bool   `yaml:"enabled"`
	URL                string `yaml:"url"`
	KeepaliveMS        int    `yaml:"keepalive_ms"`
	BaseDelayMS        int    `yaml:"base_delay_ms"`
	MaxAttempts        int    `yaml:"max_attempts"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
}

type ChatConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AuthToken       string `yaml:"auth_token"`
	StreamTimeoutMS int    `yaml:"stream_timeout_ms"`
}

type ToolsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Directory     string `yaml:"directory"`
	Catalog       string `yaml:"catalog"`
	Concurrency   int    `yaml:"max_concurrency"`
	ReplyTarget   string `yaml:"reply_target"`
	ExecTimeoutMS int    `yaml:"exec_timeout_ms"`
	AuditPrivacy  string `yaml:"audit_privacy_scope"`
	NotifyCommand string `yaml:"notify_command"`
}

type VoiceConfig struct {
	Enabled            bool            `yaml:"enabled"`
	DrainGraceMS       int             `yaml:"drain_grace_ms"`
	SynthesisTimeoutMS int             `yaml:"synthesis_timeout_ms"`
	LevelIntervalMS    int             `yaml:"level_interval_ms"`
	Speech             SpeechConfig    `yaml:"speech"`
	Synthesis          SynthesisConfig `yaml:"synthesis"`
	Capture            CaptureConfig   `yaml:"capture"`
	Playback           PlaybackConfig  `yaml:"playback"`
}

type SpeechConfig struct {
	Endpoint           string  `yaml:"endpoint"`
	APIKey             string  `yaml:"api_key"`
	APIVersion         string  `yaml:"api_version"`
	ConnectTimeoutMS   int     `yaml:"connect_timeout_ms"`
	ReconnectDelayMS   int     `yaml:"reconnect_delay_ms"`
	Instructions       string  `yaml:"instructions"`
	Voice              string  `yaml:"voice"`
	TranscriptionModel string  `yaml:"transcription_model"`
	VADThreshold       float64 `yaml:"vad_threshold"`
	PrefixPaddingMS    int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS  int     `yaml:"silence_duration_ms"`
}

type SynthesisConfig struct {
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	VoiceID          string  `yaml:"voice_id"`
	OutputFormat     string  `yaml:"output_format"`
	StreamingLatency int     `yaml:"optimize_streaming_latency"`
	Stability        float64 `yaml:"stability"`
	SimilarityBoost  float64 `yaml:"similarity_boost"`
	ReconnectDelayMS int     `yaml:"reconnect_delay_ms"`
}

type CaptureConfig struct {
	Command      string `yaml:"command"`
	Device       string `yaml:"device"`
	SampleRate   int    `yaml:"sample_rate"`
	FrameSamples int    `yaml:"frame_samples"`
}

type PlaybackConfig struct {
	Mode       string `yaml:"mode"` // exec, wav, null
	Command    string `yaml:"command"`
	WavPath    string `yaml:"wav_path"`
	SampleRate int    `yaml:"sample_rate"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-link",
		Environment: "development",
		EnvFile:     ".env",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8087,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Device: DeviceConfig{
			IDFile: "./data/device_id",
		},
		Relay: RelayConfig{
			Enabled:            true,
			KeepaliveMS:        30000,
			BaseDelayMS:        1000,
			MaxAttempts:        5,
			HandshakeTimeoutMS: 10000,
		},
		Chat: ChatConfig{
			StreamTimeoutMS: 60000,
		},
		Tools: ToolsConfig{
			Enabled:       true,
			Directory:     "./agents",
			Concurrency:   4,
			ReplyTarget:   "system_sender",
			ExecTimeoutMS: 120000,
			AuditPrivacy:  "internal",
		},
		Voice: VoiceConfig{
			Enabled:            false,
			DrainGraceMS:       500,
			SynthesisTimeoutMS: 10000,
			LevelIntervalMS:    100,
			Speech: SpeechConfig{
				APIVersion:         "2024-02-15-preview",
				ConnectTimeoutMS:   10000,
				ReconnectDelayMS:   2000,
				Instructions:       "You are a helpful AI assistant.",
				Voice:              "alloy",
				TranscriptionModel: "whisper-1",
				VADThreshold:       0.5,
				PrefixPaddingMS:    300,
				SilenceDurationMS:  700,
			},
			Synthesis: SynthesisConfig{
				BaseURL:          "wss://api.elevenlabs.io/v1/text-to-speech",
				OutputFormat:     "pcm_16000",
				StreamingLatency: 3,
				Stability:        0.5,
				SimilarityBoost:  0.75,
				ReconnectDelayMS: 2000,
			},
			Capture: CaptureConfig{
				Command:      "arecord -q -t raw -f S16_LE -c 1 -r 24000",
				SampleRate:   24000,
				FrameSamples: 4096,
			},
			Playback: PlaybackConfig{
				Mode:       "exec",
				Command:    "aplay -q -t raw -f S16_LE -c 1 -r 16000",
				SampleRate: 16000,
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-link-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "link",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile populates the process environment from a dotenv file without
// overriding variables that are already set.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")

	overrideString(&cfg.Device.ID, "LOQA_DEVICE_ID")
	overrideString(&cfg.Device.IDFile, "LOQA_DEVICE_ID_FILE")
	overrideString(&cfg.Device.AuthToken, "LOQA_DEVICE_AUTH_TOKEN")

	// Names used by the desktop client's .env files.
	overrideString(&cfg.Relay.URL, "RELAY_WS_URL")
	overrideString(&cfg.Chat.Endpoint, "API_ENDPOINT")
	overrideString(&cfg.Voice.Speech.APIKey, "AZURE_OPENAI_API_KEY")
	overrideString(&cfg.Voice.Speech.Endpoint, "AZURE_OPENAI_ENDPOINT")
	overrideString(&cfg.Voice.Synthesis.APIKey, "ELEVEN_LABS_API_KEY")
	overrideString(&cfg.Voice.Synthesis.VoiceID, "ELEVEN_LABS_VOICE_ID")

	overrideBool(&cfg.Relay.Enabled, "LOQA_RELAY_ENABLED")
	overrideString(&cfg.Relay.URL, "LOQA_RELAY_URL")
	overrideInt(&cfg.Relay.KeepaliveMS, "LOQA_RELAY_KEEPALIVE_MS")
	overrideInt(&cfg.Relay.BaseDelayMS, "LOQA_RELAY_BASE_DELAY_MS")
	overrideInt(&cfg.Relay.MaxAttempts, "LOQA_RELAY_MAX_ATTEMPTS")
	overrideInt(&cfg.Relay.HandshakeTimeoutMS, "LOQA_RELAY_HANDSHAKE_TIMEOUT_MS")

	overrideString(&cfg.Chat.Endpoint, "LOQA_CHAT_ENDPOINT")
	overrideString(&cfg.Chat.AuthToken, "LOQA_CHAT_AUTH_TOKEN")
	overrideInt(&cfg.Chat.StreamTimeoutMS, "LOQA_CHAT_STREAM_TIMEOUT_MS")

	overrideBool(&cfg.Tools.Enabled, "LOQA_TOOLS_ENABLED")
	overrideString(&cfg.Tools.Directory, "LOQA_TOOLS_DIRECTORY")
	overrideString(&cfg.Tools.Catalog, "LOQA_TOOLS_CATALOG")
	overrideInt(&cfg.Tools.Concurrency, "LOQA_TOOLS_MAX_CONCURRENCY")
	overrideString(&cfg.Tools.ReplyTarget, "LOQA_TOOLS_REPLY_TARGET")
	overrideInt(&cfg.Tools.ExecTimeoutMS, "LOQA_TOOLS_EXEC_TIMEOUT_MS")
	overrideString(&cfg.Tools.NotifyCommand, "LOQA_TOOLS_NOTIFY_COMMAND")

	overrideBool(&cfg.Voice.Enabled, "LOQA_VOICE_ENABLED")
	overrideInt(&cfg.Voice.DrainGraceMS, "LOQA_VOICE_DRAIN_GRACE_MS")
	overrideString(&cfg.Voice.Speech.Endpoint, "LOQA_VOICE_SPEECH_ENDPOINT")
	overrideString(&cfg.Voice.Speech.APIKey, "LOQA_VOICE_SPEECH_API_KEY")
	overrideString(&cfg.Voice.Speech.APIVersion, "LOQA_VOICE_SPEECH_API_VERSION")
	overrideInt(&cfg.Voice.Speech.ConnectTimeoutMS, "LOQA_VOICE_SPEECH_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Voice.Synthesis.BaseURL, "LOQA_VOICE_SYNTHESIS_BASE_URL")
	overrideString(&cfg.Voice.Synthesis.APIKey, "LOQA_VOICE_SYNTHESIS_API_KEY")
	overrideString(&cfg.Voice.Synthesis.VoiceID, "LOQA_VOICE_SYNTHESIS_VOICE_ID")
	overrideString(&cfg.Voice.Capture.Command, "LOQA_VOICE_CAPTURE_COMMAND")
	overrideString(&cfg.Voice.Capture.Device, "LOQA_VOICE_CAPTURE_DEVICE")
	overrideString(&cfg.Voice.Playback.Mode, "LOQA_VOICE_PLAYBACK_MODE")
	overrideString(&cfg.Voice.Playback.Command, "LOQA_VOICE_PLAYBACK_COMMAND")
	overrideString(&cfg.Voice.Playback.WavPath, "LOQA_VOICE_PLAYBACK_WAV_PATH")

	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")

	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Device.ID == "" && cfg.Device.IDFile == "" {
		return errors.New("device.id or device.id_file must be set")
	}
	if cfg.Relay.Enabled {
		if cfg.Relay.KeepaliveMS <= 0 {
			return errors.New("relay.keepalive_ms must be positive")
		}
		if cfg.Relay.BaseDelayMS <= 0 {
			return errors.New("relay.base_delay_ms must be positive")
		}
		if cfg.Relay.MaxAttempts < 0 {
			return errors.New("relay.max_attempts must be >= 0")
		}
	}
	if cfg.Chat.StreamTimeoutMS <= 0 {
		return errors.New("chat.stream_timeout_ms must be positive")
	}
	if cfg.Tools.Enabled {
		if cfg.Tools.Directory == "" {
			return errors.New("tools.directory must not be empty when tools are enabled")
		}
		if cfg.Tools.Concurrency <= 0 {
			return errors.New("tools.max_concurrency must be >= 1")
		}
		if cfg.Tools.ReplyTarget == "" {
			return errors.New("tools.reply_target must not be empty")
		}
	}
	if cfg.Voice.Enabled {
		if cfg.Voice.Speech.Endpoint == "" {
			return errors.New("voice.speech.endpoint must be set when voice is enabled")
		}
		if cfg.Voice.Synthesis.VoiceID == "" {
			return errors.New("voice.synthesis.voice_id must be set when voice is enabled")
		}
		if cfg.Voice.Capture.SampleRate <= 0 || cfg.Voice.Playback.SampleRate <= 0 {
			return errors.New("voice sample rates must be positive")
		}
		switch cfg.Voice.Playback.Mode {
		case "exec":
			if cfg.Voice.Playback.Command == "" {
				return errors.New("voice.playback.command must be set when mode=exec")
			}
		case "wav":
			if cfg.Voice.Playback.WavPath == "" {
				return errors.New("voice.playback.wav_path must be set when mode=wav")
			}
		case "null":
		default:
			return errors.New("voice.playback.mode must be one of exec|wav|null")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
