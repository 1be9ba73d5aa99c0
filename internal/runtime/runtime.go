// Package runtime wires the link's components together and serves the
// local control API.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-link/internal/audio"
	"github.com/loqalabs/loqa-link/internal/bus"
	"github.com/loqalabs/loqa-link/internal/chat"
	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/conn"
	"github.com/loqalabs/loqa-link/internal/device"
	"github.com/loqalabs/loqa-link/internal/eventstore"
	"github.com/loqalabs/loqa-link/internal/natsserver"
	"github.com/loqalabs/loqa-link/internal/protocol"
	"github.com/loqalabs/loqa-link/internal/relay"
	"github.com/loqalabs/loqa-link/internal/tools"
	"github.com/loqalabs/loqa-link/internal/tools/registry"
	"github.com/loqalabs/loqa-link/internal/tools/runner"
	"github.com/loqalabs/loqa-link/internal/voice"
)

type Options struct {
	// StartVoice starts the voice session as soon as the runtime is up.
	StartVoice bool
}

type Runtime struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	deviceID string
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	busConn  *bus.Client
	pub      *bus.Publisher
	wasm     *runner.WasmRuntime
	registry *registry.Registry
	invoker  *tools.Invoker
	relay    *relay.Channel
	chat     *chat.Client
	voice    *voice.Session
	level    atomic.Uint64

	metrics       http.Handler
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, opts Options, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Start builds every enabled component, connects the relay and serves HTTP
// until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deviceID, err := device.Resolve(r.cfg.Device.ID, r.cfg.Device.IDFile)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	r.deviceID = deviceID

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, deviceID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	if r.relay != nil {
		if r.cfg.Relay.URL == "" {
			r.logger.Warn("relay enabled without url; staying offline")
		} else {
			r.relay.Connect(deviceID, r.cfg.Device.AuthToken)
		}
	}
	if r.opts.StartVoice {
		if r.voice == nil {
			r.shutdown()
			return errors.New("voice is disabled in configuration")
		}
		if err := r.voice.Start(ctx); err != nil {
			r.logger.Error("voice session failed to start", slog.String("error", err.Error()))
		}
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
				cancel()
			}
		}()
		r.logger.Info("http server listening", slog.String("addr", addr))
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("device_id", deviceID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.shutdown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// build creates the enabled components. Failures of optional outer
// services (bus) are logged; everything else is returned.
func (r *Runtime) build(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.cfg.Tools.AuditPrivacy, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	r.buildBus(ctx)

	token := r.cfg.Chat.AuthToken
	if token == "" {
		token = r.cfg.Device.AuthToken
	}
	r.chat = chat.NewClient(chat.Options{
		Endpoint:      r.cfg.Chat.Endpoint,
		Tokens:        chat.StaticToken(token),
		StreamTimeout: time.Duration(r.cfg.Chat.StreamTimeoutMS) * time.Millisecond,
	}, r.logger)

	if r.cfg.Relay.Enabled {
		r.relay = relay.NewChannel(ctx, relay.OptionsFromConfig(r.cfg), r.logger)
		r.relay.SetAuth(r.deviceID, r.cfg.Device.AuthToken)
		r.relay.OnStatusChange(r.relayStatus)
		r.relay.OnMessage(r.pub.RelayFrame)
		if r.cfg.Tools.Enabled {
			if err := r.buildTools(ctx); err != nil {
				return err
			}
			r.relay.SetIntentHandler(r.invoker)
		}
	}

	if r.cfg.Voice.Enabled {
		if err := r.buildVoice(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) buildBus(ctx context.Context) {
	cfg := r.cfg.Bus
	if !cfg.Enabled {
		r.pub = bus.NewPublisher(nil, cfg.SubjectPrefix, r.logger)
		return
	}
	srv, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		r.logger.Warn("embedded NATS unavailable", slog.String("error", err.Error()))
	} else if srv != nil {
		r.nats = srv
		cfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Warn("message bus unavailable; events will not be mirrored", slog.String("error", err.Error()))
	} else {
		r.busConn = client
	}
	r.pub = bus.NewPublisher(client, cfg.SubjectPrefix, r.logger)
}

func (r *Runtime) buildTools(ctx context.Context) error {
	wasm, err := runner.NewWasmRuntime(ctx, r.logger)
	if err != nil {
		return fmt.Errorf("init wasm runtime: %w", err)
	}
	r.wasm = wasm

	reg, err := registry.New(r.cfg.Tools.Directory, r.cfg.Tools.Catalog, runner.NewFactory(wasm, r.logger), r.logger)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	r.registry = reg

	notifier := tools.MultiNotifier{tools.NewLogNotifier(r.logger), r.pub}
	if cmd := r.cfg.Tools.NotifyCommand; cmd != "" {
		exec, err := tools.NewExecNotifier(cmd, r.logger)
		if err != nil {
			return fmt.Errorf("parse notify command: %w", err)
		}
		notifier = append(notifier, exec)
	}

	inv, err := tools.NewInvoker(tools.Config{
		ReplyTarget: r.cfg.Tools.ReplyTarget,
		ExecTimeout: time.Duration(r.cfg.Tools.ExecTimeoutMS) * time.Millisecond,
	}, tools.Dependencies{
		Agents:    reg,
		Installed: reg,
		Commands:  reg,
		Notifier:  notifier,
		Replier:   r.relay,
		Recorder:  tools.Recorders{r.store, r.pub},
	}, r.logger)
	if err != nil {
		return err
	}
	r.invoker = inv
	return nil
}

func (r *Runtime) buildVoice(ctx context.Context) error {
	vc := r.cfg.Voice
	player, err := audio.NewPlayer(vc.Playback.Mode, vc.Playback.Command, vc.Playback.WavPath, vc.Playback.SampleRate)
	if err != nil {
		return fmt.Errorf("init playback: %w", err)
	}
	capture := &audio.ExecCapture{
		Command:      vc.Capture.Command,
		Device:       vc.Capture.Device,
		FrameSamples: vc.Capture.FrameSamples,
		Log:          r.logger,
	}
	session, err := voice.NewSession(ctx, voice.OptionsFromConfig(vc, r.deviceID), voice.Dependencies{
		Chat:    r.chat,
		Capture: capture,
		Player:  player,
	}, voice.Callbacks{
		OnStatus: func(s voice.Status) {
			r.pub.Status("voice", s.String(), 0)
		},
		OnLevel: func(level float64) {
			r.level.Store(math.Float64bits(level))
		},
		OnError: func(err error) {
			r.logger.Warn("voice error", slog.String("error", err.Error()))
		},
		OnTurn: r.voiceTurn,
	}, r.logger)
	if err != nil {
		_ = player.Close()
		return err
	}
	r.voice = session
	return nil
}

func (r *Runtime) relayStatus(s conn.Status) {
	attempts := r.relay.State().Attempts
	r.pub.Status("relay", s.String(), attempts)
	ev := protocol.StatusEvent{Channel: "relay", Status: s.String(), Attempts: attempts, Timestamp: time.Now().UTC()}
	if err := r.store.RecordStatus(context.Background(), ev); err != nil {
		r.logger.Warn("failed to record relay status", slog.String("error", err.Error()))
	}
}

func (r *Runtime) voiceTurn(t voice.Turn) {
	r.pub.Transcript(t.SessionID, t.Transcript)
	turn := eventstore.VoiceTurn{
		SessionID:  t.SessionID,
		Transcript: t.Transcript,
		Reply:      t.Reply,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Err != nil {
		turn.Error = t.Err.Error()
	}
	if err := r.store.RecordVoiceTurn(context.Background(), r.deviceID, turn); err != nil {
		r.logger.Warn("failed to record voice turn", slog.String("error", err.Error()))
	}
}

// shutdown releases components in reverse dependency order. Safe on a
// partially built runtime.
func (r *Runtime) shutdown() {
	if r.voice != nil {
		if err := r.voice.Close(); err != nil {
			r.logger.Warn("voice close error", slog.String("error", err.Error()))
		}
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.wasm != nil {
		if err := r.wasm.Close(context.Background()); err != nil {
			r.logger.Warn("wasm close error", slog.String("error", err.Error()))
		}
	}
	if r.busConn != nil {
		r.busConn.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /agents", r.handleAgents)
	mux.HandleFunc("GET /events", r.handleEvents)
	mux.HandleFunc("POST /chat", r.handleChat)
	mux.HandleFunc("POST /voice/start", r.handleVoiceStart)
	mux.HandleFunc("POST /voice/stop", r.handleVoiceStop)
	mux.HandleFunc("POST /voice/device", r.handleVoiceDevice)
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("GET /metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	DeviceID string        `json:"device_id"`
	Relay    *relayStatus  `json:"relay,omitempty"`
	Voice    *voiceStatus  `json:"voice,omitempty"`
	Bus      busStatusView `json:"bus"`
}

type relayStatus struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type voiceStatus struct {
	Status    string  `json:"status"`
	SessionID string  `json:"session_id,omitempty"`
	Level     float64 `json:"level"`
}

type busStatusView struct {
	Enabled bool `json:"enabled"`
	Healthy bool `json:"healthy"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		DeviceID: r.deviceID,
		Bus:      busStatusView{Enabled: r.cfg.Bus.Enabled, Healthy: r.busConn.Healthy()},
	}
	if r.relay != nil {
		st := r.relay.State()
		resp.Relay = &relayStatus{Status: st.Status.String(), Attempts: st.Attempts}
	}
	if r.voice != nil {
		resp.Voice = &voiceStatus{
			Status:    r.voice.Status().String(),
			SessionID: r.voice.ID(),
			Level:     math.Float64frombits(r.level.Load()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleAgents(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		writeJSON(w, http.StatusOK, []tools.Agent{})
		return
	}
	agents, err := r.registry.Installed(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agents == nil {
		agents = []tools.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type eventView struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	typ := req.URL.Query().Get("type")
	if typ == "" {
		typ = eventstore.TypeToolInvocation
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.Recent(req.Context(), typ, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			SessionID: e.SessionID,
			RequestID: e.RequestID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat relays one message to the chat API and streams the reply back
// as plain text. Failures arrive as the user-facing message text.
func (r *Runtime) handleChat(w http.ResponseWriter, req *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	write := func(s string) {
		_, _ = w.Write([]byte(s))
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = r.chat.Send(req.Context(), body.Message, r.deviceID, write, func(err error) {
		write(err.Error())
	})
}

func (r *Runtime) handleVoiceStart(w http.ResponseWriter, req *http.Request) {
	if r.voice == nil {
		writeError(w, http.StatusConflict, errors.New("voice is disabled"))
		return
	}
	// The session outlives the request.
	if err := r.voice.Start(context.WithoutCancel(req.Context())); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, voice.ErrStartCanceled) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceStatus{Status: r.voice.Status().String(), SessionID: r.voice.ID()})
}

func (r *Runtime) handleVoiceStop(w http.ResponseWriter, _ *http.Request) {
	if r.voice == nil {
		writeError(w, http.StatusConflict, errors.New("voice is disabled"))
		return
	}
	r.voice.Stop()
	writeJSON(w, http.StatusOK, voiceStatus{Status: r.voice.Status().String()})
}

type deviceRequest struct {
	Device string `json:"device"`
}

func (r *Runtime) handleVoiceDevice(w http.ResponseWriter, req *http.Request) {
	if r.voice == nil {
		writeError(w, http.StatusConflict, errors.New("voice is disabled"))
		return
	}
	var body deviceRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.voice.SetDevice(context.WithoutCancel(req.Context()), body.Device); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceStatus{Status: r.voice.Status().String(), SessionID: r.voice.ID()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
