// Package voice runs the hands-free loop: microphone to realtime speech
// recognition, transcript to the chat API, reply text to a streaming
// synthesizer, and synthesized audio to the speaker.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-link/internal/audio"
	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/conn"
	"github.com/loqalabs/loqa-link/internal/protocol"
)

// ErrStartCanceled is returned by a Start that Stop abandoned.
var ErrStartCanceled = errors.New("voice session start canceled")

type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusProcessing
	StatusSpeaking
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusProcessing:
		return "processing"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Chat streams a reply for one user message.
type Chat interface {
	Send(ctx context.Context, message, deviceID string, onChunk func(string), onError func(error)) error
}

// Turn is one completed exchange.
type Turn struct {
	SessionID  string
	Transcript string
	Reply      string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type Callbacks struct {
	OnStatus     func(Status)
	OnLevel      func(level float64)
	OnTranscript func(delta string)
	OnError      func(error)
	OnTurn       func(Turn)
}

type Options struct {
	DeviceID string

	SpeechEndpoint   string
	SpeechAPIKey     string
	SpeechAPIVersion string
	Session          protocol.SpeechSession
	ConnectTimeout   time.Duration
	SpeechReconnect  time.Duration

	SynthesisBaseURL   string
	SynthesisAPIKey    string
	VoiceID            string
	OutputFormat       string
	StreamingLatency   int
	Stability          float64
	SimilarityBoost    float64
	SynthesisReconnect time.Duration
	// SynthesisTimeout returns the session to Listening when a finished
	// reply produced no audio.
	SynthesisTimeout time.Duration

	DrainGrace    time.Duration
	LevelInterval time.Duration

	Dialer conn.Dialer
}

// OptionsFromConfig maps the voice section onto session options.
func OptionsFromConfig(cfg config.VoiceConfig, deviceID string) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		DeviceID:         deviceID,
		SpeechEndpoint:   cfg.Speech.Endpoint,
		SpeechAPIKey:     cfg.Speech.APIKey,
		SpeechAPIVersion: cfg.Speech.APIVersion,
		Session: protocol.SpeechSession{
			Modalities:              []string{"audio", "text"},
			Instructions:            cfg.Speech.Instructions,
			Voice:                   cfg.Speech.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &protocol.TranscriptionSpec{Model: cfg.Speech.TranscriptionModel},
			TurnDetection: &protocol.TurnDetection{
				Type:              protocol.SpeechTurnDetectionMode,
				Threshold:         cfg.Speech.VADThreshold,
				PrefixPaddingMS:   cfg.Speech.PrefixPaddingMS,
				SilenceDurationMS: cfg.Speech.SilenceDurationMS,
			},
		},
		ConnectTimeout:     ms(cfg.Speech.ConnectTimeoutMS),
		SpeechReconnect:    ms(cfg.Speech.ReconnectDelayMS),
		SynthesisBaseURL:   cfg.Synthesis.BaseURL,
		SynthesisAPIKey:    cfg.Synthesis.APIKey,
		VoiceID:            cfg.Synthesis.VoiceID,
		OutputFormat:       cfg.Synthesis.OutputFormat,
		StreamingLatency:   cfg.Synthesis.StreamingLatency,
		Stability:          cfg.Synthesis.Stability,
		SimilarityBoost:    cfg.Synthesis.SimilarityBoost,
		SynthesisReconnect: ms(cfg.Synthesis.ReconnectDelayMS),
		SynthesisTimeout:   ms(cfg.SynthesisTimeoutMS),
		DrainGrace:         ms(cfg.DrainGraceMS),
		LevelInterval:      ms(cfg.LevelIntervalMS),
	}
}

type deviceSelector interface {
	SetDevice(device string)
}

type Dependencies struct {
	Chat    Chat
	Capture audio.Capture
	Player  audio.Player
}

// Session owns the microphone, both voice sockets and the playback queue
// for as long as it is started.
type Session struct {
	opts   Options
	deps   Dependencies
	cb     Callbacks
	log    *slog.Logger
	parent context.Context
	queue  *audio.Queue

	// lifecycle serialises Start, Stop and SetDevice.
	lifecycle sync.Mutex

	mu         sync.Mutex
	status     Status
	active     bool
	id         string
	device     string
	transcript strings.Builder
	run        *run
	pending    context.CancelFunc
	chatCancel context.CancelFunc
	graceTimer *time.Timer
	synthTimer *time.Timer

	cbMu  sync.Mutex
	turns metric.Int64Counter
}

// run holds the resources of one Start..Stop cycle.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	recording audio.Recording
	speech    *speechSocket
	synthesis *synthesisSocket
	started   bool
}

func NewSession(parent context.Context, opts Options, deps Dependencies, cb Callbacks, log *slog.Logger) (*Session, error) {
	if deps.Chat == nil || deps.Capture == nil || deps.Player == nil {
		return nil, errors.New("voice: chat, capture and player are required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SpeechReconnect <= 0 {
		opts.SpeechReconnect = 2 * time.Second
	}
	if opts.SynthesisReconnect <= 0 {
		opts.SynthesisReconnect = 2 * time.Second
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = 10 * time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 500 * time.Millisecond
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 100 * time.Millisecond
	}
	if opts.Dialer == nil {
		opts.Dialer = conn.NewWebsocketDialer(opts.ConnectTimeout)
	}
	s := &Session{
		opts:   opts,
		deps:   deps,
		cb:     cb,
		log:    log.With(slog.String("component", "voice")),
		parent: parent,
	}
	s.queue = audio.NewQueue(deps.Player, audio.QueueHooks{
		OnStart:   s.playbackStarted,
		OnDrained: s.playbackDrained,
	}, log)
	counter, err := otel.Meter("github.com/loqalabs/loqa-link/voice").Int64Counter("loqa_link.voice.turns",
		metric.WithDescription("Completed voice turns, by outcome"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		s.turns = counter
	}
	return s, nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ID returns the id of the current session, empty while idle.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	if s.status == next {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.mu.Unlock()
	s.log.Debug("status changed", slog.String("status", next.String()))
	s.emit(func() {
		if s.cb.OnStatus != nil {
			s.cb.OnStatus(next)
		}
	})
}

// setStatusIf moves to next only from one of the listed states.
func (s *Session) setStatusIf(next Status, from ...Status) bool {
	s.mu.Lock()
	ok := false
	for _, f := range from {
		if s.status == f {
			ok = true
			break
		}
	}
	s.mu.Unlock()
	if ok {
		s.setStatus(next)
	}
	return ok
}

func (s *Session) emit(f func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	f()
}

func (s *Session) fail(err error) {
	s.log.Warn("voice session error", slog.String("error", err.Error()))
	s.emit(func() {
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	})
	s.setStatus(StatusError)
}

// Start acquires the microphone, opens both sockets and begins streaming.
// It is a no-op when the session is already running.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.id = uuid.NewString()
	device := s.device
	// Stop cancels pending to abandon a connect in progress.
	startCtx, pending := context.WithCancel(ctx)
	s.pending = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		pending()
	}()

	speechURL, err := SpeechURL(s.opts.SpeechEndpoint, s.opts.SpeechAPIKey, s.opts.SpeechAPIVersion)
	if err != nil {
		s.abortStart(nil, err)
		return err
	}
	synthURL, err := SynthesisURL(s.opts.SynthesisBaseURL, s.opts.VoiceID, s.opts.StreamingLatency, s.opts.OutputFormat)
	if err != nil {
		s.abortStart(nil, err)
		return err
	}

	s.setStatus(StatusListening)
	runCtx, cancel := context.WithCancel(s.parent)
	r := &run{ctx: runCtx, cancel: cancel}

	if dc, ok := s.deps.Capture.(deviceSelector); ok {
		dc.SetDevice(device)
	}
	rec, err := s.deps.Capture.Start(runCtx)
	if err != nil {
		err = fmt.Errorf("acquire microphone: %w", err)
		s.abortStart(r, err)
		return err
	}
	r.recording = rec

	hooks := socketHooks{onStatus: s.socketStatus, onError: s.socketError}
	r.speech = newSpeechSocket(runCtx, speechURL, s.opts.Session, s.opts.SpeechReconnect, s.opts.Dialer,
		s.handleSpeechEvent, hooks, s.log)
	r.synthesis = newSynthesisSocket(runCtx, synthesisConfig{
		url:             synthURL,
		apiKey:          s.opts.SynthesisAPIKey,
		stability:       s.opts.Stability,
		similarityBoost: s.opts.SimilarityBoost,
		reconnect:       s.opts.SynthesisReconnect,
	}, s.opts.Dialer, s.handleSynthesisAudio, s.synthesisFailed, hooks, s.log)

	s.mu.Lock()
	s.run = r
	s.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(startCtx, s.opts.ConnectTimeout)
	defer connectCancel()
	g, gctx := errgroup.WithContext(connectCtx)
	g.Go(func() error {
		if err := r.speech.connect(gctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errors.New("speech socket connection timeout: check the endpoint URL and network connection")
			}
			return fmt.Errorf("speech socket: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.synthesis.connect(gctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errors.New("synthesis socket connection timeout")
			}
			return fmt.Errorf("synthesis socket: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if startCtx.Err() != nil && ctx.Err() == nil {
			// Abandoned by Stop, which reports Idle itself.
			s.abortStart(r, nil)
			return ErrStartCanceled
		}
		s.abortStart(r, err)
		return err
	}

	s.mu.Lock()
	r.started = true
	s.mu.Unlock()

	r.wg.Add(1)
	go s.pump(r)
	s.log.Info("voice session started",
		slog.String("session_id", s.ID()),
		slog.String("speech_url", Redact(speechURL)))
	return nil
}

// abortStart releases whatever start acquired and leaves the session in
// Error until Stop resets it to Idle. A later Start tries again. A nil err
// releases without reporting.
func (s *Session) abortStart(r *run, err error) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.active = false
	s.id = ""
	s.mu.Unlock()
	if r != nil {
		s.release(r)
	}
	if err != nil {
		s.fail(err)
	}
}

// pump uploads microphone frames and reports the input level.
func (s *Session) pump(r *run) {
	defer r.wg.Done()
	ticker := time.NewTicker(s.opts.LevelInterval)
	defer ticker.Stop()
	var level float64
	frames := r.recording.Frames()
	for {
		select {
		case <-r.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			level = audio.Level(frame)
			r.speech.appendAudio(frame)
		case <-ticker.C:
			l := level
			s.emit(func() {
				if s.cb.OnLevel != nil {
					s.cb.OnLevel(l)
				}
			})
		}
	}
}

func (s *Session) handleSpeechEvent(ev protocol.SpeechEvent) {
	switch ev.Type {
	case protocol.SpeechTranscriptDelta:
		if ev.Delta == "" {
			return
		}
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		s.transcript.WriteString(ev.Delta)
		s.mu.Unlock()
		s.emit(func() {
			if s.cb.OnTranscript != nil {
				s.cb.OnTranscript(ev.Delta)
			}
		})
	case protocol.SpeechTranscriptDone:
		s.mu.Lock()
		text := strings.TrimSpace(s.transcript.String())
		s.transcript.Reset()
		active := s.active
		s.mu.Unlock()
		if !active || text == "" {
			return
		}
		s.setStatus(StatusProcessing)
		s.submit(text)
	case protocol.SpeechEventError:
		msg := "speech service error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		s.fail(errors.New(msg))
	}
}

// submit sends a finished transcript to the chat API and streams the reply
// into the synthesizer. A newer transcript cancels the previous call.
func (s *Session) submit(text string) {
	s.mu.Lock()
	r := s.run
	if r == nil || !s.active {
		s.mu.Unlock()
		return
	}
	if s.chatCancel != nil {
		s.chatCancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	s.chatCancel = cancel
	sessionID := s.id
	r.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		turn := Turn{SessionID: sessionID, Transcript: text, StartedAt: time.Now()}
		var reply strings.Builder
		var chatErr error
		err := s.deps.Chat.Send(ctx, text, s.opts.DeviceID,
			func(chunk string) {
				reply.WriteString(chunk)
				r.synthesis.sendText(chunk)
			},
			func(err error) { chatErr = err })
		if err != nil && chatErr == nil {
			chatErr = err
		}
		turn.Reply = reply.String()
		turn.FinishedAt = time.Now()
		turn.Err = chatErr

		if ctx.Err() != nil && errors.Is(chatErr, context.Canceled) {
			return
		}
		s.recordTurn(ctx, turn)
		if chatErr != nil {
			s.fail(chatErr)
			return
		}
		r.synthesis.flush()
		s.armSynthesisTimeout()
	}()
}

func (s *Session) recordTurn(ctx context.Context, turn Turn) {
	outcome := "ok"
	if turn.Err != nil {
		outcome = "error"
	}
	if s.turns != nil {
		s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	s.emit(func() {
		if s.cb.OnTurn != nil {
			s.cb.OnTurn(turn)
		}
	})
}

// armSynthesisTimeout returns to Listening if a flushed reply never
// produces audio.
func (s *Session) armSynthesisTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if s.synthTimer != nil {
		s.synthTimer.Stop()
	}
	s.synthTimer = time.AfterFunc(s.opts.SynthesisTimeout, func() {
		if s.queue.Playing() || s.queue.Len() > 0 {
			return
		}
		if s.setStatusIf(StatusListening, StatusProcessing) {
			s.log.Warn("no synthesized audio received for reply")
		}
	})
}

func (s *Session) handleSynthesisAudio(pcm []byte) {
	s.mu.Lock()
	active := s.active
	if s.synthTimer != nil {
		s.synthTimer.Stop()
		s.synthTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()
	if !active {
		return
	}
	s.queue.Enqueue(pcm)
}

func (s *Session) synthesisFailed(err error) {
	if s.isActive() {
		s.fail(err)
	}
}

func (s *Session) playbackStarted() {
	if s.isActive() {
		s.setStatusIf(StatusSpeaking, StatusProcessing, StatusListening)
	}
}

// playbackDrained waits a short grace period for more audio before handing
// the turn back to the listener.
func (s *Session) playbackDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.opts.DrainGrace, func() {
		if s.queue.Playing() || s.queue.Len() > 0 || !s.isActive() {
			return
		}
		s.setStatusIf(StatusListening, StatusSpeaking)
	})
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) socketStatus(name string, prev, next conn.State) {
	s.log.Debug("voice socket status",
		slog.String("socket", name),
		slog.String("status", next.Status.String()),
		slog.Int("attempts", next.Attempts))
	if next.Status != conn.StatusError || prev.Status == conn.StatusError {
		return
	}
	s.mu.Lock()
	started := s.run != nil && s.run.started
	s.mu.Unlock()
	// Failures during Start are reported by Start itself.
	if started && s.isActive() {
		s.fail(fmt.Errorf("%s socket failed", name))
	}
}

func (s *Session) socketError(name string, err error) {
	s.log.Debug("voice socket error", slog.String("socket", name), slog.String("error", err.Error()))
}

// Stop cancels the in-flight chat call, releases the microphone, closes
// both sockets, clears the transcript and queue and returns to Idle. It is
// safe to call in any state and more than once. A Start still connecting
// is abandoned and returns ErrStartCanceled.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending()
	}
	s.mu.Unlock()
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.mu.Lock()
	s.active = false
	r := s.run
	s.run = nil
	s.id = ""
	s.transcript.Reset()
	if s.chatCancel != nil {
		s.chatCancel()
		s.chatCancel = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.synthTimer != nil {
		s.synthTimer.Stop()
		s.synthTimer = nil
	}
	s.mu.Unlock()

	if r != nil {
		s.release(r)
	}
	s.queue.Clear()
	s.setStatus(StatusIdle)
}

func (s *Session) release(r *run) {
	r.cancel()
	if r.recording != nil {
		if err := r.recording.Close(); err != nil {
			s.log.Debug("close microphone", slog.String("error", err.Error()))
		}
	}
	if r.speech != nil {
		r.speech.close()
	}
	if r.synthesis != nil {
		r.synthesis.close()
	}
	r.wg.Wait()
}

// SetDevice selects the capture device, restarting a running session so the
// change takes effect.
func (s *Session) SetDevice(ctx context.Context, device string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	s.device = device
	active := s.active
	s.mu.Unlock()
	if !active {
		return nil
	}
	s.stop()
	return s.start(ctx)
}

// Close stops the session and shuts down playback.
func (s *Session) Close() error {
	s.Stop()
	s.queue.Close()
	return s.deps.Player.Close()
}
