package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loqalabs/loqa-link/internal/audio"
	"github.com/loqalabs/loqa-link/internal/conn"
	"github.com/loqalabs/loqa-link/internal/conn/conntest"
	"github.com/loqalabs/loqa-link/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type routeDialer struct {
	speech, synthesis *conntest.Dialer
}

func (d routeDialer) Dial(ctx context.Context, url string, h http.Header) (conn.Transport, error) {
	if strings.Contains(url, "api-key=") {
		return d.speech.Dial(ctx, url, h)
	}
	return d.synthesis.Dial(ctx, url, h)
}

type fakeRecording struct {
	frames chan []byte
	once   sync.Once
}

func (r *fakeRecording) Frames() <-chan []byte { return r.frames }
func (r *fakeRecording) Close() error {
	r.once.Do(func() { close(r.frames) })
	return nil
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	starts  int
	devices []string
	device  string
}

func (c *fakeCapture) SetDevice(d string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = d
}

func (c *fakeCapture) Start(context.Context) (audio.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.starts++
	c.devices = append(c.devices, c.device)
	return &fakeRecording{frames: make(chan []byte, 4)}, nil
}

type scriptedChat struct {
	chunks []string
	err    error
	block  bool
}

func (c scriptedChat) Send(ctx context.Context, _, _ string, onChunk func(string), onError func(error)) error {
	if c.block {
		<-ctx.Done()
		onError(ctx.Err())
		return nil
	}
	for _, ch := range c.chunks {
		onChunk(ch)
	}
	if c.err != nil {
		onError(c.err)
	}
	return nil
}

type countingPlayer struct {
	mu     sync.Mutex
	played int
}

func (p *countingPlayer) Play(context.Context, []byte) error {
	time.Sleep(5 * time.Millisecond)
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return nil
}

func (p *countingPlayer) Close() error { return nil }

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
	turns    []Turn
}

func (l *statusLog) callbacks() Callbacks {
	return Callbacks{
		OnStatus: func(s Status) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.statuses = append(l.statuses, s)
		},
		OnError: func(err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errs = append(l.errs, err)
		},
		OnTurn: func(t Turn) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.turns = append(l.turns, t)
		},
	}
}

func (l *statusLog) seen(s Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.statuses {
		if x == s {
			return true
		}
	}
	return false
}

type harness struct {
	sess    *Session
	dialer  routeDialer
	capture *fakeCapture
	player  *countingPlayer
	log     *statusLog
}

func testOptions(d conn.Dialer) Options {
	return Options{
		DeviceID:         "device-1",
		SpeechEndpoint:   "https://example.openai.azure.com/openai/realtime?deployment=gpt",
		SpeechAPIKey:     "key",
		Session:          protocol.SpeechSession{Modalities: []string{"audio", "text"}, Voice: "alloy"},
		SynthesisBaseURL: "wss://synth.example/v1/text-to-speech",
		SynthesisAPIKey:  "xi",
		VoiceID:          "21m00Tcm4TlvDq8ikWAM",
		OutputFormat:     "pcm_16000",
		ConnectTimeout:   time.Second,
		DrainGrace:       20 * time.Millisecond,
		SynthesisTimeout: time.Second,
		LevelInterval:    10 * time.Millisecond,
		Dialer:           d,
	}
}

func newHarness(t *testing.T, chat Chat, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dialer:  routeDialer{speech: &conntest.Dialer{}, synthesis: &conntest.Dialer{}},
		capture: &fakeCapture{},
		player:  &countingPlayer{},
		log:     &statusLog{},
	}
	opts := testOptions(h.dialer)
	if mutate != nil {
		mutate(&opts)
	}
	sess, err := NewSession(context.Background(), opts, Dependencies{
		Chat:    chat,
		Capture: h.capture,
		Player:  h.player,
	}, h.log.callbacks(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	h.sess = sess
	t.Cleanup(func() { _ = sess.Close() })
	return h
}

func textFrames(t *conntest.Transport) []string {
	var out []string
	for _, f := range t.Written() {
		if f.Type == websocket.TextMessage {
			out = append(out, string(f.Data))
		}
	}
	return out
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t, scriptedChat{chunks: []string{"Hello ", "world"}}, nil)
	require.NoError(t, h.sess.Start(context.Background()))
	require.Equal(t, StatusListening, h.sess.Status())

	speech := h.dialer.speech.Last()
	synth := h.dialer.synthesis.Last()
	require.NotNil(t, speech)
	require.NotNil(t, synth)

	var update protocol.SessionUpdate
	require.NoError(t, json.Unmarshal(speech.Written()[0].Data, &update))
	require.Equal(t, protocol.SpeechSessionUpdate, update.Type)
	require.Contains(t, textFrames(synth)[0], `"voice_settings"`)

	speech.DeliverText(`{"type":"response.audio_transcript.delta","delta":"list "}`)
	speech.DeliverText(`{"type":"response.audio_transcript.delta","delta":"files"}`)
	speech.DeliverText(`{"type":"response.audio_transcript.done"}`)

	require.Eventually(t, func() bool { return len(textFrames(synth)) == 4 }, time.Second, 5*time.Millisecond)
	frames := textFrames(synth)
	require.JSONEq(t, `{"text":"Hello "}`, frames[1])
	require.JSONEq(t, `{"text":"world"}`, frames[2])
	require.JSONEq(t, `{"text":"","flush":true}`, frames[3])
	require.True(t, h.log.seen(StatusProcessing))

	synth.Deliver(websocket.BinaryMessage, []byte{1, 0, 2, 0})
	synth.DeliverText(`{"audio":"AwAEAA==","isFinal":false}`)

	require.Eventually(t, func() bool { return h.log.seen(StatusSpeaking) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sess.Status() == StatusListening }, time.Second, 5*time.Millisecond)
	h.player.mu.Lock()
	require.Equal(t, 2, h.player.played)
	h.player.mu.Unlock()

	h.log.mu.Lock()
	require.Len(t, h.log.turns, 1)
	require.Equal(t, "list files", h.log.turns[0].Transcript)
	require.Equal(t, "Hello world", h.log.turns[0].Reply)
	h.log.mu.Unlock()

	h.sess.Stop()
	require.Equal(t, StatusIdle, h.sess.Status())
	require.True(t, speech.Closed())
	require.Equal(t, conn.CloseNormal, speech.CloseCode())
	require.True(t, synth.Closed())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	h.sess.Stop()
	h.sess.Stop()
	require.Equal(t, StatusIdle, h.sess.Status())

	require.NoError(t, h.sess.Start(context.Background()))
	h.sess.Stop()
	h.sess.Stop()
	require.Equal(t, StatusIdle, h.sess.Status())
}

func TestStartWithoutCredentials(t *testing.T) {
	h := newHarness(t, scriptedChat{}, func(o *Options) { o.SpeechAPIKey = "" })
	err := h.sess.Start(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Equal(t, StatusError, h.sess.Status())
	require.Zero(t, h.dialer.speech.Dials())
	h.sess.Stop()
	require.Equal(t, StatusIdle, h.sess.Status())
}

func TestStartRejectsAPIKeyAsVoiceID(t *testing.T) {
	h := newHarness(t, scriptedChat{}, func(o *Options) { o.VoiceID = "sk_abcdef" })
	require.ErrorIs(t, h.sess.Start(context.Background()), ErrInvalidVoiceID)
}

func TestMicrophoneFailure(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	h.capture.err = audio.ErrCaptureUnavailable
	err := h.sess.Start(context.Background())
	require.ErrorIs(t, err, audio.ErrCaptureUnavailable)
	require.Equal(t, StatusError, h.sess.Status())
	require.Zero(t, h.dialer.speech.Dials())
}

func TestSpeechAuthFailureSurfaces(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	h.dialer.speech.Err = &conn.DialError{StatusCode: http.StatusUnauthorized, Err: errors.New("bad handshake")}
	require.Error(t, h.sess.Start(context.Background()))
	require.Equal(t, StatusError, h.sess.Status())
	require.Equal(t, 1, h.dialer.speech.Dials())

	// A later Start tries again.
	h.dialer.speech.Err = nil
	require.NoError(t, h.sess.Start(context.Background()))
	require.Equal(t, StatusListening, h.sess.Status())
}

func TestChatErrorMovesToError(t *testing.T) {
	h := newHarness(t, scriptedChat{err: errors.New("The service is temporarily unavailable. Please try again in a moment.")}, nil)
	require.NoError(t, h.sess.Start(context.Background()))
	speech := h.dialer.speech.Last()
	speech.DeliverText(`{"type":"response.audio_transcript.delta","delta":"hi"}`)
	speech.DeliverText(`{"type":"response.audio_transcript.done"}`)

	require.Eventually(t, func() bool { return h.sess.Status() == StatusError }, time.Second, 5*time.Millisecond)
	h.log.mu.Lock()
	require.NotEmpty(t, h.log.errs)
	h.log.mu.Unlock()
}

func TestStopCancelsInFlightChat(t *testing.T) {
	h := newHarness(t, scriptedChat{block: true}, nil)
	require.NoError(t, h.sess.Start(context.Background()))
	speech := h.dialer.speech.Last()
	speech.DeliverText(`{"type":"response.audio_transcript.delta","delta":"hi"}`)
	speech.DeliverText(`{"type":"response.audio_transcript.done"}`)
	require.Eventually(t, func() bool { return h.sess.Status() == StatusProcessing }, time.Second, 5*time.Millisecond)

	h.sess.Stop()
	require.Equal(t, StatusIdle, h.sess.Status())
	h.log.mu.Lock()
	require.Empty(t, h.log.errs)
	h.log.mu.Unlock()
}

func TestEmptyTranscriptIsIgnored(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	require.NoError(t, h.sess.Start(context.Background()))
	speech := h.dialer.speech.Last()
	speech.DeliverText(`not json`)
	speech.DeliverText(`{"type":"response.audio_transcript.done"}`)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatusListening, h.sess.Status())
}

func TestSpeechErrorEvent(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	require.NoError(t, h.sess.Start(context.Background()))
	h.dialer.speech.Last().DeliverText(`{"type":"error","error":{"message":"rate limited"}}`)
	require.Eventually(t, func() bool { return h.sess.Status() == StatusError }, time.Second, 5*time.Millisecond)
	h.log.mu.Lock()
	require.EqualError(t, h.log.errs[0], "rate limited")
	h.log.mu.Unlock()
}

func TestSetDeviceRestartsActiveSession(t *testing.T) {
	h := newHarness(t, scriptedChat{}, nil)
	require.NoError(t, h.sess.SetDevice(context.Background(), "hw:1"))
	require.Zero(t, h.capture.starts)

	require.NoError(t, h.sess.Start(context.Background()))
	require.NoError(t, h.sess.SetDevice(context.Background(), "hw:2"))
	require.Equal(t, StatusListening, h.sess.Status())
	require.Equal(t, []string{"hw:1", "hw:2"}, h.capture.devices)
	require.Equal(t, 2, h.dialer.speech.Dials())
}

func TestSpeechReconnectsAfterAbnormalClose(t *testing.T) {
	h := newHarness(t, scriptedChat{}, func(o *Options) { o.SpeechReconnect = 10 * time.Millisecond })
	require.NoError(t, h.sess.Start(context.Background()))

	for i := 0; i < 8; i++ {
		prev := h.dialer.speech.Last()
		prev.ServerClose(conn.CloseAbnormal)
		require.Eventually(t, func() bool {
			next := h.dialer.speech.Last()
			return next != prev && len(next.Written()) > 0
		}, time.Second, 5*time.Millisecond)

		var update protocol.SessionUpdate
		require.NoError(t, json.Unmarshal(h.dialer.speech.Last().Written()[0].Data, &update))
		require.Equal(t, protocol.SpeechSessionUpdate, update.Type)
	}
	require.Equal(t, 9, h.dialer.speech.Dials())
	require.Equal(t, StatusListening, h.sess.Status())
	h.log.mu.Lock()
	require.Empty(t, h.log.errs)
	h.log.mu.Unlock()
}

func TestSynthesisAuthFailureOnReconnectStops(t *testing.T) {
	h := newHarness(t, scriptedChat{}, func(o *Options) { o.SynthesisReconnect = 10 * time.Millisecond })
	require.NoError(t, h.sess.Start(context.Background()))

	h.dialer.synthesis.Err = &conn.DialError{StatusCode: http.StatusForbidden, Err: errors.New("bad handshake")}
	h.dialer.synthesis.Last().ServerClose(conn.CloseAbnormal)

	require.Eventually(t, func() bool { return h.sess.Status() == StatusError }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, h.dialer.synthesis.Dials())
	require.Equal(t, StatusError, h.sess.Status())
	h.log.mu.Lock()
	require.NotEmpty(t, h.log.errs)
	require.EqualError(t, h.log.errs[0], "synthesis socket failed")
	h.log.mu.Unlock()
}

func TestStopAbandonsPendingStart(t *testing.T) {
	h := newHarness(t, scriptedChat{}, func(o *Options) { o.ConnectTimeout = 10 * time.Second })
	h.dialer.synthesis.Next = func(ctx context.Context, _ int) (conn.Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- h.sess.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.dialer.synthesis.Dials() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		h.sess.Stop()
		close(stopped)
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStartCanceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	require.Equal(t, StatusIdle, h.sess.Status())
	require.Empty(t, h.sess.ID())
	h.log.mu.Lock()
	require.Empty(t, h.log.errs)
	h.log.mu.Unlock()
}
