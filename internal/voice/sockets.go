package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-link/internal/conn"
	"github.com/loqalabs/loqa-link/internal/protocol"
)

// Handshake status codes and close codes after which a voice socket gives
// up instead of retrying.
var authFailure = conn.CodeSet(
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	conn.ClosePolicyViolation,
)

func voiceLimits() conn.Limits {
	return conn.Limits{
		Terminal: conn.CodeSet(conn.CloseNormal, conn.CloseGoingAway),
		Fatal:    authFailure,
	}
}

type socketHooks struct {
	onStatus func(name string, prev, next conn.State)
	onError  func(name string, err error)
}

// speechSocket streams microphone audio up and transcript events down.
type speechSocket struct {
	mgr *conn.Manager
	log *slog.Logger
}

func newSpeechSocket(ctx context.Context, url string, session protocol.SpeechSession, reconnect time.Duration, dialer conn.Dialer,
	onEvent func(protocol.SpeechEvent), hooks socketHooks, log *slog.Logger) *speechSocket {
	s := &speechSocket{log: log.With(slog.String("socket", "speech"))}
	update, _ := json.Marshal(protocol.SessionUpdate{Type: protocol.SpeechSessionUpdate, Session: session})
	s.mgr = conn.NewManager(ctx, conn.Options{
		Name:       "speech",
		Logger:     log,
		Dialer:     dialer,
		ResolveURL: func(context.Context) (string, error) { return url, nil },
		Limits:     voiceLimits(),
		BackOff:    conn.ConstantBackOff(reconnect),
		OnOpen: func(t conn.Transport) error {
			return t.WriteMessage(websocket.TextMessage, update)
		},
		OnMessage: func(messageType int, data []byte) {
			if messageType != websocket.TextMessage {
				return
			}
			var ev protocol.SpeechEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				s.log.Debug("dropping malformed speech event", slog.String("error", err.Error()))
				return
			}
			onEvent(ev)
		},
		OnStatus: func(prev, next conn.State) { hooks.onStatus("speech", prev, next) },
		OnError:  func(err error) { hooks.onError("speech", err) },
	})
	return s
}

func (s *speechSocket) connect(ctx context.Context) error {
	return s.mgr.ConnectWait(ctx)
}

// appendAudio uploads one PCM16 frame. Frames are dropped while the socket
// is reconnecting.
func (s *speechSocket) appendAudio(pcm []byte) bool {
	frame, err := json.Marshal(protocol.AudioAppend{
		Type:  protocol.SpeechAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return false
	}
	return s.mgr.Send(frame)
}

func (s *speechSocket) close() { s.mgr.Close() }

// synthesisSocket sends reply text and receives PCM audio, either as binary
// frames or as base64 inside JSON frames.
type synthesisSocket struct {
	mgr *conn.Manager
	log *slog.Logger
}

type synthesisConfig struct {
	url             string
	apiKey          string
	stability       float64
	similarityBoost float64
	reconnect       time.Duration
}

func newSynthesisSocket(ctx context.Context, cfg synthesisConfig, dialer conn.Dialer,
	onAudio func([]byte), onFailure func(error), hooks socketHooks, log *slog.Logger) *synthesisSocket {
	s := &synthesisSocket{log: log.With(slog.String("socket", "synthesis"))}
	init, _ := json.Marshal(protocol.SynthesisInit{
		Text: " ",
		VoiceSettings: protocol.VoiceSettings{
			Stability:       cfg.stability,
			SimilarityBoost: cfg.similarityBoost,
		},
	})
	apiKey := cfg.apiKey
	url := cfg.url
	s.mgr = conn.NewManager(ctx, conn.Options{
		Name:       "synthesis",
		Logger:     log,
		Dialer:     dialer,
		ResolveURL: func(context.Context) (string, error) { return url, nil },
		Header: func() http.Header {
			h := http.Header{}
			if apiKey != "" {
				h.Set("xi-api-key", apiKey)
			}
			return h
		},
		Limits:  voiceLimits(),
		BackOff: conn.ConstantBackOff(cfg.reconnect),
		OnOpen: func(t conn.Transport) error {
			return t.WriteMessage(websocket.TextMessage, init)
		},
		OnMessage: func(messageType int, data []byte) {
			if messageType == websocket.BinaryMessage {
				onAudio(data)
				return
			}
			var frame protocol.SynthesisAudio
			if err := json.Unmarshal(data, &frame); err != nil {
				s.log.Debug("dropping malformed synthesis frame", slog.String("error", err.Error()))
				return
			}
			if frame.Error != "" {
				msg := frame.Message
				if msg == "" {
					msg = frame.Error
				}
				onFailure(errors.New("synthesis error: " + msg))
				return
			}
			if frame.Audio == "" {
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				s.log.Debug("dropping undecodable synthesis audio", slog.String("error", err.Error()))
				return
			}
			onAudio(pcm)
		},
		OnStatus: func(prev, next conn.State) { hooks.onStatus("synthesis", prev, next) },
		OnError:  func(err error) { hooks.onError("synthesis", err) },
	})
	return s
}

func (s *synthesisSocket) connect(ctx context.Context) error {
	return s.mgr.ConnectWait(ctx)
}

func (s *synthesisSocket) sendText(text string) bool {
	if text == "" {
		return false
	}
	frame, _ := json.Marshal(protocol.SynthesisText{Text: text})
	return s.mgr.Send(frame)
}

// flush asks the synthesizer to render whatever text it still buffers.
func (s *synthesisSocket) flush() bool {
	frame, _ := json.Marshal(protocol.SynthesisText{Text: "", Flush: true})
	return s.mgr.Send(frame)
}

func (s *synthesisSocket) close() { s.mgr.Close() }
