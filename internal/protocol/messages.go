package protocol

import (
	"encoding/json"
	"time"
)

// RelayMessage is an outbound relay frame. Extra fields are merged into the
// top-level JSON object.
type RelayMessage struct {
	Action    string         `json:"action,omitempty"`
	ID        string         `json:"id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	AuthToken string         `json:"auth_token,omitempty"`
	Extra     map[string]any `json:"-"`
}

func (m RelayMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Action != "" {
		out["action"] = m.Action
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.DeviceID != "" {
		out["device_id"] = m.DeviceID
	}
	if m.AuthToken != "" {
		out["auth_token"] = m.AuthToken
	}
	return json.Marshal(out)
}

// Handshake is the first frame sent after the relay socket opens.
type Handshake struct {
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"auth_token"`
}

// Ping is the relay keepalive frame.
type Ping struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id"`
}

// RelayResponse is an inbound relay frame. Data is decoded lazily because
// non-intent frames may carry any JSON value there.
type RelayResponse struct {
	Action    string          `json:"action,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type IntentData struct {
	ToolID     string `json:"tool_id,omitempty"`
	UserIntent string `json:"user_intent,omitempty"`
}

// Intent returns the tool fields of Data. Non-object payloads yield a zero value.
func (r RelayResponse) Intent() IntentData {
	var data IntentData
	if len(r.Data) == 0 {
		return data
	}
	_ = json.Unmarshal(r.Data, &data)
	return data
}

// IsIntent reports whether the frame requests a tool invocation.
func (r RelayResponse) IsIntent() bool {
	if r.Type == TypeIntent {
		return true
	}
	data := r.Intent()
	return data.ToolID != "" || data.UserIntent != ""
}

// ToolReply answers exactly one intent.
type ToolReply struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	TargetID  string `json:"target_id"`
	Data      string `json:"data"`
}

const (
	TypeIntent   = "intent"
	TypeResponse = "response"
	ActionPing   = "ping"

	// DefaultReplyTarget is the relay's system sink for tool replies.
	DefaultReplyTarget = "system_sender"
)

// Realtime speech events.
const (
	SpeechSessionUpdate     = "session.update"
	SpeechAudioAppend       = "input_audio_buffer.append"
	SpeechTranscriptDelta   = "response.audio_transcript.delta"
	SpeechTranscriptDone    = "response.audio_transcript.done"
	SpeechEventError        = "error"
	SpeechSessionCreated    = "session.created"
	SpeechInputTranscribed  = "conversation.item.input_audio_transcription.completed"
	SpeechTurnDetectionMode = "server_vad"
)

// SpeechEvent is the envelope shared by every realtime speech server event.
type SpeechEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *SpeechError `json:"error,omitempty"`
}

type SpeechError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SpeechSession `json:"session"`
}

type SpeechSession struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionSpec `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection     `json:"turn_detection,omitempty"`
}

type TranscriptionSpec struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SynthesisText feeds text to the synthesis socket. Flush forces the
// remaining buffered text to be rendered.
type SynthesisText struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type SynthesisInit struct {
	Text          string         `json:"text"`
	VoiceSettings VoiceSettings  `json:"voice_settings"`
	XIAPIKey      string         `json:"xi_api_key,omitempty"`
	Generation    map[string]any `json:"generation_config,omitempty"`
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// SynthesisAudio is a JSON synthesis frame. Audio is base64 PCM.
type SynthesisAudio struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Bus subjects mirrored from the relay and voice pipeline.
const (
	SubjectRelayFrame  = "relay.frame"
	SubjectRelayStatus = "relay.status"
	SubjectToolReply   = "tools.reply"
	SubjectVoiceStatus = "voice.status"
	SubjectTranscript  = "voice.transcript"
	SubjectNotify      = "tools.notify"
)

// StatusEvent is published whenever a channel changes state.
type StatusEvent struct {
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a finished user utterance.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
