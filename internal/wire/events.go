package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event types emitted by the voice backend over the realtime socket.
const (
	TypeSessionReady    = "session_ready"
	TypeIntro           = "intro"
	TypeUserSpeechStart = "user_speech_start"
	TypeUserSpeechEnd   = "user_speech_end"
	TypeTurnStart       = "turn_start"
	TypeAssistantText   = "assistant_text"
	TypeAssistantAudio  = "assistant_audio"
	TypeTurnEnd         = "turn_end"
	TypeError           = "error"
	TypeSessionEnd      = "session_end"
	TypePong            = "pong"
)

// ServerEvent is one inbound control frame. Fields are optional depending on
// Type; Seq is a pointer so "seq absent" and "seq 0" stay distinguishable.
type ServerEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	TurnID     string `json:"turnId,omitempty"`
	Text       string `json:"text,omitempty"`
	Seq        *int64 `json:"seq,omitempty"`
	AudioB64   string `json:"audioB64,omitempty"`
	Format     string `json:"format,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	LatencyMS  int64  `json:"latencyMs,omitempty"`
	TTSEnabled bool   `json:"ttsEnabled,omitempty"`
	Reason     string `json:"reason,omitempty"`
	IsIntro    bool   `json:"isIntro,omitempty"`
}

// Audio decodes the base64 audio payload, if any.
func (e ServerEvent) Audio() ([]byte, error) {
	if e.AudioB64 == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(e.AudioB64)
	if err != nil {
		return nil, fmt.Errorf("decode audioB64: %w", err)
	}
	return b, nil
}

var knownTypes = map[string]struct{}{
	TypeSessionReady:    {},
	TypeIntro:           {},
	TypeUserSpeechStart: {},
	TypeUserSpeechEnd:   {},
	TypeTurnStart:       {},
	TypeAssistantText:   {},
	TypeAssistantAudio:  {},
	TypeTurnEnd:         {},
	TypeError:           {},
	TypeSessionEnd:      {},
	TypePong:            {},
}

// DecodeServerEvent parses one JSON control frame. An empty or unknown type
// tag is an error; the caller decides whether that is fatal.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode server event: %w", err)
	}
	typ := strings.TrimSpace(ev.Type)
	if typ == "" {
		return ServerEvent{}, fmt.Errorf("server event missing type")
	}
	if _, ok := knownTypes[typ]; !ok {
		return ServerEvent{}, fmt.Errorf("unknown server event type %q", typ)
	}
	ev.Type = typ
	return ev, nil
}

// StartFrame is the first outbound frame after the socket opens. It carries
// the context that triggered the session so the backend can attach content.
type StartFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	ChatSessionID int64  `json:"chatSessionId,omitempty"`
	ContentID     string `json:"contentId,omitempty"`
	LaunchMode    string `json:"launchMode,omitempty"`
	SourceSurface string `json:"sourceSurface,omitempty"`
	SampleRateHz  int    `json:"sampleRateHz"`
	RequestIntro  bool   `json:"requestIntro,omitempty"`
}

// NewStartFrame fills the fixed type tag.
func NewStartFrame() StartFrame { return StartFrame{Type: "start"} }

// AudioFrame carries one outbound capture chunk as base64 PCM.
type AudioFrame struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq"`
	AudioB64 string `json:"audioB64"`
}

// NewAudioFrame encodes pcm into an outbound audio frame.
func NewAudioFrame(seq int64, pcm []byte) AudioFrame {
	return AudioFrame{Type: "audio", Seq: seq, AudioB64: base64.StdEncoding.EncodeToString(pcm)}
}

// Control ops accepted by the backend.
const (
	OpCancel     = "cancel"
	OpEndSession = "end_session"
	OpPing       = "ping"
)

// ControlFrame is an outbound control request.
type ControlFrame struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// NewControlFrame builds a control frame for the given op.
func NewControlFrame(op string) ControlFrame { return ControlFrame{Type: "control", Op: op} }
