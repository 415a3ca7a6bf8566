// Package wire defines the message set and framing codec used between the
// bridge and the voice sidecar process.
//
// Messages form a closed, tagged union: every message carries a "type"
// discriminator that unambiguously selects its shape, and session-scoped
// messages carry a "sessionId". Two disjoint families exist — requests the
// bridge sends to the sidecar (configure, join_voice, leave_voice, play_tts,
// interrupt, shutdown) and events the sidecar sends to the bridge (ready,
// transcript, voice_activity, voice_state).
//
// On the wire each message is one frame: a 4-byte unsigned big-endian length
// prefix followed by exactly that many bytes of UTF-8 JSON. See [Encode] and
// [Decoder].
package wire

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators. Requests flow bridge → sidecar, events flow
// sidecar → bridge.
const (
	TypeConfigure  = "configure"
	TypeJoinVoice  = "join_voice"
	TypeLeaveVoice = "leave_voice"
	TypePlayTTS    = "play_tts"
	TypeInterrupt  = "interrupt"
	TypeShutdown   = "shutdown"

	TypeReady         = "ready"
	TypeTranscript    = "transcript"
	TypeVoiceActivity = "voice_activity"
	TypeVoiceState    = "voice_state"
)

// Message is implemented by every wire message. MessageType returns the
// "type" discriminator value.
type Message interface {
	MessageType() string
}

// STTMode selects the sidecar's speech-to-text backend.
type STTMode string

const (
	// STTModeWyoming streams audio to a Wyoming-protocol STT server.
	STTModeWyoming STTMode = "wyoming"

	// STTModeSherpa runs sherpa-onnx recognition inside the sidecar using a
	// local model directory.
	STTModeSherpa STTMode = "sherpa"
)

// IsValid reports whether m is a recognized STT mode.
func (m STTMode) IsValid() bool {
	return m == STTModeWyoming || m == STTModeSherpa
}

// CallState is the sidecar-reported state of a voice call.
type CallState string

const (
	CallConnecting   CallState = "connecting"
	CallConnected    CallState = "connected"
	CallDisconnected CallState = "disconnected"
	CallFailed       CallState = "error"
)

// IsValid reports whether s is a recognized call state.
func (s CallState) IsValid() bool {
	switch s {
	case CallConnecting, CallConnected, CallDisconnected, CallFailed:
		return true
	}
	return false
}

// STTSettings configures the sidecar's speech-to-text backend. WyomingHost
// and WyomingPort apply to [STTModeWyoming]; ModelDir applies to
// [STTModeSherpa].
type STTSettings struct {
	Mode        STTMode `json:"mode"`
	WyomingHost string  `json:"wyomingHost,omitempty"`
	WyomingPort int     `json:"wyomingPort,omitempty"`
	ModelDir    string  `json:"modelDir,omitempty"`
}

// TTSSettings configures the sidecar's text-to-speech backend.
type TTSSettings struct {
	APIURL  string  `json:"apiUrl"`
	Speaker string  `json:"speaker"`
	Speed   float64 `json:"speed"`
}

// ─── Requests (bridge → sidecar) ─────────────────────────────────────────────

// Configure carries the STT/TTS settings sent once after the transport
// connects, before any voice session starts.
type Configure struct {
	Type string      `json:"type"`
	STT  STTSettings `json:"stt"`
	TTS  TTSSettings `json:"tts"`
}

// NewConfigure returns a configure request with the given settings.
func NewConfigure(stt STTSettings, tts TTSSettings) *Configure {
	return &Configure{Type: TypeConfigure, STT: stt, TTS: tts}
}

func (*Configure) MessageType() string { return TypeConfigure }

// JoinVoice asks the sidecar to join a voice channel for a new session.
type JoinVoice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	BotToken  string `json:"botToken"`
}

// NewJoinVoice returns a join_voice request for the given call.
func NewJoinVoice(sessionID, guildID, channelID, botToken string) *JoinVoice {
	return &JoinVoice{
		Type:      TypeJoinVoice,
		SessionID: sessionID,
		GuildID:   guildID,
		ChannelID: channelID,
		BotToken:  botToken,
	}
}

func (*JoinVoice) MessageType() string { return TypeJoinVoice }

// LeaveVoice asks the sidecar to leave the session's voice channel.
type LeaveVoice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewLeaveVoice returns a leave_voice request for sessionID.
func NewLeaveVoice(sessionID string) *LeaveVoice {
	return &LeaveVoice{Type: TypeLeaveVoice, SessionID: sessionID}
}

func (*LeaveVoice) MessageType() string { return TypeLeaveVoice }

// PlayTTS asks the sidecar to synthesize and play text in the session's
// channel. Interrupt requests that any currently playing audio be cut off
// first.
type PlayTTS struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// NewPlayTTS returns a play_tts request for the given text.
func NewPlayTTS(sessionID, text string, interrupt bool) *PlayTTS {
	return &PlayTTS{Type: TypePlayTTS, SessionID: sessionID, Text: text, Interrupt: interrupt}
}

func (*PlayTTS) MessageType() string { return TypePlayTTS }

// Interrupt asks the sidecar to stop any in-flight playback for the session.
type Interrupt struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewInterrupt returns an interrupt request for sessionID.
func NewInterrupt(sessionID string) *Interrupt {
	return &Interrupt{Type: TypeInterrupt, SessionID: sessionID}
}

func (*Interrupt) MessageType() string { return TypeInterrupt }

// Shutdown asks the sidecar to exit cleanly. Sent best-effort during stop.
type Shutdown struct {
	Type string `json:"type"`
}

// NewShutdown returns a shutdown request.
func NewShutdown() *Shutdown { return &Shutdown{Type: TypeShutdown} }

func (*Shutdown) MessageType() string { return TypeShutdown }

// ─── Events (sidecar → bridge) ───────────────────────────────────────────────

// Ready is sent by the sidecar once its protocol endpoint is serving.
type Ready struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

func (*Ready) MessageType() string { return TypeReady }

// Transcript carries recognized speech for a session. IsFinal marks the end
// of an utterance; interim results have IsFinal false.
type Transcript struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
}

func (*Transcript) MessageType() string { return TypeTranscript }

// VoiceActivity reports that a user started or stopped speaking in the
// session's channel. IsSpeaking true is the barge-in trigger.
type VoiceActivity struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	IsSpeaking bool   `json:"isSpeaking"`
}

func (*VoiceActivity) MessageType() string { return TypeVoiceActivity }

// VoiceState reports the sidecar's connection state for a session. Error is
// populated when State is [CallFailed].
type VoiceState struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	State     CallState `json:"state"`
	Error     string    `json:"error,omitempty"`
}

func (*VoiceState) MessageType() string { return TypeVoiceState }

// Unknown holds a syntactically valid message whose "type" value is not part
// of the protocol. Unknown messages are decode-only: dispatch drops them, but
// the drop stays observable to logging and metrics.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) MessageType() string { return u.Type }

// UnmarshalMessage decodes one JSON payload into its concrete message type.
// Payloads with an unrecognized "type" decode to [*Unknown]. A missing or
// empty "type", or a payload that is not a JSON object, is an error.
func UnmarshalMessage(payload []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("wire: unmarshal message: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("wire: message has no type discriminator")
	}

	var msg Message
	switch head.Type {
	case TypeConfigure:
		msg = &Configure{}
	case TypeJoinVoice:
		msg = &JoinVoice{}
	case TypeLeaveVoice:
		msg = &LeaveVoice{}
	case TypePlayTTS:
		msg = &PlayTTS{}
	case TypeInterrupt:
		msg = &Interrupt{}
	case TypeShutdown:
		msg = &Shutdown{}
	case TypeReady:
		msg = &Ready{}
	case TypeTranscript:
		msg = &Transcript{}
	case TypeVoiceActivity:
		msg = &VoiceActivity{}
	case TypeVoiceState:
		msg = &VoiceState{}
	default:
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		return &Unknown{Type: head.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("wire: unmarshal %s: %w", head.Type, err)
	}
	return msg, nil
}
