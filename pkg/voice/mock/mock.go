// Package mock provides a test double for the voice.SidecarClient interface.
//
// Use Sidecar to capture the requests a session sends and to inject
// transcript, activity and state events as if they arrived from a live
// sidecar connection:
//
//	sc := &mock.Sidecar{}
//	sess, _ := voice.NewSession(voice.SessionConfig{ID: "s1", Client: sc})
//	sc.EmitTranscript(wire.Transcript{SessionID: "s1", Text: "Tere", IsFinal: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/tartuvoice/helisild/pkg/voice"
	"github.com/tartuvoice/helisild/pkg/wire"
)

// SendCall records a single invocation of Send.
type SendCall struct {
	// Ctx is the context passed to Send.
	Ctx context.Context
	// Msg is the message passed to Send.
	Msg wire.Message
}

// Sidecar is a mock implementation of voice.SidecarClient.
type Sidecar struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SendErr, if non-nil, is returned from every Send call.
	SendErr error

	// PlayErrs is consumed one entry per play_tts Send; a non-nil entry is
	// returned for that call. Entries override SendErr.
	PlayErrs []error

	// SendDelay, if non-zero, makes every Send sleep before returning. Use
	// it to hold the speech drain busy while a test queues further items.
	SendDelay time.Duration

	// SendNotify, if non-nil, receives every sent message after it was
	// recorded. Delivery is non-blocking; size the channel for the test.
	SendNotify chan wire.Message

	// --- Call records ---

	// SendCalls records every call to Send in order.
	SendCalls []SendCall

	transcriptHandlers []func(wire.Transcript)
	activityHandlers   []func(wire.VoiceActivity)
	stateHandlers      []func(wire.VoiceState)
}

// Send records the call and returns the configured error, if any.
func (s *Sidecar) Send(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	s.SendCalls = append(s.SendCalls, SendCall{Ctx: ctx, Msg: msg})
	err := s.SendErr
	if msg.MessageType() == wire.TypePlayTTS && len(s.PlayErrs) > 0 {
		err = s.PlayErrs[0]
		s.PlayErrs = s.PlayErrs[1:]
	}
	delay := s.SendDelay
	notify := s.SendNotify
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if notify != nil {
		select {
		case notify <- msg:
		default:
		}
	}
	return err
}

// OnTranscript registers fn for emitted transcripts. The returned func is a
// no-op unsubscribe.
func (s *Sidecar) OnTranscript(fn func(wire.Transcript)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptHandlers = append(s.transcriptHandlers, fn)
	return func() {}
}

// OnVoiceActivity registers fn for emitted activity events.
func (s *Sidecar) OnVoiceActivity(fn func(wire.VoiceActivity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityHandlers = append(s.activityHandlers, fn)
	return func() {}
}

// OnVoiceState registers fn for emitted state events.
func (s *Sidecar) OnVoiceState(fn func(wire.VoiceState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandlers = append(s.stateHandlers, fn)
	return func() {}
}

// EmitTranscript delivers ev to all transcript handlers, synchronously on
// the caller's goroutine like a real connection dispatch.
func (s *Sidecar) EmitTranscript(ev wire.Transcript) {
	s.mu.Lock()
	handlers := append([]func(wire.Transcript){}, s.transcriptHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// EmitVoiceActivity delivers ev to all activity handlers.
func (s *Sidecar) EmitVoiceActivity(ev wire.VoiceActivity) {
	s.mu.Lock()
	handlers := append([]func(wire.VoiceActivity){}, s.activityHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// EmitVoiceState delivers ev to all state handlers.
func (s *Sidecar) EmitVoiceState(ev wire.VoiceState) {
	s.mu.Lock()
	handlers := append([]func(wire.VoiceState){}, s.stateHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Sent returns a copy of all messages passed to Send so far.
func (s *Sidecar) Sent() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]wire.Message, len(s.SendCalls))
	for i, c := range s.SendCalls {
		msgs[i] = c.Msg
	}
	return msgs
}

// PlayedTexts returns the text of every play_tts message sent so far, in
// order.
func (s *Sidecar) PlayedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var texts []string
	for _, c := range s.SendCalls {
		if m, ok := c.Msg.(*wire.PlayTTS); ok {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

// InterruptCount returns the number of interrupt messages sent for the given
// session.
func (s *Sidecar) InterruptCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendCalls {
		if m, ok := c.Msg.(*wire.Interrupt); ok && m.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls. Thread-safe.
func (s *Sidecar) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
}

// Ensure Sidecar implements voice.SidecarClient at compile time.
var _ voice.SidecarClient = (*Sidecar)(nil)
