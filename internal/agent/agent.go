// Package agent defines the boundary between a live voice call and whatever
// produces the assistant's replies.
//
// The two primary abstractions are:
//
//   - [Sink] — the reply surface of one call. An agent streams its answer
//     into it chunk by chunk and brackets tool-call gaps. Satisfied by
//     [voice.Session].
//   - [Responder] — consumes final user utterances and drives a Sink with
//     the reply. The chat subpackage ships a reference implementation
//     backed by streaming LLM completions; hosts embedding pkg/voice
//     directly supply their own callback instead.
//
// This package lives under internal/ because it encapsulates the daemon's
// private wiring between transcripts and replies; external integrators use
// pkg/voice on its own.
package agent

import (
	"context"

	"github.com/tartuvoice/helisild/pkg/voice"
)

// Sink is the reply surface of one active call.
//
// Implementations buffer and debounce the streamed text themselves; the
// agent only has to forward chunks in order and mark where a tool call
// interrupts the stream.
type Sink interface {
	// BeginTurn marks the start of a new assistant reply, discarding any
	// unflushed text from the previous one.
	BeginTurn()

	// AppendText streams one reply chunk into the call.
	AppendText(chunk string)

	// BeginToolCall flushes buffered text and holds the turn open while a
	// tool executes.
	BeginToolCall()

	// EndToolCall releases the turn once the tool result is in.
	EndToolCall()
}

// Compile-time check: a live call satisfies Sink.
var _ Sink = (*voice.Session)(nil)

// SinkResolver maps a session ID to the call's reply surface. It reports
// false when the session no longer exists, e.g. because the call ended
// between the utterance and the reply.
type SinkResolver func(sessionID string) (Sink, bool)

// Responder consumes one final user utterance from a call.
//
// HandleTranscript is invoked fire and forget from the session's event
// dispatch; implementations that talk to slow backends must respect ctx
// so a closing session does not strand them.
type Responder interface {
	HandleTranscript(ctx context.Context, sessionID, text string) error
}

// Func adapts a plain callback to the [Responder] interface.
type Func func(ctx context.Context, sessionID, text string) error

// HandleTranscript calls f.
func (f Func) HandleTranscript(ctx context.Context, sessionID, text string) error {
	return f(ctx, sessionID, text)
}
