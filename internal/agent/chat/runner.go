// Package chat ships the reference agent for helisild: a streaming LLM
// responder backed by github.com/mozilla-ai/any-llm-go.
//
// A [Runner] keeps one conversation per session and answers every final
// transcript with a streaming completion, forwarding the model's deltas
// into the call as they arrive so speech can start before the reply is
// complete. It is what the daemon wires up for agent.mode "llm"; hosts
// that bring their own agent use pkg/voice directly and never touch this
// package.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/tartuvoice/helisild/internal/agent"
)

// defaultHistoryLimit caps the per-session conversation history. 40
// messages is 20 exchanges, plenty for a voice call while keeping prompts
// bounded.
const defaultHistoryLimit = 40

// Config carries the provider selection and wiring for a [Runner].
type Config struct {
	// Provider names the model provider: one of "openai", "anthropic",
	// "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
	// "llamafile". Must not be empty.
	Provider string

	// APIKey authenticates against the provider. When empty the provider
	// falls back to its usual environment variable (e.g. OPENAI_API_KEY).
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Leave empty
	// to use the built-in default.
	BaseURL string

	// Model selects a specific model within the provider
	// (e.g. "gpt-4o-mini"). Must not be empty.
	Model string

	// SystemPrompt is prepended to every conversation. Empty sends no
	// system message.
	SystemPrompt string

	// Resolve maps session IDs to their reply surface. Must not be nil.
	Resolve agent.SinkResolver

	// OnReply is invoked with the complete assistant reply once a stream
	// finishes, before the session's next utterance is processed. Optional;
	// the daemon uses it to archive replies.
	OnReply func(sessionID, reply string)
}

// Option is a functional option for configuring a Runner during construction.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHistoryLimit caps the per-session conversation history at n messages;
// the oldest exchanges are dropped first. Default is 40.
func WithHistoryLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// Runner is the reference [agent.Responder].
//
// Concurrent transcripts for the same session are serialised so replies
// cannot interleave on the call; distinct sessions proceed independently.
type Runner struct {
	backend      completer
	systemPrompt string
	resolve      agent.SinkResolver
	onReply      func(sessionID, reply string)
	historyLimit int
	logger       *slog.Logger
	breaker      *breaker

	mu    sync.Mutex
	convs map[string]*conversation
}

// Compile-time check: Runner satisfies the responder boundary.
var _ agent.Responder = (*Runner)(nil)

// conversation is one session's history, with its own lock so a slow model
// call on one session does not stall the others.
type conversation struct {
	mu       sync.Mutex
	messages []anyllmlib.Message
}

// New constructs a Runner for the given provider configuration.
//
// Errors are prefixed with "chat: ".
func New(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.Provider == "" {
		return nil, errors.New("chat: provider must not be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("chat: model must not be empty")
	}
	if cfg.Resolve == nil {
		return nil, errors.New("chat: resolver must not be nil")
	}

	backend, err := newCompleter(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		backend:      backend,
		systemPrompt: cfg.SystemPrompt,
		resolve:      cfg.Resolve,
		onReply:      cfg.OnReply,
		historyLimit: defaultHistoryLimit,
		logger:       slog.Default(),
		convs:        map[string]*conversation{},
	}
	for _, o := range opts {
		o(r)
	}
	r.breaker = newBreaker(breakerTrip, breakerCooldown, r.logger)
	return r, nil
}

// HandleTranscript implements [agent.Responder]. It appends the utterance
// to the session's conversation, streams a completion, and forwards each
// delta into the call via [agent.Sink.AppendText].
//
// When the stream fails midway the chunks already forwarded were spoken
// regardless, so the partial reply is still recorded in the history to keep
// it aligned with what the caller heard. After repeated provider failures
// turns return [ErrCoolingDown] without calling the model.
func (r *Runner) HandleTranscript(ctx context.Context, sessionID, text string) error {
	sink, ok := r.resolve(sessionID)
	if !ok {
		r.logger.Debug("dropping transcript for ended session",
			"session_id", sessionID)
		return nil
	}

	conv := r.conversation(sessionID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	// Check context after acquiring the lock (we may have waited behind a
	// previous turn).
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := r.breaker.allow(); err != nil {
		return err
	}

	userMsg := anyllmlib.Message{Role: "user", Content: text}

	ch, err := r.backend.stream(ctx, r.buildMessages(conv, userMsg))
	if err != nil {
		err = fmt.Errorf("chat: start stream: %w", err)
		r.breaker.record(err)
		return err
	}

	sink.BeginTurn()

	var reply strings.Builder
	var streamErr error
	for c := range ch {
		if c.err != nil {
			streamErr = fmt.Errorf("chat: stream: %w", c.err)
			break
		}
		sink.AppendText(c.text)
		reply.WriteString(c.text)
	}
	if streamErr == nil {
		if err := ctx.Err(); err != nil {
			streamErr = fmt.Errorf("chat: %w", err)
		}
	}

	r.recordExchange(conv, userMsg, reply.String(), sessionID)
	r.breaker.record(streamErr)
	return streamErr
}

// Forget drops a session's conversation history. The daemon calls it when
// a call ends so history does not leak across joins of the same channel.
func (r *Runner) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, sessionID)
}

// conversation returns the session's history, creating it on first use.
func (r *Runner) conversation(sessionID string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[sessionID]
	if !ok {
		conv = &conversation{}
		r.convs[sessionID] = conv
	}
	return conv
}

// buildMessages assembles system prompt, history, and the new utterance
// into the message set for one completion. conv.mu must be held.
func (r *Runner) buildMessages(conv *conversation, userMsg anyllmlib.Message) []anyllmlib.Message {
	msgs := make([]anyllmlib.Message, 0, len(conv.messages)+2)
	if r.systemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: r.systemPrompt,
		})
	}
	msgs = append(msgs, conv.messages...)
	return append(msgs, userMsg)
}

// recordExchange appends the turn to the history, trims it to the limit,
// and notifies the reply observer. An empty reply still records the user's
// utterance so the model sees it next turn. conv.mu must be held.
func (r *Runner) recordExchange(conv *conversation, userMsg anyllmlib.Message, reply, sessionID string) {
	conv.messages = append(conv.messages, userMsg)
	if reply != "" {
		conv.messages = append(conv.messages, anyllmlib.Message{
			Role:    "assistant",
			Content: reply,
		})
	}
	if over := len(conv.messages) - r.historyLimit; over > 0 {
		conv.messages = conv.messages[over:]
	}

	if r.onReply != nil && reply != "" {
		r.onReply(sessionID, reply)
	}
}
