// Package voice orchestrates per-call speech sessions on top of the sidecar
// protocol.
//
// A [Session] turns an agent's streamed reply into natural speech: text
// chunks accumulate in a buffer that flushes on sentence boundaries or after
// a short debounce, flushed sentences drain through a strictly serial speech
// queue, and detected user speech barges in by clearing the queue and
// interrupting playback. A [Manager] tracks the sessions of all active calls
// and multiplexes them over one sidecar connection by session id.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tartuvoice/helisild/pkg/wire"
)

const (
	// defaultDebounce bounds the latency of partial sentences that never
	// reach a terminator.
	defaultDebounce = 2000 * time.Millisecond
	// defaultMinFlush is the buffer length a terminated sentence must
	// exceed to flush without waiting for the debounce.
	defaultMinFlush = 20
	// speechSendTimeout bounds a single speech request write.
	speechSendTimeout = 10 * time.Second
	// interruptTimeout bounds the best-effort interrupt write.
	interruptTimeout = 2 * time.Second
)

// SidecarClient is the slice of the sidecar supervisor a session needs:
// sending requests and subscribing to call events. Subscriptions survive a
// sidecar restart, so sessions stay wired across process replacements.
type SidecarClient interface {
	Send(ctx context.Context, msg wire.Message) error
	OnTranscript(fn func(wire.Transcript)) func()
	OnVoiceActivity(fn func(wire.VoiceActivity)) func()
	OnVoiceState(fn func(wire.VoiceState)) func()
}

// Stats receives session-level counters. Implementations must be safe for
// concurrent use and must not block.
type Stats interface {
	SpeechStarted()
	SpeechFinished(d time.Duration, err error)
	QueueDepth(delta int)
	BargeIn()
	FinalTranscript()
}

type nopStats struct{}

func (nopStats) SpeechStarted()                      {}
func (nopStats) SpeechFinished(time.Duration, error) {}
func (nopStats) QueueDepth(int)                      {}
func (nopStats) BargeIn()                            {}
func (nopStats) FinalTranscript()                    {}

// Option customizes a Session. Options passed to a Manager apply to every
// session it creates.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStats wires session counters.
func WithStats(st Stats) Option {
	return func(s *Session) {
		if st != nil {
			s.stats = st
		}
	}
}

// WithDebounce overrides the buffer debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithMinFlush overrides the minimum buffered length, in runes, a
// terminated sentence must exceed to flush without waiting for the
// debounce.
func WithMinFlush(runes int) Option {
	return func(s *Session) {
		if runes > 0 {
			s.minFlush = runes
		}
	}
}

// WithStopPhrases installs a matcher whose hits barge in and are withheld
// from the agent.
func WithStopPhrases(m *PhraseMatcher) Option {
	return func(s *Session) {
		if m != nil && !m.Empty() {
			s.phrases = m
		}
	}
}

// SessionConfig identifies the call a Session speaks for.
type SessionConfig struct {
	// ID is the session identifier multiplexing this call on the shared
	// connection.
	ID string
	// GuildID and ChannelID locate the voice channel.
	GuildID   string
	ChannelID string
	// BotToken authenticates the sidecar's own gateway connection.
	BotToken string

	// Client is the sidecar connection shared by all sessions.
	Client SidecarClient

	// OnFinalTranscript is invoked, fire and forget, for every final
	// transcript that is not a stop phrase. May be nil.
	OnFinalTranscript func(ctx context.Context, text string) error
}

// Session orchestrates speech for one voice call. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	guildID   string
	channelID string
	botToken  string

	client  SidecarClient
	onFinal func(ctx context.Context, text string) error

	log      *slog.Logger
	stats    Stats
	debounce time.Duration
	minFlush int

	mu       sync.Mutex
	phrases  *PhraseMatcher
	started  bool
	stopped  bool
	buf      strings.Builder
	busy     bool
	timer    *time.Timer
	timerGen uint64
	queue    []string
	draining bool

	callState wire.CallState
	callErr   string

	unsubTranscript func()
	unsubActivity   func()
	unsubState      func()
}

// NewSession builds a Session for one call. The session is inert until
// Start.
func NewSession(cfg SessionConfig, opts ...Option) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("voice: session id must not be empty")
	}
	if cfg.Client == nil {
		return nil, errors.New("voice: sidecar client must not be nil")
	}
	s := &Session{
		id:        cfg.ID,
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		botToken:  cfg.BotToken,
		client:    cfg.Client,
		onFinal:   cfg.OnFinalTranscript,
		log:       slog.Default(),
		stats:     nopStats{},
		debounce:  defaultDebounce,
		minFlush:  defaultMinFlush,
		callState: wire.CallConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", s.id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// GuildID returns the guild of the session's voice channel.
func (s *Session) GuildID() string { return s.guildID }

// ChannelID returns the session's voice channel.
func (s *Session) ChannelID() string { return s.channelID }

// Busy reports whether a tool call is in flight for this session. The flag
// is advisory: agent logic consults it to hold narration, the session itself
// keeps flushing regardless.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// QueueLen returns the number of queued, not yet spoken items.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CallState returns the last call state reported by the sidecar and, for
// failed calls, its error text.
func (s *Session) CallState() (wire.CallState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callState, s.callErr
}

// Start subscribes to the session's events and asks the sidecar to join the
// voice channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("voice: session already stopped")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("voice: session already started")
	}
	s.started = true
	s.mu.Unlock()

	s.unsubTranscript = s.client.OnTranscript(s.handleTranscript)
	s.unsubActivity = s.client.OnVoiceActivity(s.handleActivity)
	s.unsubState = s.client.OnVoiceState(s.handleVoiceState)

	if err := s.client.Send(ctx, wire.NewJoinVoice(s.id, s.guildID, s.channelID, s.botToken)); err != nil {
		s.unsubscribe()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("joining voice channel %s: %w", s.channelID, err)
	}
	return nil
}

// Rejoin re-issues the join request after a sidecar restart. Event
// subscriptions are still in place, so this is all a live session needs to
// resume.
func (s *Session) Rejoin(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("voice: session not running")
	}
	s.callState = wire.CallConnecting
	s.callErr = ""
	s.mu.Unlock()

	if err := s.client.Send(ctx, wire.NewJoinVoice(s.id, s.guildID, s.channelID, s.botToken)); err != nil {
		return fmt.Errorf("rejoining voice channel %s: %w", s.channelID, err)
	}
	return nil
}

// Stop cancels the pending debounce timer, drops queued speech and asks the
// sidecar to leave the channel. Safe to call multiple times.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancelTimerLocked()
	dropped := len(s.queue)
	s.queue = nil
	s.buf.Reset()
	s.mu.Unlock()

	s.unsubscribe()
	if dropped > 0 {
		s.stats.QueueDepth(-dropped)
	}

	if err := s.client.Send(ctx, wire.NewLeaveVoice(s.id)); err != nil {
		return fmt.Errorf("leaving voice channel %s: %w", s.channelID, err)
	}
	return nil
}

// ─── Agent-facing buffering ──────────────────────────────────────────────────

// BeginTurn marks the start of a new assistant reply: the text buffer and
// the busy flag are cleared. A debounce timer armed by the previous turn is
// left alone; firing on the emptied buffer is a no-op.
func (s *Session) BeginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.busy = false
}

// AppendText appends one streamed chunk to the buffer. A buffer that ends in
// sentence-terminal punctuation and exceeds the minimum length flushes
// immediately; anything else re-arms the debounce timer, which flushes
// unconditionally when it fires.
func (s *Session) AppendText(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.buf.WriteString(chunk)

	text := s.buf.String()
	if endsSentence(text) && utf8.RuneCountInString(text) > s.minFlush {
		s.flushLocked()
		return
	}
	s.armTimerLocked()
}

// BeginToolCall flushes whatever the buffer holds and raises the busy flag
// for the duration of the tool call.
func (s *Session) BeginToolCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.flushLocked()
	s.busy = true
}

// EndToolCall clears the busy flag once the tool result is in.
func (s *Session) EndToolCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// SetStopPhrases replaces the stop-phrase matcher at runtime, e.g. after a
// configuration reload. A nil or empty matcher disables detection.
func (s *Session) SetStopPhrases(m *PhraseMatcher) {
	if m != nil && m.Empty() {
		m = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phrases = m
}

// endsSentence reports whether the text ends with ".", "!" or "?" once
// trailing whitespace is ignored.
func endsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return last == '.' || last == '!' || last == '?'
}

// armTimerLocked restarts the debounce timer. Must be called with s.mu held.
func (s *Session) armTimerLocked() {
	s.timerGen++
	gen := s.timerGen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.debounceFired(gen) })
}

// cancelTimerLocked invalidates any armed timer. A timer callback already in
// flight sees the stale generation and does nothing. Must be called with
// s.mu held.
func (s *Session) cancelTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) debounceFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.stopped {
		return
	}
	s.timer = nil
	s.flushLocked()
}

// flushLocked moves the buffered text onto the speech queue and kicks the
// drain if it is idle. Must be called with s.mu held.
func (s *Session) flushLocked() {
	s.cancelTimerLocked()
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return
	}
	s.queue = append(s.queue, text)
	s.stats.QueueDepth(1)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

// ─── Speech queue ────────────────────────────────────────────────────────────

// drain speaks queued items strictly serially. A failed item is logged and
// skipped; the rest of the reply still plays.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		text := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.stats.QueueDepth(-1)
		s.speak(text)
	}
}

func (s *Session) speak(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), speechSendTimeout)
	defer cancel()

	s.stats.SpeechStarted()
	began := time.Now()
	err := s.client.Send(ctx, wire.NewPlayTTS(s.id, text, false))
	s.stats.SpeechFinished(time.Since(began), err)
	if err != nil {
		serr := &SpeechRequestError{SessionID: s.id, Err: err}
		s.log.Warn("dropping failed speech item", "err", serr, "chars", len(text))
	}
}

// ─── Sidecar events ──────────────────────────────────────────────────────────

// handleActivity barges in when the user starts speaking: queued items are
// dropped and a single best-effort interrupt retracts in-flight audio.
func (s *Session) handleActivity(ev wire.VoiceActivity) {
	if ev.SessionID != s.id || !ev.IsSpeaking {
		return
	}
	s.bargeIn()
}

func (s *Session) bargeIn() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.stats.QueueDepth(-dropped)
	}
	s.stats.BargeIn()

	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := s.client.Send(ctx, wire.NewInterrupt(s.id)); err != nil {
		s.log.Debug("interrupt request failed", "err", err)
	}
}

// handleTranscript routes recognized speech. Interim results are dropped:
// voice activity already covers low-latency barge-in, and interim text is
// too unstable to match stop phrases against. A final transcript matching a
// stop phrase barges in and is withheld from the agent.
func (s *Session) handleTranscript(ev wire.Transcript) {
	if ev.SessionID != s.id || !ev.IsFinal {
		return
	}
	s.mu.Lock()
	phrases := s.phrases
	s.mu.Unlock()
	if phrases != nil {
		if hit, ok := phrases.Match(ev.Text); ok {
			s.log.Info("stop phrase detected", "phrase", hit)
			s.bargeIn()
			return
		}
	}
	s.stats.FinalTranscript()
	if s.onFinal == nil {
		return
	}
	go func() {
		if err := s.onFinal(context.Background(), ev.Text); err != nil {
			s.log.Error("transcript handler failed", "err", err)
		}
	}()
}

func (s *Session) handleVoiceState(ev wire.VoiceState) {
	if ev.SessionID != s.id {
		return
	}
	s.mu.Lock()
	s.callState = ev.State
	s.callErr = ev.Error
	s.mu.Unlock()

	if ev.State == wire.CallFailed {
		s.log.Error("call failed", "call_error", ev.Error)
		return
	}
	s.log.Info("call state changed", "state", string(ev.State))
}

func (s *Session) unsubscribe() {
	if s.unsubTranscript != nil {
		s.unsubTranscript()
	}
	if s.unsubActivity != nil {
		s.unsubActivity()
	}
	if s.unsubState != nil {
		s.unsubState()
	}
}
