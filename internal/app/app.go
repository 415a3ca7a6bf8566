// Package app wires all Helisild subsystems into a running voice bridge.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run spawns the sidecar and joins the configured calls, and
// Shutdown tears everything down in order.
//
// For testing, inject fake implementations via functional options
// (WithSidecar, WithArchive, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tartuvoice/helisild/internal/agent"
	"github.com/tartuvoice/helisild/internal/agent/chat"
	"github.com/tartuvoice/helisild/internal/config"
	"github.com/tartuvoice/helisild/internal/health"
	"github.com/tartuvoice/helisild/internal/monitor"
	"github.com/tartuvoice/helisild/internal/observe"
	"github.com/tartuvoice/helisild/internal/preflight"
	"github.com/tartuvoice/helisild/internal/transcript"
	"github.com/tartuvoice/helisild/pkg/sidecar"
	"github.com/tartuvoice/helisild/pkg/voice"
	"github.com/tartuvoice/helisild/pkg/wire"
)

// statsWindow is the number of speech latency samples kept for /statusz
// percentiles.
const statsWindow = 256

// monitorStopTimeout bounds the monitor server drain when Run winds down.
const monitorStopTimeout = 5 * time.Second

// SidecarRunner is the slice of the sidecar supervisor the app drives:
// session traffic plus process lifecycle.
type SidecarRunner interface {
	voice.SidecarClient
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() sidecar.State
	OnExit(fn func(sidecar.ExitEvent)) func()
}

var _ SidecarRunner = (*sidecar.Supervisor)(nil)

// PreflightFunc validates the configured calls before the bridge joins them.
type PreflightFunc func(ctx context.Context, calls []preflight.Call) error

// App owns all subsystem lifetimes and orchestrates the Helisild voice
// bridge.
type App struct {
	cfg *config.Config

	// Telemetry fan-out shared by all subsystems.
	metrics *observe.Metrics
	stats   *monitor.BridgeStats
	hub     *monitor.Hub

	// Subsystems — initialised in New, torn down in Shutdown.
	sidecar   SidecarRunner
	manager   *voice.Manager
	archive   transcript.Store
	responder agent.Responder
	monitor   *monitor.Server
	preflight PreflightFunc
	logLevel  *slog.LevelVar

	// agentCtx spans all agent work; Shutdown cancels it to abandon
	// in-flight model streams.
	agentCtx    context.Context
	agentCancel context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSidecar injects a sidecar runner instead of spawning a supervisor from
// config.
func WithSidecar(s SidecarRunner) Option {
	return func(a *App) { a.sidecar = s }
}

// WithArchive injects a transcript store instead of creating one from config.
func WithArchive(st transcript.Store) Option {
	return func(a *App) { a.archive = st }
}

// WithResponder injects an agent instead of creating one from config.
func WithResponder(r agent.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithMetrics injects a metrics instance instead of using the process-global
// one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPreflight injects the call validation run before the sidecar spawns.
func WithPreflight(fn PreflightFunc) Option {
	return func(a *App) { a.preflight = fn }
}

// WithLogLevel hands the app the level var behind the process logger so
// configuration reloads can adjust it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem. ctx bounds the initialisation
// work (such as connecting to PostgreSQL), not the app's lifetime.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}

	agentCtx, agentCancel := context.WithCancel(context.Background())
	a := &App{
		cfg:         cfg,
		agentCtx:    agentCtx,
		agentCancel: agentCancel,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.stats = monitor.NewBridgeStats(statsWindow)
	a.hub = monitor.NewHub()
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	// ── 2. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Sidecar supervisor ────────────────────────────────────────────
	if err := a.initSidecar(); err != nil {
		return nil, fmt.Errorf("app: init sidecar: %w", err)
	}

	// ── 4. Voice sessions ────────────────────────────────────────────────
	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. Agent ─────────────────────────────────────────────────────────
	if err := a.initAgent(); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	// ── 6. Preflight ─────────────────────────────────────────────────────
	if err := a.initPreflight(); err != nil {
		return nil, fmt.Errorf("app: init preflight: %w", err)
	}

	// ── 7. Monitor server ────────────────────────────────────────────────
	a.initMonitor()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive sets up the transcript store selected by the config, or keeps
// an injected one. The store is closed during Shutdown either way.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		switch a.cfg.Transcripts.Backend {
		case config.TranscriptNone:
			a.archive = transcript.NewNopStore()
		case config.TranscriptFile:
			st, err := transcript.NewFileStore(a.cfg.Transcripts.Dir)
			if err != nil {
				return err
			}
			a.archive = st
			slog.Info("archiving transcripts to files", "dir", a.cfg.Transcripts.Dir)
		case config.TranscriptPostgres:
			st, err := transcript.NewPostgresStore(ctx, a.cfg.Transcripts.PostgresDSN)
			if err != nil {
				return err
			}
			a.archive = st
			slog.Info("archiving transcripts to PostgreSQL")
		default:
			return fmt.Errorf("unknown transcript backend %q", a.cfg.Transcripts.Backend)
		}
	}
	a.closers = append(a.closers, a.archive.Close)
	return nil
}

// initSidecar builds the supervisor from config and taps its event streams
// for the monitor feed.
func (a *App) initSidecar() error {
	if a.sidecar == nil {
		sup, err := sidecar.New(sidecar.Config{
			Command: a.cfg.Sidecar.Command,
			Dir:     a.cfg.Sidecar.Workdir,
			STT:     a.cfg.STT.Settings(),
			TTS:     a.cfg.TTS.Settings(),
		},
			sidecar.WithStartupTimeout(a.cfg.Sidecar.StartupTimeout()),
			sidecar.WithShutdownGrace(a.cfg.Sidecar.ShutdownGrace()),
			sidecar.WithTelemetry(frameTelemetry{metrics: a.metrics}),
		)
		if err != nil {
			return err
		}
		a.sidecar = sup
	}

	// Stream call events to the monitor feed. Subscriptions survive sidecar
	// restarts, so one tap per process is enough.
	a.sidecar.OnVoiceActivity(func(ev wire.VoiceActivity) {
		speaking := ev.IsSpeaking
		a.hub.Publish(monitor.Event{
			Type:      monitor.EventVoiceActivity,
			SessionID: ev.SessionID,
			Speaking:  &speaking,
		})
	})
	a.sidecar.OnVoiceState(func(ev wire.VoiceState) {
		a.hub.Publish(monitor.Event{
			Type:      monitor.EventVoiceState,
			SessionID: ev.SessionID,
			State:     string(ev.State),
		})
	})
	return nil
}

// initManager creates the session registry with the configured session
// behavior applied to every call.
func (a *App) initManager() error {
	sessionOpts := []voice.Option{
		voice.WithStats(&sessionStats{metrics: a.metrics, stats: a.stats, hub: a.hub}),
		voice.WithDebounce(a.cfg.Session.Debounce()),
		voice.WithMinFlush(a.cfg.Session.MinFlushChars),
	}
	if len(a.cfg.Session.StopPhrases) > 0 {
		sessionOpts = append(sessionOpts, voice.WithStopPhrases(voice.NewPhraseMatcher(
			a.cfg.Session.StopPhrases,
			voice.WithPhraseThreshold(a.cfg.Session.StopPhraseThreshold),
		)))
	}

	mgr, err := voice.NewManager(voice.ManagerConfig{
		Client:            a.sidecar,
		BotToken:          a.cfg.Discord.BotToken,
		OnFinalTranscript: a.handleTranscript,
	}, sessionOpts...)
	if err != nil {
		return err
	}
	a.manager = mgr
	return nil
}

// initAgent builds the chat runner in "llm" mode. In "external" mode the
// bridge archives and streams transcripts without answering them.
func (a *App) initAgent() error {
	if a.responder != nil || a.cfg.Agent.Mode != config.AgentLLM {
		return nil
	}
	runner, err := chat.New(chat.Config{
		Provider:     a.cfg.Agent.Provider,
		APIKey:       a.cfg.Agent.APIKey,
		BaseURL:      a.cfg.Agent.BaseURL,
		Model:        a.cfg.Agent.Model,
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		Resolve:      a.resolveSink,
		OnReply:      a.archiveReply,
	})
	if err != nil {
		return err
	}
	a.responder = runner
	slog.Info("chat agent ready", "provider", a.cfg.Agent.Provider, "model", a.cfg.Agent.Model)
	return nil
}

// initPreflight builds the Discord call validation when enabled and needed.
func (a *App) initPreflight() error {
	if a.preflight != nil || !a.cfg.Preflight.IsEnabled() || len(a.cfg.Calls) == 0 {
		return nil
	}
	checker, err := preflight.New(a.cfg.Discord.BotToken)
	if err != nil {
		return err
	}
	a.preflight = checker.Validate
	return nil
}

// initMonitor sets up the ops HTTP server when enabled. The /transcripts
// endpoint is only mounted when an archive backend is configured.
func (a *App) initMonitor() {
	if !a.cfg.Monitor.IsEnabled() {
		return
	}
	checkers := []health.Checker{health.SidecarChecker(a.sidecar)}
	var archive transcript.Store
	if a.cfg.Transcripts.Backend != config.TranscriptNone {
		archive = a.archive
		checkers = append(checkers, health.ArchiveChecker(a.archive))
	}
	a.monitor = monitor.New(monitor.Config{
		Addr:    a.cfg.Monitor.ListenAddr,
		Health:  health.New(checkers...),
		Metrics: a.metrics,
		Stats:   a.stats,
		Hub:     a.hub,
		Status:  a.statusSnapshot,
		Archive: archive,
	})
}

// ─── Event plumbing ──────────────────────────────────────────────────────────

// handleTranscript runs for every final user transcript: archive it, feed
// the event stream, then hand it to the agent. The session invokes it on its
// own goroutine, so a slow model stream does not hold up frame dispatch.
// In-flight handling is abandoned when the app shuts down.
func (a *App) handleTranscript(_ context.Context, sessionID, text string) error {
	ctx := a.agentCtx

	guildID, channelID := a.sessionAddr(sessionID)
	if err := a.archive.Append(ctx, transcript.Entry{
		SessionID: sessionID,
		GuildID:   guildID,
		ChannelID: channelID,
		Kind:      transcript.KindTranscript,
		Text:      text,
	}); err != nil {
		slog.Warn("archiving transcript", "session_id", sessionID, "err", err)
	}
	a.hub.Publish(monitor.Event{
		Type:      monitor.EventTranscript,
		SessionID: sessionID,
		GuildID:   guildID,
		ChannelID: channelID,
		Text:      text,
	})

	if a.responder == nil {
		return nil
	}
	return a.responder.HandleTranscript(ctx, sessionID, text)
}

// resolveSink adapts the session registry to the agent's sink lookup.
func (a *App) resolveSink(sessionID string) (agent.Sink, bool) {
	sess, ok := a.manager.Session(sessionID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// archiveReply stores one assistant reply once its final chunk was queued.
func (a *App) archiveReply(sessionID, reply string) {
	guildID, channelID := a.sessionAddr(sessionID)
	if err := a.archive.Append(a.agentCtx, transcript.Entry{
		SessionID: sessionID,
		GuildID:   guildID,
		ChannelID: channelID,
		Kind:      transcript.KindReply,
		Text:      reply,
	}); err != nil {
		slog.Warn("archiving reply", "session_id", sessionID, "err", err)
	}
}

// sessionAddr looks up the guild and channel of a session; both are empty
// when the session is already gone.
func (a *App) sessionAddr(sessionID string) (guildID, channelID string) {
	sess, ok := a.manager.Session(sessionID)
	if !ok {
		return "", ""
	}
	return sess.GuildID(), sess.ChannelID()
}

// statusSnapshot assembles the live /statusz view. The monitor server fills
// in the stats block itself.
func (a *App) statusSnapshot() monitor.Status {
	sessions := a.manager.Sessions()
	st := monitor.Status{
		SidecarState: a.sidecar.State().String(),
		Sessions:     make([]monitor.SessionStatus, 0, len(sessions)),
	}
	for _, sess := range sessions {
		callState, _ := sess.CallState()
		st.Sessions = append(st.Sessions, monitor.SessionStatus{
			ID:        sess.ID(),
			GuildID:   sess.GuildID(),
			ChannelID: sess.ChannelID(),
			CallState: string(callState),
			Busy:      sess.Busy(),
			QueueLen:  sess.QueueLen(),
		})
	}
	return st
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run validates the configured calls, spawns the sidecar, joins the calls
// and serves the monitor endpoints until ctx is cancelled or a subsystem
// fails fatally. After a clean cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	// ── Preflight ────────────────────────────────────────────────────────
	if err := a.runPreflight(ctx); err != nil {
		return fmt.Errorf("app: preflight: %w", err)
	}

	// ── Sidecar ──────────────────────────────────────────────────────────
	if err := a.sidecar.Start(ctx); err != nil {
		return fmt.Errorf("app: start sidecar: %w", err)
	}
	a.hub.Publish(monitor.Event{
		Type:  monitor.EventSidecarState,
		State: a.sidecar.State().String(),
	})

	// ── Configured calls ─────────────────────────────────────────────────
	for _, call := range a.cfg.Calls {
		if err := a.joinCall(ctx, call.GuildID, call.ChannelID); err != nil {
			return fmt.Errorf("app: join call %s/%s: %w", call.GuildID, call.ChannelID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.watchSidecar(gctx) })

	if a.monitor != nil {
		g.Go(a.monitor.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), monitorStopTimeout)
			defer cancel()
			return a.monitor.Shutdown(stopCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	slog.Info("bridge running",
		"calls", len(a.cfg.Calls),
		"agent_mode", string(a.cfg.Agent.Mode),
	)
	return g.Wait()
}

// runPreflight validates the configured calls against the Discord API.
func (a *App) runPreflight(ctx context.Context) error {
	if a.preflight == nil || len(a.cfg.Calls) == 0 {
		return nil
	}
	calls := make([]preflight.Call, len(a.cfg.Calls))
	for i, c := range a.cfg.Calls {
		calls[i] = preflight.Call{GuildID: c.GuildID, ChannelID: c.ChannelID}
	}
	if err := a.preflight(ctx, calls); err != nil {
		return err
	}
	slog.Info("preflight passed", "calls", len(calls))
	return nil
}

// joinCall starts the session for one configured voice channel.
func (a *App) joinCall(ctx context.Context, guildID, channelID string) error {
	sess, err := a.manager.Join(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	a.metrics.RecordSessionStarted(ctx)
	a.hub.Publish(monitor.Event{
		Type:      monitor.EventSessionStarted,
		SessionID: sess.ID(),
		GuildID:   guildID,
		ChannelID: channelID,
	})
	slog.Info("joined call",
		"session_id", sess.ID(),
		"guild_id", guildID,
		"channel_id", channelID,
	)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the bridge down: abandon agent work, leave all calls, stop
// the sidecar and the monitor server, then run the resource closers in
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Cancel agent work first so no new speech is queued.
		a.agentCancel()

		for _, sess := range a.manager.Sessions() {
			a.metrics.RecordSessionStopped(ctx)
			a.hub.Publish(monitor.Event{
				Type:      monitor.EventSessionStopped,
				SessionID: sess.ID(),
				GuildID:   sess.GuildID(),
				ChannelID: sess.ChannelID(),
			})
		}
		if err := a.manager.StopAll(ctx); err != nil {
			slog.Warn("stopping sessions", "err", err)
		}

		if err := a.sidecar.Stop(ctx); err != nil {
			slog.Warn("stopping sidecar", "err", err)
		}

		if a.monitor != nil {
			if err := a.monitor.Shutdown(ctx); err != nil {
				slog.Warn("stopping monitor server", "err", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies a configuration diff produced by the config watcher.
// Only the hot-reloadable settings take effect: the log level and the stop
// phrase set. Anything else is reported and skipped.
func (a *App) ApplyConfig(d config.ConfigDiff, _ *config.Config) {
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.StopPhrasesChanged {
		var pm *voice.PhraseMatcher
		if len(d.NewStopPhrases) > 0 {
			pm = voice.NewPhraseMatcher(d.NewStopPhrases,
				voice.WithPhraseThreshold(d.NewThreshold))
		}
		a.manager.SetStopPhrases(pm)
		slog.Info("stop phrases changed", "count", len(d.NewStopPhrases))
	}
	if d.RestartRequired {
		slog.Warn("config changes outside log level and stop phrases need a restart")
	}
}
