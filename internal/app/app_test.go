package app_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tartuvoice/helisild/internal/agent"
	"github.com/tartuvoice/helisild/internal/app"
	"github.com/tartuvoice/helisild/internal/config"
	"github.com/tartuvoice/helisild/internal/preflight"
	"github.com/tartuvoice/helisild/internal/transcript"
	"github.com/tartuvoice/helisild/pkg/sidecar"
	"github.com/tartuvoice/helisild/pkg/voice/mock"
	"github.com/tartuvoice/helisild/pkg/wire"
)

// fakeSidecar plays the supervisor for app tests: the embedded mock records
// session traffic while the lifecycle methods are scripted here.
type fakeSidecar struct {
	*mock.Sidecar

	mu           sync.Mutex
	startCalls   int
	stopCalls    int
	startErrs    []error // consumed one per Start; nil entry means success
	state        sidecar.State
	exitHandlers []func(sidecar.ExitEvent)
}

var _ app.SidecarRunner = (*fakeSidecar)(nil)

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{Sidecar: &mock.Sidecar{}, state: sidecar.StateUnstarted}
}

func (f *fakeSidecar) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	f.state = sidecar.StateConnected
	return nil
}

func (f *fakeSidecar) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.state = sidecar.StateStopped
	return nil
}

func (f *fakeSidecar) State() sidecar.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSidecar) OnExit(fn func(sidecar.ExitEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitHandlers = append(f.exitHandlers, fn)
	return func() {}
}

// EmitExit reports a process exit to all subscribers, like the supervisor's
// watchExit does.
func (f *fakeSidecar) EmitExit(ev sidecar.ExitEvent) {
	f.mu.Lock()
	f.state = sidecar.StateStopped
	handlers := append([]func(sidecar.ExitEvent){}, f.exitHandlers...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (f *fakeSidecar) StartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeSidecar) StopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func (f *fakeSidecar) ExitHandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exitHandlers)
}

// memArchive is an in-memory transcript.Store that records appends and
// close calls.
type memArchive struct {
	mu      sync.Mutex
	entries []transcript.Entry
	closed  int
}

func (m *memArchive) Append(_ context.Context, e transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memArchive) Recent(context.Context, string, int) ([]transcript.Entry, error) {
	return nil, nil
}

func (m *memArchive) Search(context.Context, string, transcript.SearchOpts) ([]transcript.Entry, error) {
	return nil, nil
}

func (m *memArchive) Ping(context.Context) error { return nil }

func (m *memArchive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memArchive) Entries() []transcript.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Entry{}, m.entries...)
}

func (m *memArchive) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func boolp(b bool) *bool { return &b }

// testConfig returns a config with every outward-facing subsystem disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sidecar.Command = []string{"/bin/true"}
	cfg.Discord.BotToken = "tok"
	cfg.Monitor.Enabled = boolp(false)
	cfg.Preflight.Enabled = boolp(false)
	return cfg
}

// joinsSent returns the join_voice frames recorded by the fake sidecar.
func joinsSent(fs *fakeSidecar) []*wire.JoinVoice {
	var joins []*wire.JoinVoice
	for _, msg := range fs.Sent() {
		if m, ok := msg.(*wire.JoinVoice); ok {
			joins = append(joins, m)
		}
	}
	return joins
}

// waitFor polls cond until it reports true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_WithFakes(t *testing.T) {
	t.Parallel()

	application, err := app.New(
		t.Context(),
		testConfig(),
		app.WithSidecar(newFakeSidecar()),
		app.WithArchive(&memArchive{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_BuildsChatAgentFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Agent = config.AgentConfig{
		Mode:     config.AgentLLM,
		Provider: "ollama",
		Model:    "llama3",
	}

	if _, err := app.New(t.Context(), cfg,
		app.WithSidecar(newFakeSidecar()),
		app.WithArchive(&memArchive{}),
	); err != nil {
		t.Fatalf("New() with ollama agent returned error: %v", err)
	}

	cfg = testConfig()
	cfg.Agent = config.AgentConfig{
		Mode:     config.AgentLLM,
		Provider: "fakecloud",
		Model:    "m1",
	}
	_, err := app.New(t.Context(), cfg,
		app.WithSidecar(newFakeSidecar()),
		app.WithArchive(&memArchive{}),
	)
	if err == nil {
		t.Fatal("New() with unsupported provider: want error, got nil")
	}
	if !strings.Contains(err.Error(), "init agent") {
		t.Errorf("error = %q, want mention of the agent init step", err)
	}
}

func TestRun_JoinsConfiguredCallsAndShutsDown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calls = []config.CallConfig{{GuildID: "g1", ChannelID: "c1"}}
	fs := newFakeSidecar()
	store := &memArchive{}

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs), app.WithArchive(store))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "join_voice frame", func() bool { return len(joinsSent(fs)) == 1 })
	join := joinsSent(fs)[0]
	if join.GuildID != "g1" || join.ChannelID != "c1" || join.BotToken != "tok" {
		t.Errorf("join_voice: want configured call echoed, got %+v", join)
	}
	if got := fs.StartCalls(); got != 1 {
		t.Errorf("Start call count = %d, want 1", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if got := fs.StopCalls(); got != 1 {
		t.Errorf("Stop call count = %d, want 1", got)
	}
	if got := store.CloseCalls(); got != 1 {
		t.Errorf("archive Close call count = %d, want 1", got)
	}
	var leaves int
	for _, msg := range fs.Sent() {
		if _, ok := msg.(*wire.LeaveVoice); ok {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("leave_voice count = %d, want 1", leaves)
	}
}

func TestTranscriptFlow_ArchivesAndResponds(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calls = []config.CallConfig{{GuildID: "g1", ChannelID: "c1"}}
	fs := newFakeSidecar()
	store := &memArchive{}
	got := make(chan string, 1)

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs),
		app.WithArchive(store),
		app.WithResponder(agent.Func(func(_ context.Context, _, text string) error {
			got <- text
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "join_voice frame", func() bool { return len(joinsSent(fs)) == 1 })
	sid := joinsSent(fs)[0].SessionID

	fs.EmitTranscript(wire.Transcript{
		Type:      wire.TypeTranscript,
		SessionID: sid,
		Text:      "Kuidas läheb?",
		IsFinal:   true,
	})

	select {
	case text := <-got:
		if text != "Kuidas läheb?" {
			t.Errorf("responder text = %q, want %q", text, "Kuidas läheb?")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("responder was not invoked")
	}

	entries := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("archived entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != transcript.KindTranscript || e.SessionID != sid || e.GuildID != "g1" || e.ChannelID != "c1" || e.Text != "Kuidas läheb?" {
		t.Errorf("archived entry = %+v, want transcript with session address", e)
	}

	cancel()
	<-errCh
}

func TestRun_RestartsSidecarAfterCrash(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calls = []config.CallConfig{{GuildID: "g1", ChannelID: "c1"}}
	cfg.Sidecar.Restart.BackoffMS = 1
	cfg.Sidecar.Restart.MaxBackoffMS = 10
	cfg.Sidecar.Restart.MaxAttempts = 3
	fs := newFakeSidecar()

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs), app.WithArchive(&memArchive{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "exit subscription", func() bool { return fs.ExitHandlerCount() == 1 })
	fs.EmitExit(sidecar.ExitEvent{Code: 1, Requested: false})

	waitFor(t, "sidecar respawn", func() bool { return fs.StartCalls() == 2 })
	waitFor(t, "session rejoin", func() bool { return len(joinsSent(fs)) == 2 })
	joins := joinsSent(fs)
	if joins[0].SessionID != joins[1].SessionID {
		t.Errorf("rejoin used a new session id: %q then %q", joins[0].SessionID, joins[1].SessionID)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestRun_SidecarExitWithRestartDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sidecar.Restart.Enabled = boolp(false)
	fs := newFakeSidecar()

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs), app.WithArchive(&memArchive{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(t.Context()) }()

	waitFor(t, "exit subscription", func() bool { return fs.ExitHandlerCount() == 1 })
	fs.EmitExit(sidecar.ExitEvent{Code: 2, Requested: false})

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "restarting is disabled") {
			t.Fatalf("Run() error = %v, want restart-disabled failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not fail after unrequested exit")
	}
	if got := fs.StartCalls(); got != 1 {
		t.Errorf("Start call count = %d, want 1", got)
	}
}

func TestRun_FailedPreflightAborts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calls = []config.CallConfig{{GuildID: "g1", ChannelID: "c1"}}
	fs := newFakeSidecar()
	sentinel := errors.New("tundmatu kanal")

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs),
		app.WithArchive(&memArchive{}),
		app.WithPreflight(func(_ context.Context, calls []preflight.Call) error {
			if len(calls) != 1 || calls[0].GuildID != "g1" || calls[0].ChannelID != "c1" {
				t.Errorf("preflight calls = %+v, want the configured call", calls)
			}
			return sentinel
		}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := application.Run(t.Context()); !errors.Is(err, sentinel) {
		t.Fatalf("Run() error = %v, want the preflight failure", err)
	}
	if got := fs.StartCalls(); got != 0 {
		t.Errorf("Start call count = %d, want 0 after failed preflight", got)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	fs := newFakeSidecar()
	store := &memArchive{}
	application, err := app.New(t.Context(), testConfig(),
		app.WithSidecar(fs), app.WithArchive(store))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}

	if got := store.CloseCalls(); got != 1 {
		t.Errorf("archive Close call count = %d, want 1", got)
	}
	if got := fs.StopCalls(); got != 1 {
		t.Errorf("sidecar Stop call count = %d, want 1", got)
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	application, err := app.New(t.Context(), testConfig(),
		app.WithSidecar(newFakeSidecar()),
		app.WithArchive(&memArchive{}),
		app.WithLogLevel(level),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	application.ApplyConfig(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
	}, nil)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level after reload = %v, want %v", got, slog.LevelDebug)
	}
}

func TestApplyConfig_StopPhrasesTakeEffect(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calls = []config.CallConfig{{GuildID: "g1", ChannelID: "c1"}}
	fs := newFakeSidecar()
	got := make(chan string, 1)

	application, err := app.New(t.Context(), cfg,
		app.WithSidecar(fs),
		app.WithArchive(&memArchive{}),
		app.WithResponder(agent.Func(func(_ context.Context, _, text string) error {
			got <- text
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "join_voice frame", func() bool { return len(joinsSent(fs)) == 1 })
	sid := joinsSent(fs)[0].SessionID

	application.ApplyConfig(config.ConfigDiff{
		StopPhrasesChanged: true,
		NewStopPhrases:     []string{"aitab"},
		NewThreshold:       0.80,
	}, nil)

	fs.EmitTranscript(wire.Transcript{
		Type:      wire.TypeTranscript,
		SessionID: sid,
		Text:      "Aitab küll!",
		IsFinal:   true,
	})

	waitFor(t, "barge-in interrupt", func() bool { return fs.InterruptCount(sid) == 1 })
	select {
	case text := <-got:
		t.Errorf("responder invoked with %q, want stop phrase withheld", text)
	default:
	}

	cancel()
	<-errCh
}
