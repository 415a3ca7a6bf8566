package sidecar_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tartuvoice/helisild/pkg/sidecar"
	"github.com/tartuvoice/helisild/pkg/sidecar/sidecartest"
	"github.com/tartuvoice/helisild/pkg/wire"
)

func TestMain(m *testing.M) {
	if sidecartest.Enabled() {
		sidecartest.Run()
	}
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSupervisor(t *testing.T, behavior string, opts ...sidecar.Option) *sidecar.Supervisor {
	t.Helper()
	opts = append([]sidecar.Option{sidecar.WithLogger(quietLogger())}, opts...)
	sup, err := sidecar.New(sidecartest.Config(t, behavior), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	if _, err := sidecar.New(sidecar.Config{}); err == nil {
		t.Fatal("New: want error for empty command, got nil")
	}
}

func TestSendBeforeStart(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)
	if err := sup.Send(t.Context(), wire.NewInterrupt("sess-1")); !errors.Is(err, sidecar.ErrNotConnected) {
		t.Fatalf("Send: want ErrNotConnected, got %v", err)
	}
	if got := sup.State(); got != sidecar.StateUnstarted {
		t.Errorf("State: want %v, got %v", sidecar.StateUnstarted, got)
	}
}

func TestStartupTimeout(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorSilent, sidecar.WithStartupTimeout(300*time.Millisecond))

	err := sup.Start(t.Context())
	var timeoutErr *sidecar.StartupTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Start: want StartupTimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != 300*time.Millisecond {
		t.Errorf("Timeout: want %v, got %v", 300*time.Millisecond, timeoutErr.Timeout)
	}
	if got := sup.State(); got != sidecar.StateStopped {
		t.Errorf("State: want %v, got %v", sidecar.StateStopped, got)
	}
}

func TestExitBeforeHandshake(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorExitEarly)

	err := sup.Start(t.Context())
	var exitErr *sidecar.ProcessExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Start: want ProcessExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code: want 3, got %d", exitErr.Code)
	}
	if got := sup.State(); got != sidecar.StateStopped {
		t.Errorf("State: want %v, got %v", sidecar.StateStopped, got)
	}
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)
	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	if err := sup.Start(t.Context()); !errors.Is(err, sidecar.ErrAlreadyStarted) {
		t.Fatalf("second Start: want ErrAlreadyStarted, got %v", err)
	}
}

func TestHandshakeEventsAndGracefulStop(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)

	events := make(chan wire.Message, 8)
	sup.OnVoiceState(func(m wire.VoiceState) { events <- &m })
	sup.OnVoiceActivity(func(m wire.VoiceActivity) { events <- &m })
	sup.OnTranscript(func(m wire.Transcript) { events <- &m })
	exits := make(chan sidecar.ExitEvent, 1)
	sup.OnExit(func(e sidecar.ExitEvent) { exits <- e })

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sup.State(); got != sidecar.StateConnected {
		t.Fatalf("State after Start: want %v, got %v", sidecar.StateConnected, got)
	}

	if err := sup.Send(t.Context(), wire.NewJoinVoice("sess-1", "guild-1", "chan-1", "token")); err != nil {
		t.Fatalf("Send join_voice: %v", err)
	}

	// The fake answers a join with state, activity and transcript, in that
	// order. Dispatch must preserve it.
	first := recv(t, events, "voice_state")
	if vs, ok := first.(*wire.VoiceState); !ok || vs.SessionID != "sess-1" || vs.State != wire.CallConnected {
		t.Errorf("first event: want connected voice_state for sess-1, got %#v", first)
	}
	second := recv(t, events, "voice_activity")
	if va, ok := second.(*wire.VoiceActivity); !ok || va.SessionID != "sess-1" || !va.IsSpeaking {
		t.Errorf("second event: want speaking voice_activity, got %#v", second)
	}
	third := recv(t, events, "transcript")
	if tr, ok := third.(*wire.Transcript); !ok || tr.Text != "Tere maailm" || !tr.IsFinal {
		t.Errorf("third event: want final transcript, got %#v", third)
	}

	if got := sup.Version(); got != "0.1.0" {
		t.Errorf("Version: want %q, got %q", "0.1.0", got)
	}

	if err := sup.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sup.State(); got != sidecar.StateStopped {
		t.Errorf("State after Stop: want %v, got %v", sidecar.StateStopped, got)
	}
	exit := recv(t, exits, "exit event")
	if exit.Code != 0 || !exit.Requested {
		t.Errorf("exit event: want code 0 requested, got %+v", exit)
	}

	if err := sup.Send(t.Context(), wire.NewInterrupt("sess-1")); !errors.Is(err, sidecar.ErrNotConnected) {
		t.Errorf("Send after Stop: want ErrNotConnected, got %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := sup.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := sup.State(); got != sidecar.StateConnected {
		t.Errorf("State: want %v, got %v", sidecar.StateConnected, got)
	}
	if err := sup.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopForcesKillAfterGrace(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorIgnoreTerm, sidecar.WithShutdownGrace(300*time.Millisecond))
	exits := make(chan sidecar.ExitEvent, 1)
	sup.OnExit(func(e sidecar.ExitEvent) { exits <- e })

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	began := time.Now()
	if err := sup.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(began); elapsed < 300*time.Millisecond {
		t.Errorf("Stop returned after %v, before the grace period", elapsed)
	}

	exit := recv(t, exits, "exit event")
	if !exit.Requested {
		t.Errorf("exit event: want requested, got %+v", exit)
	}
	if exit.Code != -1 {
		t.Errorf("exit code: want -1 for a killed process, got %d", exit.Code)
	}
}

func TestUnrequestedExitIsReported(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)
	exits := make(chan sidecar.ExitEvent, 1)
	sup.OnExit(func(e sidecar.ExitEvent) { exits <- e })

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A shutdown frame sent outside Stop makes the sidecar exit without the
	// supervisor having requested it.
	if err := sup.Send(t.Context(), wire.NewShutdown()); err != nil {
		t.Fatalf("Send shutdown: %v", err)
	}

	exit := recv(t, exits, "exit event")
	if exit.Requested {
		t.Errorf("exit event: want unrequested, got %+v", exit)
	}
	if exit.Code != 0 {
		t.Errorf("exit code: want 0, got %d", exit.Code)
	}
	if got := sup.State(); got != sidecar.StateStopped {
		t.Errorf("State: want %v, got %v", sidecar.StateStopped, got)
	}
}

func TestProtocolErrorTearsConnectionDown(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorGarbage)
	exits := make(chan sidecar.ExitEvent, 1)
	sup.OnExit(func(e sidecar.ExitEvent) { exits <- e })

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	exit := recv(t, exits, "exit event")
	if exit.Requested {
		t.Errorf("exit event: want unrequested, got %+v", exit)
	}
	if got := sup.State(); got != sidecar.StateStopped {
		t.Errorf("State: want %v, got %v", sidecar.StateStopped, got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(t, sidecartest.BehaviorServe)

	var fromRemoved atomic.Int32
	transcripts := make(chan wire.Transcript, 4)
	cancel := sup.OnTranscript(func(wire.Transcript) { fromRemoved.Add(1) })
	sup.OnTranscript(func(m wire.Transcript) { transcripts <- m })
	cancel()

	if err := sup.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	if err := sup.Send(t.Context(), wire.NewJoinVoice("sess-1", "g", "c", "tok")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tr := recv(t, transcripts, "transcript")
	if tr.Text != "Tere maailm" {
		t.Errorf("transcript: want %q, got %q", "Tere maailm", tr.Text)
	}
	if got := fromRemoved.Load(); got != 0 {
		t.Errorf("removed handler ran %d times", got)
	}
}
