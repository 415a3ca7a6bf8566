// Package sidecar spawns and supervises the voice sidecar process and owns
// the single framed connection to it.
//
// The lifecycle is: spawn the child with piped stdio, read the unix socket
// path from its first stdout line, connect, send the configure frame, then
// relay events until the process exits. The supervisor never restarts the
// child on its own; it reports the exit through OnExit and leaves the restart
// decision to the caller.
package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tartuvoice/helisild/pkg/wire"
)

const (
	defaultStartupTimeout = 15 * time.Second
	defaultShutdownGrace  = 5 * time.Second
)

// State is the lifecycle position of the supervised process.
type State int

const (
	StateUnstarted State = iota
	StateSpawning
	StateAwaitingHandshake
	StateConnected
	StateStopping
	StateStopped
)

func (st State) String() string {
	switch st {
	case StateUnstarted:
		return "unstarted"
	case StateSpawning:
		return "spawning"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

// Config describes how to launch and configure the sidecar process.
type Config struct {
	// Command is the argv of the sidecar, e.g. ["python3", "-m", "helisild_sidecar"].
	Command []string
	// Dir is the working directory of the child. Empty means inherit.
	Dir string
	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string

	STT wire.STTSettings
	TTS wire.TTSSettings
}

// ExitEvent reports that the sidecar process terminated.
type ExitEvent struct {
	// Code is the process exit code, -1 when the process was killed by a
	// signal.
	Code int
	// Requested is true when the exit followed a Stop call.
	Requested bool
}

// Telemetry receives frame-level counters. Implementations must be safe for
// concurrent use and must not block.
type Telemetry interface {
	FrameEncoded(msgType string)
	FrameDecoded(msgType string)
	UnknownMessage(msgType string)
	DecodeError()
}

type nopTelemetry struct{}

func (nopTelemetry) FrameEncoded(string)   {}
func (nopTelemetry) FrameDecoded(string)   {}
func (nopTelemetry) UnknownMessage(string) {}
func (nopTelemetry) DecodeError()          {}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStartupTimeout bounds the wait for the handshake line on stdout.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.startupTimeout = d
		}
	}
}

// WithShutdownGrace sets how long Stop waits after SIGTERM before killing
// the process.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithTelemetry wires frame counters into the supervisor.
func WithTelemetry(t Telemetry) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// process bundles a spawned child with its exit observer.
type process struct {
	cmd   *exec.Cmd
	stdin *os.File // parent's write end, closed on cleanup

	done    chan struct{} // closed once Wait has returned
	cleaned chan struct{} // closed once the supervisor released all refs
	code    int           // valid after done is closed
}

// Supervisor owns one sidecar process and its connection. All methods are
// safe for concurrent use.
type Supervisor struct {
	cfg            Config
	log            *slog.Logger
	telemetry      Telemetry
	startupTimeout time.Duration
	shutdownGrace  time.Duration

	// startMu serializes Start attempts end to end.
	startMu sync.Mutex

	mu            sync.Mutex
	state         State
	proc          *process
	conn          *transport
	version       string
	stopRequested bool

	transcriptHandlers handlerSet[wire.Transcript]
	activityHandlers   handlerSet[wire.VoiceActivity]
	stateHandlers      handlerSet[wire.VoiceState]
	exitHandlers       handlerSet[ExitEvent]
}

// New validates cfg and returns an unstarted Supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("sidecar: command must not be empty")
	}
	s := &Supervisor{
		cfg:            cfg,
		log:            slog.Default(),
		telemetry:      nopTelemetry{},
		startupTimeout: defaultStartupTimeout,
		shutdownGrace:  defaultShutdownGrace,
		state:          StateUnstarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the protocol version announced by the sidecar's ready
// event, or "" before the first ready.
func (s *Supervisor) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// OnTranscript registers fn for transcript events. The returned func
// unsubscribes. Handlers run on the connection's read goroutine and must not
// block.
func (s *Supervisor) OnTranscript(fn func(wire.Transcript)) func() {
	return s.transcriptHandlers.add(fn)
}

// OnVoiceActivity registers fn for voice activity events.
func (s *Supervisor) OnVoiceActivity(fn func(wire.VoiceActivity)) func() {
	return s.activityHandlers.add(fn)
}

// OnVoiceState registers fn for call state events.
func (s *Supervisor) OnVoiceState(fn func(wire.VoiceState)) func() {
	return s.stateHandlers.add(fn)
}

// OnExit registers fn for process exit events.
func (s *Supervisor) OnExit(fn func(ExitEvent)) func() {
	return s.exitHandlers.add(fn)
}

// Start spawns the sidecar, waits for its handshake and connects to the
// announced socket. It returns once the configure frame has been written.
// Start attempts are serialized; calling Start while the process is running
// returns ErrAlreadyStarted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.state != StateUnstarted && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateSpawning
	s.mu.Unlock()

	proc, stdoutR, stderrR, err := s.spawn()
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	s.setState(StateAwaitingHandshake)
	go s.forwardStderr(stderrR)

	lineCh := make(chan string, 1)
	go s.scanStdout(stdoutR, lineCh)

	addr, err := s.awaitHandshake(ctx, proc, lineCh)
	if err != nil {
		return err
	}

	t, err := dialTransport(ctx, addr, s.dispatch, s.handleTransportError, s.log)
	if err != nil {
		s.abortStartup(proc, true)
		return err
	}

	if err := t.send(ctx, wire.NewConfigure(s.cfg.STT, s.cfg.TTS)); err != nil {
		t.close()
		s.abortStartup(proc, true)
		return err
	}
	s.telemetry.FrameEncoded(wire.TypeConfigure)

	s.mu.Lock()
	s.proc = proc
	s.conn = t
	s.state = StateConnected
	s.stopRequested = false
	s.mu.Unlock()

	s.log.Info("sidecar connected", "socket", addr, "pid", proc.cmd.Process.Pid)
	go s.watchExit(proc)
	return nil
}

// Send writes one request frame to the sidecar. It fails with
// ErrNotConnected unless the supervisor is in StateConnected.
func (s *Supervisor) Send(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	t := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || t == nil {
		return ErrNotConnected
	}
	if err := t.send(ctx, msg); err != nil {
		return err
	}
	s.telemetry.FrameEncoded(msg.MessageType())
	return nil
}

// Stop shuts the sidecar down: a best-effort shutdown frame, SIGTERM, and a
// kill once the grace period runs out. It returns after the process exit has
// been observed and all references released. Stopping an already stopped
// supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	conn := s.conn
	if proc == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	s.state = StateStopping
	s.mu.Unlock()

	if conn != nil {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.send(sctx, wire.NewShutdown()) // best effort
		cancel()
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(s.shutdownGrace)
	defer grace.Stop()

	select {
	case <-proc.done:
	case <-grace.C:
		s.log.Warn("sidecar ignored SIGTERM, killing", "pid", proc.cmd.Process.Pid)
		_ = proc.cmd.Process.Kill()
		<-proc.done
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		<-proc.done
		<-proc.cleaned
		return ctx.Err()
	}
	<-proc.cleaned
	return nil
}

// ─── Startup internals ───────────────────────────────────────────────────────

// spawn launches the child with fresh pipes for stdin, stdout and stderr.
// The child-end descriptors are closed in the parent so EOF propagates as
// soon as the child exits.
func (s *Supervisor) spawn() (proc *process, stdoutR, stderrR *os.File, err error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sidecar: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, nil, nil, fmt.Errorf("sidecar: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, fmt.Errorf("sidecar: stderr pipe: %w", err)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, s.cfg.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, nil, nil, fmt.Errorf("sidecar: spawning %q: %w", s.cfg.Command[0], err)
	}

	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	proc = &process{
		cmd:     cmd,
		stdin:   stdinW,
		done:    make(chan struct{}),
		cleaned: make(chan struct{}),
		code:    -1,
	}
	go func() {
		_ = cmd.Wait()
		if ps := cmd.ProcessState; ps != nil {
			proc.code = ps.ExitCode()
		}
		close(proc.done)
	}()
	return proc, stdoutR, stderrR, nil
}

// awaitHandshake waits for the first stdout line, which carries the unix
// socket path. Every other outcome tears the child down.
func (s *Supervisor) awaitHandshake(ctx context.Context, proc *process, lineCh <-chan string) (string, error) {
	timer := time.NewTimer(s.startupTimeout)
	defer timer.Stop()

	select {
	case addr := <-lineCh:
		if addr == "" {
			s.abortStartup(proc, true)
			return "", errors.New("sidecar: handshake line was empty")
		}
		return addr, nil
	case <-proc.done:
		s.abortStartup(proc, false)
		return "", &ProcessExitError{Code: proc.code}
	case <-timer.C:
		s.abortStartup(proc, true)
		return "", &StartupTimeoutError{Timeout: s.startupTimeout}
	case <-ctx.Done():
		s.abortStartup(proc, true)
		return "", ctx.Err()
	}
}

// abortStartup disposes of a child that never reached StateConnected.
func (s *Supervisor) abortStartup(proc *process, kill bool) {
	if kill {
		_ = proc.cmd.Process.Kill()
	}
	<-proc.done
	proc.stdin.Close()
	close(proc.cleaned)
	s.setState(StateStopped)
}

// scanStdout delivers the first stdout line on lineCh and keeps draining the
// rest so the child never blocks on a full pipe.
func (s *Supervisor) scanStdout(r *os.File, lineCh chan<- string) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			lineCh <- strings.TrimSpace(sc.Text())
			continue
		}
		s.log.Debug("sidecar stdout", "line", sc.Text())
	}
}

// forwardStderr relays the child's stderr lines into the host log.
func (s *Supervisor) forwardStderr(r *os.File) {
	defer r.Close()
	log := s.log.With("stream", "stderr")
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Info(sc.Text())
	}
}

// ─── Running internals ───────────────────────────────────────────────────────

// watchExit is the single place that observes the exit of a connected
// process, releases the supervisor's references and emits the ExitEvent.
func (s *Supervisor) watchExit(proc *process) {
	<-proc.done
	proc.stdin.Close()

	s.mu.Lock()
	if s.proc != proc {
		// A newer process has taken over.
		s.mu.Unlock()
		close(proc.cleaned)
		return
	}
	conn := s.conn
	s.conn = nil
	s.proc = nil
	requested := s.stopRequested
	s.stopRequested = false
	s.state = StateStopped
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	close(proc.cleaned)

	if requested {
		s.log.Info("sidecar stopped", "code", proc.code)
	} else {
		s.log.Warn("sidecar exited unexpectedly", "code", proc.code)
	}
	s.exitHandlers.emit(ExitEvent{Code: proc.code, Requested: requested})
}

// handleTransportError runs when the connection fails while the process may
// still be alive. The connection is unrecoverable, so the process is torn
// down; watchExit then reports an unrequested exit.
func (s *Supervisor) handleTransportError(t *transport, err error) {
	s.mu.Lock()
	if s.conn != t {
		// A stale connection already replaced or released.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	proc := s.proc
	if proc != nil {
		s.state = StateStopping
	}
	grace := s.shutdownGrace
	s.mu.Unlock()

	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		s.telemetry.DecodeError()
	}
	s.log.Error("sidecar connection failed", "err", err)
	if proc == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-proc.done:
		case <-time.After(grace):
			_ = proc.cmd.Process.Kill()
		}
	}()
}

// dispatch routes one decoded frame. It runs on the connection's read
// goroutine, so ordering between events of the same call is preserved.
func (s *Supervisor) dispatch(msg wire.Message) {
	s.telemetry.FrameDecoded(msg.MessageType())

	switch m := msg.(type) {
	case *wire.Ready:
		s.mu.Lock()
		s.version = m.Version
		s.mu.Unlock()
		s.log.Info("sidecar ready", "version", m.Version)
	case *wire.Transcript:
		s.transcriptHandlers.emit(*m)
	case *wire.VoiceActivity:
		s.activityHandlers.emit(*m)
	case *wire.VoiceState:
		s.stateHandlers.emit(*m)
	case *wire.Unknown:
		s.telemetry.UnknownMessage(m.Type)
		s.log.Warn("dropping message of unknown type", "type", m.Type)
	default:
		s.log.Warn("unexpected message from sidecar", "type", msg.MessageType())
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
