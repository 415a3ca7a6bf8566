// Package sidecartest provides a scripted in-process stand-in for the voice
// sidecar.
//
// Tests re-exec their own binary as the child process: TestMain checks
// [Enabled] and calls [Run], which plays one of a few fixed behaviors and
// never returns. [Config] builds the matching [sidecar.Config] pointing at
// the test binary.
package sidecartest

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/tartuvoice/helisild/pkg/sidecar"
	"github.com/tartuvoice/helisild/pkg/wire"
)

const (
	// EnvTrampoline marks the test binary as running in sidecar mode.
	EnvTrampoline = "HELISILD_FAKE_SIDECAR"
	// EnvBehavior selects the scripted behavior for the run.
	EnvBehavior = "HELISILD_SIDECAR_BEHAVIOR"
)

// Behaviors understood by Run.
const (
	// BehaviorServe performs the full handshake and answers join and leave
	// requests with canned events. SIGTERM and a shutdown frame both end the
	// process with exit code 0.
	BehaviorServe = "serve"
	// BehaviorSilent prints nothing and blocks, forcing a startup timeout.
	BehaviorSilent = "silent"
	// BehaviorExitEarly terminates with exit code 3 before the handshake.
	BehaviorExitEarly = "exit-early"
	// BehaviorIgnoreTerm serves the handshake but ignores SIGTERM and
	// shutdown frames, forcing the supervisor to kill it.
	BehaviorIgnoreTerm = "ignore-term"
	// BehaviorGarbage completes the handshake and then writes a frame whose
	// payload is not valid JSON.
	BehaviorGarbage = "garbage"
)

// Enabled reports whether the current process was re-executed as a fake
// sidecar and should hand control to Run.
func Enabled() bool {
	return os.Getenv(EnvTrampoline) == "1"
}

// Config returns a sidecar.Config that launches the test binary in the given
// behavior.
func Config(tb testing.TB, behavior string) sidecar.Config {
	tb.Helper()
	exe, err := os.Executable()
	if err != nil {
		tb.Fatalf("resolving test binary: %v", err)
	}
	return sidecar.Config{
		Command: []string{exe},
		Env: []string{
			EnvTrampoline + "=1",
			EnvBehavior + "=" + behavior,
		},
		STT: wire.STTSettings{Mode: wire.STTModeSherpa, ModelDir: filepath.Join(os.TempDir(), "helisild-models")},
		TTS: wire.TTSSettings{APIURL: "http://localhost:8111/v2", Speaker: "mari", Speed: 1.0},
	}
}

// Run plays the behavior selected through the environment. It never returns.
func Run() {
	switch os.Getenv(EnvBehavior) {
	case BehaviorSilent:
		select {}
	case BehaviorExitEarly:
		os.Exit(3)
	case BehaviorIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		serve(false)
	case BehaviorGarbage:
		serveGarbage()
	default:
		serve(true)
	}
	os.Exit(0)
}

// handshake prints the socket path, accepts the bridge's connection and
// announces readiness.
func handshake() net.Conn {
	fmt.Fprintln(os.Stderr, "fake sidecar starting")

	path := filepath.Join(os.TempDir(), fmt.Sprintf("helisild-fake-%d.sock", os.Getpid()))
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}

	// The single handshake line.
	fmt.Println(path)

	conn, err := ln.Accept()
	if err != nil {
		os.Exit(1)
	}
	send(conn, &wire.Ready{Type: wire.TypeReady, Version: "0.1.0"})
	return conn
}

func serve(exitOnShutdown bool) {
	if exitOnShutdown {
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		go func() {
			<-term
			os.Exit(0)
		}()
	}
	conn := handshake()

	dec := &wire.Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, msg := range msgs {
				handle(conn, msg, exitOnShutdown)
			}
			if derr != nil {
				fmt.Fprintln(os.Stderr, "decode:", derr)
				os.Exit(1)
			}
		}
		if err != nil {
			os.Exit(0)
		}
	}
}

func serveGarbage() {
	conn := handshake()

	// Let the bridge finish its startup sequence before corrupting the
	// stream.
	dec := &wire.Decoder{}
	buf := make([]byte, 4096)
waitConfigure:
	for {
		n, err := conn.Read(buf)
		if err != nil {
			os.Exit(1)
		}
		msgs, derr := dec.Feed(buf[:n])
		if derr != nil {
			os.Exit(1)
		}
		for _, msg := range msgs {
			if _, ok := msg.(*wire.Configure); ok {
				break waitConfigure
			}
		}
	}

	payload := []byte("this is not json")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	_, _ = conn.Write(hdr[:])
	_, _ = conn.Write(payload)

	// Wait for the bridge to tear us down.
	for {
		if _, err := conn.Read(buf); err != nil {
			os.Exit(0)
		}
	}
}

func handle(conn net.Conn, msg wire.Message, exitOnShutdown bool) {
	switch m := msg.(type) {
	case *wire.JoinVoice:
		send(conn, &wire.VoiceState{Type: wire.TypeVoiceState, SessionID: m.SessionID, State: wire.CallConnected})
		send(conn, &wire.VoiceActivity{Type: wire.TypeVoiceActivity, SessionID: m.SessionID, IsSpeaking: true})
		send(conn, &wire.Transcript{Type: wire.TypeTranscript, SessionID: m.SessionID, Text: "Tere maailm", IsFinal: true})
	case *wire.LeaveVoice:
		send(conn, &wire.VoiceState{Type: wire.TypeVoiceState, SessionID: m.SessionID, State: wire.CallDisconnected})
	case *wire.Shutdown:
		if exitOnShutdown {
			os.Exit(0)
		}
	}
}

func send(conn net.Conn, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	if _, err := conn.Write(frame); err != nil {
		os.Exit(1)
	}
}
