package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledbar/internal/stream"
	"ledbar/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSource(t *testing.T) (string, chan stream.Message, chan error, context.CancelFunc) {
	t.Helper()
	src, out, errCh, cancel := runSource(t)
	return src.Path(), out, errCh, cancel
}

func runSource(t *testing.T) (*Source, chan stream.Message, chan error, context.CancelFunc) {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "led.sock")
	src, err := Listen(path, quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan stream.Message, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, out) }()
	t.Cleanup(cancel)
	return src, out, errCh, cancel
}

func TestSourceForwardsLines(t *testing.T) {
	path, out, _, _ := startSource(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("palette_up\n\nbrightness_down\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"palette_up", "brightness_down"} {
		msg := testutil.RequireReceive(t, out, 2*time.Second, "waiting for %s", want)
		if string(msg.Data) != want || msg.Source != SourceName {
			t.Fatalf("got %s/%q, want local/%q", msg.Source, msg.Data, want)
		}
	}

	if _, err := conn.Write([]byte("power")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := testutil.RequireReceive(t, out, 2*time.Second, "waiting for unterminated token")
	if string(msg.Data) != "power" {
		t.Fatalf("got %q, want power", msg.Data)
	}
}

func TestSourceRejectsSecondClient(t *testing.T) {
	src, out, _, _ := runSource(t)
	path := src.Path()

	first, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("power\n")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	testutil.RequireReceive(t, out, 2*time.Second, "first client message")
	if !src.Active() {
		t.Fatal("first client not recorded as active")
	}

	second, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := second.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("second client read = %d, %v; want silent close", n, err)
	}
	testutil.RequireNoReceive(t, out, 100*time.Millisecond, "rejected client must not produce messages")

	// Once the first client leaves, a new one is served.
	first.Close()
	testutil.Eventually(t, 2*time.Second, func() bool { return !src.Active() }, "first client still active")
	testutil.Eventually(t, 2*time.Second, func() bool {
		third, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		defer third.Close()
		if _, err := third.Write([]byte("palette_down\n")); err != nil {
			return false
		}
		select {
		case msg := <-out:
			return string(msg.Data) == "palette_down"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, "third client served after first disconnects")
}

func TestSourceShutdownReleasesPath(t *testing.T) {
	path, _, errCh, cancel := startSource(t)

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	cancel()
	if err := testutil.RequireReceive(t, errCh, 2*time.Second, "Run return"); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("active client not closed on shutdown")
	}

	// The path is free again.
	src, err := Listen(path, quietLogger())
	if err != nil {
		t.Fatalf("rebind after shutdown: %v", err)
	}
	_ = src.Close()
}

func TestSourceListenerFailureEndsRun(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "led.sock")
	src, err := Listen(path, quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(context.Background(), make(chan stream.Message)) }()

	_ = src.listener.Close()
	if err := testutil.RequireReceive(t, errCh, 2*time.Second, "Run return"); err == nil {
		t.Fatal("Run = nil after listener closed underneath it, want error")
	}
}

func TestListenAddrInUse(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "led.sock")
	live, err := Listen(path, quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer live.Close()

	_, err = Listen(path, quietLogger())
	if !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("second Listen = %v, want ErrAddrInUse", err)
	}
	var inUse *AddrInUseError
	if !errors.As(err, &inUse) || inUse.Path != path {
		t.Fatalf("second Listen = %v, want *AddrInUseError for %s", err, path)
	}

	alive, err := Probe(context.Background(), path)
	if err != nil || !alive {
		t.Fatalf("Probe live = %v, %v; want true", alive, err)
	}
}

func TestProbeStaleSocket(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "led.sock")
	leaveStaleSocket(t, path)

	_, err := Listen(path, quietLogger())
	if !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("Listen on stale path = %v, want ErrAddrInUse", err)
	}
	alive, err := Probe(context.Background(), path)
	if err != nil || alive {
		t.Fatalf("Probe stale = %v, %v; want false", alive, err)
	}
}

func TestSend(t *testing.T) {
	path, out, _, _ := startSource(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Send(ctx, path, "brightness_up"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := testutil.RequireReceive(t, out, 2*time.Second, "sent token")
	if string(msg.Data) != "brightness_up" {
		t.Fatalf("got %q", msg.Data)
	}
}

// leaveStaleSocket binds path and closes the listener without unlinking it,
// as a crashed process would.
func leaveStaleSocket(t *testing.T, path string) {
	t.Helper()
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.SetUnlinkOnClose(false)
	if err := ln.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSourceKeepsTokensAcrossReads(t *testing.T) {
	path, out, _, _ := startSource(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// 682 six-byte lines fill 4092 bytes, so the last token straddles the
	// first read buffer.
	payload := strings.Repeat("power\n", 682) + "brightness_up\n"
	done := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte(payload))
		done <- err
	}()
	for i := 0; i < 682; i++ {
		msg := testutil.RequireReceive(t, out, 2*time.Second, "token %d", i)
		if string(msg.Data) != "power" {
			t.Fatalf("token %d = %q, want power", i, msg.Data)
		}
	}
	msg := testutil.RequireReceive(t, out, 2*time.Second, "straddling token")
	if string(msg.Data) != "brightness_up" {
		t.Fatalf("straddling token = %q", msg.Data)
	}
	if err := testutil.RequireReceive(t, done, 2*time.Second, "write"); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A split token is held until its remainder arrives.
	if _, err := conn.Write([]byte("palette_")); err != nil {
		t.Fatalf("write: %v", err)
	}
	testutil.RequireNoReceive(t, out, 50*time.Millisecond, "partial token")
	if _, err := conn.Write([]byte("down\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = testutil.RequireReceive(t, out, 2*time.Second, "joined token")
	if string(msg.Data) != "palette_down" {
		t.Fatalf("joined token = %q", msg.Data)
	}
}

func TestSourceFlushesTailAtEOF(t *testing.T) {
	path, out, _, _ := startSource(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("power\nfrobni")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := testutil.RequireReceive(t, out, 2*time.Second, "complete token")
	if string(msg.Data) != "power" {
		t.Fatalf("got %q", msg.Data)
	}
	testutil.RequireNoReceive(t, out, 50*time.Millisecond, "partial tail before EOF")
	conn.Close()

	msg = testutil.RequireReceive(t, out, 2*time.Second, "tail at EOF")
	if string(msg.Data) != "frobni" {
		t.Fatalf("tail = %q", msg.Data)
	}
}

func TestFrame(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		tokens []string
		rest   string
	}{
		{name: "lines", data: "power\n\n palette_up \n", tokens: []string{"power", "palette_up"}},
		{name: "partial", data: "power\nbright", tokens: []string{"power"}, rest: "bright"},
		{name: "whole command tail", data: "power", tokens: []string{"power"}},
		{name: "json tail", data: `{"on":1}`, tokens: []string{`{"on":1}`}},
		{name: "open json", data: `{"on":`, rest: `{"on":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, rest := frame([]byte(tt.data))
			var got []string
			for _, tok := range tokens {
				got = append(got, string(tok))
			}
			if strings.Join(got, "|") != strings.Join(tt.tokens, "|") || string(rest) != tt.rest {
				t.Fatalf("frame(%q) = %q, %q; want %q, %q", tt.data, got, rest, tt.tokens, tt.rest)
			}
		})
	}

	big := strings.Repeat("x", maxPendingSize+1)
	if tokens, rest := frame([]byte(big)); len(tokens) != 1 || rest != nil {
		t.Fatalf("oversized tail kept pending: %d tokens, %d bytes", len(tokens), len(rest))
	}
}
