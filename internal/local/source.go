// Package local implements the local control endpoint: a Unix stream socket
// that accepts short text commands from one client at a time.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"ledbar/internal/core"
	"ledbar/internal/stream"
)

// SourceName labels messages produced by the local endpoint.
const SourceName = "local"

const (
	readBufferSize = 4096
	maxPendingSize = 64 << 10
)

// Source is the local command endpoint. At most one client is served at a
// time; clients connecting while another is active are closed immediately
// without a reply.
type Source struct {
	path     string
	listener net.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	active  net.Conn
	failure error

	closeOnce sync.Once
}

// Listen binds the socket path. A path that is already bound yields an
// *AddrInUseError; every other failure is returned wrapped.
func Listen(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, &AddrInUseError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	logger.Debug("local endpoint bound", "path", path)
	return &Source{path: path, listener: ln, logger: logger}, nil
}

// Name implements stream.Source.
func (s *Source) Name() string { return SourceName }

// Path returns the bound socket path.
func (s *Source) Path() string { return s.path }

// Active reports whether a client is currently connected.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Run accepts clients and forwards every received line as a message. It
// returns nil once ctx is cancelled and an error if the listener fails or a
// client read fails abnormally. The endpoint is closed when Run returns.
func (s *Source) Run(ctx context.Context, out chan<- stream.Message) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		_ = s.Close()
		wg.Wait()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if f := s.takeFailure(); f != nil {
				return f
			}
			return fmt.Errorf("accept on %s: %w", s.path, err)
		}

		if !s.claim(conn) {
			s.logger.Debug("rejecting concurrent client", "path", s.path)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn, out)
		}()
	}
}

// Close destroys the active client connection, then releases the listener.
// The socket file is removed by the listener.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.active != nil {
		_ = s.active.Close()
		s.active = nil
	}
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
	})
	return err
}

func (s *Source) claim(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = conn
	return true
}

func (s *Source) release(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conn {
		s.active = nil
	}
	_ = conn.Close()
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { _ = s.listener.Close() })
}

func (s *Source) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Source) serve(ctx context.Context, conn net.Conn, out chan<- stream.Message) {
	defer s.release(conn)
	s.logger.Debug("client connected")

	emit := func(tokens [][]byte) bool {
		for _, token := range tokens {
			select {
			case out <- stream.NewMessage(SourceName, token):
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			var tokens [][]byte
			tokens, pending = frame(append(pending, buf[:n]...))
			if !emit(tokens) {
				return
			}
		}
		if err != nil {
			// Whatever is left at end of stream is a token of its own.
			if tail := bytes.TrimSpace(pending); len(tail) > 0 {
				if !emit([][]byte{bytes.Clone(tail)}) {
					return
				}
			}
			if isExpectedClose(err) || ctx.Err() != nil {
				s.logger.Debug("client disconnected")
				return
			}
			s.fail(fmt.Errorf("read from client: %w", err))
			return
		}
	}
}

// frame splits data into complete newline-terminated tokens and the
// unterminated remainder. The remainder is returned as a token too when it
// is already a whole command or JSON object, or when it outgrows
// maxPendingSize.
func frame(data []byte) (tokens [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(data[:i]); len(line) > 0 {
			tokens = append(tokens, bytes.Clone(line))
		}
		data = data[i+1:]
	}

	tail := bytes.TrimSpace(data)
	switch {
	case len(tail) == 0:
		return tokens, nil
	case completeToken(tail) || len(data) > maxPendingSize:
		return append(tokens, bytes.Clone(tail)), nil
	}
	return tokens, bytes.Clone(data)
}

func completeToken(b []byte) bool {
	if _, err := core.ParseCommand(string(b)); err == nil {
		return true
	}
	return b[0] == '{' && json.Valid(b)
}

// Probe reports whether a live process is accepting connections on path.
// A refused connection or missing path means nothing holds it.
func Probe(ctx context.Context, path string) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if isNoListener(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe %s: %w", path, err)
	}
	_ = conn.Close()
	return true, nil
}

// Send writes one command token to the endpoint at path.
func Send(ctx context.Context, path, token string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("connect %s: %w", path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(conn, token+"\n"); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
