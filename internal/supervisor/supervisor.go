// Package supervisor runs the ledbar event loop: it checks preconditions,
// binds the local endpoint, opens the remote channel, feeds the merged
// stream to the pipeline, and restarts the whole run after any failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ledbar/internal/config"
	"ledbar/internal/local"
	"ledbar/internal/logfile"
	"ledbar/internal/netgate"
	"ledbar/internal/pipeline"
	"ledbar/internal/remote"
	"ledbar/internal/render"
	"ledbar/internal/scheduler"
	"ledbar/internal/stream"
)

// ErrStartup marks failures that end the process instead of being retried.
var ErrStartup = errors.New("startup failed")

// errStreamEnded is reported when every source ended without an error and
// without a shutdown request.
var errStreamEnded = errors.New("event stream ended")

// maxFastRetries caps consecutive stale-socket removals without backoff.
const maxFastRetries = 3

// State is the supervisor's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StatePreflight
	StateRunning
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreflight:
		return "preflight"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OpenRemoteFunc opens the remote channel for one run.
type OpenRemoteFunc func(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (remote.Channel, error)

// Options configures a Supervisor.
type Options struct {
	Config  *config.Config
	Stdout  io.Writer
	Version string

	// Gate defaults to the network gate described by Config.
	Gate *netgate.Gate
	// OpenRemote defaults to remote.Open.
	OpenRemote OpenRemoteFunc
	// IndicatorInterval defaults to render.IndicatorInterval.
	IndicatorInterval time.Duration
	// LogLevel defaults to Info.
	LogLevel slog.Leveler
}

// Supervisor owns every long-lived resource of the process.
type Supervisor struct {
	cfg        *config.Config
	version    string
	out        *render.Output
	renderer   *render.Renderer
	script     *render.Script
	gate       *netgate.Gate
	openRemote OpenRemoteFunc
	interval   time.Duration

	logFile logfile.File
	logger  *slog.Logger
	state   atomic.Int32
}

// New prepares a supervisor. It loads the format script, if configured, so
// a broken script is reported before anything is bound.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, errors.New("supervisor: config is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Gate == nil {
		opts.Gate = netgate.New(opts.Config.SSID, opts.Config.SSIDCmd)
	}
	if opts.OpenRemote == nil {
		opts.OpenRemote = remote.Open
	}
	if opts.IndicatorInterval <= 0 {
		opts.IndicatorInterval = render.IndicatorInterval
	}

	s := &Supervisor{
		cfg:        opts.Config,
		version:    opts.Version,
		out:        render.NewOutput(opts.Stdout),
		gate:       opts.Gate,
		openRemote: opts.OpenRemote,
		interval:   opts.IndicatorInterval,
	}
	s.logger = logfile.New(&s.logFile, opts.LogLevel)

	if path := opts.Config.Render.FormatScript; path != "" {
		script, err := render.LoadScript(path, s.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		s.script = script
	}
	s.renderer = render.NewRenderer(s.script)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run loops through preflight, run and recovery until ctx is cancelled,
// which returns nil, or a startup check fails, which returns an error
// wrapping ErrStartup. A panic inside the loop is returned as an error.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panic", "panic", fmt.Sprint(r))
			s.shutdown()
			err = fmt.Errorf("supervisor panic: %v", r)
		}
	}()

	fastRetries := 0
	for {
		s.setState(StatePreflight)
		if err := s.preflight(ctx); err != nil {
			if ctx.Err() != nil {
				return s.stop()
			}
			s.logger.Error("startup check failed", "err", err)
			s.shutdown()
			return fmt.Errorf("%w: %w", ErrStartup, err)
		}

		s.setState(StateRunning)
		runErr := s.runOnce(ctx)
		if ctx.Err() != nil {
			return s.stop()
		}

		s.setState(StateRecovering)
		if s.removeStaleSocket(ctx, runErr, fastRetries) {
			fastRetries++
			continue
		}
		fastRetries = 0

		s.logger.Error("run failed, restarting", "err", runErr, "backoff", s.cfg.BackoffDelay.String())
		if err := sleepCtx(ctx, s.cfg.BackoffDelay); err != nil {
			return s.stop()
		}
	}
}

// preflight checks the network and reopens the log file.
func (s *Supervisor) preflight(ctx context.Context) error {
	if err := s.gate.Check(ctx); err != nil {
		return err
	}
	if err := s.logFile.Open(s.cfg.LogPath); err != nil {
		return err
	}
	return nil
}

// runOnce performs one run. Every resource it acquires is released before
// it returns, whichever component failed.
func (s *Supervisor) runOnce(ctx context.Context) error {
	logger := s.logger.With("run", uuid.NewString())
	logger.Info("ledbar starting", "version", s.version, "socket", s.cfg.SocketPath, "remote", s.cfg.Remote.Kind)

	indicator := render.StartIndicator(s.out, s.interval)
	defer indicator.Stop()

	src, err := local.Listen(s.cfg.SocketPath, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	ch, err := s.openRemote(ctx, s.cfg.Remote, logger)
	if err != nil {
		return fmt.Errorf("open %s channel: %w", s.cfg.Remote.Kind, err)
	}
	defer ch.Close()

	sources := []stream.Source{src, ch}
	if len(s.cfg.Schedules) > 0 {
		sched, err := scheduler.New(s.cfg.Schedules, logger)
		if err != nil {
			return err
		}
		sources = append(sources, sched)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	merged := stream.Merge(runCtx, sources...)

	handler := pipeline.NewHandler(pipeline.Options{
		Forwarder:    ch,
		Renderer:     s.renderer,
		Output:       s.out,
		Limiter:      rate.NewLimiter(rate.Limit(s.cfg.ForwardRateLimit), s.cfg.ForwardRateBurst),
		Logger:       logger,
		OnClassified: indicator.Stop,
	})

	handleErr := handler.Consume(runCtx, merged.Messages())
	cancel()
	mergeErr := merged.Err()

	switch {
	case handleErr != nil:
		return handleErr
	case mergeErr != nil:
		return mergeErr
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errStreamEnded
	}
}

// removeStaleSocket handles a bind failure. When nothing accepts on the
// path it is removed and true is returned so the caller retries at once.
func (s *Supervisor) removeStaleSocket(ctx context.Context, err error, attempts int) bool {
	var inUse *local.AddrInUseError
	if !errors.As(err, &inUse) {
		return false
	}
	if attempts >= maxFastRetries {
		s.logger.Warn("socket path still in use after removal", "path", inUse.Path, "attempts", attempts)
		return false
	}

	live, perr := local.Probe(ctx, inUse.Path)
	switch {
	case perr != nil:
		s.logger.Warn("socket probe failed", "path", inUse.Path, "err", perr)
		return false
	case live:
		s.logger.Warn("socket held by a live process", "path", inUse.Path)
		return false
	}

	info, lerr := os.Lstat(inUse.Path)
	if lerr != nil && !errors.Is(lerr, os.ErrNotExist) {
		s.logger.Warn("cannot stat socket path", "path", inUse.Path, "err", lerr)
		return false
	}
	if lerr == nil {
		if info.Mode().Type() != os.ModeSocket {
			s.logger.Warn("refusing to remove non-socket path", "path", inUse.Path, "mode", info.Mode().String())
			return false
		}
		if rerr := os.Remove(inUse.Path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			s.logger.Warn("cannot remove stale socket", "path", inUse.Path, "err", rerr)
			return false
		}
	}
	s.logger.Info("removed stale socket, retrying", "path", inUse.Path)
	return true
}

// stop handles a shutdown request from any state.
func (s *Supervisor) stop() error {
	s.logger.Info("ledbar stopped")
	s.shutdown()
	return nil
}

func (s *Supervisor) shutdown() {
	s.setState(StateStopped)
	if s.script != nil {
		s.script.Close()
		s.script = nil
	}
	_ = s.logFile.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
