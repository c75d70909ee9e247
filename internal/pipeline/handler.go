// Package pipeline classifies merged messages and acts on them: settings
// snapshots replace the held state and are rendered, command tokens are
// turned into updates and forwarded to the controller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"ledbar/internal/core"
	"ledbar/internal/render"
	"ledbar/internal/stream"
)

// ErrClassification marks messages that are neither a settings snapshot nor
// a known command token. It ends the current run.
var ErrClassification = errors.New("unclassifiable message")

// Forwarder sends updates to the controller.
type Forwarder interface {
	Forward(ctx context.Context, u core.Update) error
}

// Options configures a Handler.
type Options struct {
	Forwarder  Forwarder
	Renderer   *render.Renderer
	Output     *render.Output
	Limiter    *rate.Limiter // nil disables throttling
	PaletteIDs []int
	Logger     *slog.Logger

	// OnClassified is called once, after the first message of either kind
	// has been classified.
	OnClassified func()
}

// Handler holds the state of one pipeline run. It is not safe for
// concurrent use; messages are handled one at a time.
type Handler struct {
	opts       Options
	logger     *slog.Logger
	held       *core.Config
	classified bool
}

// NewHandler returns a handler with no snapshot held.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Renderer == nil {
		opts.Renderer = render.NewRenderer(nil)
	}
	if opts.PaletteIDs == nil {
		opts.PaletteIDs = render.PaletteIDs()
	}
	return &Handler{opts: opts, logger: opts.Logger}
}

// Held returns the current snapshot, if one has arrived.
func (h *Handler) Held() (core.Config, bool) {
	if h.held == nil {
		return core.Config{}, false
	}
	return *h.held, true
}

// Consume handles messages until msgs is closed or a message fails.
func (h *Handler) Consume(ctx context.Context, msgs <-chan stream.Message) error {
	for msg := range msgs {
		if err := h.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Handle classifies and acts on a single message.
func (h *Handler) Handle(ctx context.Context, msg stream.Message) error {
	if cfg, err := core.ParseSnapshot(msg.Data); err == nil {
		h.markClassified()
		return h.applySnapshot(cfg)
	}

	cmd, err := core.ParseCommand(string(msg.Data))
	if err != nil {
		return fmt.Errorf("%w from %s: %w", ErrClassification, msg.Source, err)
	}
	h.markClassified()
	return h.applyCommand(ctx, cmd)
}

func (h *Handler) markClassified() {
	if h.classified {
		return
	}
	h.classified = true
	if h.opts.OnClassified != nil {
		h.opts.OnClassified()
	}
}

func (h *Handler) applySnapshot(cfg core.Config) error {
	h.held = &cfg

	text, err := h.opts.Renderer.Render(cfg)
	if err != nil {
		return fmt.Errorf("%w: render status: %w", ErrClassification, err)
	}
	if err := h.opts.Output.Line(text); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func (h *Handler) applyCommand(ctx context.Context, cmd core.Command) error {
	if h.held == nil {
		h.logger.Info("no settings received yet, ignoring command", "command", string(cmd))
		return nil
	}

	u, err := core.Plan(cmd, *h.held, h.opts.PaletteIDs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClassification, err)
	}

	if h.opts.Limiter != nil {
		if err := h.opts.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("throttle %s: %w", cmd, err)
		}
	}

	if err := h.opts.Forwarder.Forward(ctx, u); err != nil {
		return fmt.Errorf("forward %s: %w", cmd, err)
	}

	next := h.held.Apply(u.Patch)
	h.held = &next
	h.logger.Debug("command forwarded", "command", string(cmd))
	return nil
}
