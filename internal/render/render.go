// Package render turns settings snapshots into status-bar text.
package render

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"ledbar/internal/core"
)

// Glyph is the character drawn once per palette color.
const Glyph = "●"

// OffIndicator is rendered while the controller is switched off.
const OffIndicator = `<span color="#555555">○○○</span> off`

// Span wraps text in a Pango span of the given color.
func Span(color, text string) string {
	return fmt.Sprintf(`<span color="%s">%s</span>`, color, text)
}

// Percent returns brightness as a rounded percentage.
func Percent(brightness float64) int {
	return int(math.Round(brightness * 100))
}

// Status renders cfg with the built-in format.
func Status(cfg core.Config) string {
	if !cfg.On {
		return OffIndicator
	}
	var b strings.Builder
	for _, c := range Colors(cfg.Palette()) {
		b.WriteString(Span(c, Glyph))
	}
	fmt.Fprintf(&b, " %d%%", Percent(cfg.GlobalBrightness))
	return b.String()
}

// Renderer renders snapshots, optionally through a format script.
type Renderer struct {
	script *Script
}

// NewRenderer returns a renderer. script may be nil.
func NewRenderer(script *Script) *Renderer {
	return &Renderer{script: script}
}

// Render returns the status text for cfg.
func (r *Renderer) Render(cfg core.Config) (string, error) {
	if r.script == nil {
		return Status(cfg), nil
	}
	return r.script.Render(cfg)
}

// Output writes whole lines to the status bar. It is safe for concurrent use
// so the startup indicator and the renderer never interleave.
type Output struct {
	mu sync.Mutex
	w  io.Writer
}

// NewOutput wraps w.
func NewOutput(w io.Writer) *Output {
	return &Output{w: w}
}

// Line writes s followed by a newline.
func (o *Output) Line(s string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := io.WriteString(o.w, s+"\n")
	return err
}
