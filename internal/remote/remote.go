// Package remote implements the channel to the lighting controller: a
// sequence of settings snapshots coming in and forwarded commands going out.
//
// Three interchangeable variants exist:
//
//   - HTTPChannel polls GET /getsettings and posts JSON patches to
//     /updatesettings.
//   - WebSocketChannel keeps one socket open; snapshots arrive as text
//     frames and commands leave as their literal tokens.
//   - MQTTChannel subscribes to a state topic and publishes tokens to a
//     command topic.
//
// Every variant ends Run with an error when the transport fails and never
// reconnects on its own; recovery belongs to the supervisor.
package remote

import (
	"context"
	"fmt"
	"log/slog"

	"ledbar/internal/config"
	"ledbar/internal/core"
	"ledbar/internal/stream"
)

// SourceName labels messages produced by a remote channel.
const SourceName = "remote"

// Channel is a remote state channel.
type Channel interface {
	stream.Source

	// Forward sends one command. Failures are returned, never retried.
	Forward(ctx context.Context, u core.Update) error

	// Close releases the transport. It is safe to call after Run returned.
	Close() error
}

// Open creates the channel variant selected by cfg.Kind. Persistent
// variants connect before Open returns.
func Open(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case config.RemoteHTTP:
		return NewHTTPChannel(cfg.HTTP, logger), nil
	case config.RemoteWebSocket:
		return DialWebSocket(ctx, cfg.WebSocket.URL, logger)
	case config.RemoteMQTT:
		return DialMQTT(ctx, cfg.MQTT, logger)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
