package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ledbar/internal/config"
	"ledbar/internal/core"
	"ledbar/internal/stream"
)

// maxResponseSize bounds settings response reads.
const maxResponseSize int64 = 1 << 20

// HTTPChannel is the pull/push variant: it polls the controller's settings
// and submits commands as JSON patches.
type HTTPChannel struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPChannel builds a polling channel. Requests are bounded by
// cfg.RequestTimeout.
func NewHTTPChannel(cfg config.HTTPConfig, logger *slog.Logger) *HTTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollEvery
	if interval <= 0 {
		interval = time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPChannel{
		baseURL:  cfg.BaseURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		logger:   logger,
	}
}

// Name implements stream.Source.
func (c *HTTPChannel) Name() string { return SourceName }

// Run polls immediately and then once per interval, emitting each response
// body. The first failed poll ends Run.
func (c *HTTPChannel) Run(ctx context.Context, out chan<- stream.Message) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		body, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- stream.NewMessage(SourceName, body):
		case <-ctx.Done():
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *HTTPChannel) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getsettings", nil)
	if err != nil {
		return nil, fmt.Errorf("build settings request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll settings: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll settings: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

// Forward posts the update's patch to /updatesettings.
func (c *HTTPChannel) Forward(ctx context.Context, u core.Update) error {
	payload, err := json.Marshal(u.Patch)
	if err != nil {
		return fmt.Errorf("encode patch for %s: %w", u.Command, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/updatesettings", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward %s: %w", u.Command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return fmt.Errorf("forward %s: %s: %s", u.Command, resp.Status, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	c.logger.Debug("forwarded update", "command", string(u.Command), "patch", string(payload))
	return nil
}

// Close releases idle connections.
func (c *HTTPChannel) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
