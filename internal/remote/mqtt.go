package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ledbar/internal/config"
	"ledbar/internal/core"
	"ledbar/internal/stream"
)

const mqttPublishTimeout = 5 * time.Second

// errMQTTClosed is reported when a token is abandoned because the channel closed.
var errMQTTClosed = errors.New("mqtt channel closed")

// MQTTChannel is the broker variant. Auto-reconnect is disabled so that a
// lost connection ends Run and reaches the supervisor.
type MQTTChannel struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger

	msgs chan []byte
	lost chan error
	done chan struct{}

	closeOnce sync.Once
}

// DialMQTT connects to the broker and subscribes to the state topic.
func DialMQTT(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTTChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MQTTChannel{
		cfg:    cfg,
		logger: logger,
		msgs:   make(chan []byte),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	// Snapshots must reach the merge in broker order.
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.signalLost(err)
	})

	c.client = mqtt.NewClient(opts)
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}
	if err := c.wait(ctx, c.client.Subscribe(cfg.StateTopic, 1, c.handleState)); err != nil {
		c.client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", cfg.StateTopic, err)
	}
	logger.Debug("mqtt connected", "broker", cfg.Broker, "state_topic", cfg.StateTopic)
	return c, nil
}

// Name implements stream.Source.
func (c *MQTTChannel) Name() string { return SourceName }

// Run emits every state payload until the connection is lost or ctx ends.
func (c *MQTTChannel) Run(ctx context.Context, out chan<- stream.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.lost:
			return fmt.Errorf("mqtt connection lost: %w", err)
		case payload := <-c.msgs:
			select {
			case out <- stream.NewMessage(SourceName, payload):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Forward publishes the command token to the command topic.
func (c *MQTTChannel) Forward(ctx context.Context, u core.Update) error {
	ctx, cancel := context.WithTimeout(ctx, mqttPublishTimeout)
	defer cancel()
	if err := c.wait(ctx, c.client.Publish(c.cfg.CommandTopic, 1, false, string(u.Command))); err != nil {
		return fmt.Errorf("forward %s: %w", u.Command, err)
	}
	c.logger.Debug("forwarded command", "command", string(u.Command), "topic", c.cfg.CommandTopic)
	return nil
}

// Close disconnects from the broker.
func (c *MQTTChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client.IsConnected() {
			c.client.Disconnect(250)
		}
	})
	return nil
}

// handleState runs on the paho router goroutine.
func (c *MQTTChannel) handleState(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case c.msgs <- payload:
	case <-c.done:
	}
}

func (c *MQTTChannel) signalLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *MQTTChannel) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errMQTTClosed
	}
}
