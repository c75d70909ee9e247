// Package config loads the ledbar configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"ledbar/internal/core"
)

// DefaultSocketPath is the local control endpoint used when none is configured.
const DefaultSocketPath = "/tmp/waybar-led"

// Remote channel kinds.
const (
	RemoteHTTP      = "http"
	RemoteWebSocket = "websocket"
	RemoteMQTT      = "mqtt"
)

// HTTPConfig configures the polling remote channel.
type HTTPConfig struct {
	BaseURL      string `yaml:"base_url"`
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`

	PollEvery      time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
}

// WebSocketConfig configures the persistent socket remote channel.
type WebSocketConfig struct {
	URL string `yaml:"url"`
}

// MQTTConfig configures the broker remote channel.
type MQTTConfig struct {
	Broker       string `yaml:"broker"` // tcp://IP:PORT
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	StateTopic   string `yaml:"state_topic"`
	CommandTopic string `yaml:"command_topic"`
}

// RemoteConfig selects and configures the remote state channel.
type RemoteConfig struct {
	Kind      string          `yaml:"kind"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// RenderConfig configures status rendering.
type RenderConfig struct {
	FormatScript string `yaml:"format_script"`
}

// ScheduleEntry fires a command token on a cron schedule.
type ScheduleEntry struct {
	Spec    string `yaml:"spec"`
	Command string `yaml:"command"`
}

// Config is the top-level configuration.
type Config struct {
	SocketPath string   `yaml:"socket_path"`
	LogPath    string   `yaml:"log_path"`
	Backoff    string   `yaml:"backoff"`
	SSID       string   `yaml:"ssid"`
	SSIDCmd    []string `yaml:"ssid_command"`

	ForwardRateLimit float64 `yaml:"forward_rate_limit"`
	ForwardRateBurst int     `yaml:"forward_rate_burst"`

	Remote    RemoteConfig    `yaml:"remote"`
	Render    RenderConfig    `yaml:"render"`
	Schedules []ScheduleEntry `yaml:"schedules"`

	BackoffDelay time.Duration `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the YAML file at path and applies defaults and validation. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OverrideSocketPath replaces the socket path. A log path derived from the
// old socket path follows it.
func (c *Config) OverrideSocketPath(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	if c.LogPath == c.SocketPath+".log" {
		c.LogPath = path + ".log"
	}
	c.SocketPath = path
}

func (c *Config) sanitize() {
	c.SocketPath = strings.TrimSpace(c.SocketPath)
	c.LogPath = strings.TrimSpace(c.LogPath)
	c.SSID = strings.TrimSpace(c.SSID)
	c.Remote.Kind = strings.ToLower(strings.TrimSpace(c.Remote.Kind))
	c.Remote.HTTP.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.HTTP.BaseURL), "/")
	c.Remote.WebSocket.URL = strings.TrimSpace(c.Remote.WebSocket.URL)
	c.Render.FormatScript = strings.TrimSpace(c.Render.FormatScript)
	for i := range c.Schedules {
		c.Schedules[i].Spec = strings.TrimSpace(c.Schedules[i].Spec)
		c.Schedules[i].Command = strings.TrimSpace(c.Schedules[i].Command)
	}
}

func (c *Config) setDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogPath == "" {
		c.LogPath = c.SocketPath + ".log"
	}
	if c.Backoff == "" {
		c.Backoff = "5s"
	}
	if len(c.SSIDCmd) == 0 {
		c.SSIDCmd = []string{"iwgetid", "-r"}
	}
	if c.ForwardRateLimit <= 0 {
		c.ForwardRateLimit = 10
	}
	if c.ForwardRateBurst <= 0 {
		c.ForwardRateBurst = 5
	}

	// Remote Defaults
	if c.Remote.Kind == "" {
		c.Remote.Kind = RemoteHTTP
	}
	if c.Remote.HTTP.BaseURL == "" {
		c.Remote.HTTP.BaseURL = "http://ledstrip.local"
	}
	if c.Remote.HTTP.PollInterval == "" {
		c.Remote.HTTP.PollInterval = "1s"
	}
	if c.Remote.HTTP.Timeout == "" {
		c.Remote.HTTP.Timeout = "3s"
	}
	if c.Remote.WebSocket.URL == "" {
		c.Remote.WebSocket.URL = "ws://ledstrip.local:81/"
	}
	if c.Remote.MQTT.Broker == "" {
		c.Remote.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.Remote.MQTT.ClientID == "" {
		c.Remote.MQTT.ClientID = "ledbar"
	}
	if c.Remote.MQTT.StateTopic == "" {
		c.Remote.MQTT.StateTopic = "ledstrip/state"
	}
	if c.Remote.MQTT.CommandTopic == "" {
		c.Remote.MQTT.CommandTopic = "ledstrip/command"
	}
}

func (c *Config) validate() error {
	var err error
	if c.BackoffDelay, err = positiveDuration("backoff", c.Backoff); err != nil {
		return err
	}
	if c.Remote.HTTP.PollEvery, err = positiveDuration("remote.http.poll_interval", c.Remote.HTTP.PollInterval); err != nil {
		return err
	}
	if c.Remote.HTTP.RequestTimeout, err = positiveDuration("remote.http.timeout", c.Remote.HTTP.Timeout); err != nil {
		return err
	}

	switch c.Remote.Kind {
	case RemoteHTTP, RemoteWebSocket, RemoteMQTT:
	default:
		return fmt.Errorf("config error: unknown remote kind %q", c.Remote.Kind)
	}

	for i, s := range c.Schedules {
		if _, err := cron.ParseStandard(s.Spec); err != nil {
			return fmt.Errorf("config error: schedules[%d]: invalid spec %q: %w", i, s.Spec, err)
		}
		if _, err := core.ParseCommand(s.Command); err != nil {
			return fmt.Errorf("config error: schedules[%d]: %w", i, err)
		}
	}
	return nil
}

func positiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config error: '%s': %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config error: '%s' must be positive", key)
	}
	return d, nil
}
