// Package netgate checks that the machine is on the expected wireless
// network before the supervisor starts a run.
package netgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrWrongNetwork is returned when the active network differs from the
// configured one.
var ErrWrongNetwork = errors.New("not on the expected network")

// ProbeTimeout bounds a single network-name lookup.
const ProbeTimeout = 5 * time.Second

// ProbeFunc returns the name of the active wireless network.
type ProbeFunc func(ctx context.Context) (string, error)

// Gate compares the active network name against SSID.
type Gate struct {
	SSID  string
	Probe ProbeFunc
}

// New returns a gate that runs command to learn the active network name.
// An empty ssid disables the check.
func New(ssid string, command []string) *Gate {
	return &Gate{SSID: ssid, Probe: CommandProbe(command)}
}

// Enabled reports whether a network name is configured.
func (g *Gate) Enabled() bool {
	return g != nil && g.SSID != ""
}

// Check passes when the gate is disabled or the active network matches.
func (g *Gate) Check(ctx context.Context) error {
	if !g.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	active, err := g.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe network name: %w", err)
	}
	if active != g.SSID {
		return fmt.Errorf("%w: want %q, active %q", ErrWrongNetwork, g.SSID, active)
	}
	return nil
}

// CommandProbe runs argv and returns its trimmed standard output.
func CommandProbe(argv []string) ProbeFunc {
	return func(ctx context.Context) (string, error) {
		if len(argv) == 0 {
			return "", errors.New("no probe command configured")
		}
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			}
			return "", fmt.Errorf("%s: %w", argv[0], err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
