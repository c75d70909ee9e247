// ledbar is a status-bar companion for a networked LED controller. It
// renders the controller's state as one line per change on stdout and
// relays button presses received on a local Unix socket to the controller.
//
// Usage:
//
//	ledbar [--config FILE] [--socket PATH]            run the status loop
//	ledbar [--config FILE] [--socket PATH] send TOKEN  relay one command
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ledbar/internal/config"
	"ledbar/internal/core"
	"ledbar/internal/local"
	"ledbar/internal/supervisor"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const sendTimeout = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var configPath, socketPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("ledbar", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file")
	flagSet.StringVarP(&socketPath, "socket", "s", "", "local control socket (overrides socket_path)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "ledbar %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.OverrideSocketPath(socketPath)

	rest := flagSet.Args()
	if len(rest) == 0 || rest[0] == "run" {
		if len(rest) > 1 {
			return fmt.Errorf("unexpected argument: %s", rest[1])
		}
		return runSupervisor(ctx, cfg, stdout)
	}

	switch rest[0] {
	case "send":
		if len(rest) != 2 {
			return errors.New("usage: ledbar send TOKEN")
		}
		return send(ctx, cfg.SocketPath, rest[1])
	default:
		return fmt.Errorf("unknown command: %s", rest[0])
	}
}

func runSupervisor(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	sup, err := supervisor.New(supervisor.Options{
		Config:  cfg,
		Stdout:  stdout,
		Version: version,
	})
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

func send(ctx context.Context, socketPath, token string) error {
	cmd, err := core.ParseCommand(token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return local.Send(ctx, socketPath, string(cmd))
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/ledbar/config.yaml"
	}
	return "ledbar.yaml"
}
