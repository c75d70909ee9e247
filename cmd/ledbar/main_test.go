package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledbar/internal/core"
	"ledbar/internal/local"
	"ledbar/internal/stream"
	"ledbar/internal/testutil"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ledbar dev") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSendRejectsUnknownToken(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "absent.yaml")
	err := run(context.Background(), []string{"--config", cfg, "send", "frobnicate"}, io.Discard, io.Discard)
	if !errors.Is(err, core.ErrUnknownCommand) {
		t.Fatalf("run = %v, want unknown command", err)
	}
}

func TestSendDeliversToken(t *testing.T) {
	socket := filepath.Join(testutil.SocketDir(t), "led.sock")
	src, err := local.Listen(socket, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := make(chan stream.Message, 1)
	go func() { _ = src.Run(ctx, msgs) }()

	cfg := filepath.Join(t.TempDir(), "absent.yaml")
	if err := run(context.Background(), []string{"--config", cfg, "--socket", socket, "send", "power"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	msg := testutil.RequireReceive(t, msgs, 2*time.Second, "sent token")
	if string(msg.Data) != "power" {
		t.Fatalf("data = %q", msg.Data)
	}
}

func TestUnknownSubcommand(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "absent.yaml")
	if err := run(context.Background(), []string{"--config", cfg, "dance"}, io.Discard, io.Discard); err == nil {
		t.Fatal("unknown subcommand accepted")
	}
}
