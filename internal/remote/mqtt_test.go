package remote

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"ledbar/internal/config"
	"ledbar/internal/core"
	"ledbar/internal/stream"
	"ledbar/internal/testutil"
)

const (
	testStateTopic   = "ledstrip/state"
	testCommandTopic = "ledstrip/command"
)

// testBroker is an in-process broker. Payloads published on the command
// topic are delivered on commands.
type testBroker struct {
	server   *mochi.Server
	url      string
	commands chan string

	closeOnce sync.Once
}

func (b *testBroker) close() {
	b.closeOnce.Do(func() { _ = b.server.Close() })
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       quietLogger(),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	addr := freeAddr(t)
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}

	b := &testBroker{server: server, url: "tcp://" + addr, commands: make(chan string, 8)}
	err := server.Subscribe(testCommandTopic, 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		b.commands <- string(pk.Payload)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(b.close)
	return b
}

func (b *testBroker) publishState(t *testing.T, payload string) {
	t.Helper()
	if err := b.server.Publish(testStateTopic, []byte(payload), true, 1); err != nil {
		t.Fatalf("publish state: %v", err)
	}
}

func dialTestBroker(t *testing.T, b *testBroker, clientID string) Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Open(ctx, config.RemoteConfig{
		Kind: config.RemoteMQTT,
		MQTT: config.MQTTConfig{
			Broker:       b.url,
			ClientID:     clientID,
			StateTopic:   testStateTopic,
			CommandTopic: testCommandTopic,
		},
	}, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestMQTTChannelDeliversStateAndForwardsTokens(t *testing.T) {
	broker := newTestBroker(t)
	retained := `{"on":1,"global_brightness":0.42,"groups":{"main":{"palette":50}}}`
	broker.publishState(t, retained)

	ch := dialTestBroker(t, broker, "ledbar-state")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan stream.Message)
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Run(ctx, out) }()

	msg := testutil.RequireReceive(t, out, 5*time.Second, "retained snapshot")
	if msg.Source != SourceName || string(msg.Data) != retained {
		t.Fatalf("got %s/%q", msg.Source, msg.Data)
	}

	broker.publishState(t, `{"on":0}`)
	msg = testutil.RequireReceive(t, out, 5*time.Second, "live snapshot")
	if string(msg.Data) != `{"on":0}` {
		t.Fatalf("got %q", msg.Data)
	}

	for _, cmd := range []core.Command{core.CmdBrightnessDown, core.CmdPower} {
		u := core.Update{Command: cmd, Patch: core.PowerPatch(true)}
		if err := ch.Forward(context.Background(), u); err != nil {
			t.Fatalf("Forward(%s): %v", cmd, err)
		}
		if got := testutil.RequireReceive(t, broker.commands, 5*time.Second, fmt.Sprintf("command %s", cmd)); got != string(cmd) {
			t.Fatalf("broker received %q, want literal token %q", got, cmd)
		}
	}

	cancel()
	if err := testutil.RequireReceive(t, errCh, 5*time.Second, "Run return"); err != nil {
		t.Fatalf("Run = %v after cancel, want nil", err)
	}
}

func TestMQTTConnectionLostEndsRun(t *testing.T) {
	broker := newTestBroker(t)
	ch := dialTestBroker(t, broker, "ledbar-lost")

	out := make(chan stream.Message)
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Run(context.Background(), out) }()

	broker.close()
	if err := testutil.RequireReceive(t, errCh, 10*time.Second, "Run return"); err == nil {
		t.Fatal("Run = nil after broker went away, want error")
	}
	if err := ch.Forward(context.Background(), core.Update{Command: core.CmdPower}); err == nil {
		t.Fatal("Forward succeeded without a broker")
	}
}
