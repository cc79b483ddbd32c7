package lockbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("VVLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn), context.Background()
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	bus, ctx := newNATSBus(t)

	ch, err := bus.Subscribe(ctx, "b1/envelope_e1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "b1/envelope_e1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("metrics: %+v", m)
	}
}

func TestNATSBusSharedSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)

	ch1, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	ch2, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatal(err)
	}
	for i, ch := range []chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

func TestNATSBusUnsubscribe(t *testing.T) {
	bus, ctx := newNATSBus(t)

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("unsubscribe of an unknown key: %v", err)
	}
}
