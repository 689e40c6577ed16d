package core

import (
	"sync"
	"testing"
	"time"

	"github.com/splinter-mesh/splinter/wire"
)

type fakeSender struct {
	mu  sync.Mutex
	out []wire.NetworkMessage
}

func (f *fakeSender) Send(connectionID string, msg wire.NetworkMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
	return nil
}

func TestDispatcherRejectsUnregisteredType(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 1, nil)
	defer d.Shutdown()
	if err := d.Dispatch("conn-1", wire.NetworkMessage{Type: wire.Circuit}); err == nil {
		t.Fatal("expected error dispatching unregistered message type")
	}
}

func TestDispatcherRoutesToHandler(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 2, nil)
	defer d.Shutdown()

	done := make(chan string, 1)
	d.Set(wire.Circuit, HandlerFunc(func(connectionID string, payload []byte, sender MessageSender) error {
		done <- connectionID
		return nil
	}))

	if err := d.Dispatch("conn-1", wire.NetworkMessage{Type: wire.Circuit, Payload: []byte("x")}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case got := <-done:
		if got != "conn-1" {
			t.Fatalf("unexpected connection id: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}
}

func TestDispatcherUnsetRemovesHandler(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 1, nil)
	defer d.Shutdown()
	d.Set(wire.Circuit, HandlerFunc(func(string, []byte, MessageSender) error { return nil }))
	d.Unset(wire.Circuit)
	if err := d.Dispatch("conn-1", wire.NetworkMessage{Type: wire.Circuit}); err == nil {
		t.Fatal("expected error after unset")
	}
}
