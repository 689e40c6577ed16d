package transport

import (
	"context"
	"testing"
	"time"
)

func TestWebSocketRoundTrip(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", "/ws")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Connection, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	endpoint := "ws://" + ln.Addr().String() + "/ws"
	dialer := NewWebSocketDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case server := <-accepted:
		defer server.Close()
		msg := []byte("ping")
		if _, err := client.Write(msg); err != nil {
			t.Fatalf("Write: %v", err)
		}
		buf := make([]byte, len(msg))
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:n]) != "ping" {
			t.Fatalf("unexpected payload: %q", buf[:n])
		}
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
}

func TestWebSocketReadSplitsAcrossMessages(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", "/ws")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Connection, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	endpoint := "ws://" + ln.Addr().String() + "/ws"
	dialer := NewWebSocketDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	if _, err := client.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	first := make([]byte, 1)
	if _, err := server.Read(first); err != nil {
		t.Fatalf("Read first byte: %v", err)
	}
	if first[0] != 'a' {
		t.Fatalf("expected first byte 'a', got %q", first[0])
	}
	second := make([]byte, 1)
	if _, err := server.Read(second); err != nil {
		t.Fatalf("Read second byte: %v", err)
	}
	if second[0] != 'b' {
		t.Fatalf("expected second byte 'b', got %q", second[0])
	}
}
