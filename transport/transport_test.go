package transport

import (
	"context"
	"testing"
)

func TestSchemeOf(t *testing.T) {
	scheme, err := schemeOf("tcp://127.0.0.1:9000")
	if err != nil || scheme != "tcp" {
		t.Fatalf("schemeOf: got %q err %v", scheme, err)
	}
	if _, err := schemeOf("no-scheme-here"); err == nil {
		t.Fatal("expected error for endpoint with no scheme")
	}
}

func TestFactoryDialUnknownSchemeFails(t *testing.T) {
	f := NewFactory()
	if _, err := f.Dial(context.Background(), "ws://127.0.0.1:9000"); err == nil {
		t.Fatal("expected error dialing unregistered scheme")
	}
}

func TestFactoryListenUnknownSchemeFails(t *testing.T) {
	f := NewFactory()
	if _, err := f.Listen("ws://127.0.0.1:0"); err == nil {
		t.Fatal("expected error listening on unregistered scheme")
	}
}

func TestFactoryRegisterAddsScheme(t *testing.T) {
	f := NewFactory()
	f.Register("test", fakeRegistryDialer{}, nil)
	conn, err := f.Dial(context.Background(), "test://anything")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.RemoteEndpoint() != "test://anything" {
		t.Fatalf("unexpected endpoint: %s", conn.RemoteEndpoint())
	}
}

type fakeRegistryDialer struct{}

func (fakeRegistryDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	return &tcpConn{endpoint: endpoint}, nil
}

func TestTCPDialAndAccept(t *testing.T) {
	ln, err := listenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listenTCP: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().String()
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

	dialer := tcpDialer{}
	client, err := dialer.Dial(context.Background(), "tcp://"+addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case server := <-accepted:
		defer server.Close()
		msg := []byte("hello")
		if _, err := client.Write(msg); err != nil {
			t.Fatalf("Write: %v", err)
		}
		buf := make([]byte, len(msg))
		if _, err := server.Read(buf); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf) != "hello" {
			t.Fatalf("unexpected payload: %q", buf)
		}
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	}
}

func TestTCPDialInvalidEndpointFails(t *testing.T) {
	dialer := tcpDialer{}
	if _, err := dialer.Dial(context.Background(), "tcp://127.0.0.1:0/\x00bad"); err == nil {
		t.Fatal("expected dial error for malformed endpoint")
	}
}
