package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
)

// tcpConn adapts a net.Conn to Connection, remembering the endpoint URI
// it was dialed from (or, for inbound connections, the scheme plus the
// observed remote address) since net.Conn.RemoteAddr alone loses the
// scheme and any listener hostname.
type tcpConn struct {
	net.Conn
	endpoint string
}

func (c *tcpConn) RemoteEndpoint() string { return c.endpoint }

type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", endpoint, err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", endpoint, err)
	}
	return &tcpConn{Conn: conn, endpoint: endpoint}, nil
}

type tcpListener struct {
	ln     net.Listener
	scheme string
}

func listenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %q: %w", addr, err)
	}
	return &tcpListener{ln: ln, scheme: "tcp"}, nil
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s://%s", l.scheme, conn.RemoteAddr().String())
	return &tcpConn{Conn: conn, endpoint: endpoint}, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

type tlsDialer struct {
	cfg *tls.Config
}

func (d *tlsDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", endpoint, err)
	}
	dialer := tls.Dialer{Config: d.cfg}
	conn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: tls dial %q: %w", endpoint, err)
	}
	return &tcpConn{Conn: conn, endpoint: endpoint}, nil
}

func listenTLS(addr string, cfg *tls.Config) (Listener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tls %q: %w", addr, err)
	}
	return &tcpListener{ln: ln, scheme: "tcps"}, nil
}
