package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the net.Conn-shaped Connection
// interface by treating each WebSocket binary message as one chunk of a
// byte stream: Read drains the current message before asking gorilla for
// the next one, so callers see an ordinary io.Reader regardless of how
// the other side chunked its writes.
type wsConn struct {
	ws       *websocket.Conn
	endpoint string

	mu  sync.Mutex
	buf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) RemoteEndpoint() string              { return c.endpoint }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error   { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error  { return c.ws.SetWriteDeadline(t) }

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a Dialer for the ws/wss schemes.
func NewWebSocketDialer() Dialer {
	return &wsDialer{dialer: &websocket.Dialer{HandshakeTimeout: DialTimeout}}
}

func (d *wsDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	conn, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %q: %w", endpoint, err)
	}
	return &wsConn{ws: conn, endpoint: endpoint}, nil
}

// wsListener upgrades inbound HTTP connections to WebSocket and hands
// them to the matrix through an internal channel, since net/http owns
// the accept loop for an HTTP-based transport rather than a raw
// net.Listener.
type wsListener struct {
	addr     net.Addr
	upgrader websocket.Upgrader
	accept   chan Connection
	errs     chan error
	server   *http.Server
}

// ListenWebSocket starts an HTTP server on addr that upgrades every
// request on path to a WebSocket connection and surfaces it through
// Accept.
func ListenWebSocket(addr, path string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen ws %q: %w", addr, err)
	}
	l := &wsListener{
		addr:     ln.Addr(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		accept:   make(chan Connection),
		errs:     make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		endpoint := (&url.URL{Scheme: "ws", Host: r.RemoteAddr, Path: path}).String()
		l.accept <- &wsConn{ws: conn, endpoint: endpoint}
	})
	l.server = &http.Server{Handler: mux}
	go func() {
		l.errs <- l.server.Serve(ln)
	}()
	return l, nil
}

func (l *wsListener) Accept() (Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case err := <-l.errs:
		return nil, err
	}
}

func (l *wsListener) Close() error   { return l.server.Close() }
func (l *wsListener) Addr() net.Addr { return l.addr }
