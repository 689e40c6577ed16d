package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/transport"
	"github.com/splinter-mesh/splinter/wire"
)

// sendQueueDepth bounds how many outbound frames a connection's writer
// can have queued before the sender starts blocking. No frame is dropped
// when the queue is full, here or in the peer manager: Send waits until
// the writer takes a frame or the connection closes.
const sendQueueDepth = 100

// InboundFrame is one (connection, message) pair delivered by Recv, in
// the order frames arrived across all connections.
type InboundFrame struct {
	ConnectionID string
	Message      wire.NetworkMessage
}

// matrixConn tracks the per-connection state the matrix's reader and
// writer goroutines share: one reader per connection, plus a dedicated
// writer goroutine per connection so a slow peer cannot stall sends to
// others.
type matrixConn struct {
	id     string
	conn   transport.Connection
	sendCh chan wire.NetworkMessage
	done   chan struct{}
}

// Matrix owns a set of framed, full-duplex connections tagged by opaque
// connection id, and multiplexes reads from all of them into one ordered
// channel.
type Matrix struct {
	log *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*matrixConn

	recvCh chan InboundFrame

	metrics *Metrics

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// NewMatrix constructs an empty Matrix. metrics may be nil.
func NewMatrix(metrics *Metrics, log *logrus.Logger) *Matrix {
	if log == nil {
		log = logrus.New()
	}
	return &Matrix{
		log:        log.WithField("component", "matrix"),
		conns:      make(map[string]*matrixConn),
		recvCh:     make(chan InboundFrame, 256),
		metrics:    metrics,
		shutdownCh: make(chan struct{}),
	}
}

// Add integrates a new connection under id, starting its reader and
// writer goroutines. It fails if id is already present.
func (m *Matrix) Add(conn transport.Connection, id string) error {
	m.mu.Lock()
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		return splinterrors.New(splinterrors.InvalidArgument, "matrix", fmt.Sprintf("connection id %q already present", id))
	}
	mc := &matrixConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan wire.NetworkMessage, sendQueueDepth),
		done:   make(chan struct{}),
	}
	m.conns[id] = mc
	count := len(m.conns)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(mc)
	go m.writeLoop(mc)
	m.log.WithField("connection_id", id).Info("connection added")
	if m.metrics != nil {
		m.metrics.OpenConnections.Set(float64(count))
	}
	return nil
}

// Remove releases and returns the connection registered under id.
func (m *Matrix) Remove(id string) (transport.Connection, error) {
	m.mu.Lock()
	mc, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil, splinterrors.New(splinterrors.InvalidArgument, "matrix", fmt.Sprintf("unknown connection id %q", id))
	}
	delete(m.conns, id)
	count := len(m.conns)
	m.mu.Unlock()

	close(mc.done)
	_ = mc.conn.Close()
	m.log.WithField("connection_id", id).Info("connection removed")
	if m.metrics != nil {
		m.metrics.OpenConnections.Set(float64(count))
	}
	return mc.conn, nil
}

// Send enqueues msg for delivery on the connection registered under id.
// It returns as soon as the frame is queued; only an unknown id or a
// fatal transport error is reported here.
func (m *Matrix) Send(id string, msg wire.NetworkMessage) error {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return splinterrors.New(splinterrors.InvalidArgument, "matrix", fmt.Sprintf("unknown connection id %q", id))
	}
	select {
	case mc.sendCh <- msg:
		return nil
	case <-mc.done:
		return splinterrors.New(splinterrors.Transport, "matrix", fmt.Sprintf("connection %q closed", id))
	}
}

// Recv blocks until a frame arrives on any connection, the matrix is
// shut down, or it has no connections at all.
func (m *Matrix) Recv(ctx context.Context) (InboundFrame, error) {
	return m.RecvTimeout(ctx, 0)
}

// RecvTimeout is Recv bounded by d; d <= 0 means no timeout.
func (m *Matrix) RecvTimeout(ctx context.Context, d time.Duration) (InboundFrame, error) {
	select {
	case <-m.shutdownCh:
		return InboundFrame{}, splinterrors.New(splinterrors.Transport, "matrix", "shutdown")
	default:
	}
	m.mu.RLock()
	empty := len(m.conns) == 0
	m.mu.RUnlock()
	if empty {
		return InboundFrame{}, splinterrors.New(splinterrors.Transport, "matrix", "disconnected: no connections")
	}

	var timeoutCh <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case frame := <-m.recvCh:
		return frame, nil
	case <-m.shutdownCh:
		return InboundFrame{}, splinterrors.New(splinterrors.Transport, "matrix", "shutdown")
	case <-ctx.Done():
		return InboundFrame{}, ctx.Err()
	case <-timeoutCh:
		return InboundFrame{}, splinterrors.New(splinterrors.Timeout, "matrix", "recv timed out")
	}
}

// Shutdown terminates every reader and writer goroutine and causes
// future Recv calls to return a Shutdown error.
func (m *Matrix) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.mu.Lock()
		for id, mc := range m.conns {
			close(mc.done)
			_ = mc.conn.Close()
			delete(m.conns, id)
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// ConnectionIDs returns the ids of all currently registered connections.
func (m *Matrix) ConnectionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

func (m *Matrix) readLoop(mc *matrixConn) {
	defer m.wg.Done()
	log := m.log.WithField("connection_id", mc.id)
	for {
		msg, err := wire.ReadFrame(mc.conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Warn("read failed, dropping connection")
			}
			m.mu.Lock()
			if cur, ok := m.conns[mc.id]; ok && cur == mc {
				delete(m.conns, mc.id)
			}
			m.mu.Unlock()
			select {
			case <-mc.done:
			default:
				close(mc.done)
			}
			_ = mc.conn.Close()
			return
		}
		select {
		case m.recvCh <- InboundFrame{ConnectionID: mc.id, Message: msg}:
		case <-mc.done:
			return
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Matrix) writeLoop(mc *matrixConn) {
	defer m.wg.Done()
	log := m.log.WithField("connection_id", mc.id)
	for {
		select {
		case msg := <-mc.sendCh:
			if err := wire.WriteFrame(mc.conn, msg); err != nil {
				log.WithError(err).Warn("write failed, dropping connection")
				return
			}
		case <-mc.done:
			return
		case <-m.shutdownCh:
			return
		}
	}
}
