package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/transport"
)

// PeerNotificationKind distinguishes a Connected from a Disconnected
// peer notification.
type PeerNotificationKind string

const (
	PeerConnected    PeerNotificationKind = "CONNECTED"
	PeerDisconnected PeerNotificationKind = "DISCONNECTED"
)

// PeerNotification is delivered to subscribers when a peer's connection
// state changes.
type PeerNotification struct {
	Kind PeerNotificationKind
	Peer PeerTokenPair
}

// ReconnectBackoff is the policy used between reconnection attempts: it
// starts at one second and doubles, bounded by MaxAttempts.
type ReconnectBackoff struct {
	Initial     time.Duration
	MaxAttempts int
}

// DefaultReconnectBackoff is the standard reconnect policy.
var DefaultReconnectBackoff = ReconnectBackoff{Initial: time.Second, MaxAttempts: 10}

func (b ReconnectBackoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// peerEntry is the peer manager's internal bookkeeping for one token
// pair: its ref count, its current connection (if any), and the
// endpoints to redial on disconnect.
type peerEntry struct {
	token          PeerTokenPair
	endpoints      []string
	connectionID   string
	remoteEndpoint string
	refCount       int
	identity       Identity
	reconnecting   bool
}

// PeerRef is a reference-counted handle returned by AddPeerRef. Callers
// must call Release exactly once when finished with the peer. Holders
// keep a token, not a pointer into the manager's internal table, so a
// table compaction or reconnection can't invalidate an outstanding
// reference.
type PeerRef struct {
	pm    *PeerManager
	token PeerTokenPair
}

// Token returns the underlying peer token pair.
func (r *PeerRef) Token() PeerTokenPair { return r.token }

// Release decrements the peer's reference count.
func (r *PeerRef) Release() { r.pm.removePeerRef(r.token) }

// peer manager internal request types; every mutation to the peer table
// funnels through the single owning loop via these.
type pmAddRefReq struct {
	endpoints []string
	respCh    chan pmAddRefResp
}
type pmAddRefResp struct {
	token PeerTokenPair
	err   error
}
type pmRemoveRefReq struct{ token PeerTokenPair }
type pmListReq struct{ respCh chan []PeerTokenPair }
type pmListUnrefReq struct{ respCh chan []PeerTokenPair }
type pmConnIDsReq struct{ respCh chan []string }
type pmSubscribeReq struct{ respCh chan <-chan PeerNotification }
type pmInboundConnReq struct {
	conn transport.Connection
	id   string
}
type pmDisconnectedReq struct{ connectionID string }

// PeerManager provides reference-counted, reconnecting peer connections
// over a Matrix, keyed by PeerTokenPair. It does not run the
// authorization handshake: a peer's tokens are its connection id and a
// generated local token. All table
// mutations run on a single goroutine reached through typed request
// structs rather than a lock-guarded shared map.
type PeerManager struct {
	log     *logrus.Entry
	matrix  *Matrix
	factory *transport.Factory
	backoff ReconnectBackoff
	metrics *Metrics

	addRefCh    chan pmAddRefReq
	removeRefCh chan pmRemoveRefReq
	listCh      chan pmListReq
	listUnrefCh chan pmListUnrefReq
	connIDsCh   chan pmConnIDsReq
	subscribeCh chan pmSubscribeReq
	inboundCh   chan pmInboundConnReq
	disconnCh   chan pmDisconnectedReq
	reconnectCh chan reconnectedMsg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeerManager constructs a PeerManager over matrix, dialing through
// factory. metrics may be nil.
func NewPeerManager(matrix *Matrix, factory *transport.Factory, metrics *Metrics, log *logrus.Logger) *PeerManager {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PeerManager{
		log:         log.WithField("component", "peer_manager"),
		matrix:      matrix,
		factory:     factory,
		backoff:     DefaultReconnectBackoff,
		metrics:     metrics,
		addRefCh:    make(chan pmAddRefReq),
		removeRefCh: make(chan pmRemoveRefReq),
		listCh:      make(chan pmListReq),
		listUnrefCh: make(chan pmListUnrefReq),
		connIDsCh:   make(chan pmConnIDsReq),
		subscribeCh: make(chan pmSubscribeReq),
		inboundCh:   make(chan pmInboundConnReq),
		disconnCh:   make(chan pmDisconnectedReq),
		reconnectCh: make(chan reconnectedMsg),
		ctx:         ctx,
		cancel:      cancel,
	}
	pm.wg.Add(1)
	go pm.run()
	return pm
}

// SetBackoff overrides the reconnection policy, which defaults to
// DefaultReconnectBackoff.
func (pm *PeerManager) SetBackoff(b ReconnectBackoff) { pm.backoff = b }

// Close stops the peer manager's event loop and releases all peers.
func (pm *PeerManager) Close() {
	pm.cancel()
	pm.wg.Wait()
}

// AddPeerRef dials the first reachable endpoint (falling back through
// the rest) and returns a ref-counted handle. If a peer for an endpoint
// set already exists as an unreferenced candidate, it is promoted rather
// than re-dialed.
func (pm *PeerManager) AddPeerRef(endpoints []string) (*PeerRef, error) {
	respCh := make(chan pmAddRefResp, 1)
	select {
	case pm.addRefCh <- pmAddRefReq{endpoints: endpoints, respCh: respCh}:
	case <-pm.ctx.Done():
		return nil, splinterrors.New(splinterrors.Internal, "peer_manager", "closed")
	}
	resp := <-respCh
	if resp.err != nil {
		return nil, resp.err
	}
	return &PeerRef{pm: pm, token: resp.token}, nil
}

func (pm *PeerManager) removePeerRef(token PeerTokenPair) {
	select {
	case pm.removeRefCh <- pmRemoveRefReq{token: token}:
	case <-pm.ctx.Done():
	}
}

// ListPeers returns every currently referenced peer.
func (pm *PeerManager) ListPeers() []PeerTokenPair {
	respCh := make(chan []PeerTokenPair, 1)
	select {
	case pm.listCh <- pmListReq{respCh: respCh}:
		return <-respCh
	case <-pm.ctx.Done():
		return nil
	}
}

// ListUnreferencedPeers returns peers whose inbound connection arrived
// before any local reference was taken.
func (pm *PeerManager) ListUnreferencedPeers() []PeerTokenPair {
	respCh := make(chan []PeerTokenPair, 1)
	select {
	case pm.listUnrefCh <- pmListUnrefReq{respCh: respCh}:
		return <-respCh
	case <-pm.ctx.Done():
		return nil
	}
}

// ConnectionIDs returns the matrix connection ids currently backing a
// peer.
func (pm *PeerManager) ConnectionIDs() []string {
	respCh := make(chan []string, 1)
	select {
	case pm.connIDsCh <- pmConnIDsReq{respCh: respCh}:
		return <-respCh
	case <-pm.ctx.Done():
		return nil
	}
}

// Subscribe returns a channel of Connected/Disconnected notifications.
func (pm *PeerManager) Subscribe() <-chan PeerNotification {
	respCh := make(chan (<-chan PeerNotification), 1)
	select {
	case pm.subscribeCh <- pmSubscribeReq{respCh: respCh}:
		return <-respCh
	case <-pm.ctx.Done():
		return nil
	}
}

// NotifyInboundConnection registers a connection that arrived before any
// local reference existed for it, making it available as an
// unreferenced candidate.
func (pm *PeerManager) NotifyInboundConnection(conn transport.Connection, connectionID string) {
	select {
	case pm.inboundCh <- pmInboundConnReq{conn: conn, id: connectionID}:
	case <-pm.ctx.Done():
	}
}

// NotifyDisconnected tells the peer manager that connectionID dropped,
// triggering reconnection for any peer it backed.
func (pm *PeerManager) NotifyDisconnected(connectionID string) {
	select {
	case pm.disconnCh <- pmDisconnectedReq{connectionID: connectionID}:
	case <-pm.ctx.Done():
	}
}

// run is the peer manager's single owning goroutine; every field below
// is local to it and touched nowhere else, which is what makes the
// lock-free table safe.
func (pm *PeerManager) run() {
	defer pm.wg.Done()

	peers := make(map[PeerTokenPair]*peerEntry)
	unreferenced := make(map[string]*peerEntry) // keyed by connection id
	var subs []chan PeerNotification

	notify := func(n PeerNotification) {
		for _, s := range subs {
			select {
			case s <- n:
			default:
			}
		}
	}

	reconnect := func(entry *peerEntry) {
		if entry.reconnecting {
			return
		}
		entry.reconnecting = true
		pm.wg.Add(1)
		go func(token PeerTokenPair, endpoints []string) {
			defer pm.wg.Done()
			for attempt := 0; attempt < pm.backoff.MaxAttempts; attempt++ {
				select {
				case <-pm.ctx.Done():
					return
				case <-time.After(pm.backoff.delay(attempt)):
				}
				connID, _, err := pm.dialFirstReachable(endpoints)
				if err != nil {
					pm.log.WithField("peer", token).WithError(err).Warn("reconnect attempt failed")
					continue
				}
				select {
				case pm.reconnectCh <- reconnectedMsg{token: token, connID: connID}:
				case <-pm.ctx.Done():
				}
				return
			}
			pm.log.WithField("peer", token).Error("exhausted reconnect attempts")
		}(entry.token, entry.endpoints)
	}

	for {
		select {
		case <-pm.ctx.Done():
			for _, mc := range peers {
				if mc.connectionID != "" {
					_, _ = pm.matrix.Remove(mc.connectionID)
				}
			}
			for _, s := range subs {
				close(s)
			}
			return

		case req := <-pm.addRefCh:
			token, err := pm.resolveOrDial(peers, unreferenced, req.endpoints)
			if err != nil {
				req.respCh <- pmAddRefResp{err: err}
				continue
			}
			peers[token].refCount++
			req.respCh <- pmAddRefResp{token: token}
			if pm.metrics != nil {
				pm.metrics.PeerCount.Set(float64(len(peers)))
			}

		case req := <-pm.removeRefCh:
			entry, ok := peers[req.token]
			if !ok {
				continue
			}
			entry.refCount--
			if entry.refCount <= 0 {
				if entry.connectionID != "" {
					_, _ = pm.matrix.Remove(entry.connectionID)
				}
				delete(peers, req.token)
				notify(PeerNotification{Kind: PeerDisconnected, Peer: req.token})
				if pm.metrics != nil {
					pm.metrics.PeerCount.Set(float64(len(peers)))
				}
			}

		case req := <-pm.listCh:
			out := make([]PeerTokenPair, 0, len(peers))
			for t := range peers {
				out = append(out, t)
			}
			req.respCh <- out

		case req := <-pm.listUnrefCh:
			out := make([]PeerTokenPair, 0, len(unreferenced))
			for _, e := range unreferenced {
				out = append(out, e.token)
			}
			req.respCh <- out

		case req := <-pm.connIDsCh:
			out := make([]string, 0, len(peers))
			for _, e := range peers {
				if e.connectionID != "" {
					out = append(out, e.connectionID)
				}
			}
			req.respCh <- out

		case req := <-pm.subscribeCh:
			ch := make(chan PeerNotification, 32)
			subs = append(subs, ch)
			req.respCh <- ch

		case req := <-pm.inboundCh:
			connID := req.id
			if err := pm.matrix.Add(req.conn, connID); err != nil {
				pm.log.WithError(err).Warn("failed to register inbound connection")
				continue
			}
			token := PeerTokenPair{RemoteToken: connID, LocalToken: uuid.NewString()}
			entry := &peerEntry{token: token, connectionID: connID, remoteEndpoint: req.conn.RemoteEndpoint()}
			unreferenced[connID] = entry

		case req := <-pm.disconnCh:
			for token, entry := range peers {
				if entry.connectionID == req.connectionID {
					entry.connectionID = ""
					notify(PeerNotification{Kind: PeerDisconnected, Peer: token})
					reconnect(entry)
					break
				}
			}

		case msg := <-pm.reconnectCh:
			if entry, ok := peers[msg.token]; ok {
				entry.connectionID = msg.connID
				entry.reconnecting = false
				notify(PeerNotification{Kind: PeerConnected, Peer: msg.token})
			} else {
				// Reference was released while reconnecting; tear the
				// fresh connection back down instead of leaking it.
				_, _ = pm.matrix.Remove(msg.connID)
			}
		}
	}
}

// resolveOrDial finds an existing peer entry for endpoints (promoting an
// unreferenced candidate if present) or dials a fresh connection. An
// unreferenced candidate is only promoted when its own remote endpoint is
// one of the requested endpoints — otherwise an inbound connection from
// some other node could be handed out as if it were the requested peer.
func (pm *PeerManager) resolveOrDial(peers map[PeerTokenPair]*peerEntry, unreferenced map[string]*peerEntry, endpoints []string) (PeerTokenPair, error) {
	for _, e := range peers {
		if sameEndpoints(e.endpoints, endpoints) {
			return e.token, nil
		}
	}
	for connID, e := range unreferenced {
		if !endpointRequested(e.remoteEndpoint, endpoints) {
			continue
		}
		delete(unreferenced, connID)
		e.endpoints = endpoints
		peers[e.token] = e
		return e.token, nil
	}
	connID, localToken, err := pm.dialFirstReachable(endpoints)
	if err != nil {
		return PeerTokenPair{}, err
	}
	token := PeerTokenPair{RemoteToken: connID, LocalToken: localToken}
	peers[token] = &peerEntry{token: token, endpoints: endpoints, connectionID: connID}
	return token, nil
}

func (pm *PeerManager) dialFirstReachable(endpoints []string) (connID string, localToken string, err error) {
	var lastErr error
	for _, ep := range endpoints {
		ctx, cancel := context.WithTimeout(pm.ctx, transport.DialTimeout)
		conn, dialErr := pm.factory.Dial(ctx, ep)
		cancel()
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		connID = uuid.NewString()
		if addErr := pm.matrix.Add(conn, connID); addErr != nil {
			_ = conn.Close()
			lastErr = addErr
			continue
		}
		return connID, uuid.NewString(), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints provided")
	}
	return "", "", splinterrors.Wrap(splinterrors.Transport, "peer_manager", "dial all endpoints failed", lastErr)
}

type reconnectedMsg struct {
	token  PeerTokenPair
	connID string
}

func endpointRequested(remote string, endpoints []string) bool {
	for _, ep := range endpoints {
		if ep == remote {
			return true
		}
	}
	return false
}

func sameEndpoints(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
