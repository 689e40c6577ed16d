// Command splinterd runs one Splinter mesh node. It wires together the
// connection matrix, peer manager, dispatcher, router, admin service, and
// orchestrator described by the design, exposing only the operational
// subcommands a running daemon needs: start and circuit show. This is not
// the full splinter-cli surface; it matches the reference stack's
// cmd/synnergy pattern of a thin cobra root command that calls straight
// into core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/splinter-mesh/splinter/core"
	"github.com/splinter-mesh/splinter/pkg/config"
	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/store"
	"github.com/splinter-mesh/splinter/store/embedded"
	"github.com/splinter-mesh/splinter/store/sqlstore"
	"github.com/splinter-mesh/splinter/transport"
	"github.com/splinter-mesh/splinter/wire"
)

func main() {
	root := &cobra.Command{Use: "splinterd", Short: "Splinter mesh node daemon"}
	root.PersistentFlags().String("env", "", "configuration environment to merge over default.yaml")
	root.AddCommand(startCmd())
	root.AddCommand(circuitCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the node's transport, admin service, and orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			node, err := newNode(env)
			if err != nil {
				return err
			}
			defer node.Close()
			return node.Run()
		},
	}
}

func circuitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "circuit", Short: "read-only circuit inspection"}
	show := &cobra.Command{
		Use:   "show <circuit-id>",
		Short: "print the committed circuit record with the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			circuit, ok, err := st.GetCircuit(core.CircuitID(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("circuit %q not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(circuit)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "", "embedded":
		path := cfg.Storage.WALPath
		if path == "" {
			path = "splinterd.wal"
		}
		return embedded.Open(path)
	case "sql":
		return sqlstore.Open(cfg.Storage.SQLDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// node bundles every long-lived subsystem a running daemon owns.
type node struct {
	log *logrus.Logger

	selfNode core.NodeID
	signer   *core.Ed25519Signer

	metrics    *core.Metrics
	factory    *transport.Factory
	matrix     *core.Matrix
	peers      *core.PeerManager
	routing    *core.RoutingTable
	dispatcher *core.Dispatcher
	admin      *core.AdminService
	router     *core.Router
	orch       *core.Orchestrator
	events     *core.EventSubscriber
	registry   *core.InMemoryRegistry
	permission *core.InMemoryKeyPermissionManager

	st       store.Store
	listener transport.Listener

	recvCtx    context.Context
	recvCancel context.CancelFunc
	recvStop   chan struct{}
}

func newNode(env string) (*node, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	if lvl, parseErr := logrus.ParseLevel(cfg.Logging.Level); parseErr == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, openErr := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if openErr != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "splinterd", "open log file", openErr)
		}
		log.SetOutput(f)
	}

	selfNode := core.NodeID(cfg.Node.ID)
	signer, err := loadOrGenerateSigner(cfg.Node.KeySeedFile)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	metrics := core.NewMetrics()

	factory := transport.NewFactory()
	if cfg.Transport.TLSCertFile != "" && cfg.Transport.TLSKeyFile != "" {
		tlsCfg, tlsErr := loadTLSConfig(cfg.Transport.TLSCertFile, cfg.Transport.TLSKeyFile)
		if tlsErr != nil {
			return nil, tlsErr
		}
		factory.RegisterTLS(tlsCfg)
	}

	matrix := core.NewMatrix(metrics, log)
	peers := core.NewPeerManager(matrix, factory, metrics, log)
	peers.SetBackoff(core.ReconnectBackoff{
		Initial:     secondsOrDefault(cfg.Peers.ReconnectInitialSeconds, 1),
		MaxAttempts: intOrDefault(cfg.Peers.ReconnectMaxAttempts, core.DefaultReconnectBackoff.MaxAttempts),
	})

	routing := core.NewRoutingTable()
	registry := core.NewInMemoryRegistry()
	permission := core.NewInMemoryKeyPermissionManager()

	admin := core.NewAdminService(selfNode, st, permission, registry, core.Ed25519Verifier{}, matrix, routing, metrics, log)
	admin.SetTimeout(secondsOrDefault(cfg.Consensus.CoordinatorTimeoutSeconds, 30))

	local := &localDeliverer{admin: admin, selfNode: selfNode, log: log.WithField("component", "local_deliverer")}
	router := core.NewRouter(&circuitLookup{st: st}, routing, matrix, local, selfNode, metrics, log)

	orch := core.NewOrchestrator(metrics, log)
	events := core.NewEventSubscriber(st, log)

	dispatcher := core.NewDispatcher(matrix, core.DefaultWorkerCount, log)
	dispatcher.Set(wire.Circuit, circuitHandler{router: router, admin: admin})

	recvCtx, recvCancel := context.WithCancel(context.Background())

	n := &node{
		log:        log,
		selfNode:   selfNode,
		signer:     signer,
		metrics:    metrics,
		factory:    factory,
		matrix:     matrix,
		peers:      peers,
		routing:    routing,
		dispatcher: dispatcher,
		admin:      admin,
		router:     router,
		orch:       orch,
		events:     events,
		registry:   registry,
		permission: permission,
		st:         st,
		recvCtx:    recvCtx,
		recvCancel: recvCancel,
		recvStop:   make(chan struct{}),
	}

	if cfg.Transport.ListenEndpoint != "" {
		listener, listenErr := factory.Listen(cfg.Transport.ListenEndpoint)
		if listenErr != nil {
			n.Close()
			return nil, listenErr
		}
		n.listener = listener
	}

	return n, nil
}

// Run accepts inbound connections and pumps frames from the matrix into
// the dispatcher until interrupted.
func (n *node) Run() error {
	circuits, err := n.st.ListCircuits()
	if err != nil {
		return err
	}
	ids := make([]core.CircuitID, len(circuits))
	for i, c := range circuits {
		ids[i] = c.CircuitID
		for _, roster := range c.Roster {
			// ConnectionID is populated once the peer manager reports a
			// live connection for roster.AllowedNode; until then, routes
			// to this entry resolve but forwarding fails closed.
			n.routing.Add(core.RoutingEntry{
				ServiceID: core.ServiceID{CircuitID: c.CircuitID, ServiceID: roster.ServiceID},
				CircuitID: c.CircuitID,
				NodeID:    roster.AllowedNode,
			})
		}
	}
	proposals, err := n.st.ListProposals()
	if err != nil {
		return err
	}
	for _, p := range proposals {
		ids = append(ids, p.CircuitID)
	}
	if err := n.admin.ReplayPending(ids); err != nil {
		n.log.WithError(err).Warn("failed to replay pending consensus actions")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if n.listener != nil {
		go n.acceptLoop()
	}
	go n.recvLoop()
	go n.eventLoop()

	n.log.WithField("node", n.selfNode).Info("splinterd started")
	<-sig
	n.log.Info("splinterd shutting down")
	return nil
}

func (n *node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			n.log.WithError(err).Warn("listener accept failed")
			return
		}
		n.peers.NotifyInboundConnection(conn, conn.RemoteEndpoint())
	}
}

func (n *node) recvLoop() {
	for {
		select {
		case <-n.recvStop:
			return
		default:
		}
		frame, err := n.matrix.RecvTimeout(n.recvCtx, time.Second)
		if err != nil {
			switch splinterrors.KindOf(err) {
			case splinterrors.Timeout:
			case splinterrors.Transport:
				time.Sleep(100 * time.Millisecond)
			default:
			}
			continue
		}
		if err := n.dispatcher.Dispatch(frame.ConnectionID, frame.Message); err != nil {
			n.log.WithField("connection_id", frame.ConnectionID).WithError(err).Debug("dropped undispatchable frame")
		}
	}
}

// eventLoop feeds admin events to the orchestrator so committed circuits
// get their local service instances started, and disbanded circuits get
// them stopped.
func (n *node) eventLoop() {
	sub := n.events.Subscribe(0)
	defer n.events.Unsubscribe(sub)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			n.handleAdminEvent(evt)
		case <-n.recvStop:
			return
		}
	}
}

func (n *node) handleAdminEvent(evt core.AdminEvent) {
	switch evt.Type {
	case core.EventCircuitReady:
		var proposal core.CircuitProposal
		if err := json.Unmarshal(evt.Payload, &proposal); err != nil {
			n.log.WithError(err).Warn("failed to decode circuit-ready event payload")
			return
		}
		n.orch.OnCircuitReady(proposal.Circuit, n.selfNode)
	case core.EventCircuitDisbanded:
		n.orch.OnCircuitDisbanded(evt.CircuitID)
	}
}

func (n *node) Close() {
	if n.recvStop != nil {
		select {
		case <-n.recvStop:
		default:
			close(n.recvStop)
		}
	}
	if n.recvCancel != nil {
		n.recvCancel()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
	if n.dispatcher != nil {
		n.dispatcher.Shutdown()
	}
	if n.events != nil {
		n.events.Shutdown()
	}
	if n.orch != nil {
		n.orch.Shutdown()
	}
	if n.peers != nil {
		n.peers.Close()
	}
	if n.matrix != nil {
		n.matrix.Shutdown()
	}
	if n.st != nil {
		_ = n.st.Close()
	}
}

func secondsOrDefault(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func intOrDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
