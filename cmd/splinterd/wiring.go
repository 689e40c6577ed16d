package main

import (
	"crypto/tls"
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/core"
	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/store"
	"github.com/splinter-mesh/splinter/wire"
)

// loadOrGenerateSigner reads a 32-byte ed25519 seed from seedFile, or
// generates a fresh keypair when seedFile is empty. A generated key is
// not persisted; operators that need a stable node identity across
// restarts must supply a seed file.
func loadOrGenerateSigner(seedFile string) (*core.Ed25519Signer, error) {
	if seedFile == "" {
		return core.NewEd25519Signer()
	}
	seed, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "splinterd", "read key seed file", err)
	}
	return core.NewEd25519SignerFromSeed(seed), nil
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "splinterd", "load tls keypair", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// circuitLookup adapts a store.Store to core.CircuitLookup, collapsing a
// store error into a plain not-found result the way a router only needs
// to distinguish "routable" from "not routable".
type circuitLookup struct {
	st store.Store
}

func (c *circuitLookup) CircuitByID(id core.CircuitID) (core.Circuit, bool) {
	circuit, ok, err := c.st.GetCircuit(id)
	if err != nil {
		return core.Circuit{}, false
	}
	return circuit, ok
}

// localDeliverer hands a routed message addressed to this node to the
// admin service when it targets the reserved admin circuit, and
// otherwise just logs receipt: interpreting a roster service's
// application payload is out of scope for the daemon core.
type localDeliverer struct {
	admin    *core.AdminService
	selfNode core.NodeID
	log      *logrus.Entry
}

func (d *localDeliverer) DeliverLocal(serviceID core.ServiceID, body wire.CircuitDirectMessageBody) error {
	if serviceID.CircuitID != core.CircuitID(wire.AdminCircuitID) {
		d.log.WithField("service", serviceID).Debug("delivered application payload, not interpreted")
		return nil
	}

	var payload wire.CircuitManagementPayload
	if err := json.Unmarshal(body.Payload, &payload); err != nil {
		return splinterrors.Wrap(splinterrors.InvalidArgument, "local_deliverer", "decode management payload", err)
	}

	switch payload.Header.ActionType {
	case wire.ActionCircuitCreateRequest:
		var action wire.CircuitCreateRequestAction
		if err := json.Unmarshal(payload.Action, &action); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "local_deliverer", "decode create action", err)
		}
		var circuit core.Circuit
		if err := json.Unmarshal(action.Circuit, &circuit); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "local_deliverer", "decode circuit", err)
		}
		return d.admin.SubmitProposal(&payload, circuit)
	case wire.ActionCircuitDisbandRequest:
		var action wire.CircuitDisbandRequestAction
		if err := json.Unmarshal(payload.Action, &action); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "local_deliverer", "decode disband action", err)
		}
		return d.admin.SubmitDisbandProposal(&payload, core.CircuitID(action.CircuitID))
	case wire.ActionCircuitProposalVote:
		var action wire.CircuitProposalVoteAction
		if err := json.Unmarshal(payload.Action, &action); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "local_deliverer", "decode vote action", err)
		}
		return d.admin.SubmitVote(&payload, action)
	default:
		d.log.WithField("action_type", payload.Header.ActionType).Warn("unsupported management action at local ingress")
		return nil
	}
}

// circuitHandler decodes an inbound wire.Circuit NetworkMessage's
// envelope and dispatches it to the router or the admin service
// depending on its inner type.
type circuitHandler struct {
	router *core.Router
	admin  *core.AdminService
}

func (h circuitHandler) HandleMessage(connectionID string, payload []byte, sender core.MessageSender) error {
	var env wire.CircuitEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode envelope", err)
	}

	switch env.Type {
	case wire.CircuitDirectMessage:
		var body wire.CircuitDirectMessageBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode direct message", err)
		}
		return h.router.Route(connectionID, body)

	case wire.VoteRequestMessage:
		var proposal core.CircuitProposal
		if err := json.Unmarshal(env.Body, &proposal); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode vote request", err)
		}
		return h.admin.HandleVoteRequest(connectionID, proposal)

	case wire.VoteMessage:
		var body wire.VoteBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode vote", err)
		}
		return h.admin.HandleVote(core.CircuitID(body.CircuitID), core.NodeID(body.NodeID), core.Vote(body.Vote))

	case wire.CommitMessage:
		var body wire.ConsensusMessageBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode commit", err)
		}
		return h.admin.HandleCommit(core.CircuitID(body.CircuitID))

	case wire.AbortMessage:
		var body wire.ConsensusMessageBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return splinterrors.Wrap(splinterrors.InvalidArgument, "circuit_handler", "decode abort", err)
		}
		return h.admin.HandleAbort(core.CircuitID(body.CircuitID))

	case wire.CircuitErrorMessage:
		return nil

	default:
		return splinterrors.New(splinterrors.InvalidArgument, "circuit_handler", "unhandled circuit message type")
	}
}
