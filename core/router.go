package core

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/wire"
)

// CircuitLookup resolves a circuit id to its current committed
// definition. The admin store's in-memory circuit cache is the production
// implementation; tests can supply a bare map-backed stub.
type CircuitLookup interface {
	CircuitByID(id CircuitID) (Circuit, bool)
}

// LocalDeliverer hands a routed message to a service hosted by this node,
// used when the recipient of a CircuitDirectMessage resolves to a local
// connection rather than one reachable only through a peer.
type LocalDeliverer interface {
	DeliverLocal(serviceID ServiceID, body wire.CircuitDirectMessageBody) error
}

// Router resolves the circuit named by an inbound CircuitDirectMessage,
// checks the sender and recipient against the circuit's roster and the
// routing table, and either delivers the message locally or forwards
// the frame over the connection the recipient is routed through. The
// reserved circuit id "admin" and service id "admin::<node_id>" route
// management traffic to the local admin service regardless of circuit
// membership.
type Router struct {
	log *logrus.Entry

	circuits CircuitLookup
	table    *RoutingTable
	sender   MessageSender
	local    LocalDeliverer
	selfNode NodeID
	metrics  *Metrics
}

// NewRouter constructs a Router for selfNode. metrics may be nil.
func NewRouter(circuits CircuitLookup, table *RoutingTable, sender MessageSender, local LocalDeliverer, selfNode NodeID, metrics *Metrics, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	return &Router{
		log:      log.WithField("component", "router"),
		circuits: circuits,
		table:    table,
		sender:   sender,
		local:    local,
		selfNode: selfNode,
		metrics:  metrics,
	}
}

// Route processes one inbound CircuitDirectMessage arriving on
// fromConnectionID, forwarding or delivering it, or replying with a
// CircuitErrorMessage frame on fromConnectionID when validation fails.
func (r *Router) Route(fromConnectionID string, body wire.CircuitDirectMessageBody) error {
	circuitID := CircuitID(body.CircuitID)
	senderID := ServiceID{CircuitID: circuitID, ServiceID: ServiceLocalID(body.Sender)}
	recipientID := ServiceID{CircuitID: circuitID, ServiceID: ServiceLocalID(body.Recipient)}

	if body.CircuitID == wire.AdminCircuitID {
		return r.routeAdmin(fromConnectionID, body)
	}

	circuit, ok := r.circuits.CircuitByID(circuitID)
	if !ok {
		return r.sendError(fromConnectionID, body, wire.ErrCircuitDoesNotExist)
	}
	if _, ok := circuit.RosterServiceByID(ServiceLocalID(body.Sender)); !ok {
		return r.sendError(fromConnectionID, body, wire.ErrSenderNotInCircuitRoster)
	}
	if _, ok := r.table.Lookup(senderID); !ok {
		return r.sendError(fromConnectionID, body, wire.ErrSenderNotInDirectory)
	}
	if _, ok := circuit.RosterServiceByID(ServiceLocalID(body.Recipient)); !ok {
		return r.sendError(fromConnectionID, body, wire.ErrRecipientNotInCircuitRoster)
	}
	entry, ok := r.table.Lookup(recipientID)
	if !ok {
		return r.sendError(fromConnectionID, body, wire.ErrRecipientNotInDirectory)
	}

	if entry.NodeID == r.selfNode {
		return r.local.DeliverLocal(recipientID, body)
	}
	return r.forward(entry.ConnectionID, body)
}

// routeAdmin handles the reserved admin circuit: the recipient is always
// this node's own admin service, identified as admin::<node_id>.
func (r *Router) routeAdmin(fromConnectionID string, body wire.CircuitDirectMessageBody) error {
	want := wire.AdminServiceID(string(r.selfNode))
	if body.Recipient != want {
		return r.sendError(fromConnectionID, body, wire.ErrRecipientNotInDirectory)
	}
	return r.local.DeliverLocal(ServiceID{CircuitID: CircuitID(wire.AdminCircuitID), ServiceID: ServiceLocalID(body.Recipient)}, body)
}

func (r *Router) forward(connectionID string, body wire.CircuitDirectMessageBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	env := wire.CircuitEnvelope{Type: wire.CircuitDirectMessage, Body: payload}
	msg, err := wire.Pack(wire.Circuit, env)
	if err != nil {
		return err
	}
	return r.sender.Send(connectionID, msg)
}

func (r *Router) sendError(connectionID string, body wire.CircuitDirectMessageBody, code wire.CircuitErrorCode) error {
	errBody := wire.CircuitErrorBody{
		CorrelationID: body.CorrelationID,
		ServiceID:     body.Recipient,
		CircuitName:   body.CircuitID,
		Error:         code,
	}
	payload, err := json.Marshal(errBody)
	if err != nil {
		return err
	}
	env := wire.CircuitEnvelope{Type: wire.CircuitErrorMessage, Body: payload}
	msg, err := wire.Pack(wire.Circuit, env)
	if err != nil {
		return err
	}
	r.log.WithField("code", code).WithField("circuit_id", body.CircuitID).Debug("rejecting circuit message")
	if r.metrics != nil {
		r.metrics.RoutingErrors.Inc()
	}
	return r.sender.Send(connectionID, msg)
}
