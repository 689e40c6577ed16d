// Package core implements the Splinter circuit mesh: the connection
// matrix, authorization state machine, peer manager, dispatcher, circuit
// router, admin service with two-phase commit, and service orchestrator.
// The subsystems share one package so they can pass concrete struct
// pointers around without an interface indirection at every boundary;
// the public surface of each subsystem is still a handful of exported
// types and methods, not the package's every symbol.
package core

import "time"

// NodeID is a stable node identifier string.
type NodeID string

// ServiceLocalID is a service id unique within a single circuit.
type ServiceLocalID string

// CircuitID is a globally unique short identifier for a circuit.
type CircuitID string

// ServiceID is the (circuit, service) compound key used for directory
// lookups throughout the router and orchestrator.
type ServiceID struct {
	CircuitID CircuitID
	ServiceID ServiceLocalID
}

func (s ServiceID) String() string {
	return string(s.CircuitID) + "::" + string(s.ServiceID)
}

// Node is a stable mesh participant: an identifier, a public key, and an
// ordered list of reachable endpoints. Node records may be sourced from
// an external registry (see RegistryReader).
type Node struct {
	ID        NodeID            `json:"id"`
	PublicKey []byte            `json:"public_key"`
	Endpoints []string          `json:"endpoints"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuthorizationType selects how a circuit authenticates its members.
type AuthorizationType string

const (
	AuthTrust     AuthorizationType = "TRUST"
	AuthChallenge AuthorizationType = "CHALLENGE"
)

// PersistenceType, DurabilityType and RoutingType are carried opaquely by
// a circuit; the core's only contract with them is round-trip
// preservation.
type PersistenceType string
type DurabilityType string
type RoutingType string

// RosterService is one stateful service hosted on a circuit.
type RosterService struct {
	ServiceID   ServiceLocalID    `json:"service_id"`
	ServiceType string            `json:"service_type"`
	AllowedNode NodeID            `json:"allowed_node"`
	Arguments   map[string]string `json:"arguments,omitempty"`
	// PeerGroup names the other roster service ids this service
	// communicates with directly. It supplements the distilled spec: not
	// every circuit member need host a service, so a service's working
	// set of peers is narrower than the full member list.
	PeerGroup []ServiceLocalID `json:"peer_group,omitempty"`
}

// Member is one node participating in a circuit, with the public key it
// authenticates with inside that circuit's scope.
type Member struct {
	NodeID    NodeID `json:"node_id"`
	PublicKey []byte `json:"public_key"`
}

// Circuit is an immutable, committed circuit record.
type Circuit struct {
	CircuitID         CircuitID         `json:"circuit_id"`
	Members           []Member          `json:"members"`
	Roster            []RosterService   `json:"roster"`
	ManagementType    string            `json:"management_type"`
	AuthorizationType AuthorizationType `json:"authorization_type"`
	PersistenceType   PersistenceType   `json:"persistence_type"`
	DurabilityType    DurabilityType    `json:"durability_type"`
	RoutingType       RoutingType       `json:"routing_type"`
	ApplicationMetadata []byte          `json:"application_metadata,omitempty"`
	DisplayName       string            `json:"display_name,omitempty"`
	Comments          string            `json:"comments,omitempty"`
	SchemaVersion     int               `json:"schema_version"`
	CreatedAt         time.Time         `json:"created_at"`
}

// MemberNodeIDs returns the circuit's member node ids in Members order.
func (c *Circuit) MemberNodeIDs() []NodeID {
	out := make([]NodeID, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.NodeID
	}
	return out
}

// HasMember reports whether nodeID participates in the circuit.
func (c *Circuit) HasMember(nodeID NodeID) bool {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}

// RosterServiceByID returns the roster entry for serviceID, if present.
func (c *Circuit) RosterServiceByID(serviceID ServiceLocalID) (RosterService, bool) {
	for _, s := range c.Roster {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return RosterService{}, false
}

// ProposalType distinguishes the kind of change a proposal represents.
type ProposalType string

const (
	ProposalCreate       ProposalType = "CREATE"
	ProposalUpdateRoster ProposalType = "UPDATE_ROSTER"
	ProposalAddNode      ProposalType = "ADD_NODE"
	ProposalRemoveNode   ProposalType = "REMOVE_NODE"
	ProposalDisband      ProposalType = "DISBAND"
)

// Vote is Accept or Reject.
type Vote string

const (
	VoteAccept Vote = "ACCEPT"
	VoteReject Vote = "REJECT"
)

// VoteRecord is one member's recorded vote on a proposal.
type VoteRecord struct {
	PublicKey []byte `json:"public_key"`
	NodeID    NodeID `json:"node_id"`
	Vote      Vote   `json:"vote"`
}

// CircuitProposal is an as-yet-uncommitted circuit change undergoing
// voting. It carries the same topology fields as Circuit plus proposal
// metadata.
type CircuitProposal struct {
	Circuit
	ProposalType ProposalType `json:"proposal_type"`
	ProposerNode NodeID       `json:"proposer_node"`
	ContentHash  string       `json:"content_hash"`
	Votes        []VoteRecord `json:"votes"`
}

// AcceptCount returns the number of Accept entries in Votes; duplicate
// entries for the same node are each counted.
func (p *CircuitProposal) AcceptCount() int {
	n := 0
	for _, v := range p.Votes {
		if v.Vote == VoteAccept {
			n++
		}
	}
	return n
}

// HasReject reports whether any member has voted Reject.
func (p *CircuitProposal) HasReject() bool {
	for _, v := range p.Votes {
		if v.Vote == VoteReject {
			return true
		}
	}
	return false
}

// HasVoted reports whether nodeID has already cast a vote.
func (p *CircuitProposal) HasVoted(nodeID NodeID) bool {
	for _, v := range p.Votes {
		if v.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Ready reports whether every member has voted Accept and none voted
// Reject, the condition for committing the circuit.
func (p *CircuitProposal) Ready() bool {
	if p.HasReject() {
		return false
	}
	return p.AcceptCount() == len(p.Members)
}

// TwoPCState enumerates the coordinator-side two-phase-commit states.
type TwoPCState string

const (
	StateWaitingForStart    TwoPCState = "WAITING_FOR_START"
	StateVoting             TwoPCState = "VOTING"
	StateWaitingForVote     TwoPCState = "WAITING_FOR_VOTE"
	StateWaitingForDecision TwoPCState = "WAITING_FOR_DECISION"
	StateVoted              TwoPCState = "VOTED"
	StateAbort              TwoPCState = "ABORT"
	StateCommit             TwoPCState = "COMMIT"
)

// ParticipantVote records a single participant's recorded vote inside a
// ConsensusContext.
type ParticipantVote struct {
	NodeID    NodeID
	Vote      *Vote // nil until the participant has voted
	DecidedAt time.Time
}

// ConsensusContext is the per-proposal two-phase-commit state.
type ConsensusContext struct {
	CircuitID     CircuitID
	Epoch         uint64
	Coordinator   NodeID
	ThisNode      NodeID
	State         TwoPCState
	Participants  []ParticipantVote
	LastSeenEpoch uint64
	CreatedAt     time.Time
}

// Participant returns the ParticipantVote for nodeID, if tracked.
func (c *ConsensusContext) Participant(nodeID NodeID) (*ParticipantVote, bool) {
	for i := range c.Participants {
		if c.Participants[i].NodeID == nodeID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// AllVoted reports whether every participant has a recorded vote.
func (c *ConsensusContext) AllVoted() bool {
	for _, p := range c.Participants {
		if p.Vote == nil {
			return false
		}
	}
	return true
}

// AnyRejected reports whether any participant voted Reject.
func (c *ConsensusContext) AnyRejected() bool {
	for _, p := range c.Participants {
		if p.Vote != nil && *p.Vote == VoteReject {
			return true
		}
	}
	return false
}

// ActionKind enumerates the intentions a ConsensusAction may carry.
type ActionKind string

const (
	ActionSendMessage    ActionKind = "SEND_MESSAGE"
	ActionUpdateContext  ActionKind = "UPDATE_CONTEXT"
	ActionRaiseAlarm     ActionKind = "RAISE_ALARM"
	ActionNotify         ActionKind = "NOTIFY"
	ActionFinalizeDecision ActionKind = "FINALIZE_DECISION"
)

// ConsensusAction is a persisted, idempotent intention produced by the
// two-phase-commit engine. ExecutedAt is the zero time until the runner
// has processed it.
type ConsensusAction struct {
	ID         int64
	CircuitID  CircuitID
	Kind       ActionKind
	Recipient  NodeID // meaningful for ActionSendMessage
	Payload    []byte
	CreatedAt  time.Time
	ExecutedAt time.Time
}

// Executed reports whether the action has been processed.
func (a *ConsensusAction) Executed() bool { return !a.ExecutedAt.IsZero() }

// EventKind enumerates the stimuli a ConsensusEvent may carry.
type EventKind string

const (
	EventMessageReceived EventKind = "MESSAGE_RECEIVED"
	EventAlarmExpired    EventKind = "ALARM_EXPIRED"
	EventStart           EventKind = "START"
)

// ConsensusEvent is a persisted inbound stimulus for the two-phase-commit
// engine.
type ConsensusEvent struct {
	ID         int64
	CircuitID  CircuitID
	Kind       EventKind
	Payload    []byte
	CreatedAt  time.Time
	ExecutedAt time.Time
}

// Executed reports whether the event has been processed.
func (e *ConsensusEvent) Executed() bool { return !e.ExecutedAt.IsZero() }

// AlarmType enumerates the kinds of wall-clock alarm a service may set.
type AlarmType string

// TwoPhaseCommitAlarm bounds how long the coordinator waits in
// WaitingForVote before synthesizing a reject and aborting.
const TwoPhaseCommitAlarm AlarmType = "TWO_PHASE_COMMIT"

// CommitEntry is the durable record of a two-phase-commit outcome for a
// circuit's current epoch, used to recover the coordinator's timeout
// alarm and the last known decision across a restart.
type CommitEntry struct {
	CircuitID CircuitID
	Epoch     uint64
	Decision  TwoPCState
	UpdatedAt time.Time
}

// PeerTokenPair identifies a peer by a remote and a local identity token.
// The peer manager fills them with the connection id and a generated
// local token; no authorization exchange supplies them. Two
// connections to the same remote node id but different local identity
// tokens are different peers.
type PeerTokenPair struct {
	RemoteToken string
	LocalToken  string
}

func (p PeerTokenPair) String() string { return p.RemoteToken + "|" + p.LocalToken }

// AdminEventType enumerates the admin-service lifecycle events recorded
// in the event log.
type AdminEventType string

const (
	EventProposalSubmitted AdminEventType = "PROPOSAL_SUBMITTED"
	EventProposalVote      AdminEventType = "PROPOSAL_VOTE"
	EventProposalAccepted  AdminEventType = "PROPOSAL_ACCEPTED"
	EventProposalRejected  AdminEventType = "PROPOSAL_REJECTED"
	EventCircuitReady      AdminEventType = "CIRCUIT_READY"
	EventCircuitDisbanded  AdminEventType = "CIRCUIT_DISBANDED"
)

// AdminEvent is a durable, ordered record of a circuit-lifecycle change.
type AdminEvent struct {
	ID        int64
	Type      AdminEventType
	CircuitID CircuitID
	Payload   []byte
	CreatedAt time.Time
}
