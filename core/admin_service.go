package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/wire"
)

// AdminService runs the coordinator and participant sides of circuit
// proposal two-phase commit for this node. State lives behind an
// AdminStore so a restart can replay any action or event that was
// persisted but never delivered, following a durable
// action-before-send discipline throughout.
type AdminService struct {
	log *logrus.Entry

	mu sync.Mutex

	selfNode   NodeID
	store      AdminStore
	permission KeyPermissionManager
	registry   RegistryReader
	verifier   Verifier
	sender     MessageSender
	routing    *RoutingTable
	metrics    *Metrics

	timeout time.Duration
	timers  map[CircuitID]*time.Timer

	// autoVote, when true (the default), makes HandleVoteRequest cast
	// this node's vote automatically from checkProposalAcceptable. An
	// operator that wants to cast an explicit Accept/Reject decision via
	// SubmitVote instead disables it with SetAutoVote(false).
	autoVote bool
}

// NewAdminService constructs an AdminService for selfNode. metrics may
// be nil.
func NewAdminService(selfNode NodeID, st AdminStore, permission KeyPermissionManager, registry RegistryReader, verifier Verifier, sender MessageSender, routing *RoutingTable, metrics *Metrics, log *logrus.Logger) *AdminService {
	if log == nil {
		log = logrus.New()
	}
	return &AdminService{
		log:        log.WithField("component", "admin_service"),
		selfNode:   selfNode,
		store:      st,
		permission: permission,
		registry:   registry,
		verifier:   verifier,
		sender:     sender,
		routing:    routing,
		metrics:    metrics,
		timeout:    DefaultCoordinatorTimeout,
		timers:     make(map[CircuitID]*time.Timer),
		autoVote:   true,
	}
}

// SetTimeout overrides the coordinator vote-collection timeout, which
// defaults to DefaultCoordinatorTimeout.
func (s *AdminService) SetTimeout(d time.Duration) { s.timeout = d }

// SetAutoVote controls whether HandleVoteRequest casts this node's vote
// automatically from checkProposalAcceptable (the default) or leaves the
// decision to an explicit SubmitVote call.
func (s *AdminService) SetAutoVote(auto bool) { s.autoVote = auto }

// SubmitProposal verifies and admits a new circuit-create proposal
// submitted by an authorized key, then begins coordinating its 2PC vote
// as this node is the proposer.
func (s *AdminService) SubmitProposal(payload *wire.CircuitManagementPayload, circuit Circuit) error {
	if err := s.verifyPayload(payload, PermitProposeCircuit); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists, _ := s.store.GetCircuit(circuit.CircuitID); exists {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "circuit already committed")
	}
	if _, exists, _ := s.store.GetProposal(circuit.CircuitID); exists {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "proposal already pending")
	}

	proposal := CircuitProposal{
		Circuit:      circuit,
		ProposalType: ProposalCreate,
		ProposerNode: s.selfNode,
	}
	return s.submitLocked(proposal)
}

// SubmitDisbandProposal verifies and admits a request to tear down an
// already-committed circuit, coordinating its 2PC vote as this node is
// the proposer.
func (s *AdminService) SubmitDisbandProposal(payload *wire.CircuitManagementPayload, circuitID CircuitID) error {
	if err := s.verifyPayload(payload, PermitProposeCircuit); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	circuit, exists, err := s.store.GetCircuit(circuitID)
	if err != nil {
		return err
	}
	if !exists {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "circuit not committed")
	}
	if _, exists, _ := s.store.GetProposal(circuitID); exists {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "proposal already pending")
	}

	proposal := CircuitProposal{
		Circuit:      circuit,
		ProposalType: ProposalDisband,
		ProposerNode: s.selfNode,
	}
	return s.submitLocked(proposal)
}

// submitLocked persists proposal, records the coordinator's own implicit
// accept vote, and broadcasts the vote request to the rest of the
// circuit's members. Callers must hold s.mu.
func (s *AdminService) submitLocked(proposal CircuitProposal) error {
	hash, err := circuitContentHash(proposal.Circuit)
	if err != nil {
		return err
	}
	proposal.ContentHash = hash

	if err := s.store.AddProposal(proposal); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ProposalsSubmitted.Inc()
	}
	s.emitAdminEvent(proposal.CircuitID, EventProposalSubmitted, proposal)

	eventID, err := s.enqueueEventLocked(proposal.CircuitID, EventStart, proposal)
	if err != nil {
		return err
	}

	ctx := newConsensusContext(proposal, s.selfNode, s.selfNode)
	ctx, err = recordVote(ctx, s.selfNode, VoteAccept)
	if err != nil {
		return err
	}
	if err := s.store.PutContext(ctx); err != nil {
		return err
	}
	s.emitAdminEvent(proposal.CircuitID, EventProposalVote, VoteRecord{NodeID: s.selfNode, Vote: VoteAccept})

	if err := s.broadcastVoteRequest(proposal, ctx); err != nil {
		return err
	}
	return s.store.MarkEventExecuted(eventID)
}

// HandleVoteRequest is invoked on a participant when the coordinator asks
// it to vote on a pending proposal. When autoVote is set (the default)
// it computes and casts this node's own vote immediately; otherwise the
// context sits in StateWaitingForVote until an explicit SubmitVote call.
func (s *AdminService) HandleVoteRequest(fromConnectionID string, proposal CircuitProposal) error {
	if err := s.checkContentHash(proposal); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, err := s.enqueueEventLocked(proposal.CircuitID, EventMessageReceived, proposal)
	if err != nil {
		return err
	}

	if err := s.store.AddProposal(proposal); err != nil {
		return err
	}
	ctx := newConsensusContext(proposal, proposal.ProposerNode, s.selfNode)
	if err := s.store.PutContext(ctx); err != nil {
		return err
	}
	s.armTimeout(proposal.CircuitID)

	if s.autoVote {
		vote := VoteAccept
		if err := s.checkProposalAcceptable(proposal); err != nil {
			vote = VoteReject
		}
		if err := s.castOwnVoteLocked(proposal.CircuitID, vote); err != nil {
			return err
		}
	}
	return s.store.MarkEventExecuted(eventID)
}

// SubmitVote verifies and admits an explicit Accept/Reject decision from
// an authorized key for this node's own pending vote on a proposal,
// overriding the automatic admissibility check HandleVoteRequest
// otherwise applies.
func (s *AdminService) SubmitVote(payload *wire.CircuitManagementPayload, action wire.CircuitProposalVoteAction) error {
	if err := s.verifyPayload(payload, PermitVoteProposal); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	circuitID := CircuitID(action.CircuitID)
	proposal, ok, err := s.store.GetProposal(circuitID)
	if err != nil {
		return err
	}
	if !ok {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "vote for unknown proposal")
	}
	if action.CircuitHash != "" && proposal.ContentHash != "" && action.CircuitHash != proposal.ContentHash {
		return splinterrors.New(splinterrors.InvalidArgument, "admin_service", "proposal content hash mismatch")
	}
	return s.castOwnVoteLocked(circuitID, Vote(action.Vote))
}

// castOwnVoteLocked records this node's own Accept/Reject decision on a
// proposal it is participating in (not coordinating) and sends it to the
// coordinator. Callers must hold s.mu.
func (s *AdminService) castOwnVoteLocked(circuitID CircuitID, vote Vote) error {
	ctx, ok, err := s.store.GetContext(circuitID)
	if err != nil {
		return err
	}
	if !ok {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "vote for unknown consensus context")
	}
	if ctx.State != StateWaitingForVote {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "this node has already voted on this proposal")
	}
	ctx.State = StateVoted
	if err := s.store.PutContext(ctx); err != nil {
		return err
	}
	s.emitAdminEvent(circuitID, EventProposalVote, VoteRecord{NodeID: s.selfNode, Vote: vote})
	return s.sendVote(circuitID, ctx.Coordinator, ctx.Epoch, vote)
}

// HandleVote is invoked on the coordinator when a participant's vote
// arrives.
func (s *AdminService) HandleVote(circuitID CircuitID, nodeID NodeID, vote Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, err := s.enqueueEventLocked(circuitID, EventMessageReceived, VoteRecord{NodeID: nodeID, Vote: vote})
	if err != nil {
		return err
	}

	ctx, ok, err := s.store.GetContext(circuitID)
	if err != nil {
		return err
	}
	if !ok {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "vote for unknown consensus context")
	}
	ctx, err = recordVote(ctx, nodeID, vote)
	if err != nil {
		return err
	}
	if err := s.store.PutContext(ctx); err != nil {
		return err
	}
	s.emitAdminEvent(circuitID, EventProposalVote, VoteRecord{NodeID: nodeID, Vote: vote})

	decided, commit := decide(ctx)
	if !decided {
		return s.store.MarkEventExecuted(eventID)
	}
	s.cancelTimeout(circuitID)
	if err := s.finalizeAsCoordinator(ctx, commit); err != nil {
		return err
	}
	return s.store.MarkEventExecuted(eventID)
}

// HandleCommit and HandleAbort are invoked on a participant when the
// coordinator's decision frame arrives.
func (s *AdminService) HandleCommit(circuitID CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eventID, err := s.enqueueEventLocked(circuitID, EventMessageReceived, nil)
	if err != nil {
		return err
	}
	if err := s.finalizeAsParticipant(circuitID, true); err != nil {
		return err
	}
	return s.store.MarkEventExecuted(eventID)
}

func (s *AdminService) HandleAbort(circuitID CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eventID, err := s.enqueueEventLocked(circuitID, EventMessageReceived, nil)
	if err != nil {
		return err
	}
	if err := s.finalizeAsParticipant(circuitID, false); err != nil {
		return err
	}
	return s.store.MarkEventExecuted(eventID)
}

func (s *AdminService) finalizeAsCoordinator(ctx ConsensusContext, commit bool) error {
	proposal, ok, err := s.store.GetProposal(ctx.CircuitID)
	if err != nil {
		return err
	}
	if !ok {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "decision for unknown proposal")
	}

	decisionType := wire.CommitMessage
	if !commit {
		decisionType = wire.AbortMessage
	}
	for _, p := range ctx.Participants {
		if p.NodeID == s.selfNode {
			continue
		}
		if err := s.sendDecision(ctx.CircuitID, p.NodeID, ctx.Epoch, decisionType); err != nil {
			s.log.WithError(err).WithField("node", p.NodeID).Warn("failed to send consensus decision")
		}
	}
	return s.applyDecision(proposal, ctx.CircuitID, ctx.Epoch, commit)
}

func (s *AdminService) finalizeAsParticipant(circuitID CircuitID, commit bool) error {
	s.cancelTimeout(circuitID)
	var epoch uint64
	if ctx, ok, _ := s.store.GetContext(circuitID); ok {
		epoch = ctx.Epoch
	}
	proposal, ok, err := s.store.GetProposal(circuitID)
	if err != nil {
		return err
	}
	if !ok {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "decision for unknown proposal")
	}
	return s.applyDecision(proposal, circuitID, epoch, commit)
}

func (s *AdminService) applyDecision(proposal CircuitProposal, circuitID CircuitID, epoch uint64, commit bool) error {
	if err := s.store.RemoveProposal(circuitID); err != nil {
		return err
	}
	if err := s.store.RemoveContext(circuitID); err != nil {
		return err
	}
	s.recordCommitEntry(circuitID, epoch, commit)
	if !commit {
		if s.metrics != nil {
			s.metrics.ProposalsAborted.Inc()
		}
		s.emitAdminEvent(circuitID, EventProposalRejected, proposal)
		return nil
	}
	if s.metrics != nil {
		s.metrics.ProposalsCommitted.Inc()
	}
	if proposal.ProposalType == ProposalDisband {
		return s.applyDisband(proposal, circuitID)
	}
	return s.applyCreate(proposal, circuitID)
}

func (s *AdminService) applyCreate(proposal CircuitProposal, circuitID CircuitID) error {
	if err := s.store.AddCircuit(proposal.Circuit); err != nil {
		return err
	}
	for _, svc := range proposal.Roster {
		node, ok := s.registry.NodeByID(svc.AllowedNode)
		if !ok {
			continue
		}
		s.routing.Add(RoutingEntry{
			ServiceID: ServiceID{CircuitID: circuitID, ServiceID: svc.ServiceID},
			CircuitID: circuitID,
			NodeID:    node.ID,
		})
	}
	s.emitAdminEvent(circuitID, EventProposalAccepted, proposal)
	s.emitAdminEvent(circuitID, EventCircuitReady, proposal)
	return nil
}

// applyDisband removes a committed circuit and its roster's routing
// entries; the orchestrator learns to stop the local service instances
// by observing the resulting CircuitDisbanded event.
func (s *AdminService) applyDisband(proposal CircuitProposal, circuitID CircuitID) error {
	if err := s.store.RemoveCircuit(circuitID); err != nil {
		return err
	}
	s.routing.RemoveCircuit(circuitID)
	s.emitAdminEvent(circuitID, EventProposalAccepted, proposal)
	s.emitAdminEvent(circuitID, EventCircuitDisbanded, proposal)
	return nil
}

// recordCommitEntry persists the coordinator's decision for circuitID's
// epoch to the durable commit-entry store, independent of the
// proposal/context records applyDecision also removes.
func (s *AdminService) recordCommitEntry(circuitID CircuitID, epoch uint64, commit bool) {
	decision := StateCommit
	if !commit {
		decision = StateAbort
	}
	entry := CommitEntry{CircuitID: circuitID, Epoch: epoch, Decision: decision, UpdatedAt: time.Now()}
	_, exists, err := s.store.GetLastCommitEntry(circuitID)
	if err != nil {
		s.log.WithError(err).Warn("failed to read last commit entry")
		return
	}
	if exists {
		err = s.store.UpdateCommitEntry(entry)
	} else {
		err = s.store.AddCommitEntry(entry)
	}
	if err != nil {
		s.log.WithError(err).Warn("failed to persist commit entry")
	}
}

// checkContentHash verifies a received proposal's content hash, when
// set, matches a fresh hash of its circuit topology, guarding against a
// tampered-with vote request.
func (s *AdminService) checkContentHash(proposal CircuitProposal) error {
	if proposal.ContentHash == "" {
		return nil
	}
	hash, err := circuitContentHash(proposal.Circuit)
	if err != nil {
		return err
	}
	if hash != proposal.ContentHash {
		return splinterrors.New(splinterrors.InvalidArgument, "admin_service", "proposal content hash mismatch")
	}
	return nil
}

// checkProposalAcceptable rejects a proposal that conflicts with an
// already-committed circuit of the same id or whose roster names an
// unknown node.
func (s *AdminService) checkProposalAcceptable(proposal CircuitProposal) error {
	_, exists, _ := s.store.GetCircuit(proposal.CircuitID)
	if proposal.ProposalType == ProposalDisband {
		if !exists {
			return splinterrors.New(splinterrors.InvalidState, "admin_service", "circuit not committed")
		}
	} else if exists {
		return splinterrors.New(splinterrors.InvalidState, "admin_service", "circuit id already committed")
	}
	for _, m := range proposal.Members {
		if _, ok := s.registry.NodeByID(m.NodeID); !ok {
			return splinterrors.New(splinterrors.InvalidArgument, "admin_service", fmt.Sprintf("unknown member node %q", m.NodeID))
		}
	}
	return nil
}

func (s *AdminService) verifyPayload(payload *wire.CircuitManagementPayload, required ManagementActionPermission) error {
	if !payload.VerifyDigest() {
		return splinterrors.New(splinterrors.Unauthorized, "admin_service", "payload digest mismatch")
	}
	headerBytes, err := payload.HeaderBytes()
	if err != nil {
		return err
	}
	if !s.verifier.Verify(payload.Header.RequesterPublicKey, headerBytes, payload.Signature) {
		return splinterrors.New(splinterrors.Unauthorized, "admin_service", "invalid payload signature")
	}
	if !s.permission.IsPermitted(payload.Header.RequesterPublicKey, required) {
		return splinterrors.New(splinterrors.Unauthorized, "admin_service", "key not permitted for this action")
	}
	return nil
}

func (s *AdminService) broadcastVoteRequest(proposal CircuitProposal, ctx ConsensusContext) error {
	s.armTimeout(proposal.CircuitID)
	for _, m := range proposal.Members {
		if m.NodeID == s.selfNode {
			continue
		}
		if err := s.sendVoteRequest(proposal, m.NodeID, ctx.Epoch); err != nil {
			s.log.WithError(err).WithField("node", m.NodeID).Warn("failed to send vote request")
		}
	}
	return nil
}

// armTimeout schedules the in-process timer that fires onTimeout and
// persists the same deadline as a durable alarm, so a coordinator that
// restarts mid-WaitingForVote can recover it via ReplayPending instead
// of waiting forever.
func (s *AdminService) armTimeout(circuitID CircuitID) {
	if s.timers[circuitID] != nil {
		return
	}
	deadline := time.Now().Add(s.timeout)
	if err := s.store.SetAlarm(circuitID, TwoPhaseCommitAlarm, deadline); err != nil {
		s.log.WithError(err).Warn("failed to persist coordinator timeout alarm")
	}
	s.timers[circuitID] = time.AfterFunc(s.timeout, func() {
		s.onTimeout(circuitID)
	})
}

func (s *AdminService) cancelTimeout(circuitID CircuitID) {
	if t, ok := s.timers[circuitID]; ok {
		t.Stop()
		delete(s.timers, circuitID)
	}
	if err := s.store.UnsetAlarm(circuitID, TwoPhaseCommitAlarm); err != nil {
		s.log.WithError(err).Warn("failed to clear coordinator timeout alarm")
	}
}

// rearmTimeoutLocked re-schedules a coordinator timeout recovered from
// the durable alarm table after a restart. Callers must hold s.mu.
func (s *AdminService) rearmTimeoutLocked(circuitID CircuitID, when time.Time) {
	if s.timers[circuitID] != nil {
		return
	}
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	s.timers[circuitID] = time.AfterFunc(d, func() {
		s.onTimeout(circuitID)
	})
}

func (s *AdminService) onTimeout(circuitID CircuitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimeout(circuitID)

	ctx, ok, err := s.store.GetContext(circuitID)
	if err != nil || !ok {
		return
	}
	if ctx.Coordinator != s.selfNode {
		return
	}
	eventID, eventErr := s.enqueueEventLocked(circuitID, EventAlarmExpired, nil)
	if eventErr != nil {
		s.log.WithError(eventErr).Warn("failed to persist alarm-expired event")
	}
	ctx = synthesizeTimeoutVotes(ctx)
	if err := s.store.PutContext(ctx); err != nil {
		s.log.WithError(err).Warn("failed to persist timeout votes")
		return
	}
	if err := s.finalizeAsCoordinator(ctx, false); err != nil {
		s.log.WithError(err).Warn("failed to finalize timed-out proposal")
		return
	}
	if eventErr == nil {
		if err := s.store.MarkEventExecuted(eventID); err != nil {
			s.log.WithError(err).Warn("failed to mark alarm event executed")
		}
	}
}

// sendVoteRequest, sendVote, and sendDecision durably record a
// ConsensusAction before attempting delivery, so a crash between persist
// and send is recovered by replaying unexecuted actions on restart.

func (s *AdminService) sendVoteRequest(proposal CircuitProposal, to NodeID, epoch uint64) error {
	payload, err := json.Marshal(proposal)
	if err != nil {
		return err
	}
	return s.sendAction(proposal.CircuitID, to, wire.VoteRequestMessage, payload, epoch, "")
}

func (s *AdminService) sendVote(circuitID CircuitID, to NodeID, epoch uint64, vote Vote) error {
	body := wire.VoteBody{
		ConsensusMessageBody: wire.ConsensusMessageBody{CircuitID: string(circuitID), Epoch: epoch},
		NodeID:               string(s.selfNode),
		Vote:                 wire.VoteValue(vote),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.sendAction(circuitID, to, wire.VoteMessage, payload, epoch, "")
}

func (s *AdminService) sendDecision(circuitID CircuitID, to NodeID, epoch uint64, decisionType wire.CircuitMessageType) error {
	body := wire.ConsensusMessageBody{CircuitID: string(circuitID), Epoch: epoch}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.sendAction(circuitID, to, decisionType, payload, epoch, "")
}

func (s *AdminService) sendAction(circuitID CircuitID, to NodeID, msgType wire.CircuitMessageType, payload []byte, epoch uint64, correlationID string) error {
	action := ConsensusAction{
		CircuitID: circuitID,
		Kind:      ActionSendMessage,
		Recipient: to,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	id, err := s.store.AddAction(action)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ConsensusActionQueue.Inc()
	}
	env := wire.CircuitEnvelope{Type: msgType, Body: payload}
	msg, err := wire.Pack(wire.Circuit, env)
	if err != nil {
		return err
	}
	connID, ok := s.connectionFor(to)
	if !ok {
		return splinterrors.New(splinterrors.Transport, "admin_service", fmt.Sprintf("no connection routed for node %q", to))
	}
	if err := s.sender.Send(connID, msg); err != nil {
		return err
	}
	if err := s.store.MarkActionExecuted(id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ConsensusActionQueue.Dec()
	}
	return nil
}

func (s *AdminService) connectionFor(node NodeID) (string, bool) {
	adminSvc := ServiceID{CircuitID: CircuitID(wire.AdminCircuitID), ServiceID: ServiceLocalID(wire.AdminServiceID(string(node)))}
	entry, ok := s.routing.Lookup(adminSvc)
	if !ok {
		return "", false
	}
	return entry.ConnectionID, true
}

func (s *AdminService) emitAdminEvent(circuitID CircuitID, eventType AdminEventType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode admin event payload")
		return
	}
	id, err := s.store.AppendEvent(AdminEvent{
		Type:      eventType,
		CircuitID: circuitID,
		Payload:   data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to persist admin event")
		return
	}
	if s.metrics != nil {
		s.metrics.EventLogSize.Set(float64(id))
	}
}

// drainPendingActionsLocked resends every action not yet marked executed
// for circuitID — the "drain pending actions" half of the consensus
// runner's drain/consume alternation. Callers must hold s.mu.
func (s *AdminService) drainPendingActionsLocked(circuitID CircuitID) error {
	actions, err := s.store.ListUnexecutedActions(circuitID)
	if err != nil {
		return err
	}
	if s.metrics != nil && len(actions) > 0 {
		s.metrics.ConsensusActionQueue.Add(float64(len(actions)))
	}
	for _, a := range actions {
		env := wire.CircuitEnvelope{Body: a.Payload}
		msg, err := wire.Pack(wire.Circuit, env)
		if err != nil {
			continue
		}
		connID, ok := s.connectionFor(a.Recipient)
		if !ok {
			continue
		}
		if err := s.sender.Send(connID, msg); err != nil {
			s.log.WithError(err).Warn("pending action send failed, will retry next restart")
			continue
		}
		if err := s.store.MarkActionExecuted(a.ID); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ConsensusActionQueue.Dec()
		}
	}
	return nil
}

// enqueueEventLocked persists a ConsensusEvent for circuitID, then drains
// any action left pending from the step that produced it, before the
// caller consumes the event — the ordering a single consensus-runner
// thread per service id is required to follow. This admin service runs
// that alternation as a mutex-serialized critical section rather than a
// dedicated per-circuit goroutine; see DESIGN.md. Callers must hold s.mu.
func (s *AdminService) enqueueEventLocked(circuitID CircuitID, kind EventKind, payload interface{}) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, splinterrors.Wrap(splinterrors.Internal, "admin_service", "encode consensus event payload", err)
	}
	id, err := s.store.AddEvent(ConsensusEvent{
		CircuitID: circuitID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if err := s.drainPendingActionsLocked(circuitID); err != nil {
		return id, err
	}
	return id, nil
}

// ReplayPending resends any action left unexecuted by a prior crash,
// marks any event not yet consumed as processed (this synchronous runner
// applies an event's effects in the same call that persists it, so a
// surviving unexecuted event reflects a crash after persistence but
// before the mark, not unapplied work), and re-arms any coordinator
// timeout alarm still outstanding, for every circuit currently under
// negotiation. It should be called once at startup before the admin
// service accepts new traffic: actions drain before the next event is
// processed.
func (s *AdminService) ReplayPending(circuits []CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, circuitID := range circuits {
		if err := s.drainPendingActionsLocked(circuitID); err != nil {
			return err
		}

		events, err := s.store.ListUnexecutedEvents(circuitID)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := s.store.MarkEventExecuted(e.ID); err != nil {
				return err
			}
		}

		if when, ok, err := s.store.GetAlarm(circuitID, TwoPhaseCommitAlarm); err == nil && ok {
			s.rearmTimeoutLocked(circuitID, when)
		}
	}
	return nil
}

