package core

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/splinter-mesh/splinter/splinterrors"
)

// DefaultCoordinatorTimeout is how long a coordinator waits for every
// participant to vote before synthesizing a reject for the stragglers.
// Configurable per AdminService.
const DefaultCoordinatorTimeout = 30 * time.Second

// newConsensusContext starts a fresh 2PC negotiation for proposal,
// coordinated by coordinator, with every circuit member (including the
// coordinator) as a participant.
func newConsensusContext(proposal CircuitProposal, coordinator, thisNode NodeID) ConsensusContext {
	participants := make([]ParticipantVote, 0, len(proposal.Members))
	for _, m := range proposal.Members {
		participants = append(participants, ParticipantVote{NodeID: m.NodeID})
	}
	state := StateWaitingForVote
	if thisNode == coordinator {
		state = StateVoting
	}
	return ConsensusContext{
		CircuitID:    proposal.CircuitID,
		Epoch:        1,
		Coordinator:  coordinator,
		ThisNode:     thisNode,
		State:        state,
		Participants: participants,
		CreatedAt:    time.Now(),
	}
}

// recordVote applies a participant's vote to the coordinator's context,
// returning the updated context. It fails on a second vote from the same
// participant or a vote from a node that is not a participant; decide
// reports whether a decision can now be made.
func recordVote(ctx ConsensusContext, nodeID NodeID, vote Vote) (ConsensusContext, error) {
	found := false
	for i := range ctx.Participants {
		if ctx.Participants[i].NodeID == nodeID {
			if ctx.Participants[i].Vote != nil {
				return ctx, splinterrors.New(splinterrors.InvalidState, "consensus", "duplicate vote from participant")
			}
			v := vote
			ctx.Participants[i].Vote = &v
			ctx.Participants[i].DecidedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		return ctx, splinterrors.New(splinterrors.InvalidArgument, "consensus", "vote from unknown participant")
	}
	return ctx, nil
}

// decide reports the coordinator's decision once all votes are in: commit
// only if every participant accepted, abort as soon as any one rejects.
func decide(ctx ConsensusContext) (decided bool, commit bool) {
	if ctx.AnyRejected() {
		return true, false
	}
	if ctx.AllVoted() {
		return true, true
	}
	return false, false
}

// circuitContentHash returns a hex-encoded blake2b-256 digest of circuit's
// topology, used as the proposal's tamper-evident content hash carried
// on vote messages.
func circuitContentHash(circuit Circuit) (string, error) {
	data, err := json.Marshal(circuit)
	if err != nil {
		return "", splinterrors.Wrap(splinterrors.Internal, "consensus", "encode circuit for hashing", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// synthesizeTimeoutVotes fills in a Reject vote for every participant who
// has not yet responded, used when the coordinator timeout fires.
func synthesizeTimeoutVotes(ctx ConsensusContext) ConsensusContext {
	for i := range ctx.Participants {
		if ctx.Participants[i].Vote == nil {
			reject := VoteReject
			ctx.Participants[i].Vote = &reject
			ctx.Participants[i].DecidedAt = time.Now()
		}
	}
	return ctx
}
