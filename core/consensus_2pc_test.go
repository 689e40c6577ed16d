package core

import "testing"

func newTestProposal(coordinator NodeID, members ...NodeID) CircuitProposal {
	mm := make([]Member, len(members))
	for i, n := range members {
		mm[i] = Member{NodeID: n}
	}
	return CircuitProposal{
		Circuit:      Circuit{CircuitID: "c1", Members: mm},
		ProposerNode: coordinator,
	}
}

func TestNewConsensusContextStateByRole(t *testing.T) {
	proposal := newTestProposal("node-a", "node-a", "node-b", "node-c")

	coordCtx := newConsensusContext(proposal, "node-a", "node-a")
	if coordCtx.State != StateVoting {
		t.Fatalf("expected coordinator state Voting, got %s", coordCtx.State)
	}
	if len(coordCtx.Participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(coordCtx.Participants))
	}

	participantCtx := newConsensusContext(proposal, "node-a", "node-b")
	if participantCtx.State != StateWaitingForVote {
		t.Fatalf("expected participant state WaitingForVote, got %s", participantCtx.State)
	}
}

func TestRecordVoteRejectsDuplicateAndUnknown(t *testing.T) {
	proposal := newTestProposal("node-a", "node-a", "node-b")
	ctx := newConsensusContext(proposal, "node-a", "node-a")

	ctx, err := recordVote(ctx, "node-b", VoteAccept)
	if err != nil {
		t.Fatalf("recordVote: %v", err)
	}
	if _, err := recordVote(ctx, "node-b", VoteAccept); err == nil {
		t.Fatal("expected duplicate vote to fail")
	}
	if _, err := recordVote(ctx, "node-z", VoteAccept); err == nil {
		t.Fatal("expected unknown participant vote to fail")
	}
}

func TestDecideCommitsOnlyWhenAllAccept(t *testing.T) {
	proposal := newTestProposal("node-a", "node-a", "node-b")
	ctx := newConsensusContext(proposal, "node-a", "node-a")
	ctx, _ = recordVote(ctx, "node-a", VoteAccept)

	if decided, _ := decide(ctx); decided {
		t.Fatal("should not decide until every participant has voted")
	}

	ctx, _ = recordVote(ctx, "node-b", VoteAccept)
	decided, commit := decide(ctx)
	if !decided || !commit {
		t.Fatalf("expected committed decision, got decided=%v commit=%v", decided, commit)
	}
}

func TestDecideAbortsOnFirstReject(t *testing.T) {
	proposal := newTestProposal("node-a", "node-a", "node-b")
	ctx := newConsensusContext(proposal, "node-a", "node-a")
	ctx, _ = recordVote(ctx, "node-b", VoteReject)

	decided, commit := decide(ctx)
	if !decided || commit {
		t.Fatalf("expected aborted decision, got decided=%v commit=%v", decided, commit)
	}
}

func TestSynthesizeTimeoutVotesFillsMissing(t *testing.T) {
	proposal := newTestProposal("node-a", "node-a", "node-b", "node-c")
	ctx := newConsensusContext(proposal, "node-a", "node-a")
	ctx, _ = recordVote(ctx, "node-a", VoteAccept)

	ctx = synthesizeTimeoutVotes(ctx)
	if !ctx.AllVoted() {
		t.Fatal("expected every participant to have a vote after timeout synthesis")
	}
	decided, commit := decide(ctx)
	if !decided || commit {
		t.Fatal("expected synthesized rejects to abort the proposal")
	}
}
