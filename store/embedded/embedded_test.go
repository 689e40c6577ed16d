package embedded

import (
	"path/filepath"
	"testing"

	"github.com/splinter-mesh/splinter/core"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admin.wal")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestProposalLifecycle(t *testing.T) {
	s, _ := openTestStore(t)

	p := core.CircuitProposal{CircuitID: "c1"}
	if err := s.AddProposal(p); err != nil {
		t.Fatalf("AddProposal: %v", err)
	}
	got, ok, err := s.GetProposal("c1")
	if err != nil || !ok || got.CircuitID != "c1" {
		t.Fatalf("GetProposal: got=%+v ok=%v err=%v", got, ok, err)
	}
	if err := s.RemoveProposal("c1"); err != nil {
		t.Fatalf("RemoveProposal: %v", err)
	}
	if _, ok, _ := s.GetProposal("c1"); ok {
		t.Fatal("expected proposal removed")
	}
}

func TestCircuitLifecycle(t *testing.T) {
	s, _ := openTestStore(t)

	c := core.Circuit{CircuitID: "c1"}
	if err := s.AddCircuit(c); err != nil {
		t.Fatalf("AddCircuit: %v", err)
	}
	list, err := s.ListCircuits()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListCircuits: %v %v", list, err)
	}
	if err := s.RemoveCircuit("c1"); err != nil {
		t.Fatalf("RemoveCircuit: %v", err)
	}
	if _, ok, _ := s.GetCircuit("c1"); ok {
		t.Fatal("expected circuit removed")
	}
}

func TestActionAndEventIDsAreMonotonic(t *testing.T) {
	s, _ := openTestStore(t)

	id1, err := s.AddAction(core.ConsensusAction{CircuitID: "c1"})
	if err != nil {
		t.Fatalf("AddAction: %v", err)
	}
	id2, err := s.AddAction(core.ConsensusAction{CircuitID: "c1"})
	if err != nil {
		t.Fatalf("AddAction: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("expected monotonic action ids, got %d then %d", id1, id2)
	}

	unexecuted, err := s.ListUnexecutedActions("c1")
	if err != nil || len(unexecuted) != 2 {
		t.Fatalf("ListUnexecutedActions: %v %v", unexecuted, err)
	}
	if err := s.MarkActionExecuted(id1); err != nil {
		t.Fatalf("MarkActionExecuted: %v", err)
	}
	unexecuted, err = s.ListUnexecutedActions("c1")
	if err != nil || len(unexecuted) != 1 {
		t.Fatalf("ListUnexecutedActions after mark: %v %v", unexecuted, err)
	}
}

func TestMarkActionExecutedRejectsUnknownID(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.MarkActionExecuted(999); err == nil {
		t.Fatal("expected error for unknown action id")
	}
}

func TestAdminEventWatermark(t *testing.T) {
	s, _ := openTestStore(t)

	first, err := s.AppendEvent(core.AdminEvent{CircuitID: "c1"})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	second, err := s.AppendEvent(core.AdminEvent{CircuitID: "c1"})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	last, err := s.LastEventID()
	if err != nil || last != second {
		t.Fatalf("LastEventID: got %d want %d (err=%v)", last, second, err)
	}

	since, err := s.ListEventsSince(first)
	if err != nil || len(since) != 1 {
		t.Fatalf("ListEventsSince: %v %v", since, err)
	}
}

func TestReplayRestoresStateAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.AddCircuit(core.Circuit{CircuitID: "c1"}); err != nil {
		t.Fatalf("AddCircuit: %v", err)
	}
	if _, err := s.AddAction(core.ConsensusAction{CircuitID: "c1"}); err != nil {
		t.Fatalf("AddAction: %v", err)
	}
	if _, err := s.AppendEvent(core.AdminEvent{CircuitID: "c1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok, _ := reopened.GetCircuit("c1"); !ok {
		t.Fatal("expected circuit to survive replay")
	}
	actions, err := reopened.ListUnexecutedActions("c1")
	if err != nil || len(actions) != 1 {
		t.Fatalf("expected one replayed action, got %v (err=%v)", actions, err)
	}
	last, err := reopened.LastEventID()
	if err != nil || last != 0 {
		t.Fatalf("expected replayed event watermark 0, got %d (err=%v)", last, err)
	}
}

func TestLastEventIDOnEmptyStoreIsNegativeOne(t *testing.T) {
	s, _ := openTestStore(t)
	last, err := s.LastEventID()
	if err != nil || last != -1 {
		t.Fatalf("expected -1 on empty store, got %d (err=%v)", last, err)
	}
}
