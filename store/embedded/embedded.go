// Package embedded is a file-backed admin store for single-node or
// development deployments. It keeps every table in memory and appends
// each mutation as one JSON record to a write-ahead log, replaying that
// log on startup rather than reaching for an external embedded-database
// library.
package embedded

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/splinter-mesh/splinter/core"
	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/store"
)

// record is one WAL entry; Kind selects which union field is populated.
type record struct {
	Kind        string                 `json:"kind"`
	Proposal    *core.CircuitProposal  `json:"proposal,omitempty"`
	CircuitID   core.CircuitID         `json:"circuit_id,omitempty"`
	Circuit     *core.Circuit          `json:"circuit,omitempty"`
	Context     *core.ConsensusContext `json:"context,omitempty"`
	Action      *core.ConsensusAction  `json:"action,omitempty"`
	ActionID    int64                  `json:"action_id,omitempty"`
	Event       *core.ConsensusEvent   `json:"event,omitempty"`
	EventID     int64                  `json:"event_id,omitempty"`
	AdminEvt    *core.AdminEvent       `json:"admin_event,omitempty"`
	CommitEntry *core.CommitEntry      `json:"commit_entry,omitempty"`
	AlarmType   core.AlarmType         `json:"alarm_type,omitempty"`
	AlarmAt     time.Time              `json:"alarm_at,omitempty"`
}

const (
	kindAddProposal    = "add_proposal"
	kindUpdateProposal = "update_proposal"
	kindRemoveProposal = "remove_proposal"
	kindAddCircuit     = "add_circuit"
	kindRemoveCircuit  = "remove_circuit"
	kindUpdateCircuit  = "update_circuit"
	kindPutContext     = "put_context"
	kindRemoveContext  = "remove_context"
	kindAddAction      = "add_action"
	kindExecAction     = "exec_action"
	kindAddEvent       = "add_event"
	kindExecEvent      = "exec_event"
	kindAppendAdmin    = "append_admin_event"
	kindPutCommitEntry = "put_commit_entry"
	kindSetAlarm       = "set_alarm"
	kindUnsetAlarm     = "unset_alarm"
)

// alarmKey identifies one durable alarm: a circuit paired with the kind of
// deadline it bounds. TwoPhaseCommitAlarm is the only alarm type currently
// in use.
type alarmKey struct {
	CircuitID core.CircuitID
	Type      core.AlarmType
}

// Store is the embedded, WAL-backed implementation of store.Store.
type Store struct {
	mu  sync.Mutex
	wal *os.File

	proposals map[core.CircuitID]core.CircuitProposal
	circuits  map[core.CircuitID]core.Circuit
	contexts  map[core.CircuitID]core.ConsensusContext
	actions   map[int64]core.ConsensusAction
	events    map[int64]core.ConsensusEvent
	adminLog  []core.AdminEvent

	commitEntries map[core.CircuitID]core.CommitEntry
	alarms        map[alarmKey]time.Time

	nextActionID int64
	nextEventID  int64
}

var _ store.Store = (*Store)(nil)

// Open creates or reopens an embedded store whose WAL lives at path,
// replaying any existing entries before returning.
func Open(path string) (*Store, error) {
	wal, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "embedded_store", "open WAL", err)
	}
	s := &Store{
		wal:           wal,
		proposals:     make(map[core.CircuitID]core.CircuitProposal),
		circuits:      make(map[core.CircuitID]core.Circuit),
		contexts:      make(map[core.CircuitID]core.ConsensusContext),
		actions:       make(map[int64]core.ConsensusAction),
		events:        make(map[int64]core.ConsensusEvent),
		commitEntries: make(map[core.CircuitID]core.CommitEntry),
		alarms:        make(map[alarmKey]time.Time),
	}
	if err := s.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.wal.Seek(0, 0); err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "seek WAL", err)
	}
	scanner := bufio.NewScanner(s.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "WAL decode", err)
		}
		s.apply(rec)
	}
	if err := scanner.Err(); err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "WAL scan", err)
	}
	if _, err := s.wal.Seek(0, 2); err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "seek WAL end", err)
	}
	return nil
}

// apply mutates in-memory state for one record without touching the WAL;
// used both during replay and immediately after a successful append.
func (s *Store) apply(rec record) {
	switch rec.Kind {
	case kindAddProposal, kindUpdateProposal:
		s.proposals[rec.Proposal.CircuitID] = *rec.Proposal
	case kindRemoveProposal:
		delete(s.proposals, rec.CircuitID)
	case kindAddCircuit:
		s.circuits[rec.Circuit.CircuitID] = *rec.Circuit
	case kindRemoveCircuit:
		delete(s.circuits, rec.CircuitID)
	case kindUpdateCircuit:
		s.circuits[rec.Circuit.CircuitID] = *rec.Circuit
	case kindPutContext:
		s.contexts[rec.Context.CircuitID] = *rec.Context
	case kindRemoveContext:
		delete(s.contexts, rec.CircuitID)
	case kindAddAction:
		s.actions[rec.Action.ID] = *rec.Action
		if rec.Action.ID >= s.nextActionID {
			s.nextActionID = rec.Action.ID + 1
		}
	case kindExecAction:
		if a, ok := s.actions[rec.ActionID]; ok {
			if a.ExecutedAt.IsZero() {
				a.ExecutedAt = time.Now()
			}
			s.actions[rec.ActionID] = a
		}
	case kindAddEvent:
		s.events[rec.Event.ID] = *rec.Event
		if rec.Event.ID >= s.nextEventID {
			s.nextEventID = rec.Event.ID + 1
		}
	case kindExecEvent:
		if e, ok := s.events[rec.EventID]; ok {
			if e.ExecutedAt.IsZero() {
				e.ExecutedAt = time.Now()
			}
			s.events[rec.EventID] = e
		}
	case kindAppendAdmin:
		s.adminLog = append(s.adminLog, *rec.AdminEvt)
	case kindPutCommitEntry:
		s.commitEntries[rec.CommitEntry.CircuitID] = *rec.CommitEntry
	case kindSetAlarm:
		s.alarms[alarmKey{CircuitID: rec.CircuitID, Type: rec.AlarmType}] = rec.AlarmAt
	case kindUnsetAlarm:
		delete(s.alarms, alarmKey{CircuitID: rec.CircuitID, Type: rec.AlarmType})
	}
}

func (s *Store) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "encode WAL record", err)
	}
	data = append(data, '\n')
	if _, err := s.wal.Write(data); err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "write WAL", err)
	}
	if err := s.wal.Sync(); err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "embedded_store", "sync WAL", err)
	}
	s.apply(rec)
	return nil
}

// AddProposal implements store.ProposalStore.
func (s *Store) AddProposal(p core.CircuitProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindAddProposal, Proposal: &p})
}

// UpdateProposal implements store.ProposalStore.
func (s *Store) UpdateProposal(p core.CircuitProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindUpdateProposal, Proposal: &p})
}

// GetProposal implements store.ProposalStore.
func (s *Store) GetProposal(circuitID core.CircuitID) (core.CircuitProposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[circuitID]
	return p, ok, nil
}

// ListProposals implements store.ProposalStore.
func (s *Store) ListProposals() ([]core.CircuitProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.CircuitProposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, p)
	}
	return out, nil
}

// RemoveProposal implements store.ProposalStore.
func (s *Store) RemoveProposal(circuitID core.CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindRemoveProposal, CircuitID: circuitID})
}

// AddCircuit implements store.CircuitStore.
func (s *Store) AddCircuit(c core.Circuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindAddCircuit, Circuit: &c})
}

// GetCircuit implements store.CircuitStore.
func (s *Store) GetCircuit(circuitID core.CircuitID) (core.Circuit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[circuitID]
	return c, ok, nil
}

// ListCircuits implements store.CircuitStore.
func (s *Store) ListCircuits() ([]core.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		out = append(out, c)
	}
	return out, nil
}

// RemoveCircuit implements store.CircuitStore.
func (s *Store) RemoveCircuit(circuitID core.CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindRemoveCircuit, CircuitID: circuitID})
}

// UpdateCircuit implements store.CircuitStore.
func (s *Store) UpdateCircuit(c core.Circuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindUpdateCircuit, Circuit: &c})
}

// GetContext implements store.ConsensusStore.
func (s *Store) GetContext(circuitID core.CircuitID) (core.ConsensusContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[circuitID]
	return c, ok, nil
}

// PutContext implements store.ConsensusStore.
func (s *Store) PutContext(ctx core.ConsensusContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindPutContext, Context: &ctx})
}

// RemoveContext implements store.ConsensusStore.
func (s *Store) RemoveContext(circuitID core.CircuitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindRemoveContext, CircuitID: circuitID})
}

// AddAction implements store.ConsensusStore, assigning the next
// monotonic action id.
func (s *Store) AddAction(a core.ConsensusAction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.nextActionID
	if err := s.append(record{Kind: kindAddAction, Action: &a}); err != nil {
		return 0, err
	}
	return a.ID, nil
}

// ListUnexecutedActions implements store.ConsensusStore.
func (s *Store) ListUnexecutedActions(circuitID core.CircuitID) ([]core.ConsensusAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ConsensusAction, 0)
	for _, a := range s.actions {
		if a.CircuitID == circuitID && !a.Executed() {
			out = append(out, a)
		}
	}
	return out, nil
}

// MarkActionExecuted implements store.ConsensusStore.
func (s *Store) MarkActionExecuted(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[id]; !ok {
		return splinterrors.New(splinterrors.InvalidArgument, "embedded_store", fmt.Sprintf("unknown action id %d", id))
	}
	return s.append(record{Kind: kindExecAction, ActionID: id})
}

// AddEvent implements store.ConsensusStore, assigning the next monotonic
// event id.
func (s *Store) AddEvent(e core.ConsensusEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextEventID
	if err := s.append(record{Kind: kindAddEvent, Event: &e}); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// ListUnexecutedEvents implements store.ConsensusStore.
func (s *Store) ListUnexecutedEvents(circuitID core.CircuitID) ([]core.ConsensusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ConsensusEvent, 0)
	for _, e := range s.events {
		if e.CircuitID == circuitID && !e.Executed() {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkEventExecuted implements store.ConsensusStore.
func (s *Store) MarkEventExecuted(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return splinterrors.New(splinterrors.InvalidArgument, "embedded_store", fmt.Sprintf("unknown event id %d", id))
	}
	return s.append(record{Kind: kindExecEvent, EventID: id})
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(e core.AdminEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.adminLog))
	if err := s.append(record{Kind: kindAppendAdmin, AdminEvt: &e}); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// ListEventsSince implements store.EventStore.
func (s *Store) ListEventsSince(watermark int64) ([]core.AdminEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AdminEvent, 0)
	for _, e := range s.adminLog {
		if e.ID > watermark {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastEventID implements store.EventStore.
func (s *Store) LastEventID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.adminLog) == 0 {
		return -1, nil
	}
	return s.adminLog[len(s.adminLog)-1].ID, nil
}

// AddCommitEntry implements store.CommitEntryStore.
func (s *Store) AddCommitEntry(entry core.CommitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindPutCommitEntry, CommitEntry: &entry})
}

// UpdateCommitEntry implements store.CommitEntryStore.
func (s *Store) UpdateCommitEntry(entry core.CommitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindPutCommitEntry, CommitEntry: &entry})
}

// GetLastCommitEntry implements store.CommitEntryStore.
func (s *Store) GetLastCommitEntry(circuitID core.CircuitID) (core.CommitEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.commitEntries[circuitID]
	return e, ok, nil
}

// SetAlarm implements store.AlarmStore.
func (s *Store) SetAlarm(circuitID core.CircuitID, alarmType core.AlarmType, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindSetAlarm, CircuitID: circuitID, AlarmType: alarmType, AlarmAt: when})
}

// UnsetAlarm implements store.AlarmStore.
func (s *Store) UnsetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(record{Kind: kindUnsetAlarm, CircuitID: circuitID, AlarmType: alarmType})
}

// GetAlarm implements store.AlarmStore.
func (s *Store) GetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	when, ok := s.alarms[alarmKey{CircuitID: circuitID, Type: alarmType}]
	return when, ok, nil
}

// Close closes the underlying WAL file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

