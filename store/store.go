// Package store defines the admin service's persistence boundary:
// proposals, committed circuits, consensus contexts, and the durable
// action/event log the two-phase commit engine replays on restart.
// Concrete backends live in store/embedded and store/sqlstore.
package store

import (
	"time"

	"github.com/splinter-mesh/splinter/core"
)

// ProposalStore manages circuit proposals awaiting a commit decision.
type ProposalStore interface {
	AddProposal(p core.CircuitProposal) error
	UpdateProposal(p core.CircuitProposal) error
	GetProposal(circuitID core.CircuitID) (core.CircuitProposal, bool, error)
	ListProposals() ([]core.CircuitProposal, error)
	RemoveProposal(circuitID core.CircuitID) error
}

// CircuitStore manages committed circuits.
type CircuitStore interface {
	AddCircuit(c core.Circuit) error
	GetCircuit(circuitID core.CircuitID) (core.Circuit, bool, error)
	ListCircuits() ([]core.Circuit, error)
	RemoveCircuit(circuitID core.CircuitID) error
	UpdateCircuit(c core.Circuit) error
}

// CommitEntryStore manages the coordinator's durable decision record per
// circuit epoch.
type CommitEntryStore interface {
	AddCommitEntry(entry core.CommitEntry) error
	UpdateCommitEntry(entry core.CommitEntry) error
	GetLastCommitEntry(circuitID core.CircuitID) (core.CommitEntry, bool, error)
}

// AlarmStore manages durable wall-clock alarms a service uses to recover
// a timeout deadline across a restart.
type AlarmStore interface {
	SetAlarm(circuitID core.CircuitID, alarmType core.AlarmType, when time.Time) error
	UnsetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) error
	GetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) (time.Time, bool, error)
}

// ConsensusStore manages the in-flight 2PC context for each circuit
// currently under negotiation, plus its durable action and event logs.
type ConsensusStore interface {
	GetContext(circuitID core.CircuitID) (core.ConsensusContext, bool, error)
	PutContext(ctx core.ConsensusContext) error
	RemoveContext(circuitID core.CircuitID) error

	AddAction(a core.ConsensusAction) (int64, error)
	ListUnexecutedActions(circuitID core.CircuitID) ([]core.ConsensusAction, error)
	MarkActionExecuted(id int64) error

	AddEvent(e core.ConsensusEvent) (int64, error)
	ListUnexecutedEvents(circuitID core.CircuitID) ([]core.ConsensusEvent, error)
	MarkEventExecuted(id int64) error
}

// EventStore persists the admin service's outward-facing event log, read
// by subscribers.
type EventStore interface {
	AppendEvent(e core.AdminEvent) (int64, error)
	ListEventsSince(watermark int64) ([]core.AdminEvent, error)
	LastEventID() (int64, error)
}

// Store is the full admin persistence surface a backend must provide.
type Store interface {
	ProposalStore
	CircuitStore
	ConsensusStore
	EventStore
	CommitEntryStore
	AlarmStore

	Close() error
}
