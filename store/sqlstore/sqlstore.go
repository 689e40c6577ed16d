// Package sqlstore is a relational admin store backend for clustered
// deployments, built directly on database/sql against a PostgreSQL
// connection (github.com/lib/pq), in the same directly-scripted-SQL
// style the rest of the example pack uses for its cluster membership
// tables rather than through an ORM.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/splinter-mesh/splinter/core"
	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/store"
)

// Store is the PostgreSQL-backed implementation of store.Store. Every
// domain value is stored as a JSON column alongside the handful of
// fields needed for indexed lookups, keeping the schema stable as the
// in-memory types evolve.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and ensures the admin schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "open database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "ping database", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS admin_proposals (
			circuit_id TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_circuits (
			circuit_id TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_consensus_contexts (
			circuit_id TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_consensus_actions (
			id BIGSERIAL PRIMARY KEY,
			circuit_id TEXT NOT NULL,
			executed_at TIMESTAMPTZ,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_consensus_events (
			id BIGSERIAL PRIMARY KEY,
			circuit_id TEXT NOT NULL,
			executed_at TIMESTAMPTZ,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_events (
			id BIGSERIAL PRIMARY KEY,
			circuit_id TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_commit_entries (
			circuit_id TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_alarms (
			circuit_id TEXT NOT NULL,
			alarm_type TEXT NOT NULL,
			alarm_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (circuit_id, alarm_type)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return splinterrors.Wrap(splinterrors.Internal, "sqlstore", "ensure schema", err)
		}
	}
	return nil
}

// AddProposal implements store.ProposalStore.
func (s *Store) AddProposal(p core.CircuitProposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode proposal", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO admin_proposals (circuit_id, body) VALUES ($1, $2)
		ON CONFLICT (circuit_id) DO UPDATE SET body = excluded.body
	`, string(p.CircuitID), body)
	return sqlErr("add proposal", err)
}

// UpdateProposal implements store.ProposalStore.
func (s *Store) UpdateProposal(p core.CircuitProposal) error {
	return s.AddProposal(p)
}

// GetProposal implements store.ProposalStore.
func (s *Store) GetProposal(circuitID core.CircuitID) (core.CircuitProposal, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM admin_proposals WHERE circuit_id = $1`, string(circuitID)).Scan(&body)
	if err == sql.ErrNoRows {
		return core.CircuitProposal{}, false, nil
	}
	if err != nil {
		return core.CircuitProposal{}, false, sqlErr("get proposal", err)
	}
	var p core.CircuitProposal
	if err := json.Unmarshal(body, &p); err != nil {
		return core.CircuitProposal{}, false, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode proposal", err)
	}
	return p, true, nil
}

// ListProposals implements store.ProposalStore.
func (s *Store) ListProposals() ([]core.CircuitProposal, error) {
	rows, err := s.db.Query(`SELECT body FROM admin_proposals`)
	if err != nil {
		return nil, sqlErr("list proposals", err)
	}
	defer rows.Close()
	var out []core.CircuitProposal
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, sqlErr("scan proposal", err)
		}
		var p core.CircuitProposal
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode proposal", err)
		}
		out = append(out, p)
	}
	return out, sqlErr("list proposals", rows.Err())
}

// RemoveProposal implements store.ProposalStore.
func (s *Store) RemoveProposal(circuitID core.CircuitID) error {
	_, err := s.db.Exec(`DELETE FROM admin_proposals WHERE circuit_id = $1`, string(circuitID))
	return sqlErr("remove proposal", err)
}

// AddCircuit implements store.CircuitStore.
func (s *Store) AddCircuit(c core.Circuit) error {
	body, err := json.Marshal(c)
	if err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode circuit", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO admin_circuits (circuit_id, body) VALUES ($1, $2)
		ON CONFLICT (circuit_id) DO UPDATE SET body = excluded.body
	`, string(c.CircuitID), body)
	return sqlErr("add circuit", err)
}

// GetCircuit implements store.CircuitStore.
func (s *Store) GetCircuit(circuitID core.CircuitID) (core.Circuit, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM admin_circuits WHERE circuit_id = $1`, string(circuitID)).Scan(&body)
	if err == sql.ErrNoRows {
		return core.Circuit{}, false, nil
	}
	if err != nil {
		return core.Circuit{}, false, sqlErr("get circuit", err)
	}
	var c core.Circuit
	if err := json.Unmarshal(body, &c); err != nil {
		return core.Circuit{}, false, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode circuit", err)
	}
	return c, true, nil
}

// ListCircuits implements store.CircuitStore.
func (s *Store) ListCircuits() ([]core.Circuit, error) {
	rows, err := s.db.Query(`SELECT body FROM admin_circuits`)
	if err != nil {
		return nil, sqlErr("list circuits", err)
	}
	defer rows.Close()
	var out []core.Circuit
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, sqlErr("scan circuit", err)
		}
		var c core.Circuit
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode circuit", err)
		}
		out = append(out, c)
	}
	return out, sqlErr("list circuits", rows.Err())
}

// RemoveCircuit implements store.CircuitStore.
func (s *Store) RemoveCircuit(circuitID core.CircuitID) error {
	_, err := s.db.Exec(`DELETE FROM admin_circuits WHERE circuit_id = $1`, string(circuitID))
	return sqlErr("remove circuit", err)
}

// UpdateCircuit implements store.CircuitStore.
func (s *Store) UpdateCircuit(c core.Circuit) error {
	return s.AddCircuit(c)
}

// GetContext implements store.ConsensusStore.
func (s *Store) GetContext(circuitID core.CircuitID) (core.ConsensusContext, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM admin_consensus_contexts WHERE circuit_id = $1`, string(circuitID)).Scan(&body)
	if err == sql.ErrNoRows {
		return core.ConsensusContext{}, false, nil
	}
	if err != nil {
		return core.ConsensusContext{}, false, sqlErr("get context", err)
	}
	var c core.ConsensusContext
	if err := json.Unmarshal(body, &c); err != nil {
		return core.ConsensusContext{}, false, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode context", err)
	}
	return c, true, nil
}

// PutContext implements store.ConsensusStore.
func (s *Store) PutContext(ctx core.ConsensusContext) error {
	body, err := json.Marshal(ctx)
	if err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode context", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO admin_consensus_contexts (circuit_id, body) VALUES ($1, $2)
		ON CONFLICT (circuit_id) DO UPDATE SET body = excluded.body
	`, string(ctx.CircuitID), body)
	return sqlErr("put context", err)
}

// RemoveContext implements store.ConsensusStore.
func (s *Store) RemoveContext(circuitID core.CircuitID) error {
	_, err := s.db.Exec(`DELETE FROM admin_consensus_contexts WHERE circuit_id = $1`, string(circuitID))
	return sqlErr("remove context", err)
}

// AddAction implements store.ConsensusStore.
func (s *Store) AddAction(a core.ConsensusAction) (int64, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return 0, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode action", err)
	}
	var id int64
	err = s.db.QueryRow(`
		INSERT INTO admin_consensus_actions (circuit_id, body) VALUES ($1, $2) RETURNING id
	`, string(a.CircuitID), body).Scan(&id)
	return id, sqlErr("add action", err)
}

// ListUnexecutedActions implements store.ConsensusStore.
func (s *Store) ListUnexecutedActions(circuitID core.CircuitID) ([]core.ConsensusAction, error) {
	rows, err := s.db.Query(`
		SELECT id, body FROM admin_consensus_actions WHERE circuit_id = $1 AND executed_at IS NULL ORDER BY id
	`, string(circuitID))
	if err != nil {
		return nil, sqlErr("list actions", err)
	}
	defer rows.Close()
	var out []core.ConsensusAction
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, sqlErr("scan action", err)
		}
		var a core.ConsensusAction
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode action", err)
		}
		a.ID = id
		out = append(out, a)
	}
	return out, sqlErr("list actions", rows.Err())
}

// MarkActionExecuted implements store.ConsensusStore.
func (s *Store) MarkActionExecuted(id int64) error {
	_, err := s.db.Exec(`UPDATE admin_consensus_actions SET executed_at = $1 WHERE id = $2`, time.Now(), id)
	return sqlErr("mark action executed", err)
}

// AddEvent implements store.ConsensusStore.
func (s *Store) AddEvent(e core.ConsensusEvent) (int64, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return 0, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode event", err)
	}
	var id int64
	err = s.db.QueryRow(`
		INSERT INTO admin_consensus_events (circuit_id, body) VALUES ($1, $2) RETURNING id
	`, string(e.CircuitID), body).Scan(&id)
	return id, sqlErr("add event", err)
}

// ListUnexecutedEvents implements store.ConsensusStore.
func (s *Store) ListUnexecutedEvents(circuitID core.CircuitID) ([]core.ConsensusEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, body FROM admin_consensus_events WHERE circuit_id = $1 AND executed_at IS NULL ORDER BY id
	`, string(circuitID))
	if err != nil {
		return nil, sqlErr("list events", err)
	}
	defer rows.Close()
	var out []core.ConsensusEvent
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, sqlErr("scan event", err)
		}
		var e core.ConsensusEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode event", err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, sqlErr("list events", rows.Err())
}

// MarkEventExecuted implements store.ConsensusStore.
func (s *Store) MarkEventExecuted(id int64) error {
	_, err := s.db.Exec(`UPDATE admin_consensus_events SET executed_at = $1 WHERE id = $2`, time.Now(), id)
	return sqlErr("mark event executed", err)
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(e core.AdminEvent) (int64, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return 0, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode admin event", err)
	}
	var id int64
	err = s.db.QueryRow(`
		INSERT INTO admin_events (circuit_id, body, created_at) VALUES ($1, $2, $3) RETURNING id
	`, string(e.CircuitID), body, e.CreatedAt).Scan(&id)
	return id, sqlErr("append admin event", err)
}

// ListEventsSince implements store.EventStore.
func (s *Store) ListEventsSince(watermark int64) ([]core.AdminEvent, error) {
	rows, err := s.db.Query(`SELECT id, body FROM admin_events WHERE id > $1 ORDER BY id`, watermark)
	if err != nil {
		return nil, sqlErr("list admin events", err)
	}
	defer rows.Close()
	var out []core.AdminEvent
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, sqlErr("scan admin event", err)
		}
		var e core.AdminEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode admin event", err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, sqlErr("list admin events", rows.Err())
}

// LastEventID implements store.EventStore.
func (s *Store) LastEventID() (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM admin_events`).Scan(&id)
	if err != nil {
		return 0, sqlErr("last event id", err)
	}
	if !id.Valid {
		return -1, nil
	}
	return id.Int64, nil
}

// AddCommitEntry implements store.CommitEntryStore.
func (s *Store) AddCommitEntry(entry core.CommitEntry) error {
	return s.putCommitEntry(entry)
}

// UpdateCommitEntry implements store.CommitEntryStore.
func (s *Store) UpdateCommitEntry(entry core.CommitEntry) error {
	return s.putCommitEntry(entry)
}

func (s *Store) putCommitEntry(entry core.CommitEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return splinterrors.Wrap(splinterrors.Internal, "sqlstore", "encode commit entry", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO admin_commit_entries (circuit_id, body) VALUES ($1, $2)
		ON CONFLICT (circuit_id) DO UPDATE SET body = excluded.body
	`, string(entry.CircuitID), body)
	return sqlErr("put commit entry", err)
}

// GetLastCommitEntry implements store.CommitEntryStore.
func (s *Store) GetLastCommitEntry(circuitID core.CircuitID) (core.CommitEntry, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM admin_commit_entries WHERE circuit_id = $1`, string(circuitID)).Scan(&body)
	if err == sql.ErrNoRows {
		return core.CommitEntry{}, false, nil
	}
	if err != nil {
		return core.CommitEntry{}, false, sqlErr("get commit entry", err)
	}
	var entry core.CommitEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return core.CommitEntry{}, false, splinterrors.Wrap(splinterrors.Internal, "sqlstore", "decode commit entry", err)
	}
	return entry, true, nil
}

// SetAlarm implements store.AlarmStore.
func (s *Store) SetAlarm(circuitID core.CircuitID, alarmType core.AlarmType, when time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO admin_alarms (circuit_id, alarm_type, alarm_at) VALUES ($1, $2, $3)
		ON CONFLICT (circuit_id, alarm_type) DO UPDATE SET alarm_at = excluded.alarm_at
	`, string(circuitID), string(alarmType), when)
	return sqlErr("set alarm", err)
}

// UnsetAlarm implements store.AlarmStore.
func (s *Store) UnsetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) error {
	_, err := s.db.Exec(`DELETE FROM admin_alarms WHERE circuit_id = $1 AND alarm_type = $2`, string(circuitID), string(alarmType))
	return sqlErr("unset alarm", err)
}

// GetAlarm implements store.AlarmStore.
func (s *Store) GetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) (time.Time, bool, error) {
	var when time.Time
	err := s.db.QueryRow(`
		SELECT alarm_at FROM admin_alarms WHERE circuit_id = $1 AND alarm_type = $2
	`, string(circuitID), string(alarmType)).Scan(&when)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, sqlErr("get alarm", err)
	}
	return when, true, nil
}

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func sqlErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return splinterrors.Wrap(splinterrors.Internal, "sqlstore", op, err)
}
