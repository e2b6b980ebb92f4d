package txstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock provides authority time for the Machine. Inject a fixed clock in
// tests; production wiring uses the wall clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

var (
	// ErrNotFound reports that no record exists for the given transaction id.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition reports that the requested target is not a legal successor
	// of the record's current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// transitionTable maps each state to its legal successor set. ABORTED is
// reachable from every non-terminal state except SUBMIT: a transaction that
// reached SUBMIT always resolves to CONFIRMED or FAILED, never abandoned.
var transitionTable = map[State][]State{
	StateNew:              {StateClassify, StateAborted},
	StateClassify:         {StateRiskScore, StateAborted},
	StateRiskScore:        {StateStrategySelect, StateAborted},
	StateStrategySelect:   {StatePrepare, StateAborted},
	StatePrepare:          {StateDryRun, StateAborted},
	StateDryRun:           {StateSign, StateSimulatedConfirm, StateAborted},
	StateSign:             {StateSimulatedConfirm, StateAborted},
	StateSimulatedConfirm: {StateSubmit, StateAborted},
	StateSubmit:           {StateConfirmed, StateFailed},
	StateConfirmed:        {},
	StateFailed:           {},
	StateAborted:          {},
}

// Successors returns the legal successor set for a state. The returned
// slice is a copy.
func Successors(s State) []State {
	return append([]State(nil), transitionTable[s]...)
}

// ValidStates returns every declared lifecycle state.
func ValidStates() []State {
	states := make([]State, 0, len(transitionTable))
	for s := range transitionTable {
		states = append(states, s)
	}
	return states
}

// Machine owns all TransactionRecords, keyed by transaction id and indexed
// by context id. All access is serialized under one mutex; operations on a
// single transaction are not designed to run concurrently and callers must
// not interleave them per id.
type Machine struct {
	mu        sync.RWMutex
	records   map[string]*TransactionRecord
	byContext map[string][]string
	clock     Clock
}

// NewMachine creates an empty Machine. If clock is nil the wall clock is used.
func NewMachine(clock Clock) *Machine {
	if clock == nil {
		clock = wallClock{}
	}
	return &Machine{
		records:   make(map[string]*TransactionRecord),
		byContext: make(map[string][]string),
		clock:     clock,
	}
}

// Create registers a new record in state NEW and returns a copy of it.
func (m *Machine) Create(contextID string, payload Payload) *TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec := &TransactionRecord{
		TxID:      uuid.New().String(),
		ContextID: contextID,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
		StateHistory: []HistoryEntry{
			{State: StateNew, Timestamp: now, Reason: "created"},
		},
	}
	m.records[rec.TxID] = rec
	m.byContext[contextID] = append(m.byContext[contextID], rec.TxID)
	return rec.clone()
}

// Get returns a copy of the record, or ErrNotFound.
func (m *Machine) Get(txID string) (*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return rec.clone(), nil
}

// ByContext returns copies of every record created under the context id.
func (m *Machine) ByContext(contextID string) []*TransactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byContext[contextID]
	out := make([]*TransactionRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

// All returns copies of every record, for persistence snapshots.
func (m *Machine) All() []TransactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransactionRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec.clone())
	}
	return out
}

// Transition moves a record to target if target is in the current state's
// successor set. On success it appends one history entry and returns a copy
// of the updated record. On failure the record is unchanged.
func (m *Machine) Transition(txID string, target State, reason string) (*TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if !legalSuccessor(rec.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s (tx %s)", ErrInvalidTransition, rec.State, target, txID)
	}

	now := m.clock.Now()
	rec.State = target
	rec.UpdatedAt = now
	rec.StateHistory = append(rec.StateHistory, HistoryEntry{State: target, Timestamp: now, Reason: reason})
	return rec.clone(), nil
}

// Abort is a guarded transition to ABORTED. It fails with
// ErrInvalidTransition if the record is already terminal.
func (m *Machine) Abort(txID, reason string) (*TransactionRecord, error) {
	return m.Transition(txID, StateAborted, reason)
}

// Hydrate rebuilds the in-memory indices from previously persisted records
// without re-running transition validation.
//
// TRUSTED INPUT PATH: records are installed as-is. This exists solely for
// restart recovery from the persistence snapshot; never feed it
// caller-supplied data.
func (m *Machine) Hydrate(records []TransactionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range records {
		rec := records[i]
		cp := rec.clone()
		m.records[cp.TxID] = cp
		m.byContext[cp.ContextID] = append(m.byContext[cp.ContextID], cp.TxID)
	}
}

// ClearContext removes every record created under the context id and
// returns the number removed. This is the only bulk deletion path; records
// are never deleted individually.
func (m *Machine) ClearContext(contextID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byContext[contextID]
	for _, id := range ids {
		delete(m.records, id)
	}
	delete(m.byContext, contextID)
	return len(ids)
}

// Stage artifact setters. Each mutates exactly one artifact slot on the
// stored record; they do not touch lifecycle state.

func (m *Machine) RecordClassification(txID string, c Classification) error {
	return m.update(txID, func(r *TransactionRecord) { r.Classification = &c })
}

func (m *Machine) RecordRiskScore(txID string, s RiskScore) error {
	return m.update(txID, func(r *TransactionRecord) { r.RiskScore = &s })
}

func (m *Machine) RecordStrategy(txID string, s StrategySelection) error {
	return m.update(txID, func(r *TransactionRecord) { r.Strategy = &s })
}

func (m *Machine) RecordDryRun(txID string, d DryRunResult) error {
	return m.update(txID, func(r *TransactionRecord) { r.DryRun = &d })
}

func (m *Machine) RecordSigning(txID string, s SigningResult) error {
	return m.update(txID, func(r *TransactionRecord) { r.Signing = &s })
}

func (m *Machine) RecordSubmission(txID string, s SubmissionResult) error {
	return m.update(txID, func(r *TransactionRecord) { r.Submission = &s })
}

// BindIntent associates a consent intent with the transaction.
func (m *Machine) BindIntent(txID, intentID string) error {
	return m.update(txID, func(r *TransactionRecord) { r.IntentID = intentID })
}

func (m *Machine) update(txID string, fn func(*TransactionRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	fn(rec)
	rec.UpdatedAt = m.clock.Now()
	return nil
}

func legalSuccessor(from, to State) bool {
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}
