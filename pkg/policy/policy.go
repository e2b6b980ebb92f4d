// Package policy implements the Execution Policy Store.
//
// Fail-closed by construction: every capability flag defaults to false and
// the store boots LOCKED. Flags cannot change while locked, every mutation
// increments the version and appends exactly one audit record, and a reader
// can never observe a torn update (one mutex guards the whole store).
package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Capability names one independently gated operation class. Enabling one
// capability never implicitly enables another.
type Capability string

const (
	CapSubmission      Capability = "submission"
	CapFundMovement    Capability = "fund_movement"
	CapPrivateRail     Capability = "private_rail"
	CapRelayer         Capability = "relayer"
	CapProofGeneration Capability = "proof_generation"
)

// Capabilities returns every declared capability.
func Capabilities() []Capability {
	return []Capability{CapSubmission, CapFundMovement, CapPrivateRail, CapRelayer, CapProofGeneration}
}

// LockStatus is the store's lock state.
type LockStatus string

const (
	Locked        LockStatus = "LOCKED"
	Unlocked      LockStatus = "UNLOCKED"
	PendingUnlock LockStatus = "PENDING_UNLOCK"
)

var (
	// ErrValidation reports that a mutation arrived without the required reason/author.
	ErrValidation = errors.New("policy validation failed")
	// ErrLocked reports that a flag mutation was attempted while the store is not UNLOCKED.
	ErrLocked = errors.New("policy locked")
	// ErrUnknownCapability reports that the named capability is not in the declared set.
	ErrUnknownCapability = errors.New("unknown capability")
)

// AuditRecord is one append-only entry in the unlock/mutation history.
type AuditRecord struct {
	Capability Capability `json:"capability,omitempty"`
	Field      string     `json:"field"` // "flag" | "lock_status"
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	Reason     string     `json:"reason"`
	Author     string     `json:"author"`
	Approved   bool       `json:"approved"`
	Version    uint64     `json:"version"`
	Timestamp  time.Time  `json:"timestamp"`
}

// State is an immutable snapshot of the store.
type State struct {
	Flags      map[Capability]bool `json:"flags"`
	LockStatus LockStatus          `json:"lock_status"`
	Version    uint64              `json:"version"`
}

// CheckResult is the per-capability read used by the submission gate.
type CheckResult struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason,omitempty"`
	PolicyVersion uint64     `json:"policy_version"`
	LockStatus    LockStatus `json:"lock_status"`
}

// Clock provides authority time for audit records.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Store holds the capability flags and lock status. Construct one per
// process (or per test) and share it by reference.
type Store struct {
	mu             sync.RWMutex
	flags          map[Capability]bool
	lockStatus     LockStatus
	version        uint64
	history        []AuditRecord
	pendingAuthor  string // author of an in-flight RequestUnlock
	clock          Clock
}

// NewStore creates a store with every flag false and lockStatus LOCKED.
// If clock is nil the wall clock is used.
func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	flags := make(map[Capability]bool, len(Capabilities()))
	for _, c := range Capabilities() {
		flags[c] = false
	}
	return &Store{
		flags:      flags,
		lockStatus: Locked,
		clock:      clock,
	}
}

// State returns a snapshot of the current flags, lock status and version.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flags := make(map[Capability]bool, len(s.flags))
	for k, v := range s.flags {
		flags[k] = v
	}
	return State{Flags: flags, LockStatus: s.lockStatus, Version: s.version}
}

// Check reports whether a capability is currently enabled. A locked store
// denies every capability regardless of flag values.
func (s *Store) Check(cap Capability) CheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := CheckResult{PolicyVersion: s.version, LockStatus: s.lockStatus}
	enabled, known := s.flags[cap]
	switch {
	case !known:
		res.Reason = fmt.Sprintf("capability %q is not declared", cap)
	case s.lockStatus != Unlocked:
		res.Reason = fmt.Sprintf("policy is %s; %s denied", s.lockStatus, cap)
	case !enabled:
		res.Reason = fmt.Sprintf("capability %s is disabled", cap)
	default:
		res.Allowed = true
	}
	return res
}

// Unlock transitions the store to UNLOCKED in a single step. Requires a
// non-empty reason and author.
func (s *Store) Unlock(reason, author string) error {
	if err := requireFields(reason, author); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLockLocked(Unlocked, reason, author, true)
	return nil
}

// Lock re-locks the store. Flags keep their values but Check denies
// everything until the next unlock.
func (s *Store) Lock(reason, author string) error {
	if err := requireFields(reason, author); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAuthor = ""
	s.setLockLocked(Locked, reason, author, true)
	return nil
}

// RequestUnlock begins the two-step unlock: the store moves to
// PENDING_UNLOCK and a second, distinct author must approve.
func (s *Store) RequestUnlock(reason, author string) error {
	if err := requireFields(reason, author); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockStatus == Unlocked {
		return fmt.Errorf("%w: store already unlocked", ErrValidation)
	}
	s.pendingAuthor = author
	s.setLockLocked(PendingUnlock, reason, author, false)
	return nil
}

// ApproveUnlock completes a pending unlock. The approver must differ from
// the requesting author.
func (s *Store) ApproveUnlock(reason, author string) error {
	if err := requireFields(reason, author); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockStatus != PendingUnlock {
		return fmt.Errorf("%w: no unlock pending", ErrValidation)
	}
	if author == s.pendingAuthor {
		return fmt.Errorf("%w: unlock approval requires a second author", ErrValidation)
	}
	s.pendingAuthor = ""
	s.setLockLocked(Unlocked, reason, author, true)
	return nil
}

// SetFlag mutates one capability flag. Fails unless the store is UNLOCKED.
func (s *Store) SetFlag(cap Capability, value bool, reason, author string) error {
	if err := requireFields(reason, author); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, known := s.flags[cap]
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, cap)
	}
	if s.lockStatus != Unlocked {
		return fmt.Errorf("%w: cannot set %s while %s", ErrLocked, cap, s.lockStatus)
	}

	s.flags[cap] = value
	s.version++
	s.history = append(s.history, AuditRecord{
		Capability: cap,
		Field:      "flag",
		OldValue:   fmt.Sprintf("%t", old),
		NewValue:   fmt.Sprintf("%t", value),
		Reason:     reason,
		Author:     author,
		Approved:   true,
		Version:    s.version,
		Timestamp:  s.clock.Now(),
	})
	return nil
}

// History returns a copy of the full audit trail.
func (s *Store) History() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditRecord(nil), s.history...)
}

// setLockLocked mutates lock status, bumps the version and appends the
// audit record. Caller holds s.mu.
func (s *Store) setLockLocked(target LockStatus, reason, author string, approved bool) {
	old := s.lockStatus
	s.lockStatus = target
	s.version++
	s.history = append(s.history, AuditRecord{
		Field:     "lock_status",
		OldValue:  string(old),
		NewValue:  string(target),
		Reason:    reason,
		Author:    author,
		Approved:  approved,
		Version:   s.version,
		Timestamp: s.clock.Now(),
	})
}

func requireFields(reason, author string) error {
	if reason == "" {
		return fmt.Errorf("%w: reason must not be empty", ErrValidation)
	}
	if author == "" {
		return fmt.Errorf("%w: author must not be empty", ErrValidation)
	}
	return nil
}
