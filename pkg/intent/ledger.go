// Package intent implements the user consent ledger.
//
// An Intent is an explicit, time-boxed record of user consent for one
// transaction and one action type. The core fields are immutable after
// creation; only status (and its timestamps) moves, and only through ledger
// operations. Callers always receive value copies, so the stored state
// cannot be reached from outside the ledger.
//
// Status transitions are one-directional except that confirming an already
// CONFIRMED intent is idempotent. A CONSUMED intent never transitions
// again. Expiry is lazy: any operation that observes an intent past its
// expiresAt treats it as EXPIRED and flips the stored status.
package intent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes what the user consented to.
type Type string

const (
	SignOnly      Type = "SIGN_ONLY"
	SignAndSubmit Type = "SIGN_AND_SUBMIT"
)

// Status is the single mutable field of an intent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
	StatusConsumed  Status = "CONSUMED"
)

// DefaultTTL bounds how long an unconfirmed or unconsumed intent stays valid.
const DefaultTTL = 5 * time.Minute

// ErrNotFound reports that no intent exists for the given id. This is the ledger's
// only hard failure; everything else is returned as result data.
var ErrNotFound = errors.New("intent not found")

// Intent is the consent record. All fields other than Status and the
// status timestamps are immutable after creation.
type Intent struct {
	IntentID    string     `json:"intent_id"`
	TxID        string     `json:"tx_id"`
	Origin      string     `json:"origin"`
	ContextID   string     `json:"context_id"`
	Type        Type       `json:"intent_type"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Status      Status     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (i *Intent) clone() Intent {
	cp := *i
	if i.ConfirmedAt != nil {
		t := *i.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if i.ConsumedAt != nil {
		t := *i.ConsumedAt
		cp.ConsumedAt = &t
	}
	if i.RevokedAt != nil {
		t := *i.RevokedAt
		cp.RevokedAt = &t
	}
	return cp
}

// ConfirmationResult reports the outcome of Confirm as data.
type ConfirmationResult struct {
	Success         bool   `json:"success"`
	Expired         bool   `json:"expired,omitempty"`
	AlreadyConsumed bool   `json:"already_consumed,omitempty"`
	Revoked         bool   `json:"revoked,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Intent          Intent `json:"intent"`
}

// ValidationResult is the read-only check the submission gate uses.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Clock provides authority time for expiry decisions.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Ledger owns all intents. Share one per process by reference.
type Ledger struct {
	mu      sync.Mutex
	intents map[string]*Intent
	clock   Clock
}

// NewLedger creates an empty ledger. If clock is nil the wall clock is used.
func NewLedger(clock Clock) *Ledger {
	if clock == nil {
		clock = wallClock{}
	}
	return &Ledger{intents: make(map[string]*Intent), clock: clock}
}

// Create registers a new PENDING intent. A zero ttl means DefaultTTL.
func (l *Ledger) Create(txID, origin, contextID string, typ Type, ttl time.Duration) Intent {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	it := &Intent{
		IntentID:  uuid.New().String(),
		TxID:      txID,
		Origin:    origin,
		ContextID: contextID,
		Type:      typ,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusPending,
	}
	l.intents[it.IntentID] = it
	return it.clone()
}

// Get returns a copy of the intent, applying lazy expiry first.
func (l *Ledger) Get(intentID string) (Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}
	l.expireLocked(it)
	return it.clone(), nil
}

// Confirm moves a PENDING intent to CONFIRMED. Confirming an already
// CONFIRMED intent succeeds without touching ConfirmedAt. Every other
// state is reported as a soft failure in the result.
func (l *Ledger) Confirm(intentID string) (ConfirmationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.intents[intentID]
	if !ok {
		return ConfirmationResult{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}
	l.expireLocked(it)

	switch it.Status {
	case StatusConfirmed:
		return ConfirmationResult{Success: true, Intent: it.clone()}, nil
	case StatusExpired:
		return ConfirmationResult{Expired: true, Reason: "intent expired", Intent: it.clone()}, nil
	case StatusConsumed:
		return ConfirmationResult{AlreadyConsumed: true, Reason: "intent already consumed", Intent: it.clone()}, nil
	case StatusRevoked:
		return ConfirmationResult{Revoked: true, Reason: "intent revoked", Intent: it.clone()}, nil
	}

	now := l.clock.Now()
	it.Status = StatusConfirmed
	it.ConfirmedAt = &now
	return ConfirmationResult{Success: true, Intent: it.clone()}, nil
}

// Consume flips a CONFIRMED, unexpired intent to CONSUMED. It is called
// exactly once per successful submission.
func (l *Ledger) Consume(intentID string) (ConfirmationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.intents[intentID]
	if !ok {
		return ConfirmationResult{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}
	l.expireLocked(it)

	switch it.Status {
	case StatusConsumed:
		return ConfirmationResult{AlreadyConsumed: true, Reason: "intent already consumed", Intent: it.clone()}, nil
	case StatusExpired:
		return ConfirmationResult{Expired: true, Reason: "intent expired", Intent: it.clone()}, nil
	case StatusConfirmed:
		now := l.clock.Now()
		it.Status = StatusConsumed
		it.ConsumedAt = &now
		return ConfirmationResult{Success: true, Intent: it.clone()}, nil
	default:
		return ConfirmationResult{Reason: fmt.Sprintf("intent is %s, not CONFIRMED", it.Status), Intent: it.clone()}, nil
	}
}

// Revoke withdraws consent. Succeeds from any state except CONSUMED.
func (l *Ledger) Revoke(intentID string) (ConfirmationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.intents[intentID]
	if !ok {
		return ConfirmationResult{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}
	if it.Status == StatusConsumed {
		return ConfirmationResult{AlreadyConsumed: true, Reason: "consumed intent cannot be revoked", Intent: it.clone()}, nil
	}

	now := l.clock.Now()
	it.Status = StatusRevoked
	it.RevokedAt = &now
	return ConfirmationResult{Success: true, Intent: it.clone()}, nil
}

// Validate is the read-only check combining expiry, confirmation status and
// an optional required type. It never mutates stored status beyond lazy
// expiry.
func (l *Ledger) Validate(intentID string, requiredType Type) ValidationResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.intents[intentID]
	if !ok {
		return ValidationResult{Reason: fmt.Sprintf("intent %s not found", intentID)}
	}
	l.expireLocked(it)

	if it.Status == StatusExpired {
		return ValidationResult{Reason: "intent expired"}
	}
	if it.Status != StatusConfirmed {
		return ValidationResult{Reason: fmt.Sprintf("intent is %s, not CONFIRMED", it.Status)}
	}
	if requiredType != "" && it.Type != requiredType {
		return ValidationResult{Reason: fmt.Sprintf("intent type is %s, %s required", it.Type, requiredType)}
	}
	return ValidationResult{Valid: true}
}

// expireLocked applies lazy expiry. CONSUMED is final and never expires.
// Caller holds l.mu.
func (l *Ledger) expireLocked(it *Intent) {
	if it.Status == StatusConsumed || it.Status == StatusExpired || it.Status == StatusRevoked {
		return
	}
	if !l.clock.Now().Before(it.ExpiresAt) {
		it.Status = StatusExpired
	}
}
