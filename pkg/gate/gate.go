// Package gate implements the submission gate.
//
// The gate is the single composition point that turns policy, invariant,
// intent and transaction state into one admit/deny decision. Denial is the
// default: Admitted is only produced after every check in the fixed order
// below has explicitly passed.
//
// Decisions are a closed two-variant type (Admitted / Denied) rather than
// a boolean, so a caller cannot misread a denial as an admission without
// deliberately ignoring the type switch.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/txgate/pkg/intent"
	"github.com/meridianlabs/txgate/pkg/invariant"
	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

// ReasonCode categorizes a denial for the audit taxonomy.
type ReasonCode string

const (
	ReasonPolicyBlocked         ReasonCode = "POLICY_BLOCKED"
	ReasonInvalidState          ReasonCode = "INVALID_STATE"
	ReasonNotSigned             ReasonCode = "NOT_SIGNED"
	ReasonPrivateRailNotEnabled ReasonCode = "PRIVATE_RAIL_NOT_ENABLED"
	ReasonRateLimited           ReasonCode = "RATE_LIMITED"
	// ReasonKillSwitch appears only in the attempt log; the kill switch
	// raises a hard error instead of returning a denial value.
	ReasonKillSwitch ReasonCode = "KILL_SWITCH_ACTIVE"
)

// Decision is the sealed admit/deny result. The only implementations are
// Admitted and Denied; callers pattern-match with a type switch.
type Decision interface {
	decision()
}

// Admitted means every submission condition was explicitly satisfied.
type Admitted struct {
	Reason        string `json:"reason"`
	PolicyVersion uint64 `json:"policy_version"`
}

func (Admitted) decision() {}

// Denied carries exactly one taxonomy reason code.
type Denied struct {
	ReasonCode    ReasonCode `json:"reason_code"`
	Reason        string     `json:"reason"`
	PolicyVersion uint64     `json:"policy_version"`
}

func (Denied) decision() {}

// AttemptRecord is one append-only entry in the gate's attempt log.
type AttemptRecord struct {
	AttemptID     string     `json:"attempt_id"`
	TxID          string     `json:"tx_id"`
	Timestamp     time.Time  `json:"timestamp"`
	WasAttempt    bool       `json:"was_attempt"` // real attempt vs preemptive check
	Allowed       bool       `json:"allowed"`
	ReasonCode    ReasonCode `json:"reason_code,omitempty"`
	Reason        string     `json:"reason"`
	PolicyVersion uint64     `json:"policy_version"`
}

// ReadOnlyGate is the surface handed to untrusted callers. It defines no
// submission-style operations at all, so "call a blocked method" is a
// compile error rather than a runtime check.
type ReadOnlyGate interface {
	WouldAllowSubmission(ctx context.Context, txID string) (Decision, error)
	AttemptLog(txID string) []AttemptRecord
	BlockedMethodNames() []string
}

// blockedMethodNames enumerates the submission-style operation names that
// the read-only surface structurally never defines. Exported as data so the
// shell layer can refuse them by name before they ever reach the core.
var blockedMethodNames = []string{
	"sendTransaction",
	"sendRawTransaction",
	"signAndSendTransaction",
	"sendAndConfirmTransaction",
	"sendAndConfirmRawTransaction",
	"simulateAndSend",
	"requestAirdrop",
}

// Clock provides authority time for attempt records.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Gate composes the policy store, invariant engine, intent ledger and
// state machine into one decision point.
type Gate struct {
	policy  *policy.Store
	engine  *invariant.Engine
	machine *txstate.Machine
	intents *intent.Ledger
	limiter LimiterStore // optional; nil disables attempt limiting
	clock   Clock

	mu  sync.Mutex
	log []AttemptRecord
}

// New creates a gate over the shared singletons. If clock is nil the wall
// clock is used.
func New(pol *policy.Store, eng *invariant.Engine, machine *txstate.Machine, intents *intent.Ledger, clock Clock) *Gate {
	if clock == nil {
		clock = wallClock{}
	}
	return &Gate{policy: pol, engine: eng, machine: machine, intents: intents, clock: clock}
}

// SetLimiter installs an attempt limiter after construction.
func (g *Gate) SetLimiter(store LimiterStore) {
	g.limiter = store
}

// BlockedMethodNames returns the fixed list of operation names that are
// structurally impossible to invoke on the read-only surface.
func (g *Gate) BlockedMethodNames() []string {
	return append([]string(nil), blockedMethodNames...)
}

// AttemptSubmission runs the full check chain as a genuine attempt. A hard
// error is returned only for the kill switch; every other failure is a
// Denied value. Every call is appended to the attempt log.
func (g *Gate) AttemptSubmission(ctx context.Context, txID string) (Decision, error) {
	return g.evaluate(ctx, txID, true)
}

// WouldAllowSubmission runs the same checks preemptively. It is logged as a
// non-attempt and is not subject to the attempt limiter.
func (g *Gate) WouldAllowSubmission(ctx context.Context, txID string) (Decision, error) {
	return g.evaluate(ctx, txID, false)
}

// AttemptLog returns the attempt records for one transaction id.
func (g *Gate) AttemptLog(txID string) []AttemptRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []AttemptRecord
	for _, rec := range g.log {
		if rec.TxID == txID {
			out = append(out, rec)
		}
	}
	return out
}

// evaluate performs the checks in strict order, returning on the first
// failure. Order matters: the kill switch must precede everything else.
func (g *Gate) evaluate(ctx context.Context, txID string, wasAttempt bool) (Decision, error) {
	policyVersion := g.policy.State().Version

	// 1. Kill switch. Raises; the attempt is still logged for audit.
	if err := g.engine.EnforceKillSwitch("attemptSubmission"); err != nil {
		g.append(txID, wasAttempt, false, ReasonKillSwitch, err.Error(), policyVersion)
		return nil, err
	}

	// Attempt limiting applies to genuine attempts only.
	if wasAttempt && g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, txID, 1)
		if err != nil || !allowed {
			reason := "submission attempt rate limit exceeded"
			if err != nil {
				reason = fmt.Sprintf("attempt limiter unavailable: %v", err)
			}
			return g.deny(txID, wasAttempt, ReasonRateLimited, reason, policyVersion), nil
		}
	}

	// 2. Policy capability check.
	check := g.policy.Check(policy.CapSubmission)
	policyVersion = check.PolicyVersion
	if !check.Allowed {
		return g.deny(txID, wasAttempt, ReasonPolicyBlocked, check.Reason, policyVersion), nil
	}

	// 3. Record presence.
	rec, err := g.machine.Get(txID)
	if errors.Is(err, txstate.ErrNotFound) {
		return g.deny(txID, wasAttempt, ReasonInvalidState, fmt.Sprintf("no transaction record for %s", txID), policyVersion), nil
	} else if err != nil {
		return nil, err
	}

	// 4. Record must sit at the end of simulation.
	if rec.State != txstate.StateSimulatedConfirm {
		return g.deny(txID, wasAttempt, ReasonInvalidState,
			fmt.Sprintf("transaction is %s; submission requires %s", rec.State, txstate.StateSimulatedConfirm), policyVersion), nil
	}

	// 5. Successful signing result.
	if rec.Signing == nil || !rec.Signing.Success {
		return g.deny(txID, wasAttempt, ReasonNotSigned, "transaction carries no successful signing result", policyVersion), nil
	}

	// 6. Confirmed, unexpired SIGN_AND_SUBMIT intent.
	if rec.IntentID == "" {
		return g.deny(txID, wasAttempt, ReasonInvalidState, "no intent bound to transaction", policyVersion), nil
	}
	validation := g.intents.Validate(rec.IntentID, intent.SignAndSubmit)
	if !validation.Valid {
		return g.deny(txID, wasAttempt, ReasonInvalidState,
			fmt.Sprintf("intent validation failed: %s", validation.Reason), policyVersion), nil
	}

	// 7. Strategy must not be the never-implemented private rail.
	if rec.Strategy != nil && rec.Strategy.Strategy == txstate.StrategyPrivateRail {
		return g.deny(txID, wasAttempt, ReasonPrivateRailNotEnabled,
			"the private rail strategy is not implemented and can never be submitted", policyVersion), nil
	}

	admitted := Admitted{Reason: "All submission conditions satisfied", PolicyVersion: policyVersion}
	g.append(txID, wasAttempt, true, "", admitted.Reason, policyVersion)
	return admitted, nil
}

func (g *Gate) deny(txID string, wasAttempt bool, code ReasonCode, reason string, version uint64) Denied {
	g.append(txID, wasAttempt, false, code, reason, version)
	return Denied{ReasonCode: code, Reason: reason, PolicyVersion: version}
}

func (g *Gate) append(txID string, wasAttempt, allowed bool, code ReasonCode, reason string, version uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = append(g.log, AttemptRecord{
		AttemptID:     uuid.New().String(),
		TxID:          txID,
		Timestamp:     g.clock.Now(),
		WasAttempt:    wasAttempt,
		Allowed:       allowed,
		ReasonCode:    code,
		Reason:        reason,
		PolicyVersion: version,
	})
}
