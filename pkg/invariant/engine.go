// Package invariant implements the formal invariant engine and the kill switch.
//
// The engine holds a fixed catalogue of named invariants, each a CEL
// predicate over a snapshot of live policy and kill-switch state. CheckAll
// re-derives every result from source state on every call; nothing is
// cached between calls. Enforce and EnforceAll raise hard errors the moment
// a check fails, and the kill-switch check always runs first: while the
// switch is active every invariant fails uniformly with the activation
// reason and every enforcement raises immediately.
package invariant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/meridianlabs/txgate/pkg/policy"
)

// Mode states explicitly whether the process is allowed to reach external
// networks. The source of truth is this field, never an inference from
// current policy flag values.
type Mode string

const (
	// ModeSimulation requires the RPC surface to stay read-only; submission and
	// fund movement may never be allowed.
	ModeSimulation Mode = "SIMULATION"
	// ModeLive permits submission subject to policy and intent.
	ModeLive Mode = "LIVE"
)

var (
	// ErrKillSwitchActive reports that the kill switch is active; the operation must not
	// proceed under any other condition.
	ErrKillSwitchActive = errors.New("kill switch active")
	// ErrInvariantViolation reports that a formal invariant failed; something is
	// structurally wrong. Callers must not attempt local recovery.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrValidation reports that a kill-switch mutation arrived without reason/author.
	ErrValidation = errors.New("invariant validation failed")
	// ErrUnknownInvariant reports that no invariant with the given id is in the catalogue.
	ErrUnknownInvariant = errors.New("unknown invariant")
)

// Invariant is one named formal check. Expr is a CEL predicate over the
// variables mode, killswitch_active, policy and allowed.
type Invariant struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Version     string `json:"version"` // semver
	Expr        string `json:"expr"`
}

// Catalogue invariant ids.
const (
	InvKillSwitchOverridesAll     = "KILL_SWITCH_OVERRIDES_ALL"
	InvNoSubmitWhenLocked         = "NO_SUBMISSION_WHILE_POLICY_LOCKED"
	InvNoFundsWithoutUnlock       = "NO_FUNDS_MOVEMENT_WITHOUT_UNLOCK"
	InvNoPrivateRailWithoutUnlock = "NO_PRIVATE_RAIL_WITHOUT_UNLOCK"
	InvReadOnlyRPCSurface         = "READ_ONLY_RPC_SURFACE"
)

// defaultCatalogue is the fixed invariant set evaluated on every check.
func defaultCatalogue() []Invariant {
	return []Invariant{
		{
			ID:          InvKillSwitchOverridesAll,
			Description: "the kill switch, once active, fails every check",
			Version:     "1.0.0",
			Expr:        `!killswitch_active`,
		},
		{
			ID:          InvNoSubmitWhenLocked,
			Description: "in simulation mode the submission capability is never allowed",
			Version:     "1.1.0",
			Expr:        `mode == "LIVE" || !allowed.submission`,
		},
		{
			ID:          InvNoFundsWithoutUnlock,
			Description: "fund movement may only be allowed while policy is unlocked",
			Version:     "1.0.0",
			Expr:        `!allowed.fund_movement || policy.lock_status == "UNLOCKED"`,
		},
		{
			ID:          InvNoPrivateRailWithoutUnlock,
			Description: "the private rail may only be allowed while policy is unlocked",
			Version:     "1.0.0",
			Expr:        `!allowed.private_rail || policy.lock_status == "UNLOCKED"`,
		},
		{
			ID:          InvReadOnlyRPCSurface,
			Description: "in simulation mode the RPC surface stays read-only",
			Version:     "1.1.0",
			Expr:        `mode == "LIVE" || (!allowed.submission && !allowed.fund_movement)`,
		},
	}
}

// CheckResult is the recorded outcome of one invariant evaluation.
type CheckResult struct {
	ID        string    `json:"id"`
	Passed    bool      `json:"passed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivationRecord is one append-only kill-switch history entry.
type ActivationRecord struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitchState is a snapshot of the switch.
type KillSwitchState struct {
	Active     bool               `json:"active"`
	Activation *ActivationRecord  `json:"activation,omitempty"`
	History    []ActivationRecord `json:"history"`
}

// Clock provides authority time for check and activation records.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine evaluates the catalogue against the live policy store.
type Engine struct {
	mu          sync.Mutex
	policy      *policy.Store
	mode        Mode
	env         *cel.Env
	catalogue   []Invariant
	programs    map[string]cel.Program
	lastResults map[string]CheckResult
	ksActive    bool
	ksRecord    *ActivationRecord
	ksHistory   []ActivationRecord
	clock       Clock
}

// NewEngine compiles the fixed catalogue and returns an engine bound to the
// given policy store. If clock is nil the wall clock is used.
func NewEngine(pol *policy.Store, mode Mode, clock Clock) (*Engine, error) {
	if clock == nil {
		clock = wallClock{}
	}
	env, err := cel.NewEnv(
		cel.Variable("mode", cel.StringType),
		cel.Variable("killswitch_active", cel.BoolType),
		cel.Variable("policy", cel.DynType),
		cel.Variable("allowed", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	catalogue := defaultCatalogue()
	programs := make(map[string]cel.Program, len(catalogue))
	for _, inv := range catalogue {
		prg, err := compileInvariant(env, inv)
		if err != nil {
			return nil, err
		}
		programs[inv.ID] = prg
	}

	return &Engine{
		policy:      pol,
		mode:        mode,
		env:         env,
		catalogue:   catalogue,
		programs:    programs,
		lastResults: make(map[string]CheckResult),
		clock:       clock,
	}, nil
}

func compileInvariant(env *cel.Env, inv Invariant) (cel.Program, error) {
	if _, err := semver.NewVersion(inv.Version); err != nil {
		return nil, fmt.Errorf("invariant %s: bad version %q: %w", inv.ID, inv.Version, err)
	}
	ast, iss := env.Compile(inv.Expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invariant %s: compile: %w", inv.ID, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("invariant %s: program: %w", inv.ID, err)
	}
	return prg, nil
}

// ExtendCatalogue compiles and appends extra invariants, typically loaded
// from a bundle. The compiled-in catalogue cannot be replaced: a duplicate
// id is rejected and nothing from the batch is installed on any failure.
func (e *Engine) ExtendCatalogue(invs []Invariant) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := make(map[string]cel.Program, len(invs))
	for _, inv := range invs {
		if _, exists := e.programs[inv.ID]; exists {
			return fmt.Errorf("%w: %s already in catalogue", ErrValidation, inv.ID)
		}
		if _, dup := staged[inv.ID]; dup {
			return fmt.Errorf("%w: %s appears twice in extension", ErrValidation, inv.ID)
		}
		prg, err := compileInvariant(e.env, inv)
		if err != nil {
			return err
		}
		staged[inv.ID] = prg
	}

	for _, inv := range invs {
		e.catalogue = append(e.catalogue, inv)
		e.programs[inv.ID] = staged[inv.ID]
	}
	return nil
}

// Mode returns the engine's explicit operating mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMode switches the operating mode. Moving to LIVE is itself a policy
// decision; callers gate it behind an unlocked policy store.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// Catalogue returns a copy of the invariant catalogue.
func (e *Engine) Catalogue() []Invariant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Invariant(nil), e.catalogue...)
}

// CheckAll evaluates every invariant against live state and records the
// results. While the kill switch is active every invariant fails uniformly
// with the activation reason.
func (e *Engine) CheckAll() []CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkAllLocked()
}

func (e *Engine) checkAllLocked() []CheckResult {
	now := e.clock.Now()

	if e.ksActive {
		reason := "kill switch active"
		if e.ksRecord != nil {
			reason = fmt.Sprintf("kill switch active: %s", e.ksRecord.Reason)
		}
		results := make([]CheckResult, 0, len(e.catalogue))
		for _, inv := range e.catalogue {
			res := CheckResult{ID: inv.ID, Passed: false, Error: reason, Timestamp: now}
			e.lastResults[inv.ID] = res
			results = append(results, res)
		}
		return results
	}

	input := e.liveInputLocked()
	results := make([]CheckResult, 0, len(e.catalogue))
	for _, inv := range e.catalogue {
		res := CheckResult{ID: inv.ID, Timestamp: now}
		out, _, err := e.programs[inv.ID].Eval(input)
		if err != nil {
			res.Error = fmt.Sprintf("evaluation error: %v", err)
		} else if passed, ok := out.Value().(bool); ok && passed {
			res.Passed = true
		} else {
			res.Error = fmt.Sprintf("%s does not hold", inv.ID)
		}
		e.lastResults[inv.ID] = res
		results = append(results, res)
	}
	return results
}

// liveInputLocked snapshots policy state for CEL. Caller holds e.mu.
func (e *Engine) liveInputLocked() map[string]any {
	st := e.policy.State()
	allowed := make(map[string]any, len(st.Flags))
	for _, c := range policy.Capabilities() {
		allowed[string(c)] = e.policy.Check(c).Allowed
	}
	return map[string]any{
		"mode":              string(e.mode),
		"killswitch_active": e.ksActive,
		"policy": map[string]any{
			"lock_status": string(st.LockStatus),
			"version":     int64(st.Version),
		},
		"allowed": allowed,
	}
}

// LastResults returns a copy of the most recent per-invariant results.
func (e *Engine) LastResults() map[string]CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]CheckResult, len(e.lastResults))
	for k, v := range e.lastResults {
		out[k] = v
	}
	return out
}

// Enforce re-checks a single invariant and raises on failure. The
// kill-switch check runs first, unconditionally.
func (e *Engine) Enforce(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enforceKillSwitchLocked(id); err != nil {
		return err
	}
	for _, res := range e.checkAllLocked() {
		if res.ID == id {
			if !res.Passed {
				return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, id, res.Error)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownInvariant, id)
}

// EnforceAll re-checks the whole catalogue and raises on the first failure.
func (e *Engine) EnforceAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enforceKillSwitchLocked("EnforceAll"); err != nil {
		return err
	}
	for _, res := range e.checkAllLocked() {
		if !res.Passed {
			return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, res.ID, res.Error)
		}
	}
	return nil
}

// EnforceKillSwitch raises ErrKillSwitchActive if the switch is active,
// regardless of any other condition. Safety boundaries call this before any
// invariant-specific logic.
func (e *Engine) EnforceKillSwitch(operation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enforceKillSwitchLocked(operation)
}

func (e *Engine) enforceKillSwitchLocked(operation string) error {
	if !e.ksActive {
		return nil
	}
	reason := ""
	if e.ksRecord != nil {
		reason = e.ksRecord.Reason
	}
	return fmt.Errorf("%w: %s blocked (%s)", ErrKillSwitchActive, operation, reason)
}

// ActivateKillSwitch turns the switch on. Requires non-empty reason and
// author; activation is appended to the history.
func (e *Engine) ActivateKillSwitch(reason, author string) error {
	if reason == "" {
		return fmt.Errorf("%w: reason must not be empty", ErrValidation)
	}
	if author == "" {
		return fmt.Errorf("%w: author must not be empty", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := ActivationRecord{Active: true, Reason: reason, Author: author, Timestamp: e.clock.Now()}
	e.ksActive = true
	e.ksRecord = &rec
	e.ksHistory = append(e.ksHistory, rec)
	return nil
}

// DeactivateKillSwitch turns the switch off. Requires a non-empty author.
func (e *Engine) DeactivateKillSwitch(author string) error {
	if author == "" {
		return fmt.Errorf("%w: author must not be empty", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := ActivationRecord{Active: false, Reason: "deactivated", Author: author, Timestamp: e.clock.Now()}
	e.ksActive = false
	e.ksRecord = nil
	e.ksHistory = append(e.ksHistory, rec)
	return nil
}

// KillSwitch returns a snapshot of the switch state and history.
func (e *Engine) KillSwitch() KillSwitchState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := KillSwitchState{Active: e.ksActive, History: append([]ActivationRecord(nil), e.ksHistory...)}
	if e.ksRecord != nil {
		rec := *e.ksRecord
		st.Activation = &rec
	}
	return st
}
