// Package pipeline is the orchestrator that drives a transaction through
// classify → score → strategy → dry-run → sign → submit → confirm,
// invoking the safety gates at each checkpoint.
//
// The pipeline owns the transaction state machine and holds references to
// the shared policy store, invariant engine, intent ledger and submission
// gate. All simulation stages run without touching any external network;
// only wallet signing and RPC submission cross the process boundary, and
// both only after their respective enforcement checks have passed.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianlabs/txgate/pkg/audit"
	"github.com/meridianlabs/txgate/pkg/canonical"
	"github.com/meridianlabs/txgate/pkg/collab"
	"github.com/meridianlabs/txgate/pkg/gate"
	"github.com/meridianlabs/txgate/pkg/intent"
	"github.com/meridianlabs/txgate/pkg/invariant"
	"github.com/meridianlabs/txgate/pkg/observability"
	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/receipt"
	"github.com/meridianlabs/txgate/pkg/txstate"

	"github.com/google/uuid"
)

// payloadSchema rejects malformed payloads before a record is even created.
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["program_id", "instruction_data", "instruction_count", "accounts", "estimated_amount", "origin"],
	"properties": {
		"program_id": {"type": "string", "minLength": 32, "maxLength": 64},
		"instruction_data": {"type": "string", "pattern": "^[0-9a-fA-F]*$"},
		"instruction_count": {"type": "integer", "minimum": 1},
		"accounts": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"estimated_amount": {"type": "number", "minimum": 0},
		"origin": {"type": "string", "pattern": "^https?://"}
	}
}`

// Defaults for the two external suspension points.
const (
	DefaultSubmitTimeout  = 30 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
)

// Clock provides authority time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Options wires the pipeline's collaborators. Wallet, Submitter and the
// three pure functions are required; Persistence and Audit are optional
// best-effort side channels.
type Options struct {
	Wallet           collab.WalletSigner
	Submitter        collab.SubmissionClient
	Classifier       collab.Classifier
	RiskScorer       collab.RiskScorer
	StrategySelector collab.StrategySelector
	Persistence      collab.Persistence
	Audit            audit.Recorder
	Metrics          *observability.Provider
	Clock            Clock
	SubmitTimeout    time.Duration
	ConfirmTimeout   time.Duration
}

// Pipeline sequences the transaction lifecycle.
type Pipeline struct {
	machine *txstate.Machine
	policy  *policy.Store
	engine  *invariant.Engine
	intents *intent.Ledger
	gate    *gate.Gate
	opts    Options
	schema  *jsonschema.Schema
	tracer  trace.Tracer
	clock   Clock
}

// New constructs a pipeline over the shared singletons.
func New(pol *policy.Store, eng *invariant.Engine, machine *txstate.Machine, intents *intent.Ledger, g *gate.Gate, opts Options) (*Pipeline, error) {
	if opts.Wallet == nil || opts.Submitter == nil {
		return nil, fmt.Errorf("pipeline requires wallet and submitter collaborators")
	}
	if opts.Classifier == nil {
		opts.Classifier = collab.HeuristicClassifier
	}
	if opts.RiskScorer == nil {
		opts.RiskScorer = collab.DefaultRiskScorer
	}
	if opts.StrategySelector == nil {
		opts.StrategySelector = collab.DefaultStrategySelector
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("payload.schema.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("payload schema load: %w", err)
	}
	schema, err := compiler.Compile("payload.schema.json")
	if err != nil {
		return nil, fmt.Errorf("payload schema compile: %w", err)
	}

	return &Pipeline{
		machine: machine,
		policy:  pol,
		engine:  eng,
		intents: intents,
		gate:    g,
		opts:    opts,
		schema:  schema,
		tracer:  otel.Tracer("txgate/pipeline"),
		clock:   clock,
	}, nil
}

// CreateTransaction validates the payload and registers a record in NEW.
// The kill switch and the policy-lock invariant are enforced before the
// record even exists.
func (p *Pipeline) CreateTransaction(ctx context.Context, contextID string, payload txstate.Payload) (*txstate.TransactionRecord, error) {
	ctx, span := p.tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	if err := p.engine.EnforceKillSwitch("createTransaction"); err != nil {
		return nil, err
	}
	if err := p.engine.Enforce(invariant.InvNoSubmitWhenLocked); err != nil {
		return nil, err
	}
	if err := p.validatePayload(payload); err != nil {
		return nil, err
	}

	rec := p.machine.Create(contextID, payload)
	p.milestone(ctx, "create", rec, nil)
	return rec, nil
}

// RunDryRunPipeline drives the simulation stages CLASSIFY → RISK_SCORE →
// STRATEGY_SELECT → PREPARE → DRY_RUN, purely in process. Any stage error
// converts to an ABORTED transition carrying the error as reason. The
// record finishes at DRY_RUN with the result attached; FinalizeSimulation
// or SignTransaction moves it on to SIMULATED_CONFIRM.
func (p *Pipeline) RunDryRunPipeline(ctx context.Context, txID string, trust float64) (*txstate.TransactionRecord, error) {
	ctx, span := p.tracer.Start(ctx, "RunDryRunPipeline")
	defer span.End()

	rec, err := p.machine.Get(txID)
	if err != nil {
		return nil, err
	}
	started := p.clock.Now()

	run := func() error {
		if _, err := p.machine.Transition(txID, txstate.StateClassify, "classification stage"); err != nil {
			return err
		}
		classification := p.opts.Classifier(rec.Payload)
		if err := p.machine.RecordClassification(txID, classification); err != nil {
			return err
		}

		if _, err := p.machine.Transition(txID, txstate.StateRiskScore, "risk scoring stage"); err != nil {
			return err
		}
		score := p.opts.RiskScorer(rec.Payload, classification)
		if err := p.machine.RecordRiskScore(txID, score); err != nil {
			return err
		}

		if _, err := p.machine.Transition(txID, txstate.StateStrategySelect, "strategy selection stage"); err != nil {
			return err
		}
		strategy := p.opts.StrategySelector(rec.Payload, score, trust)
		if err := p.machine.RecordStrategy(txID, strategy); err != nil {
			return err
		}

		if _, err := p.machine.Transition(txID, txstate.StatePrepare, "prepare stage"); err != nil {
			return err
		}
		payloadHash, err := canonical.Hash(rec.Payload)
		if err != nil {
			return fmt.Errorf("payload canonicalization: %w", err)
		}

		if _, err := p.machine.Transition(txID, txstate.StateDryRun, "dry run stage"); err != nil {
			return err
		}
		dryRun := txstate.DryRunResult{
			Success:     true,
			FeeEstimate: estimateFee(rec.Payload),
			Route:       strategy.Strategy,
			PayloadHash: payloadHash,
			SimulatedAt: p.clock.Now(),
		}
		return p.machine.RecordDryRun(txID, dryRun)
	}

	runErr := run()
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordStage(ctx, "dry_run", p.clock.Now().Sub(started))
	}
	if runErr != nil {
		aborted, abortErr := p.machine.Abort(txID, runErr.Error())
		if abortErr != nil {
			return nil, fmt.Errorf("dry run failed (%v) and abort failed: %w", runErr, abortErr)
		}
		p.milestone(ctx, "dry_run_aborted", aborted, map[string]any{"error": runErr.Error()})
		return aborted, nil
	}

	updated, err := p.machine.Get(txID)
	if err != nil {
		return nil, err
	}
	p.milestone(ctx, "dry_run", updated, nil)
	return updated, nil
}

// FinalizeSimulation completes the unsigned simulation path: the record
// moves DRY_RUN → SIMULATED_CONFIRM without a signing result attached.
func (p *Pipeline) FinalizeSimulation(ctx context.Context, txID string) (*txstate.TransactionRecord, error) {
	ctx, span := p.tracer.Start(ctx, "FinalizeSimulation")
	defer span.End()

	rec, err := p.machine.Transition(txID, txstate.StateSimulatedConfirm, "simulation complete, unsigned")
	if err != nil {
		return nil, err
	}
	p.milestone(ctx, "simulated_confirm", rec, nil)
	return rec, nil
}

// SignTransaction delegates signing to the wallet collaborator. It
// requires a record at DRY_RUN with a successful dry-run result and
// enforces the kill switch and the fund-movement invariant first.
func (p *Pipeline) SignTransaction(ctx context.Context, txID string) (*txstate.TransactionRecord, error) {
	ctx, span := p.tracer.Start(ctx, "SignTransaction")
	defer span.End()

	rec, err := p.machine.Get(txID)
	if err != nil {
		return nil, err
	}
	if rec.State != txstate.StateDryRun {
		return nil, fmt.Errorf("%w: signing requires %s, transaction is %s",
			txstate.ErrInvalidTransition, txstate.StateDryRun, rec.State)
	}
	if rec.DryRun == nil || !rec.DryRun.Success {
		return nil, fmt.Errorf("%w: signing requires a successful dry run", txstate.ErrInvalidTransition)
	}

	if err := p.engine.EnforceKillSwitch("signTransaction"); err != nil {
		return nil, err
	}
	if err := p.engine.Enforce(invariant.InvNoFundsWithoutUnlock); err != nil {
		return nil, err
	}

	if _, err := p.machine.Transition(txID, txstate.StateSign, "signing"); err != nil {
		return nil, err
	}

	signing, err := p.opts.Wallet.Sign(ctx, collab.SignRequest{
		TxID:       txID,
		Payload:    rec.Payload,
		DryRunHash: rec.DryRun.PayloadHash,
	})
	if err != nil {
		signing = txstate.SigningResult{Error: err.Error()}
	}
	if recErr := p.machine.RecordSigning(txID, signing); recErr != nil {
		return nil, recErr
	}

	if !signing.Success {
		aborted, abortErr := p.machine.Abort(txID, fmt.Sprintf("signing failed: %s", signing.Error))
		if abortErr != nil {
			return nil, abortErr
		}
		p.milestone(ctx, "sign_aborted", aborted, map[string]any{"error": signing.Error})
		return aborted, nil
	}

	updated, err := p.machine.Transition(txID, txstate.StateSimulatedConfirm, "signed")
	if err != nil {
		return nil, err
	}
	p.milestone(ctx, "signed", updated, nil)
	return updated, nil
}

// CreateIntent records user consent for a transaction and binds it to the
// record.
func (p *Pipeline) CreateIntent(ctx context.Context, txID, origin string, typ intent.Type, ttl time.Duration) (intent.Intent, error) {
	rec, err := p.machine.Get(txID)
	if err != nil {
		return intent.Intent{}, err
	}
	it := p.intents.Create(txID, origin, rec.ContextID, typ, ttl)
	if err := p.machine.BindIntent(txID, it.IntentID); err != nil {
		return intent.Intent{}, err
	}
	p.milestone(ctx, "intent_created", rec, map[string]any{"intent_id": it.IntentID})
	return it, nil
}

// ConfirmIntent confirms a previously created intent.
func (p *Pipeline) ConfirmIntent(_ context.Context, intentID string) (intent.ConfirmationResult, error) {
	return p.intents.Confirm(intentID)
}

// AttemptSubmission runs the submission gate as a genuine attempt without
// submitting anything.
func (p *Pipeline) AttemptSubmission(ctx context.Context, txID string) (gate.Decision, error) {
	decision, err := p.gate.AttemptSubmission(ctx, txID)
	if err == nil && p.opts.Metrics != nil {
		code := ""
		denied, isDenied := decision.(gate.Denied)
		if isDenied {
			code = string(denied.ReasonCode)
		}
		p.opts.Metrics.RecordDecision(ctx, !isDenied, code)
	}
	return decision, err
}

// SubmitTransaction performs the real, irreversible submission. The record
// must sit at SIMULATED_CONFIRM; the kill switch and policy-lock invariant
// are re-enforced, the signed payload hash is checked against the dry-run
// hash, and the gate must admit. On a gate denial the record is left
// untouched at SIMULATED_CONFIRM and the denial is returned as data. Once
// the gate admits there is no cancellation: the outcome (success, failure
// or timeout) is always recorded.
func (p *Pipeline) SubmitTransaction(ctx context.Context, txID string) (*txstate.TransactionRecord, gate.Decision, error) {
	ctx, span := p.tracer.Start(ctx, "SubmitTransaction")
	defer span.End()

	rec, err := p.machine.Get(txID)
	if err != nil {
		return nil, nil, err
	}
	if rec.State != txstate.StateSimulatedConfirm {
		return nil, nil, fmt.Errorf("%w: submission requires %s, transaction is %s",
			txstate.ErrInvalidTransition, txstate.StateSimulatedConfirm, rec.State)
	}

	if err := p.engine.EnforceKillSwitch("submitTransaction"); err != nil {
		return nil, nil, err
	}
	if err := p.engine.Enforce(invariant.InvNoSubmitWhenLocked); err != nil {
		return nil, nil, err
	}

	// Bait-and-switch guard: the payload the wallet signed must hash to the
	// exact value produced at dry-run time.
	if rec.Signing != nil && rec.DryRun != nil {
		if !rec.Signing.PayloadConsistent || rec.Signing.PayloadHash != rec.DryRun.PayloadHash {
			return nil, nil, fmt.Errorf("%w: signed payload hash %s does not match dry-run hash %s",
				invariant.ErrInvariantViolation, rec.Signing.PayloadHash, rec.DryRun.PayloadHash)
		}
	}

	decision, err := p.AttemptSubmission(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	if denied, ok := decision.(gate.Denied); ok {
		p.milestone(ctx, "submission_denied", rec, map[string]any{
			"reason_code": string(denied.ReasonCode), "reason": denied.Reason,
		})
		return rec, denied, nil
	}

	// Consume the consent exactly once, before the irreversible call.
	consumed, err := p.intents.Consume(rec.IntentID)
	if err != nil {
		return nil, nil, err
	}
	if !consumed.Success {
		return nil, nil, fmt.Errorf("%w: intent %s could not be consumed: %s",
			invariant.ErrInvariantViolation, rec.IntentID, consumed.Reason)
	}

	submitted, err := p.machine.Transition(txID, txstate.StateSubmit, "gate admitted")
	if err != nil {
		return nil, nil, err
	}
	p.milestone(ctx, "submit", submitted, nil)

	// One bounded external call; the client handles confirmation polling.
	callCtx, cancel := context.WithTimeout(ctx, p.opts.SubmitTimeout+p.opts.ConfirmTimeout)
	defer cancel()

	result, err := p.opts.Submitter.SendAndConfirmRawTransaction(callCtx, rec.Signing.SignedPayload, rec.ContextID, rec.Payload.Origin)
	if err != nil {
		result = txstate.SubmissionResult{Error: err.Error(), RPCEndpointID: "unknown"}
	}
	if recErr := p.machine.RecordSubmission(txID, result); recErr != nil {
		return nil, nil, recErr
	}

	target := txstate.StateFailed
	reason := result.Error
	if result.Success {
		target = txstate.StateConfirmed
		reason = "confirmed by network"
	}
	final, err := p.machine.Transition(txID, target, reason)
	if err != nil {
		return nil, nil, err
	}
	p.milestone(ctx, "submission_result", final, map[string]any{"success": result.Success})
	return final, decision, nil
}

// GetReceiptData assembles the read-only denormalized snapshot of one
// transaction plus the live policy/invariant/kill-switch state. It is for
// external audit and display, never for re-decision.
func (p *Pipeline) GetReceiptData(_ context.Context, txID string) (*receipt.ReceiptData, error) {
	rec, err := p.machine.Get(txID)
	if err != nil {
		return nil, err
	}

	data := &receipt.ReceiptData{
		ReceiptID:   uuid.New().String(),
		GeneratedAt: p.clock.Now(),
		Record:      *rec,
		Policy:      p.policy.State(),
		Invariants:  p.engine.CheckAll(),
		KillSwitch:  p.engine.KillSwitch(),
		Attempts:    p.gate.AttemptLog(txID),
	}
	if rec.IntentID != "" {
		if it, err := p.intents.Get(rec.IntentID); err == nil {
			data.Intent = &it
		}
	}
	return data, nil
}

// validatePayload runs the JSON schema over the payload.
func (p *Pipeline) validatePayload(payload txstate.Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload encode: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("payload decode: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}
	return nil
}

// estimateFee is part of the simulation; it never contacts a network.
func estimateFee(p txstate.Payload) float64 {
	base := 0.000005
	return base * float64(p.InstructionCount) * float64(1+len(p.Accounts)/4)
}
