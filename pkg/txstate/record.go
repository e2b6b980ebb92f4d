// Package txstate holds Transaction Records and the lifecycle state machine.
//
// Every transaction the system handles is a TransactionRecord owned by
// exactly one Machine. Records move through a fixed set of states; the
// legal successors of each state live in a static transition table and
// every successful transition appends one history entry. Terminal states
// accept no further transitions.
package txstate

import "time"

// State is a lifecycle state of a transaction.
type State string

const (
	StateNew              State = "NEW"
	StateClassify         State = "CLASSIFY"
	StateRiskScore        State = "RISK_SCORE"
	StateStrategySelect   State = "STRATEGY_SELECT"
	StatePrepare          State = "PREPARE"
	StateDryRun           State = "DRY_RUN"
	StateSign             State = "SIGN"
	StateSimulatedConfirm State = "SIMULATED_CONFIRM"
	StateSubmit           State = "SUBMIT"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
	StateAborted          State = "ABORTED"
)

// IsTerminal reports whether the state accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateAborted
}

// HistoryEntry is one append-only record of a state change.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Payload is the caller-supplied description of the transaction to execute.
type Payload struct {
	ProgramID        string   `json:"program_id"`
	InstructionData  string   `json:"instruction_data"`
	InstructionCount int      `json:"instruction_count"`
	Accounts         []string `json:"accounts"`
	EstimatedAmount  float64  `json:"estimated_amount"`
	Origin           string   `json:"origin"`
}

// Classification is the classifier collaborator's verdict on a payload.
type Classification struct {
	Category   string  `json:"category"` // e.g. "TRANSFER", "PROGRAM_CALL"
	Confidence float64 `json:"confidence"`
	MovesFunds bool    `json:"moves_funds"`
}

// RiskScore is the risk scorer collaborator's opaque score.
type RiskScore struct {
	Score   float64  `json:"score"` // 0.0 (benign) .. 1.0 (hostile)
	Factors []string `json:"factors,omitempty"`
}

// Strategy tags name the execution/privacy approach for a transaction.
const (
	StrategyNormal          = "NORMAL"
	StrategyRPCPrivacy      = "RPC_PRIVACY"
	StrategyEphemeralSender = "EPHEMERAL_SENDER"
	// StrategyPrivateRail is never implemented; the submission gate denies it
	// unconditionally.
	StrategyPrivateRail = "PRIVATE_RAIL"
)

// StrategySelection is the strategy selector collaborator's choice.
type StrategySelection struct {
	Strategy  string `json:"strategy"`
	Rationale string `json:"rationale,omitempty"`
}

// DryRunResult is the outcome of a fully simulated execution pass.
// No external network is contacted to produce it.
type DryRunResult struct {
	Success     bool      `json:"success"`
	FeeEstimate float64   `json:"fee_estimate"`
	Route       string    `json:"route,omitempty"`
	PayloadHash string    `json:"payload_hash"` // canonical hash of the simulated payload
	Error       string    `json:"error,omitempty"`
	SimulatedAt time.Time `json:"simulated_at"`
}

// SigningResult is the wallet collaborator's output.
type SigningResult struct {
	Success           bool   `json:"success"`
	SignedPayload     string `json:"signed_payload,omitempty"`
	Signature         string `json:"signature,omitempty"`
	PayloadHash       string `json:"payload_hash"`
	DryRunHash        string `json:"dry_run_hash"`
	PayloadConsistent bool   `json:"payload_consistent"`
	Error             string `json:"error,omitempty"`
}

// SubmissionResult is the RPC collaborator's outcome for a real submission.
type SubmissionResult struct {
	Success       bool   `json:"success"`
	Signature     string `json:"signature,omitempty"`
	Slot          uint64 `json:"slot,omitempty"`
	RPCEndpointID string `json:"rpc_endpoint_id"`
	RPCRouteID    string `json:"rpc_route_id,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latency_ms"`
}

// TransactionRecord holds the full per-transaction state. Records are
// mutated only through Machine operations; callers always receive copies.
type TransactionRecord struct {
	TxID      string    `json:"tx_id"`
	ContextID string    `json:"context_id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StateHistory []HistoryEntry `json:"state_history"`

	Payload        Payload            `json:"payload"`
	Classification *Classification    `json:"classification,omitempty"`
	RiskScore      *RiskScore         `json:"risk_score,omitempty"`
	Strategy       *StrategySelection `json:"strategy,omitempty"`
	DryRun         *DryRunResult      `json:"dry_run,omitempty"`
	Signing        *SigningResult     `json:"signing,omitempty"`
	Submission     *SubmissionResult  `json:"submission,omitempty"`
	IntentID       string             `json:"intent_id,omitempty"`
}

// clone returns a deep copy so callers can never reach the stored record.
func (r *TransactionRecord) clone() *TransactionRecord {
	cp := *r
	cp.StateHistory = append([]HistoryEntry(nil), r.StateHistory...)
	cp.Payload.Accounts = append([]string(nil), r.Payload.Accounts...)
	if r.Classification != nil {
		c := *r.Classification
		cp.Classification = &c
	}
	if r.RiskScore != nil {
		s := *r.RiskScore
		s.Factors = append([]string(nil), r.RiskScore.Factors...)
		cp.RiskScore = &s
	}
	if r.Strategy != nil {
		st := *r.Strategy
		cp.Strategy = &st
	}
	if r.DryRun != nil {
		d := *r.DryRun
		cp.DryRun = &d
	}
	if r.Signing != nil {
		sg := *r.Signing
		cp.Signing = &sg
	}
	if r.Submission != nil {
		sb := *r.Submission
		cp.Submission = &sb
	}
	return &cp
}
