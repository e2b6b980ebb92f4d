// Package collab declares the collaborator contracts the authorization
// core depends on, together with in-process reference implementations used
// by tests and local development. Endpoint scoring, retry policy and real
// wallet cryptography live outside this module; only the interface
// boundary is specified here.
package collab

import (
	"context"

	"github.com/meridianlabs/txgate/pkg/txstate"
)

// ConnectionResult is the wallet's answer to a connect request.
type ConnectionResult struct {
	Connected bool   `json:"connected"`
	WalletID  string `json:"wallet_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SignRequest carries everything the wallet needs to sign one transaction.
type SignRequest struct {
	TxID       string          `json:"tx_id"`
	Payload    txstate.Payload `json:"payload"`
	DryRunHash string          `json:"dry_run_hash"`
}

// WalletSigner is the wallet collaborator contract.
type WalletSigner interface {
	Connect(ctx context.Context, origin, contextID string) (ConnectionResult, error)
	Sign(ctx context.Context, req SignRequest) (txstate.SigningResult, error)
}

// SubmissionClient is the submission RPC collaborator contract. The core
// calls it exactly once per admitted submission; retries and routing are
// the client's concern.
type SubmissionClient interface {
	SendAndConfirmRawTransaction(ctx context.Context, signedPayload, contextID, origin string) (txstate.SubmissionResult, error)
}

// Classifier, RiskScorer and StrategySelector are pure functions. The core
// treats their outputs as opaque stage artifacts.
type (
	Classifier       func(p txstate.Payload) txstate.Classification
	RiskScorer       func(p txstate.Payload, c txstate.Classification) txstate.RiskScore
	StrategySelector func(p txstate.Payload, score txstate.RiskScore, trust float64) txstate.StrategySelection
)

// Persistence is the best-effort, non-authoritative snapshot store. A nil
// snapshot from Load means no prior state exists.
type Persistence interface {
	Save(ctx context.Context, records []txstate.TransactionRecord) error
	Load(ctx context.Context) ([]txstate.TransactionRecord, error)
}
