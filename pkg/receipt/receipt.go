// Package receipt builds read-only, denormalized transaction snapshots.
//
// A ReceiptData is generated for external audit and display only. It
// embeds copies of every stage outcome plus the live policy, invariant and
// kill-switch state at generation time. Nothing in the core ever reads a
// receipt back to make a decision.
package receipt

import (
	"time"

	"github.com/meridianlabs/txgate/pkg/gate"
	"github.com/meridianlabs/txgate/pkg/intent"
	"github.com/meridianlabs/txgate/pkg/invariant"
	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

// ReceiptData is the full audit trail of one transaction.
type ReceiptData struct {
	ReceiptID   string    `json:"receipt_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Record txstate.TransactionRecord `json:"record"`
	Intent *intent.Intent            `json:"intent,omitempty"`

	Policy     policy.State              `json:"policy"`
	Invariants []invariant.CheckResult   `json:"invariants"`
	KillSwitch invariant.KillSwitchState `json:"kill_switch"`
	Attempts   []gate.AttemptRecord      `json:"attempts"`
}
