package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/txgate/pkg/intent"
	"github.com/meridianlabs/txgate/pkg/invariant"
	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

type fixture struct {
	pol     *policy.Store
	eng     *invariant.Engine
	machine *txstate.Machine
	intents *intent.Ledger
	gate    *Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pol := policy.NewStore(clock)
	eng, err := invariant.NewEngine(pol, invariant.ModeLive, clock)
	require.NoError(t, err)
	machine := txstate.NewMachine(clock)
	intents := intent.NewLedger(clock)
	return &fixture{
		pol:     pol,
		eng:     eng,
		machine: machine,
		intents: intents,
		gate:    New(pol, eng, machine, intents, clock),
	}
}

func (f *fixture) unlockSubmission(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pol.Unlock("test setup", "operator-a"))
	require.NoError(t, f.pol.SetFlag(policy.CapSubmission, true, "test setup", "operator-a"))
}

// readyTransaction builds a record at SIMULATED_CONFIRM with a successful
// signing result and a confirmed SIGN_AND_SUBMIT intent bound to it.
func (f *fixture) readyTransaction(t *testing.T) string {
	t.Helper()
	rec := f.machine.Create("ctx-1", txstate.Payload{
		ProgramID:        "PPPPPPPPPPPPPPPPPPPPPPPPPPPPPPPP",
		InstructionData:  "03ab",
		InstructionCount: 1,
		Accounts:         []string{"S", "R"},
		EstimatedAmount:  1.5,
		Origin:           "https://example.com",
	})
	for _, s := range []txstate.State{txstate.StateClassify, txstate.StateRiskScore, txstate.StateStrategySelect, txstate.StatePrepare, txstate.StateDryRun, txstate.StateSign, txstate.StateSimulatedConfirm} {
		_, err := f.machine.Transition(rec.TxID, s, "test setup")
		require.NoError(t, err)
	}
	require.NoError(t, f.machine.RecordSigning(rec.TxID, txstate.SigningResult{
		Success:           true,
		Signature:         "sig",
		PayloadHash:       "sha256:abc",
		DryRunHash:        "sha256:abc",
		PayloadConsistent: true,
	}))

	it := f.intents.Create(rec.TxID, "https://example.com", rec.ContextID, intent.SignAndSubmit, 0)
	res, err := f.intents.Confirm(it.IntentID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, f.machine.BindIntent(rec.TxID, it.IntentID))
	return rec.TxID
}

func TestDefaultDenialIsPolicyBlocked(t *testing.T) {
	f := newFixture(t)
	txID := f.readyTransaction(t)

	// Everything about the transaction is ready, but the policy store boots
	// locked, so the gate denies before even loading the record.
	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonPolicyBlocked, denied.ReasonCode)
	assert.NotEmpty(t, denied.Reason)
}

func TestFullAdmitPath(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	admitted, ok := decision.(Admitted)
	require.True(t, ok, "expected Admitted, got %#v", decision)
	assert.Equal(t, "All submission conditions satisfied", admitted.Reason)
	assert.Equal(t, f.pol.State().Version, admitted.PolicyVersion)
}

func TestUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)

	decision, err := f.gate.AttemptSubmission(context.Background(), "no-such-tx")
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidState, denied.ReasonCode)
}

func TestWrongState(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)

	rec := f.machine.Create("ctx-1", txstate.Payload{ProgramID: "PPPPPPPPPPPPPPPPPPPPPPPPPPPPPPPP", Accounts: []string{"S"}, InstructionCount: 1, InstructionData: "03", Origin: "https://example.com"})

	decision, err := f.gate.AttemptSubmission(context.Background(), rec.TxID)
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidState, denied.ReasonCode)
	assert.Contains(t, denied.Reason, "NEW")
}

func TestNotSigned(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)

	// Overwrite the signing artifact with a failed result.
	require.NoError(t, f.machine.RecordSigning(txID, txstate.SigningResult{Success: false, Error: "user rejected"}))

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonNotSigned, denied.ReasonCode)
}

func TestIntentMustBeConfirmedAndRightType(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)

	// Rebind to a SIGN_ONLY intent; consent to submit was never given.
	signOnly := f.intents.Create(txID, "https://example.com", "ctx-1", intent.SignOnly, 0)
	res, err := f.intents.Confirm(signOnly.IntentID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, f.machine.BindIntent(txID, signOnly.IntentID))

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidState, denied.ReasonCode)
	assert.Contains(t, denied.Reason, "SIGN_AND_SUBMIT")
}

func TestPrivateRailIsNeverSubmittable(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	require.NoError(t, f.pol.SetFlag(policy.CapPrivateRail, true, "test setup", "operator-a"))
	txID := f.readyTransaction(t)
	require.NoError(t, f.machine.RecordStrategy(txID, txstate.StrategySelection{Strategy: txstate.StrategyPrivateRail}))

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonPrivateRailNotEnabled, denied.ReasonCode)
}

func TestKillSwitchRaisesAndIsLogged(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)
	require.NoError(t, f.eng.ActivateKillSwitch("incident", "guardian"))

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.ErrorIs(t, err, invariant.ErrKillSwitchActive)
	assert.Nil(t, decision)

	log := f.gate.AttemptLog(txID)
	require.Len(t, log, 1)
	assert.Equal(t, ReasonKillSwitch, log[0].ReasonCode)
	assert.False(t, log[0].Allowed)
	assert.True(t, log[0].WasAttempt)
}

func TestAttemptLogDistinguishesPreemptiveChecks(t *testing.T) {
	f := newFixture(t)
	txID := f.readyTransaction(t)

	_, err := f.gate.WouldAllowSubmission(context.Background(), txID)
	require.NoError(t, err)
	_, err = f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)

	log := f.gate.AttemptLog(txID)
	require.Len(t, log, 2)
	assert.False(t, log[0].WasAttempt)
	assert.True(t, log[1].WasAttempt)
	for _, rec := range log {
		assert.NotEmpty(t, rec.AttemptID)
		assert.Equal(t, ReasonPolicyBlocked, rec.ReasonCode)
	}
}

func TestLimiterDeniesExcessAttempts(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)
	f.gate.SetLimiter(NewInMemoryLimiterStore(LimiterPolicy{RatePerSec: 0, Burst: 2}))

	for i := 0; i < 2; i++ {
		decision, err := f.gate.AttemptSubmission(context.Background(), txID)
		require.NoError(t, err)
		_, ok := decision.(Admitted)
		require.True(t, ok, "attempt %d should be admitted", i)
	}

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)
	denied, ok := decision.(Denied)
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimited, denied.ReasonCode)
}

func TestPreemptiveChecksNeverConsumeTokens(t *testing.T) {
	f := newFixture(t)
	f.unlockSubmission(t)
	txID := f.readyTransaction(t)
	f.gate.SetLimiter(NewInMemoryLimiterStore(LimiterPolicy{RatePerSec: 0, Burst: 1}))

	for i := 0; i < 5; i++ {
		decision, err := f.gate.WouldAllowSubmission(context.Background(), txID)
		require.NoError(t, err)
		_, ok := decision.(Admitted)
		assert.True(t, ok)
	}

	decision, err := f.gate.AttemptSubmission(context.Background(), txID)
	require.NoError(t, err)
	_, ok := decision.(Admitted)
	assert.True(t, ok, "the real attempt still has its full bucket")
}

func TestBlockedMethodNames(t *testing.T) {
	f := newFixture(t)

	names := f.gate.BlockedMethodNames()
	assert.Contains(t, names, "sendTransaction")
	assert.Contains(t, names, "signAndSendTransaction")
	assert.Contains(t, names, "requestAirdrop")

	names[0] = "tampered"
	assert.Equal(t, "sendTransaction", f.gate.BlockedMethodNames()[0])
}

func TestGateSatisfiesReadOnlySurface(t *testing.T) {
	f := newFixture(t)
	var ro ReadOnlyGate = f.gate
	_, err := ro.WouldAllowSubmission(context.Background(), "x")
	assert.NoError(t, err)
}
