package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestDefaultsAreFailClosed(t *testing.T) {
	s := NewStore(nil)
	state := s.State()

	assert.Equal(t, Locked, state.LockStatus)
	assert.Equal(t, uint64(0), state.Version)
	for _, c := range Capabilities() {
		assert.False(t, state.Flags[c], "capability %s must default to false", c)
	}
}

func TestCheckDeniesEverythingWhileLocked(t *testing.T) {
	s := NewStore(nil)

	for _, c := range Capabilities() {
		res := s.Check(c)
		assert.False(t, res.Allowed)
		assert.Equal(t, Locked, res.LockStatus)
		assert.NotEmpty(t, res.Reason)
	}
}

func TestCheckUnknownCapability(t *testing.T) {
	s := NewStore(nil)
	res := s.Check(Capability("teleportation"))
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "not declared")
}

func TestSetFlagWhileLockedFails(t *testing.T) {
	s := NewStore(nil)

	err := s.SetFlag(CapSubmission, true, "trying anyway", "tester")
	require.ErrorIs(t, err, ErrLocked)

	// Nothing changed, nothing versioned.
	state := s.State()
	assert.False(t, state.Flags[CapSubmission])
	assert.Equal(t, uint64(0), state.Version)
	assert.Empty(t, s.History())
}

func TestUnlockThenSetFlag(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.Unlock("maintenance window", "operator-a"))
	require.NoError(t, s.SetFlag(CapSubmission, true, "enable submission", "operator-a"))

	res := s.Check(CapSubmission)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint64(2), res.PolicyVersion)

	// Independence: enabling one capability never enables another.
	assert.False(t, s.Check(CapFundMovement).Allowed)
	assert.False(t, s.Check(CapPrivateRail).Allowed)
}

func TestRelockDeniesWithoutClearingFlags(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Unlock("setup", "operator-a"))
	require.NoError(t, s.SetFlag(CapSubmission, true, "setup", "operator-a"))

	require.NoError(t, s.Lock("incident response", "operator-b"))

	assert.False(t, s.Check(CapSubmission).Allowed)
	// The flag value survives the lock; only Check is gated.
	assert.True(t, s.State().Flags[CapSubmission])
}

func TestTwoStepUnlockRequiresDistinctApprover(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.RequestUnlock("deploy", "operator-a"))
	assert.Equal(t, PendingUnlock, s.State().LockStatus)

	// PENDING_UNLOCK still denies everything.
	assert.False(t, s.Check(CapSubmission).Allowed)

	err := s.ApproveUnlock("deploy", "operator-a")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, PendingUnlock, s.State().LockStatus)

	require.NoError(t, s.ApproveUnlock("deploy", "operator-b"))
	assert.Equal(t, Unlocked, s.State().LockStatus)
}

func TestApproveWithoutPendingFails(t *testing.T) {
	s := NewStore(nil)
	err := s.ApproveUnlock("no request", "operator-b")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequestUnlockWhenAlreadyUnlocked(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Unlock("setup", "operator-a"))
	err := s.RequestUnlock("again", "operator-b")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMutationsRequireReasonAndAuthor(t *testing.T) {
	s := NewStore(nil)

	assert.ErrorIs(t, s.Unlock("", "operator-a"), ErrValidation)
	assert.ErrorIs(t, s.Unlock("reason", ""), ErrValidation)
	assert.ErrorIs(t, s.Lock("", "operator-a"), ErrValidation)
	assert.ErrorIs(t, s.SetFlag(CapSubmission, true, "", "operator-a"), ErrValidation)
	assert.ErrorIs(t, s.SetFlag(CapSubmission, true, "reason", ""), ErrValidation)

	assert.Equal(t, uint64(0), s.State().Version)
}

func TestSetUnknownCapability(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Unlock("setup", "operator-a"))
	err := s.SetFlag(Capability("teleportation"), true, "reason", "operator-a")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestEveryMutationVersionsAndAudits(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewStore(clock)

	require.NoError(t, s.Unlock("one", "operator-a"))
	require.NoError(t, s.SetFlag(CapSubmission, true, "two", "operator-a"))
	require.NoError(t, s.SetFlag(CapSubmission, false, "three", "operator-a"))
	require.NoError(t, s.Lock("four", "operator-a"))

	history := s.History()
	require.Len(t, history, 4)
	for i, rec := range history {
		assert.Equal(t, uint64(i+1), rec.Version, "versions are strictly monotonic")
		assert.Equal(t, clock.t, rec.Timestamp)
		assert.NotEmpty(t, rec.Reason)
		assert.NotEmpty(t, rec.Author)
	}

	assert.Equal(t, "flag", history[1].Field)
	assert.Equal(t, CapSubmission, history[1].Capability)
	assert.Equal(t, "false", history[1].OldValue)
	assert.Equal(t, "true", history[1].NewValue)
	assert.Equal(t, "lock_status", history[3].Field)
	assert.Equal(t, string(Unlocked), history[3].OldValue)
	assert.Equal(t, string(Locked), history[3].NewValue)
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Unlock("setup", "operator-a"))

	h := s.History()
	require.Len(t, h, 1)
	h[0].Reason = "tampered"

	assert.Equal(t, "setup", s.History()[0].Reason)
}
