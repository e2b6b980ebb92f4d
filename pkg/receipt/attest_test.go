package receipt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

func testReceipt() ReceiptData {
	return ReceiptData{
		ReceiptID:   "receipt-1",
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Record: txstate.TransactionRecord{
			TxID:      "tx-1",
			ContextID: "ctx-1",
			State:     txstate.StateConfirmed,
		},
		Policy: policy.State{LockStatus: policy.Locked},
	}
}

func newAttestor(t *testing.T) *Attestor {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewAttestor(key, "txgate-test")
}

func TestAttestAndVerify(t *testing.T) {
	a := newAttestor(t)
	r := testReceipt()

	token, err := a.Attest(r)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := a.Verify(token, &r)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", claims.TxID)
	assert.Equal(t, "receipt-1", claims.ReceiptID)
	assert.Equal(t, "txgate-test", claims.Issuer)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, claims.ContentHash)
}

func TestVerifyDetectsTamperedReceipt(t *testing.T) {
	a := newAttestor(t)
	r := testReceipt()

	token, err := a.Attest(r)
	require.NoError(t, err)

	tampered := r
	tampered.Record.State = txstate.StateFailed

	_, err = a.Verify(token, &tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a := newAttestor(t)
	other := newAttestor(t)
	r := testReceipt()

	token, err := a.Attest(r)
	require.NoError(t, err)

	_, err = other.Verify(token, &r)
	assert.Error(t, err)
}

func TestVerifyWithoutReceiptSkipsHashCheck(t *testing.T) {
	a := newAttestor(t)
	r := testReceipt()

	token, err := a.Attest(r)
	require.NoError(t, err)

	claims, err := a.Verify(token, nil)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", claims.TxID)
}

func TestDefaultIssuer(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := NewAttestor(key, "")

	token, err := a.Attest(testReceipt())
	require.NoError(t, err)
	claims, err := a.Verify(token, nil)
	require.NoError(t, err)
	assert.Equal(t, "txgate", claims.Issuer)
}
