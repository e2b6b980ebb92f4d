package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/txgate/pkg/canonical"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

func walletPayload() txstate.Payload {
	return txstate.Payload{
		ProgramID:        "PPPPPPPPPPPPPPPPPPPPPPPPPPPPPPPP",
		InstructionData:  "03ab",
		InstructionCount: 1,
		Accounts:         []string{"S", "R"},
		EstimatedAmount:  1.5,
		Origin:           "https://example.com",
	}
}

func TestNewDevWalletRejectsBadSeed(t *testing.T) {
	_, err := NewDevWallet([]byte("short"))
	require.Error(t, err)

	w, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestConnectRequiresOrigin(t *testing.T) {
	w, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)

	res, err := w.Connect(context.Background(), "", "ctx-1")
	require.NoError(t, err)
	assert.False(t, res.Connected)
	assert.Equal(t, "origin required", res.Error)

	res, err = w.Connect(context.Background(), "https://example.com", "ctx-1")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.NotEmpty(t, res.WalletID)
}

func TestSignRequiresConnect(t *testing.T) {
	w, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)

	res, err := w.Sign(context.Background(), SignRequest{TxID: "tx-1", Payload: walletPayload()})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "wallet not connected", res.Error)
}

func TestSignReportsPayloadConsistency(t *testing.T) {
	w, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)
	_, err = w.Connect(context.Background(), "https://example.com", "ctx-1")
	require.NoError(t, err)

	payload := walletPayload()
	expected, err := canonical.Hash(payload)
	require.NoError(t, err)

	res, err := w.Sign(context.Background(), SignRequest{TxID: "tx-1", Payload: payload, DryRunHash: expected})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PayloadConsistent)
	assert.Equal(t, expected, res.PayloadHash)
	assert.NotEmpty(t, res.Signature)

	// A mismatched dry-run hash is reported, not hidden.
	res, err = w.Sign(context.Background(), SignRequest{TxID: "tx-1", Payload: payload, DryRunHash: "sha256:other"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.PayloadConsistent)
}

func TestSigningIsDeterministicPerSeed(t *testing.T) {
	a, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)
	b, err := NewDevWallet(make([]byte, 32))
	require.NoError(t, err)
	_, err = a.Connect(context.Background(), "https://example.com", "ctx-1")
	require.NoError(t, err)
	_, err = b.Connect(context.Background(), "https://example.com", "ctx-1")
	require.NoError(t, err)

	resA, err := a.Sign(context.Background(), SignRequest{TxID: "tx-1", Payload: walletPayload()})
	require.NoError(t, err)
	resB, err := b.Sign(context.Background(), SignRequest{TxID: "tx-1", Payload: walletPayload()})
	require.NoError(t, err)
	assert.Equal(t, resA.Signature, resB.Signature)
}
