package collab

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/meridianlabs/txgate/pkg/canonical"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

// DevWallet is a deterministic ed25519 signer for tests and local
// development. It is not a real custody wallet: the key lives in process
// memory and origin checks are advisory.
type DevWallet struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	connected bool
}

// NewDevWallet derives a keypair from a 32-byte seed.
func NewDevWallet(seed []byte) (*DevWallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("dev wallet seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &DevWallet{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Connect implements WalletSigner.
func (w *DevWallet) Connect(_ context.Context, origin, contextID string) (ConnectionResult, error) {
	if origin == "" {
		return ConnectionResult{Error: "origin required"}, nil
	}
	w.connected = true
	return ConnectionResult{Connected: true, WalletID: hex.EncodeToString(w.pub[:8])}, nil
}

// Sign implements WalletSigner. The payload is canonicalized and hashed
// independently of the dry-run pass; PayloadConsistent reports whether the
// two hashes agree.
func (w *DevWallet) Sign(_ context.Context, req SignRequest) (txstate.SigningResult, error) {
	if !w.connected {
		return txstate.SigningResult{Error: "wallet not connected"}, nil
	}

	payloadHash, err := canonical.Hash(req.Payload)
	if err != nil {
		return txstate.SigningResult{Error: fmt.Sprintf("payload hash: %v", err)}, nil
	}

	digest := blake2b.Sum256([]byte(payloadHash))
	sig := ed25519.Sign(w.priv, digest[:])

	return txstate.SigningResult{
		Success:           true,
		SignedPayload:     payloadHash + ":" + hex.EncodeToString(sig),
		Signature:         hex.EncodeToString(sig),
		PayloadHash:       payloadHash,
		DryRunHash:        req.DryRunHash,
		PayloadConsistent: payloadHash == req.DryRunHash,
	}, nil
}
