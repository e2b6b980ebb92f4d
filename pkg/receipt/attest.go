package receipt

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianlabs/txgate/pkg/canonical"
)

// AttestationClaims binds a receipt's canonical content hash into a signed
// token an external verifier can check without trusting the transport.
type AttestationClaims struct {
	TxID        string `json:"tx_id"`
	ReceiptID   string `json:"receipt_id"`
	ContentHash string `json:"content_hash"`
	jwt.RegisteredClaims
}

// Attestor signs receipt attestations with an ECDSA key (ES256).
type Attestor struct {
	key    *ecdsa.PrivateKey
	issuer string
}

// NewAttestor creates an attestor for the given key.
func NewAttestor(key *ecdsa.PrivateKey, issuer string) *Attestor {
	if issuer == "" {
		issuer = "txgate"
	}
	return &Attestor{key: key, issuer: issuer}
}

// Attest returns a signed JWT over the receipt's canonical content hash.
func (a *Attestor) Attest(r ReceiptData) (string, error) {
	hash, err := canonical.Hash(r)
	if err != nil {
		return "", fmt.Errorf("receipt hash: %w", err)
	}

	claims := AttestationClaims{
		TxID:        r.Record.TxID,
		ReceiptID:   r.ReceiptID,
		ContentHash: hash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(a.key)
}

// Verify parses and verifies an attestation token against the attestor's
// public key and, when the receipt is supplied, its content hash.
func (a *Attestor) Verify(tokenString string, r *ReceiptData) (*AttestationClaims, error) {
	claims := &AttestationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &a.key.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid attestation token")
	}

	if r != nil {
		hash, err := canonical.Hash(*r)
		if err != nil {
			return nil, fmt.Errorf("receipt hash: %w", err)
		}
		if hash != claims.ContentHash {
			return nil, fmt.Errorf("receipt content hash mismatch")
		}
	}
	return claims, nil
}
