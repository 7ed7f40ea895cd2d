package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// KeySigner signs envelopes with the backend's ed25519 key. The signature
// covers the network passphrase hash and the canonical transaction bytes,
// so an envelope replayed on another network fails verification.
type KeySigner struct {
	key        ed25519.PrivateKey
	address    string
	networkID  [32]byte
	passphrase string
}

// NewKeySignerFromEnv reads a hex-encoded 32-byte seed from the named
// environment variable. A missing or malformed key is a SigningError so
// callers never mistake it for a transient chain failure.
func NewKeySignerFromEnv(envVar, networkPassphrase string) (*KeySigner, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, SigningError{Err: fmt.Errorf("signing key env %s not set", envVar)}
	}
	seed, err := hex.DecodeString(raw)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, SigningError{Err: errors.New("signing key must be a hex-encoded 32-byte seed")}
	}
	return NewKeySigner(seed, networkPassphrase), nil
}

func NewKeySigner(seed []byte, networkPassphrase string) *KeySigner {
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	return &KeySigner{
		key:        key,
		address:    hex.EncodeToString(pub),
		networkID:  sha256.Sum256([]byte(networkPassphrase)),
		passphrase: networkPassphrase,
	}
}

func (s *KeySigner) Address() string { return s.address }

func (s *KeySigner) Sign(tx Transaction) (SignedTransaction, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return SignedTransaction{}, SigningError{Err: err}
	}
	digest := sha256.Sum256(append(s.networkID[:], payload...))
	sig := ed25519.Sign(s.key, digest[:])
	return SignedTransaction{Transaction: tx, Signature: sig}, nil
}
