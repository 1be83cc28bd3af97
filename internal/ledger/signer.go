package ledger

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Signer signs transactions on behalf of an account.
type Signer interface {
	// Account returns the address of the signing account.
	Account() string
	// Sign returns the signature over payload.
	Sign(payload []byte) ([]byte, error)
}

// KeySigner signs with an ed25519 key. The account address is the hex-encoded public key.
type KeySigner struct {
	key ed25519.PrivateKey
}

// NewKeySigner creates a signer from a 32 byte ed25519 seed.
func NewKeySigner(seed []byte) (*KeySigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeySigner{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateKeySigner creates a signer with a random key.
func GenerateKeySigner() (*KeySigner, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// LoadKeySigner reads a hex-encoded seed from path.
func LoadKeySigner(path string) (*KeySigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	seed, err := hex.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %q: %w", path, err)
	}

	return NewKeySigner(seed)
}

// Account returns the hex-encoded public key.
func (s *KeySigner) Account() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign signs payload.
func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

// SignTransaction signs tx with signer. The transaction's account is set to the signer's.
func SignTransaction(signer Signer, tx Transaction) (SignedTransaction, error) {
	tx.Account = signer.Account()

	payload, err := tx.SigningPayload()
	if err != nil {
		return SignedTransaction{}, err
	}

	signature, err := signer.Sign(payload)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("sign transaction: %w", err)
	}

	return SignedTransaction{Transaction: tx, Signature: signature}, nil
}

// VerifyTransaction checks the signature of tx against its account.
func VerifyTransaction(tx SignedTransaction) error {
	public, err := hex.DecodeString(tx.Account)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid account %q", ErrBadSignature, tx.Account)
	}

	payload, err := tx.SigningPayload()
	if err != nil {
		return err
	}

	if !ed25519.Verify(ed25519.PublicKey(public), payload, tx.Signature) {
		return ErrBadSignature
	}

	return nil
}
