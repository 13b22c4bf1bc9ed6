package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUserRejected is returned when the holder of the key declines to sign.
	ErrUserRejected = errors.New("identity: signature request rejected")
	// ErrNoSigner is returned when no signing capability is available.
	ErrNoSigner = errors.New("identity: no signing capability")
)

// Signer holds a signing capability for one identity.
// Sign may suspend (e.g. waiting on a human) and must honour ctx.
type Signer interface {
	Address() Address
	PublicKey() []byte
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Ed25519Signer signs with an in-memory Ed25519 key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	address Address
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		address: AddressFromPublicKey(pub),
	}
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

func (s *Ed25519Signer) Address() Address {
	return s.address
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.pubKey
}

func (s *Ed25519Signer) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.privKey, message), nil
}

// Seed returns the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// Verify checks an Ed25519 signature.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// LoadSigner reads a hex-encoded seed from path.
func LoadSigner(path string) (*Ed25519Signer, error) {
	keyHex, err := os.ReadFile(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}
	return NewEd25519SignerFromSeed(seed)
}

// LoadOrGenerateSigner loads the key at path, creating it if absent.
// The boolean reports whether a new key was generated.
func LoadOrGenerateSigner(path string) (*Ed25519Signer, bool, error) {
	if _, err := os.Stat(path); err == nil {
		s, err := LoadSigner(path)
		return s, false, err
	}

	s, err := NewEd25519Signer()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, false, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.Seed())), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save key: %w", err)
	}
	return s, true, nil
}
