package session

import (
	"encoding/hex"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/canonicalize"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
)

// CredentialVersion is the message format version covered by the signature.
const CredentialVersion = "1"

// SessionCredential is a signed, time-boxed, capability-scoped grant from an
// identity to the execution substrate.
type SessionCredential struct {
	Version      string              `json:"version"`
	URI          string              `json:"uri"`
	Subject      identity.Address    `json:"subject"`
	PublicKey    string              `json:"public_key"`
	Statement    string              `json:"statement,omitempty"`
	Capabilities []CapabilityRequest `json:"capabilities"`
	IssuedAt     time.Time           `json:"issued_at"`
	Expiration   time.Time           `json:"expiration"`
	Nonce        string              `json:"nonce"`
	Signature    string              `json:"signature"`
}

type authCapability struct {
	Resource   string `json:"resource"`
	Ability    string `json:"ability"`
	Expiration string `json:"expiration"`
}

// authMessage is every authorization-relevant field of the credential.
type authMessage struct {
	Version      string           `json:"version"`
	URI          string           `json:"uri"`
	Subject      string           `json:"subject"`
	PublicKey    string           `json:"public_key"`
	Statement    string           `json:"statement"`
	Capabilities []authCapability `json:"capabilities"`
	IssuedAt     string           `json:"issued_at"`
	Expiration   string           `json:"expiration"`
	Nonce        string           `json:"nonce"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CanonicalMessage returns the RFC 8785 encoding of everything but the
// signature. Addresses are lower-cased and free text is NFC-normalized so the
// bytes do not depend on how the caller spelled them.
func (c *SessionCredential) CanonicalMessage() ([]byte, error) {
	caps := make([]authCapability, len(c.Capabilities))
	for i, cp := range c.Capabilities {
		caps[i] = authCapability{
			Resource:   canonicalize.NormalizeText(string(cp.Resource)),
			Ability:    string(cp.Ability),
			Expiration: formatTime(cp.Expiration),
		}
	}
	return canonicalize.JCS(authMessage{
		Version:      c.Version,
		URI:          canonicalize.NormalizeText(c.URI),
		Subject:      c.Subject.Lower(),
		PublicKey:    c.PublicKey,
		Statement:    canonicalize.NormalizeText(c.Statement),
		Capabilities: caps,
		IssuedAt:     formatTime(c.IssuedAt),
		Expiration:   formatTime(c.Expiration),
		Nonce:        c.Nonce,
	})
}

// Fingerprint identifies the credential in logs without exposing the nonce or
// signature.
func (c *SessionCredential) Fingerprint() string {
	msg, err := c.CanonicalMessage()
	if err != nil {
		return ""
	}
	return canonicalize.HashBytes(msg)[:16]
}

// Expired reports whether the credential can no longer be used at now.
func (c *SessionCredential) Expired(now time.Time) bool {
	return !now.Before(c.Expiration)
}

func (c *SessionCredential) publicKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.PublicKey)
}
