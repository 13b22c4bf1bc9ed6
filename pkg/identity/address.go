package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address is the public account identifier derived from a signing key.
// It is rendered as 0x-prefixed hex with the EIP-55 mixed-case checksum,
// but comparisons are always case-insensitive.
type Address string

const addressHexLen = 40

// AddressFromPublicKey derives the address of a public key: the last 20 bytes
// of Keccak-256(pubkey).
func AddressFromPublicKey(pub []byte) Address {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(pub)
	sum := h.Sum(nil)
	return checksum(hex.EncodeToString(sum[len(sum)-20:]))
}

// ParseAddress accepts an address in any letter case and returns its
// checksummed form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != addressHexLen+2 || (s[:2] != "0x" && s[:2] != "0X") {
		return "", fmt.Errorf("invalid address %q: expected 0x followed by %d hex chars", s, addressHexLen)
	}
	raw := strings.ToLower(s[2:])
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return checksum(raw), nil
}

// checksum applies EIP-55 encoding to a lowercase hex address body.
func checksum(lowerHex string) Address {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(lowerHex))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lowerHex)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - ('a' - 'A')
		}
	}
	return Address("0x" + string(out))
}

func (a Address) String() string {
	return string(a)
}

// Lower returns the canonical lowercase form used for keys and lookups.
func (a Address) Lower() string {
	return strings.ToLower(string(a))
}

// Equal reports whether two addresses refer to the same account.
func (a Address) Equal(other Address) bool {
	return a != "" && strings.EqualFold(string(a), string(other))
}
