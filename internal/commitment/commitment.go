// Package commitment implements the hash-lock primitive used to bind payment
// to content delivery. A seller generates a random secret, publishes only its
// keccak256 digest alongside the deliverable, and reveals the secret at claim
// time. The digest is computed with the same hash the settlement contract
// uses, so on-chain verification is reproducible bit-for-bit.
package commitment

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the fixed length of a commitment secret in bytes.
const SecretSize = 32

// DigestSize is the length of a keccak256 digest in bytes.
const DigestSize = 32

// Secret is the locally-held preimage. It must never leave local encrypted
// storage before the claim reveal.
type Secret [SecretSize]byte

// Digest is the public one-way commitment to a Secret.
type Digest [DigestSize]byte

// Generate produces a fresh random secret and its digest.
func Generate() (Secret, Digest, error) {
	var secret Secret
	if _, err := rand.Read(secret[:]); err != nil {
		return Secret{}, Digest{}, fmt.Errorf("generate commitment secret: %w", err)
	}
	return secret, DigestOf(secret), nil
}

// DigestOf computes the keccak256 digest of a secret.
func DigestOf(secret Secret) Digest {
	var digest Digest
	copy(digest[:], crypto.Keccak256(secret[:]))
	return digest
}

// Verify reports whether digest commits to secret.
func Verify(secret Secret, digest Digest) bool {
	computed := DigestOf(secret)
	return bytes.Equal(computed[:], digest[:])
}

// Hex returns the secret as unprefixed hex, the form kept in local storage.
func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// Hex returns the digest as 0x-prefixed hex, the form published on-chain.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

// SecretFromHex parses an unprefixed 64-character hex string.
func SecretFromHex(value string) (Secret, error) {
	var secret Secret
	raw, err := hex.DecodeString(value)
	if err != nil {
		return secret, fmt.Errorf("decode secret hex: %w", err)
	}
	if len(raw) != SecretSize {
		return secret, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(raw))
	}
	copy(secret[:], raw)
	return secret, nil
}

// DigestFromHex parses a digest from hex, with or without the 0x prefix.
func DigestFromHex(value string) (Digest, error) {
	var digest Digest
	trimmed := strings.TrimPrefix(value, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return digest, fmt.Errorf("decode digest hex: %w", err)
	}
	if len(raw) != DigestSize {
		return digest, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(digest[:], raw)
	return digest, nil
}
