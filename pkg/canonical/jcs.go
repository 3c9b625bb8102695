// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing for evidence payloads.
//
// Two semantically equal values always canonicalize to identical bytes,
// independent of struct field order, map insertion order, or nesting.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are respected,
// then transformed into canonical form (lexicographically sorted keys,
// no HTML escaping, ES6 number formatting).
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form of v as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v,
// together with the canonical form itself. Pure function: the same
// input yields the same digest across calls and processes.
func Hash(v any) (digest string, canonicalForm string, err error) {
	b, err := JCS(v)
	if err != nil {
		return "", "", err
	}
	return HashBytes(b), string(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
