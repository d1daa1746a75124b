// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of kernel records. Every durable
// hash in the kernel — receipt, proposal, decision, policy, snapshot state —
// flows through this package.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v. The value is
// marshaled with the standard library first so json tags are respected, then
// transformed to canonical form.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 digest of the canonical JSON form of v, prefixed
// with the algorithm identifier.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChainHash computes H(payload || prev_hash) for hash-chained receipts.
// Payload is canonicalized first so field order never affects the chain.
func ChainHash(payload interface{}, prevHash string) (string, error) {
	b, err := JCS(payload)
	if err != nil {
		return "", err
	}
	return HashBytes(append(b, []byte(prevHash)...)), nil
}
