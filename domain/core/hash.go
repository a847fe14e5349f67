package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// InputFingerprint is the hash of all inputs to one cycle's adjustment.
// Re-running a cycle with an unchanged fingerprint must reproduce the
// logged result bit-identically.
type InputFingerprint Hash

func (h InputFingerprint) String() string { return Hash(h).String() }

// ComputeInputFingerprint hashes a canonical, order-independent rendering
// of the named inputs.
func ComputeInputFingerprint(fields map[string]interface{}) InputFingerprint {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, key := range keys {
		data.WriteString(key)
		data.WriteString("=")
		data.WriteString(fmt.Sprintf("%v", fields[key]))
		data.WriteString(";")
	}
	return InputFingerprint(NewHash([]byte(data.String())))
}
