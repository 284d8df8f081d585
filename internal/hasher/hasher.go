// Package hasher computes the content digests used for deduplication and
// integrity checks.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the lowercase hex SHA-256 of a byte sequence. The zero value
// means "nothing to hash" and never matches another frame.
type Digest string

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// SumString returns the digest of s.
func SumString(s string) Digest {
	return Sum([]byte(s))
}

// IsZero reports whether d carries no digest.
func (d Digest) IsZero() bool { return d == "" }

// Short returns a 12 character prefix for log lines.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

func (d Digest) String() string { return string(d) }
