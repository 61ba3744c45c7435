// Package password hashes and checks user credentials.
//
// Two schemes are available. SHA256 is the legacy scheme: a single unsalted
// SHA-256 digest rendered as 64 lowercase hex characters. Argon2 produces
// salted argon2id PHC strings and still accepts legacy digests on Verify.
package password

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	SchemeArgon2id = "argon2id"
	SchemeSHA256   = "sha256"
)

// Hasher turns a plaintext secret into a storable digest and checks a secret
// against one.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
}

// Rehasher is implemented by hashers that can tell when a stored digest
// should be replaced by a fresh one.
type Rehasher interface {
	NeedsRehash(digest string) bool
}

// New returns the hasher registered for scheme.
func New(scheme string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case SchemeArgon2id:
		return NewArgon2(DefaultArgon2Config())
	case SchemeSHA256:
		return SHA256{}, nil
	default:
		return nil, fmt.Errorf("unsupported password scheme %q", scheme)
	}
}

// SHA256 is deterministic: the same secret always yields the same digest.
type SHA256 struct{}

func (SHA256) Hash(secret string) (string, error) {
	return Digest(secret), nil
}

func (SHA256) Verify(secret, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Digest(secret)), []byte(digest)) == 1
}

// Digest is the hex SHA-256 of secret.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func isLegacyDigest(digest string) bool {
	if len(digest) != sha256.Size*2 {
		return false
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
