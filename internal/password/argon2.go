package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16

	// Upper bounds for parameters read back from stored digests.
	maxMemoryKB    uint64 = 1024 * 1024
	maxTime        uint64 = 16
	maxParallelism uint64 = 16
	maxKeyLength          = 128
)

var errInvalidPHC = errors.New("invalid argon2id digest")

type Argon2Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Config() Argon2Config {
	return Argon2Config{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type Argon2 struct {
	cfg Argon2Config
}

var _ Rehasher = (*Argon2)(nil)

func NewArgon2(cfg Argon2Config) (*Argon2, error) {
	switch {
	case cfg.Memory < minMemoryKB || uint64(cfg.Memory) > maxMemoryKB:
		return nil, fmt.Errorf("argon2 memory must be within [%d, %d] KB", minMemoryKB, maxMemoryKB)
	case cfg.Time < 1 || uint64(cfg.Time) > maxTime:
		return nil, fmt.Errorf("argon2 time must be within [1, %d]", maxTime)
	case cfg.Parallelism < 1 || uint64(cfg.Parallelism) > maxParallelism:
		return nil, fmt.Errorf("argon2 parallelism must be within [1, %d]", maxParallelism)
	case cfg.SaltLength < minSaltLength:
		return nil, fmt.Errorf("argon2 salt length must be >= %d", minSaltLength)
	case cfg.KeyLength < minKeyLength || cfg.KeyLength > maxKeyLength:
		return nil, fmt.Errorf("argon2 key length must be within [%d, %d]", minKeyLength, maxKeyLength)
	}
	return &Argon2{cfg: cfg}, nil
}

func (a *Argon2) Hash(secret string) (string, error) {
	salt := make([]byte, a.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, a.cfg.Time, a.cfg.Memory, a.cfg.Parallelism, a.cfg.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		SchemeArgon2id,
		argon2.Version,
		a.cfg.Memory, a.cfg.Time, a.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify accepts argon2id PHC strings and legacy SHA-256 hex digests.
func (a *Argon2) Verify(secret, digest string) bool {
	if isLegacyDigest(digest) {
		return SHA256{}.Verify(secret, digest)
	}
	p, err := parsePHC(digest)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1
}

// NeedsRehash reports whether digest was produced by a weaker scheme or
// weaker parameters than a is configured with.
func (a *Argon2) NeedsRehash(digest string) bool {
	p, err := parsePHC(digest)
	if err != nil {
		return true
	}
	return p.memory < a.cfg.Memory || p.time < a.cfg.Time ||
		p.parallelism < a.cfg.Parallelism || uint32(len(p.key)) != a.cfg.KeyLength
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(digest string) (phc, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != SchemeArgon2id {
		return phc{}, errInvalidPHC
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return phc{}, errInvalidPHC
	}

	var p phc
	seen := make(map[string]bool, 3)
	for _, kv := range strings.Split(parts[3], ",") {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || seen[name] {
			return phc{}, errInvalidPHC
		}
		seen[name] = true
		switch name {
		case "m":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minMemoryKB) || v > maxMemoryKB {
				return phc{}, errInvalidPHC
			}
			p.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < 1 || v > maxTime {
				return phc{}, errInvalidPHC
			}
			p.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || v < 1 || v > maxParallelism {
				return phc{}, errInvalidPHC
			}
			p.parallelism = uint8(v)
		default:
			return phc{}, errInvalidPHC
		}
	}
	if !seen["m"] || !seen["t"] || !seen["p"] {
		return phc{}, errInvalidPHC
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < int(minSaltLength) {
		return phc{}, errInvalidPHC
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 || len(p.key) > maxKeyLength {
		return phc{}, errInvalidPHC
	}
	return p, nil
}
