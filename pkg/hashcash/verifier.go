package hashcash

import (
	"crypto/sha256"
	"errors"
	"time"
)

// Verification errors returned by Verify.
var (
	// ErrResourceMismatch is returned when the stamp was minted for another resource.
	ErrResourceMismatch = errors.New("hashcash: resource mismatch")

	// ErrInsufficientBits is returned when the stamp claims less work than required.
	ErrInsufficientBits = errors.New("hashcash: insufficient difficulty")

	// ErrExpired is returned for a stamp older than the allowed age.
	ErrExpired = errors.New("hashcash: stamp expired")

	// ErrFromFuture is returned for a stamp dated beyond the allowed clock skew.
	ErrFromFuture = errors.New("hashcash: stamp from the future")

	// ErrHashMismatch is returned when the hash does not meet the claimed difficulty.
	ErrHashMismatch = errors.New("hashcash: hash does not meet difficulty")
)

// MaxClockSkew is how far in the future a stamp may be dated.
const MaxClockSkew = 30 * time.Second

// Verify checks a stamp against the expected resource and the minimum
// difficulty. The checks run cheapest first; the hash is computed last.
func Verify(s *Stamp, resource string, minBits int, maxAge time.Duration, now time.Time) error {
	if s == nil {
		return ErrInvalidFormat
	}
	if s.Version != CurrentVersion {
		return ErrUnsupportedVersion
	}
	if s.Resource != resource {
		return ErrResourceMismatch
	}
	if s.Bits < minBits {
		return ErrInsufficientBits
	}
	if s.Bits <= 0 || s.Bits > MaxBits {
		return ErrInvalidBits
	}
	if now.Sub(s.Timestamp) > maxAge {
		return ErrExpired
	}
	if s.Timestamp.Sub(now) > MaxClockSkew {
		return ErrFromFuture
	}

	hash := sha256.Sum256([]byte(s.String()))
	if !meetsTarget(hash[:], difficultyTarget(uint32(s.Bits))) {
		return ErrHashMismatch
	}
	return nil
}
