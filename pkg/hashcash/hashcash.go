// Package hashcash implements self-minted proof-of-work stamps. A participant
// attaches a stamp to every connection request so that flooding someone with
// requests costs CPU time.
//
// Stamp format: version:bits:timestamp:resource:rand:counter
// Example: 1:16:1706745600:alice>bob:MTIzNDU2Nzg5MGFiY2RlZg==:40213
//
// The stamp is valid when the SHA-256 of its string form has at least bits
// leading zero bits.
package hashcash

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBits is the default difficulty. 16 bits takes a few milliseconds.
	DefaultBits = 16

	// MaxBits bounds the difficulty a verifier will ask for.
	MaxBits = 32

	// DefaultMaxAge is how long a stamp stays acceptable after minting.
	DefaultMaxAge = 2 * time.Minute

	// RandSize is the number of random bytes in a stamp (128 bits entropy).
	RandSize = 16

	// CurrentVersion is the only supported stamp version.
	CurrentVersion = 1
)

var (
	// ErrInvalidFormat is returned when a stamp string cannot be parsed.
	ErrInvalidFormat = errors.New("hashcash: invalid stamp format")

	// ErrUnsupportedVersion is returned for an unknown stamp version.
	ErrUnsupportedVersion = errors.New("hashcash: unsupported version")

	// ErrInvalidBits is returned for a difficulty outside 1..MaxBits.
	ErrInvalidBits = errors.New("hashcash: invalid bits value")
)

// Stamp is one minted proof of work.
type Stamp struct {
	Version   int
	Bits      int
	Timestamp time.Time
	// Resource names what the work was done for. Connection requests use
	// Resource(from, to).
	Resource string
	// Rand is base64 and never contains a colon.
	Rand    string
	Counter uint64
}

// Resource returns the resource string for a request from one participant
// to another.
func Resource(from, to string) string {
	return from + ">" + to
}

func newRand() (string, error) {
	b := make([]byte, RandSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("hashcash: read random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// header is the stamp string without the counter, including the trailing colon.
func (s *Stamp) header() string {
	return fmt.Sprintf("%d:%d:%d:%s:%s:", s.Version, s.Bits, s.Timestamp.Unix(), s.Resource, s.Rand)
}

// String serializes the stamp.
func (s *Stamp) String() string {
	return s.header() + strconv.FormatUint(s.Counter, 10)
}

// Parse deserializes a stamp string. The resource may contain colons; rand
// and counter are always the last two fields.
func Parse(str string) (*Stamp, error) {
	parts := strings.Split(str, ":")
	if len(parts) < 6 {
		return nil, ErrInvalidFormat
	}

	version, err := strconv.Atoi(parts[0])
	if err != nil || version < 1 {
		return nil, ErrInvalidFormat
	}
	if version != CurrentVersion {
		return nil, ErrUnsupportedVersion
	}

	bits, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if bits <= 0 || bits > MaxBits {
		return nil, ErrInvalidBits
	}

	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	n := len(parts)
	counter, err := strconv.ParseUint(parts[n-1], 10, 64)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	randStr := parts[n-2]
	if randStr == "" {
		return nil, ErrInvalidFormat
	}

	return &Stamp{
		Version:   version,
		Bits:      bits,
		Timestamp: time.Unix(ts, 0).UTC(),
		Resource:  strings.Join(parts[3:n-2], ":"),
		Rand:      randStr,
		Counter:   counter,
	}, nil
}
