package hashcash

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"
)

// DefaultMaxIterations is the maximum number of attempts before Mint gives
// up. At MaxBits the expected work is 2^32 hashes.
const DefaultMaxIterations = uint64(1 << 34)

// Miner mints stamps.
type Miner struct {
	maxIterations uint64
	now           func() time.Time
}

// NewMiner creates a Miner. If maxIterations is 0, DefaultMaxIterations is used.
func NewMiner(maxIterations uint64) *Miner {
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Miner{
		maxIterations: maxIterations,
		now:           time.Now,
	}
}

// Mint finds a counter for resource at the given difficulty.
func (m *Miner) Mint(resource string, bits int) (*Stamp, error) {
	if bits <= 0 || bits > MaxBits {
		return nil, ErrInvalidBits
	}
	r, err := newRand()
	if err != nil {
		return nil, err
	}
	s := &Stamp{
		Version:   CurrentVersion,
		Bits:      bits,
		Timestamp: m.now().UTC(),
		Resource:  resource,
		Rand:      r,
	}

	target := difficultyTarget(uint32(bits))
	header := []byte(s.header())
	buf := make([]byte, 0, len(header)+20)

	for counter := uint64(0); counter < m.maxIterations; counter++ {
		buf = strconv.AppendUint(append(buf[:0], header...), counter, 10)
		hash := sha256.Sum256(buf)
		if meetsTarget(hash[:], target) {
			s.Counter = counter
			return s, nil
		}
	}
	return nil, fmt.Errorf("hashcash: exceeded max iterations: %d", m.maxIterations)
}

// difficultyTarget returns 2^(256-bits) as a 32-byte big-endian value. A
// hash strictly below it has at least bits leading zero bits:
//   - 16 bits: target[1] = 0x01, so hashes must be < 0x0001000000...
//   - 20 bits: target[2] = 0x10, so hashes must be < 0x0000100000...
//
// Zero bits yields the largest 32-byte value; more than 256 bits yields an
// all-zero target that nothing meets.
func difficultyTarget(bits uint32) []byte {
	target := make([]byte, 32)
	switch {
	case bits == 0:
		for i := range target {
			target[i] = 0xff
		}
	case bits <= 256:
		target[(bits-1)/8] = 0x80 >> ((bits - 1) % 8)
	}
	return target
}

// meetsTarget checks if a hash is strictly less than the target.
func meetsTarget(hash, target []byte) bool {
	return bytes.Compare(hash, target) < 0
}
