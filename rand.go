package aresolv

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/seehuhn/fortuna"
)

// Random supplies the randomness used for transaction IDs, 0x20 case
// randomization, server rotation and the probabilistic retry of failed
// servers.
type Random interface {
	// Bytes fills p with random data.
	Bytes(p []byte)
}

// fortunaRandom is the default Random, a Fortuna generator over AES seeded
// from the operating system.
type fortunaRandom struct {
	mu  sync.Mutex
	gen *fortuna.Generator
}

// NewRandom returns the default random source.
func NewRandom() (Random, error) {
	gen := fortuna.NewGenerator(aes.NewCipher)
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	gen.Reseed(seed)
	return &fortunaRandom{gen: gen}, nil
}

func (r *fortunaRandom) Bytes(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(p, r.gen.PseudoRandomData(uint(len(p))))
}

// rand16 draws a uniform 16-bit value from the channel's random source.
// Must be called with the channel lock held.
func (c *Channel) rand16() uint16 {
	var b [2]byte
	c.rand.Bytes(b[:])
	return binary.BigEndian.Uint16(b[:])
}
