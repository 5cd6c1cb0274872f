package ua

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// RequestIDGenerator generates request ids for one connection.
//
// The starting id is taken from a cryptographically secure random source so ids of
// successive connections rarely collide; ids are then incremented atomically.
// The value 0 is reserved for "unassigned" and never returned.
type RequestIDGenerator struct {
	id atomic.Uint32
}

// NewRequestIDGenerator creates a generator with a random starting id.
func NewRequestIDGenerator() *RequestIDGenerator {
	gen := &RequestIDGenerator{}
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return gen
	}
	gen.id.Store(binary.LittleEndian.Uint32(buf[:]))

	return gen
}

// NewRequestIDGeneratorFrom creates a generator whose first id is start+1.
func NewRequestIDGeneratorFrom(start uint32) *RequestIDGenerator {
	gen := &RequestIDGenerator{}
	gen.id.Store(start)

	return gen
}

// Next returns the next request id.
func (g *RequestIDGenerator) Next() uint32 {
	for {
		if id := g.id.Add(1); id != 0 {
			return id
		}
	}
}
