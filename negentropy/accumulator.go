package negentropy

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/holiman/uint256"
)

// Accumulator is a 256-bit additive accumulator over item identifiers.
// Identifiers are interpreted as 32 little-endian bytes; arithmetic wraps
// modulo 2^256, so the accumulated value depends only on the multiset of
// added ids. The arithmetic is carried by a uint256.Int.
type Accumulator struct {
	v uint256.Int
}

// idToInt loads 32 little-endian bytes into a uint256.
func idToInt(id [IDSize]byte, z *uint256.Int) {
	z[0] = binary.LittleEndian.Uint64(id[0:8])
	z[1] = binary.LittleEndian.Uint64(id[8:16])
	z[2] = binary.LittleEndian.Uint64(id[16:24])
	z[3] = binary.LittleEndian.Uint64(id[24:32])
}

// Reset sets the accumulator to zero.
func (a *Accumulator) Reset() {
	a.v.Clear()
}

// Add accumulates an identifier.
func (a *Accumulator) Add(id [IDSize]byte) {
	var x uint256.Int
	idToInt(id, &x)
	a.v.Add(&a.v, &x)
}

// AddAccumulator accumulates another accumulator's value.
func (a *Accumulator) AddAccumulator(o *Accumulator) {
	a.v.Add(&a.v, &o.v)
}

// Sub removes an identifier, wrapping modulo 2^256.
func (a *Accumulator) Sub(id [IDSize]byte) {
	var x uint256.Int
	idToInt(id, &x)
	a.v.Sub(&a.v, &x)
}

// Negate replaces the value with its two's-complement negation.
func (a *Accumulator) Negate() {
	a.v.Neg(&a.v)
}

// Bytes returns the value as 32 little-endian bytes.
func (a *Accumulator) Bytes() [IDSize]byte {
	var out [IDSize]byte
	binary.LittleEndian.PutUint64(out[0:8], a.v[0])
	binary.LittleEndian.PutUint64(out[8:16], a.v[1])
	binary.LittleEndian.PutUint64(out[16:24], a.v[2])
	binary.LittleEndian.PutUint64(out[24:32], a.v[3])
	return out
}

// Fingerprint returns the first FingerprintSize bytes of
// SHA-256(value || varint(n)), where n is the number of items in the range.
func (a *Accumulator) Fingerprint(n int) [FingerprintSize]byte {
	buf := a.Bytes()
	h := sha256.New()
	h.Write(buf[:])
	h.Write(EncodeVarint(uint64(n)))
	var fp [FingerprintSize]byte
	copy(fp[:], h.Sum(nil))
	return fp
}
