package negentropy

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
)

// testID derives a deterministic 32-byte id from k, matching the scheme
// used across the engine tests.
func testID(k int) [IDSize]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("item_%d", k)))
}

func TestAccumulator_Commutative(t *testing.T) {
	ids := make([][IDSize]byte, 20)
	for i := range ids {
		ids[i] = testID(i)
	}

	var forward Accumulator
	for _, id := range ids {
		forward.Add(id)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		perm := rng.Perm(len(ids))
		var acc Accumulator
		for _, j := range perm {
			acc.Add(ids[j])
		}
		if acc.Bytes() != forward.Bytes() {
			t.Fatalf("trial %d: permuted accumulation differs", trial)
		}
		if acc.Fingerprint(len(ids)) != forward.Fingerprint(len(ids)) {
			t.Fatalf("trial %d: permuted fingerprint differs", trial)
		}
	}
}

// TestAccumulator_MatchesBigInt cross-checks the uint256 arithmetic against
// an independent big.Int model of little-endian addition mod 2^256.
func TestAccumulator_MatchesBigInt(t *testing.T) {
	mod := new(big.Int).Lsh(big.NewInt(1), 256)
	sum := new(big.Int)

	var acc Accumulator
	for i := 0; i < 50; i++ {
		id := testID(i)
		acc.Add(id)

		le := make([]byte, IDSize)
		for j := 0; j < IDSize; j++ {
			le[j] = id[IDSize-1-j] // reverse into big-endian for SetBytes
		}
		sum.Add(sum, new(big.Int).SetBytes(le))
		sum.Mod(sum, mod)
	}

	got := acc.Bytes()
	want := sum.Bytes() // big-endian
	for i, b := range want {
		if got[len(want)-1-i] != b {
			t.Fatalf("byte %d: accumulator disagrees with big.Int model", i)
		}
	}
}

func TestAccumulator_SubInverts(t *testing.T) {
	a, b := testID(1), testID(2)

	var acc Accumulator
	acc.Add(a)
	acc.Add(b)
	acc.Sub(b)

	var want Accumulator
	want.Add(a)
	if acc.Bytes() != want.Bytes() {
		t.Fatal("add/sub did not cancel")
	}
}

func TestAccumulator_NegateIsAdditiveInverse(t *testing.T) {
	id := testID(7)

	var acc Accumulator
	acc.Add(id)
	acc.Negate()
	acc.Add(id)

	var zero Accumulator
	if acc.Bytes() != zero.Bytes() {
		t.Fatal("x + (-x) != 0")
	}
}

func TestAccumulator_FingerprintKnownValue(t *testing.T) {
	// An empty accumulator's fingerprint over n items is the truncated
	// SHA-256 of 32 zero bytes plus varint(n).
	var acc Accumulator
	input := make([]byte, IDSize)
	input = append(input, EncodeVarint(3)...)
	want := sha256.Sum256(input)

	got := acc.Fingerprint(3)
	for i := 0; i < FingerprintSize; i++ {
		if got[i] != want[i] {
			t.Fatalf("fingerprint byte %d: got %02x, want %02x", i, got[i], want[i])
		}
	}
}

func TestAccumulator_CarryPropagation(t *testing.T) {
	// 0xff.. + 1 must carry through every byte and wrap to zero.
	var all [IDSize]byte
	for i := range all {
		all[i] = 0xff
	}
	var one [IDSize]byte
	one[0] = 1

	var acc Accumulator
	acc.Add(all)
	acc.Add(one)

	var zero Accumulator
	if acc.Bytes() != zero.Bytes() {
		t.Fatalf("wrap-around: got %x, want zero", acc.Bytes())
	}
}
