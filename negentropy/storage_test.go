package negentropy

import (
	"math/rand"
	"testing"
)

func sealedVector(t *testing.T, ks []int) *Vector {
	t.Helper()
	v := NewVector()
	for _, k := range ks {
		id := testID(k)
		if err := v.Insert(uint64(k)*1000, id[:]); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
	if err := v.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return v
}

func TestVector_SealSortsItems(t *testing.T) {
	v := sealedVector(t, []int{3, 1, 4, 100, 9, 2, 6})
	for i := 1; i < v.Size(); i++ {
		prev, _ := v.GetItem(i - 1)
		curr, _ := v.GetItem(i)
		if !prev.Less(curr) {
			t.Fatalf("items %d and %d out of order", i-1, i)
		}
	}
}

func TestVector_SealRejectsDuplicates(t *testing.T) {
	v := NewVector()
	id := testID(1)
	v.Insert(1000, id[:])
	v.Insert(1000, id[:])
	if err := v.Seal(); err != ErrDuplicateItem {
		t.Errorf("Seal with duplicates: got %v, want ErrDuplicateItem", err)
	}
}

func TestVector_Lifecycle(t *testing.T) {
	v := NewVector()
	id := testID(1)

	if _, err := v.GetItem(0); err != ErrNotSealed {
		t.Errorf("GetItem before seal: got %v, want ErrNotSealed", err)
	}
	if _, err := v.Fingerprint(0, 0); err != ErrNotSealed {
		t.Errorf("Fingerprint before seal: got %v, want ErrNotSealed", err)
	}

	if err := v.Insert(1, id[:]); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := v.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := v.Insert(2, id[:]); err != ErrAlreadySealed {
		t.Errorf("Insert after seal: got %v, want ErrAlreadySealed", err)
	}
	if err := v.Seal(); err != ErrAlreadySealed {
		t.Errorf("double Seal: got %v, want ErrAlreadySealed", err)
	}

	v.Unseal()
	id2 := testID(2)
	if err := v.Insert(2, id2[:]); err != nil {
		t.Errorf("Insert after Unseal: %v", err)
	}
}

func TestVector_InsertBadIDSize(t *testing.T) {
	v := NewVector()
	if err := v.Insert(1, []byte{1, 2, 3}); err != ErrBadIDSize {
		t.Errorf("short id: got %v, want ErrBadIDSize", err)
	}
}

func TestVector_InsertHex(t *testing.T) {
	v := NewVector()
	id := testID(5)
	if err := v.InsertHex(1, BytesToHex(id[:])); err != nil {
		t.Fatalf("InsertHex: %v", err)
	}
	if err := v.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	it, err := v.GetItem(0)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.ID != id {
		t.Error("InsertHex stored wrong id")
	}
}

func TestVector_FindLowerBound_AgreesWithLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ks := rng.Perm(200)
	v := sealedVector(t, ks)

	linear := func(begin, end int, b Bound) int {
		for i := begin; i < end; i++ {
			it, _ := v.GetItem(i)
			if !it.Less(b.Item) {
				return i
			}
		}
		return end
	}

	for trial := 0; trial < 500; trial++ {
		k := rng.Intn(250)
		var b Bound
		switch trial % 3 {
		case 0:
			b = mustBound(uint64(k)*1000, nil)
		case 1:
			id := testID(k)
			b = mustBound(uint64(k)*1000, id[:])
		case 2:
			id := testID(k)
			b = mustBound(uint64(k)*1000, id[:1+trial%8])
		}
		got, err := v.FindLowerBound(0, v.Size(), b)
		if err != nil {
			t.Fatalf("FindLowerBound: %v", err)
		}
		if want := linear(0, v.Size(), b); got != want {
			t.Fatalf("bound ts=%d: binary %d, linear %d", b.Item.Timestamp, got, want)
		}
	}
}

func TestVector_FingerprintPositionIndependent(t *testing.T) {
	// The fingerprint of a multiset must not depend on where the range
	// sits inside the sequence.
	a := sealedVector(t, []int{10, 11, 12})
	b := sealedVector(t, []int{1, 2, 10, 11, 12})

	fpA, err := a.Fingerprint(0, 3)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fpB, err := b.Fingerprint(2, 5)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fpA != fpB {
		t.Error("same multiset at different offsets fingerprints differently")
	}
}

func TestVector_IterateEarlyExit(t *testing.T) {
	v := sealedVector(t, []int{1, 2, 3, 4, 5})
	var visited int
	err := v.Iterate(0, v.Size(), func(Item, int) bool {
		visited++
		return visited < 3
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if visited != 3 {
		t.Errorf("visited %d items, want 3", visited)
	}
}

func TestVector_RangeChecks(t *testing.T) {
	v := sealedVector(t, []int{1, 2, 3})
	if _, err := v.FindLowerBound(2, 1, Bound{}); err != ErrOutOfRange {
		t.Errorf("inverted range: got %v, want ErrOutOfRange", err)
	}
	if _, err := v.Fingerprint(0, 4); err != ErrOutOfRange {
		t.Errorf("end past size: got %v, want ErrOutOfRange", err)
	}
	if _, err := v.GetItem(3); err != ErrOutOfRange {
		t.Errorf("index past size: got %v, want ErrOutOfRange", err)
	}
}
