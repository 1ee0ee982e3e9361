package negentropy

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
)

func newEngine(t *testing.T, ks []int, frameSizeLimit int) *Negentropy {
	t.Helper()
	n, err := New(sealedVector(t, ks), frameSizeLimit)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

// exchange drives a full reconciliation between initiator a and responder
// b, returning a's accumulated have/need lists and the number of
// round-trips taken.
func exchange(t *testing.T, a, b *Negentropy) (have, need []string, rounds int) {
	t.Helper()
	msg, err := a.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for {
		rounds++
		if rounds > 100 {
			t.Fatal("reconciliation did not terminate")
		}
		resp, err := b.Reconcile(msg)
		if err != nil {
			t.Fatalf("round %d: responder Reconcile: %v", rounds, err)
		}
		next, h, n, err := a.ReconcileWithIDs(resp)
		if err != nil {
			t.Fatalf("round %d: initiator Reconcile: %v", rounds, err)
		}
		have = append(have, h...)
		need = append(need, n...)
		if next == "" {
			return have, need, rounds
		}
		msg = next
	}
}

func hexIDs(ks []int) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		id := testID(k)
		out[i] = BytesToHex(id[:])
	}
	sort.Strings(out)
	return out
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_FrameSizeLimit(t *testing.T) {
	v := sealedVector(t, nil)
	if _, err := New(v, 100); err != ErrFrameSizeTooSmall {
		t.Errorf("limit 100: got %v, want ErrFrameSizeTooSmall", err)
	}
	if _, err := New(v, 0); err != nil {
		t.Errorf("limit 0 (unbounded): %v", err)
	}
	if _, err := New(v, 4096); err != nil {
		t.Errorf("limit 4096: %v", err)
	}
}

func TestInitiate_Twice(t *testing.T) {
	n := newEngine(t, nil, 0)
	if _, err := n.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := n.Initiate(); err != ErrAlreadyInitiated {
		t.Errorf("second Initiate: got %v, want ErrAlreadyInitiated", err)
	}
}

func TestInitiate_EmptyStorage(t *testing.T) {
	n := newEngine(t, nil, 0)
	msg, err := n.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	// Version byte, upper-sentinel bound (varint 0, empty prefix), then an
	// empty id list.
	if msg != "6100000200" {
		t.Errorf("empty initiate: got %q, want 6100000200", msg)
	}
}

func TestReconcile_BothEmpty(t *testing.T) {
	a := newEngine(t, nil, 0)
	b := newEngine(t, nil, 0)

	have, need, rounds := exchange(t, a, b)
	if len(have) != 0 || len(need) != 0 {
		t.Errorf("empty sets: have=%v need=%v, want both empty", have, need)
	}
	if rounds != 1 {
		t.Errorf("empty sets took %d rounds, want 1", rounds)
	}
}

func TestReconcile_OneSidedItem(t *testing.T) {
	a := newEngine(t, []int{0}, 0)
	b := newEngine(t, nil, 0)

	have, need, rounds := exchange(t, a, b)
	if !equalStrings(sortedCopy(have), hexIDs([]int{0})) {
		t.Errorf("have: got %v, want id(0)", have)
	}
	if len(need) != 0 {
		t.Errorf("need: got %v, want empty", need)
	}
	if rounds != 1 {
		t.Errorf("took %d rounds, want 1", rounds)
	}
}

func TestReconcile_OverlappingRanges(t *testing.T) {
	aKeys := make([]int, 0, 10)
	bKeys := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		aKeys = append(aKeys, i)
		bKeys = append(bKeys, i+5)
	}
	a := newEngine(t, aKeys, 0)
	b := newEngine(t, bKeys, 0)

	have, need, _ := exchange(t, a, b)
	if !equalStrings(sortedCopy(have), hexIDs([]int{0, 1, 2, 3, 4})) {
		t.Errorf("have: got %v, want ids 0..4", have)
	}
	if !equalStrings(sortedCopy(need), hexIDs([]int{10, 11, 12, 13, 14})) {
		t.Errorf("need: got %v, want ids 10..14", need)
	}
}

func TestReconcile_VersionAdvertisement(t *testing.T) {
	// A responder that receives a version it does not speak replies with
	// its bare version byte.
	b := newEngine(t, []int{1, 2}, 0)
	resp, err := b.Reconcile("60")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resp != "61" {
		t.Errorf("version advertisement: got %q, want 61", resp)
	}

	// An initiator that receives such an advertisement fails.
	a := newEngine(t, []int{1, 2}, 0)
	if _, err := a.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, _, _, err := a.ReconcileWithIDs("60"); err == nil {
		t.Fatal("initiator accepted unsupported version")
	} else if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestReconcile_BadProtocolByte(t *testing.T) {
	n := newEngine(t, nil, 0)
	if _, err := n.Reconcile("41"); err != ErrBadProtocolVersion {
		t.Errorf("byte 0x41: got %v, want ErrBadProtocolVersion", err)
	}
}

func TestReconcile_WrongRole(t *testing.T) {
	a := newEngine(t, nil, 0)
	if _, _, _, err := a.ReconcileWithIDs("61"); err != ErrNotInitiator {
		t.Errorf("ReconcileWithIDs before Initiate: got %v, want ErrNotInitiator", err)
	}
	a.SetInitiator()
	if _, err := a.Reconcile("61"); err != ErrNotInitiator {
		t.Errorf("Reconcile as initiator: got %v, want ErrNotInitiator", err)
	}
}

func TestReconcile_TruncatedMessage(t *testing.T) {
	n := newEngine(t, []int{1}, 0)
	// Version byte, then a bound announcing a 4-byte prefix that is absent.
	if _, err := n.Reconcile("610104"); err != ErrTruncated {
		t.Errorf("truncated bound: got %v, want ErrTruncated", err)
	}
}

func TestReconcile_BoundKeyTooLong(t *testing.T) {
	n := newEngine(t, []int{1}, 0)
	// Bound with id_len 33.
	if _, err := n.Reconcile("610121"); err != ErrBoundKeyTooLong {
		t.Errorf("id_len 33: got %v, want ErrBoundKeyTooLong", err)
	}
}

func TestReconcile_UnexpectedMode(t *testing.T) {
	n := newEngine(t, []int{1}, 0)
	// Sentinel bound followed by mode 7.
	if _, err := n.Reconcile("61000007"); err != ErrUnexpectedMode {
		t.Errorf("mode 7: got %v, want ErrUnexpectedMode", err)
	}
}

func TestReconcile_LargeDivergentSets(t *testing.T) {
	// Large mostly-shared sets: reconciliation must find exactly the
	// symmetric difference through the recursive fingerprint rounds.
	var aKeys, bKeys, onlyA, onlyB []int
	for i := 0; i < 1200; i++ {
		switch {
		case i%97 == 0:
			aKeys = append(aKeys, i)
			onlyA = append(onlyA, i)
		case i%101 == 0:
			bKeys = append(bKeys, i)
			onlyB = append(onlyB, i)
		default:
			aKeys = append(aKeys, i)
			bKeys = append(bKeys, i)
		}
	}
	a := newEngine(t, aKeys, 0)
	b := newEngine(t, bKeys, 0)

	have, need, rounds := exchange(t, a, b)
	if !equalStrings(sortedCopy(have), hexIDs(onlyA)) {
		t.Errorf("have: got %d ids, want %d", len(have), len(onlyA))
	}
	if !equalStrings(sortedCopy(need), hexIDs(onlyB)) {
		t.Errorf("need: got %d ids, want %d", len(need), len(onlyB))
	}
	if rounds > 10 {
		t.Errorf("took %d rounds for 1200 items", rounds)
	}
}

func TestReconcile_FrameSizeLimitRespected(t *testing.T) {
	// Under a tight frame budget every message must stay within the limit
	// and reconciliation must still converge to the exact difference.
	const limit = 4096

	rng := rand.New(rand.NewSource(99))
	var aKeys, bKeys, onlyA, onlyB []int
	for i := 0; i < 800; i++ {
		r := rng.Intn(10)
		switch {
		case r == 0:
			aKeys = append(aKeys, i)
			onlyA = append(onlyA, i)
		case r == 1:
			bKeys = append(bKeys, i)
			onlyB = append(onlyB, i)
		default:
			aKeys = append(aKeys, i)
			bKeys = append(bKeys, i)
		}
	}
	a := newEngine(t, aKeys, limit)
	b := newEngine(t, bKeys, limit)

	msg, err := a.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	var have, need []string
	for round := 0; ; round++ {
		if round > 200 {
			t.Fatal("did not converge under frame pressure")
		}
		if len(msg)/2 > limit {
			t.Fatalf("initiator message %d bytes exceeds limit", len(msg)/2)
		}
		resp, err := b.Reconcile(msg)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if len(resp)/2 > limit {
			t.Fatalf("responder message %d bytes exceeds limit", len(resp)/2)
		}
		next, h, n, err := a.ReconcileWithIDs(resp)
		if err != nil {
			t.Fatalf("ReconcileWithIDs: %v", err)
		}
		have = append(have, h...)
		need = append(need, n...)
		if next == "" {
			break
		}
		msg = next
	}

	if !equalStrings(sortedCopy(have), hexIDs(onlyA)) {
		t.Errorf("have: got %d ids, want %d", len(have), len(onlyA))
	}
	if !equalStrings(sortedCopy(need), hexIDs(onlyB)) {
		t.Errorf("need: got %d ids, want %d", len(need), len(onlyB))
	}
}

func TestReconcile_IdenticalSets(t *testing.T) {
	ks := make([]int, 500)
	for i := range ks {
		ks[i] = i
	}
	a := newEngine(t, ks, 0)
	b := newEngine(t, ks, 0)

	have, need, rounds := exchange(t, a, b)
	if len(have) != 0 || len(need) != 0 {
		t.Errorf("identical sets: have=%d need=%d, want 0/0", len(have), len(need))
	}
	if rounds != 1 {
		t.Errorf("identical sets took %d rounds, want 1", rounds)
	}
}

func TestMinimalBound(t *testing.T) {
	idA := testID(1)
	idB := testID(2)

	itemA, _ := NewItem(5, idA[:])
	itemB, _ := NewItem(9, idB[:])
	if b := minimalBound(itemA, itemB); b.IDLen != 0 || b.Item.Timestamp != 9 {
		t.Errorf("different timestamps: got idLen=%d ts=%d", b.IDLen, b.Item.Timestamp)
	}

	// Same timestamp: the prefix must be one byte past the shared prefix
	// and must separate the two items.
	itemB.Timestamp = 5
	b := minimalBound(itemA, itemB)
	if b.Item.Timestamp != 5 {
		t.Errorf("same timestamps: bound ts %d, want 5", b.Item.Timestamp)
	}
	if b.IDLen < 1 || b.IDLen > IDSize {
		t.Fatalf("bound prefix length %d out of range", b.IDLen)
	}
	lo, hi := itemA, itemB
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	bb := minimalBound(lo, hi)
	if hi.Less(bb.Item) {
		t.Error("minimal bound sorts above the second item")
	}
	if !lo.Less(bb.Item) {
		t.Error("minimal bound does not separate the first item")
	}
}

func TestTimestampDeltaCodec_RoundTrip(t *testing.T) {
	enc := &Negentropy{storage: NewVector()}
	dec := &Negentropy{storage: NewVector()}

	timestamps := []uint64{0, 1, 1000, 1000, 999_999, 999_999, MaxTimestamp, MaxTimestamp}
	var wire []byte
	for _, ts := range timestamps {
		enc.encodeTimestampOut(ts, &wire)
	}

	r := &reader{buf: wire}
	for i, want := range timestamps {
		got, err := dec.decodeTimestampIn(r)
		if err != nil {
			t.Fatalf("timestamp %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("timestamp %d: got %d, want %d", i, got, want)
		}
	}
	if r.len() != 0 {
		t.Errorf("%d trailing bytes after decode", r.len())
	}
}
