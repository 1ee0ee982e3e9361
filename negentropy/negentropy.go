// Package negentropy implements range-based set reconciliation: two peers
// holding sets of (timestamp, id) records exchange fingerprint-driven
// messages until each knows which ids the other is missing, without ever
// transmitting the full sets.
//
// Messages are hex strings at the package boundary and raw bytes on the
// wire. A message is a protocol version byte followed by range records;
// each record is a delta-encoded bound, a mode varint and a mode-specific
// payload (nothing for Skip, a 16-byte fingerprint, or a counted id list).
// The initiator splits disagreeing ranges into 16 buckets per round, so
// reconciliation converges in O(log n) round-trips plus one id transfer
// per difference.
package negentropy

import (
	"errors"
	"fmt"
)

// Mode tags a range record on the wire.
type Mode uint64

const (
	ModeSkip        Mode = 0
	ModeFingerprint Mode = 1
	ModeIdList      Mode = 2
)

// splitBuckets is the fan-out of one refinement round.
const splitBuckets = 16

// frameSlack is reserved inside the frame budget for the truncation suffix
// (one bound plus a fingerprint record).
const frameSlack = 200

var (
	// ErrFrameSizeTooSmall is returned by New for a nonzero frame size
	// limit below 4096 bytes.
	ErrFrameSizeTooSmall = errors.New("negentropy: frame size limit too small")

	// ErrAlreadyInitiated is returned when Initiate is called twice.
	ErrAlreadyInitiated = errors.New("negentropy: already initiated")

	// ErrBadProtocolVersion is returned when a message's version byte is
	// outside the protocol range 0x60..0x6F.
	ErrBadProtocolVersion = errors.New("negentropy: invalid protocol version byte")

	// ErrUnsupportedVersion is returned by the initiator when the remote
	// peer advertises a version this implementation does not speak.
	ErrUnsupportedVersion = errors.New("negentropy: unsupported protocol version")

	// ErrUnexpectedMode is returned for an unknown range record mode.
	ErrUnexpectedMode = errors.New("negentropy: unexpected mode")

	// ErrNotInitiator is returned when an initiator-only call is made on a
	// responder, or vice versa.
	ErrNotInitiator = errors.New("negentropy: wrong role for operation")
)

// Negentropy drives one reconciliation exchange over a sealed Storage. The
// storage must not be mutated while a round is in flight; records arriving
// mid-round join the next reconciliation.
type Negentropy struct {
	storage        Storage
	frameSizeLimit int

	isInitiator bool

	lastTimestampIn  uint64
	lastTimestampOut uint64
}

// New creates an engine over sealed storage. frameSizeLimit bounds the size
// of every emitted message in bytes; zero means unbounded, and any other
// value must be at least 4096.
func New(storage Storage, frameSizeLimit int) (*Negentropy, error) {
	if frameSizeLimit != 0 && frameSizeLimit < 4096 {
		return nil, ErrFrameSizeTooSmall
	}
	return &Negentropy{storage: storage, frameSizeLimit: frameSizeLimit}, nil
}

// SetInitiator marks this side as the initiator without emitting the
// opening message. Used when resuming a role decided elsewhere.
func (n *Negentropy) SetInitiator() {
	n.isInitiator = true
}

// IsInitiator reports whether this side initiated the exchange.
func (n *Negentropy) IsInitiator() bool {
	return n.isInitiator
}

// Initiate marks this side as initiator and returns the opening message
// covering the full storage range.
func (n *Negentropy) Initiate() (string, error) {
	if n.isInitiator {
		return "", ErrAlreadyInitiated
	}
	n.isInitiator = true

	out := []byte{ProtocolVersion}
	if err := n.splitRange(0, n.storage.Size(), mustBound(MaxTimestamp, nil), &out); err != nil {
		return "", err
	}
	return BytesToHex(out), nil
}

// Reconcile processes one query on the responding side and returns the
// reply message. The reply is never empty: a version-byte-only message
// signals that no ranges remain to reconcile.
func (n *Negentropy) Reconcile(query string) (string, error) {
	if n.isInitiator {
		return "", ErrNotInitiator
	}
	out, _, _, err := n.reconcile(query)
	if err != nil {
		return "", err
	}
	return BytesToHex(out), nil
}

// ReconcileWithIDs processes one reply on the initiating side. It returns
// the next message to send (empty string once converged) together with the
// ids found in this reply that only this side holds (have) and that only
// the remote side holds (need), both hex encoded. The lists cover this
// reply alone; callers collect them across rounds.
func (n *Negentropy) ReconcileWithIDs(query string) (next string, have, need []string, err error) {
	if !n.isInitiator {
		return "", nil, nil, ErrNotInitiator
	}
	out, have, need, err := n.reconcile(query)
	if err != nil {
		return "", nil, nil, err
	}
	if len(out) == 1 {
		// Only the version byte: converged.
		return "", have, need, nil
	}
	return BytesToHex(out), have, need, nil
}

func (n *Negentropy) reconcile(query string) (fullOutput []byte, have, need []string, err error) {
	raw, err := HexToBytes(query)
	if err != nil {
		return nil, nil, nil, err
	}
	r := &reader{buf: raw}

	n.lastTimestampIn = 0
	n.lastTimestampOut = 0

	fullOutput = []byte{ProtocolVersion}

	version, err := r.readByte()
	if err != nil {
		return nil, nil, nil, err
	}
	if version < 0x60 || version > 0x6f {
		return nil, nil, nil, ErrBadProtocolVersion
	}
	if version != ProtocolVersion {
		if n.isInitiator {
			return nil, nil, nil, fmt.Errorf("%w: remote requested version %d",
				ErrUnsupportedVersion, version-0x60)
		}
		// Respond with our bare version byte so the remote can tell what
		// we speak.
		return fullOutput, nil, nil, nil
	}

	storageSize := n.storage.Size()
	prevBound := mustBound(0, nil)
	prevIndex := 0
	skip := false

	for r.len() > 0 {
		var outputChunk []byte

		// Flush a pending skip record before emitting anything for this
		// range. Consecutive skipped ranges coalesce into one record.
		doSkip := func() {
			if skip {
				skip = false
				n.encodeBound(prevBound, &outputChunk)
				outputChunk = append(outputChunk, EncodeVarint(uint64(ModeSkip))...)
			}
		}

		currBound, err := n.decodeBound(r)
		if err != nil {
			return nil, nil, nil, err
		}
		modeVal, err := r.readVarint()
		if err != nil {
			return nil, nil, nil, err
		}

		lower := prevIndex
		upper, err := n.storage.FindLowerBound(prevIndex, storageSize, currBound)
		if err != nil {
			return nil, nil, nil, err
		}

		switch Mode(modeVal) {
		case ModeSkip:
			skip = true

		case ModeFingerprint:
			theirFP, err := r.readBytes(FingerprintSize)
			if err != nil {
				return nil, nil, nil, err
			}
			ourFP, err := n.storage.Fingerprint(lower, upper)
			if err != nil {
				return nil, nil, nil, err
			}
			if string(theirFP) == string(ourFP[:]) {
				skip = true
			} else {
				doSkip()
				if err := n.splitRange(lower, upper, currBound, &outputChunk); err != nil {
					return nil, nil, nil, err
				}
			}

		case ModeIdList:
			numIDs, err := r.readVarint()
			if err != nil {
				return nil, nil, nil, err
			}
			theirElems := make(map[[IDSize]byte]struct{}, numIDs)
			for i := uint64(0); i < numIDs; i++ {
				elem, err := r.readBytes(IDSize)
				if err != nil {
					return nil, nil, nil, err
				}
				if n.isInitiator {
					var id [IDSize]byte
					copy(id[:], elem)
					theirElems[id] = struct{}{}
				}
			}

			if n.isInitiator {
				skip = true

				iterErr := n.storage.Iterate(lower, upper, func(item Item, _ int) bool {
					if _, ok := theirElems[item.ID]; !ok {
						// We hold it, they do not.
						have = append(have, BytesToHex(item.ID[:]))
					} else {
						delete(theirElems, item.ID)
					}
					return true
				})
				if iterErr != nil {
					return nil, nil, nil, iterErr
				}
				// Whatever remains exists only on their side.
				for id := range theirElems {
					need = append(need, BytesToHex(id[:]))
				}
			} else {
				doSkip()

				var responseIDs []byte
				numResponseIDs := 0
				endBound := currBound

				iterErr := n.storage.Iterate(lower, upper, func(item Item, index int) bool {
					if n.exceededFrameSizeLimit(len(fullOutput) + len(responseIDs)) {
						// Out of budget: close this segment at the current
						// item and let the remaining range ride the
						// trailing fingerprint below.
						endBound = BoundFromItem(item)
						upper = index
						return false
					}
					responseIDs = append(responseIDs, item.ID[:]...)
					numResponseIDs++
					return true
				})
				if iterErr != nil {
					return nil, nil, nil, iterErr
				}

				n.encodeBound(endBound, &outputChunk)
				outputChunk = append(outputChunk, EncodeVarint(uint64(ModeIdList))...)
				outputChunk = append(outputChunk, EncodeVarint(uint64(numResponseIDs))...)
				outputChunk = append(outputChunk, responseIDs...)

				fullOutput = append(fullOutput, outputChunk...)
				outputChunk = nil
			}

		default:
			return nil, nil, nil, ErrUnexpectedMode
		}

		if n.exceededFrameSizeLimit(len(fullOutput) + len(outputChunk)) {
			// Frame budget exhausted: summarise everything past upper in
			// one fingerprint record and defer it to the next round.
			remainingFP, err := n.storage.Fingerprint(upper, storageSize)
			if err != nil {
				return nil, nil, nil, err
			}
			n.encodeBound(mustBound(MaxTimestamp, nil), &fullOutput)
			fullOutput = append(fullOutput, EncodeVarint(uint64(ModeFingerprint))...)
			fullOutput = append(fullOutput, remainingFP[:]...)
			break
		}
		fullOutput = append(fullOutput, outputChunk...)

		prevIndex = upper
		prevBound = currBound
	}

	return fullOutput, have, need, nil
}

// splitRange emits range records covering [lower, upper) closed by
// upperBound: a single id list when the range is small, otherwise
// splitBuckets fingerprinted sub-ranges separated by minimal bounds.
func (n *Negentropy) splitRange(lower, upper int, upperBound Bound, out *[]byte) error {
	numElems := upper - lower

	if numElems < splitBuckets*2 {
		n.encodeBound(upperBound, out)
		*out = append(*out, EncodeVarint(uint64(ModeIdList))...)
		*out = append(*out, EncodeVarint(uint64(numElems))...)
		return n.storage.Iterate(lower, upper, func(item Item, _ int) bool {
			*out = append(*out, item.ID[:]...)
			return true
		})
	}

	itemsPerBucket := numElems / splitBuckets
	bucketsWithExtra := numElems % splitBuckets
	curr := lower

	for i := 0; i < splitBuckets; i++ {
		bucketSize := itemsPerBucket
		if i < bucketsWithExtra {
			bucketSize++
		}
		fp, err := n.storage.Fingerprint(curr, curr+bucketSize)
		if err != nil {
			return err
		}
		curr += bucketSize

		var nextBound Bound
		if curr == upper {
			nextBound = upperBound
		} else {
			prevItem, err := n.storage.GetItem(curr - 1)
			if err != nil {
				return err
			}
			currItem, err := n.storage.GetItem(curr)
			if err != nil {
				return err
			}
			nextBound = minimalBound(prevItem, currItem)
		}

		n.encodeBound(nextBound, out)
		*out = append(*out, EncodeVarint(uint64(ModeFingerprint))...)
		*out = append(*out, fp[:]...)
	}
	return nil
}

// minimalBound returns the shortest bound separating prev from curr: the
// bare timestamp when the timestamps differ, otherwise curr's id prefix one
// byte past the shared prefix.
func minimalBound(prev, curr Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return mustBound(curr.Timestamp, nil)
	}
	sharedPrefix := 0
	for i := 0; i < IDSize; i++ {
		if curr.ID[i] != prev.ID[i] {
			break
		}
		sharedPrefix++
	}
	return mustBound(curr.Timestamp, curr.ID[:sharedPrefix+1])
}

func (n *Negentropy) exceededFrameSizeLimit(size int) bool {
	return n.frameSizeLimit != 0 && size > n.frameSizeLimit-frameSlack
}

// Timestamps are delta-compressed on the wire against the previously coded
// value, with a one-valued bias so that varint 0 encodes MaxTimestamp.

func (n *Negentropy) decodeTimestampIn(r *reader) (uint64, error) {
	v, err := r.readVarint()
	if err != nil {
		return 0, err
	}
	var timestamp uint64
	if v == 0 {
		timestamp = MaxTimestamp
	} else {
		timestamp = n.lastTimestampIn + (v - 1)
		if timestamp < n.lastTimestampIn {
			timestamp = MaxTimestamp
		}
	}
	n.lastTimestampIn = timestamp
	return timestamp, nil
}

func (n *Negentropy) decodeBound(r *reader) (Bound, error) {
	timestamp, err := n.decodeTimestampIn(r)
	if err != nil {
		return Bound{}, err
	}
	idLen, err := r.readVarint()
	if err != nil {
		return Bound{}, err
	}
	if idLen > IDSize {
		return Bound{}, ErrBoundKeyTooLong
	}
	prefix, err := r.readBytes(int(idLen))
	if err != nil {
		return Bound{}, err
	}
	return NewBound(timestamp, prefix)
}

func (n *Negentropy) encodeTimestampOut(timestamp uint64, out *[]byte) {
	if timestamp == MaxTimestamp {
		n.lastTimestampOut = MaxTimestamp
		*out = append(*out, EncodeVarint(0)...)
		return
	}
	delta := timestamp - n.lastTimestampOut
	n.lastTimestampOut = timestamp
	*out = append(*out, EncodeVarint(delta+1)...)
}

func (n *Negentropy) encodeBound(b Bound, out *[]byte) {
	n.encodeTimestampOut(b.Item.Timestamp, out)
	*out = append(*out, EncodeVarint(uint64(b.IDLen))...)
	*out = append(*out, b.Item.ID[:b.IDLen]...)
}
