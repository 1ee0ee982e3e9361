// Package store holds the reconciled records: timestamped, content-addressed
// events. It provides the ordered snapshot the reconciliation engine runs
// over and a CBOR-backed file format for persistence across restarts.
package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrBadEventID is returned when an event's ID does not match its
	// content hash.
	ErrBadEventID = errors.New("store: event id mismatch")

	// ErrUnknownEvent is returned by Get for an id not in the store.
	ErrUnknownEvent = errors.New("store: unknown event")
)

// Event is one synchronizable record. The ID is the SHA-256 of the
// canonical serialization, so two peers holding the same content agree on
// the identifier without coordination.
type Event struct {
	ID        common.Hash   `json:"id" cbor:"1,keyasint"`
	CreatedAt uint64        `json:"created_at" cbor:"2,keyasint"`
	Kind      uint32        `json:"kind" cbor:"3,keyasint"`
	Tags      [][]string    `json:"tags,omitempty" cbor:"4,keyasint,omitempty"`
	Content   string        `json:"content" cbor:"5,keyasint"`
	Sig       hexutil.Bytes `json:"sig,omitempty" cbor:"6,keyasint,omitempty"`
}

// NewEvent builds an event and stamps its content-derived ID.
func NewEvent(createdAt uint64, kind uint32, tags [][]string, content string) Event {
	ev := Event{CreatedAt: createdAt, Kind: kind, Tags: tags, Content: content}
	ev.ID = ev.ComputeID()
	return ev
}

// ComputeID hashes the canonical serialization: the JSON array
// [created_at, kind, tags, content]. The signature is excluded so signing
// does not change identity.
func (e Event) ComputeID() common.Hash {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]any{e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		// Only unmarshalable values can fail here, and the field types
		// cannot produce them.
		panic(fmt.Sprintf("store: canonical encode: %v", err))
	}
	return sha256.Sum256(canonical)
}

// Verify checks that the ID matches the content hash.
func (e Event) Verify() error {
	if e.ID != e.ComputeID() {
		return ErrBadEventID
	}
	return nil
}
