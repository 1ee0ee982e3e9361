// Package sync orchestrates reconciliation sessions: one state machine per
// peer, driving the negentropy engine over the chunked BLE transport and
// sequencing the post-reconciliation event exchange.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tag identifies an envelope variant on the wire.
type Tag string

const (
	TagNegOpen Tag = "NEG-OPEN"
	TagNegMsg  Tag = "NEG-MSG"
	TagReq     Tag = "REQ"
	TagEvent   Tag = "EVENT"
	TagEose    Tag = "EOSE"
)

var (
	// ErrBadEnvelope is returned for structurally invalid envelopes.
	ErrBadEnvelope = errors.New("sync: malformed envelope")

	// ErrUnknownTag is returned for envelopes with an unrecognised tag.
	// The orchestrator logs and drops these; they are never fatal.
	ErrUnknownTag = errors.New("sync: unknown envelope tag")
)

// Envelope is the tagged application message exchanged inside chunked
// transport frames. On the wire it is a compact JSON array whose layout
// depends on the tag:
//
//	["NEG-OPEN", subID, filtersJSON, hex]
//	["NEG-MSG",  subID, hex]
//	["REQ",      subID, filtersJSON]
//	["EVENT",    subID, event]
//	["EOSE",     subID]
type Envelope struct {
	Tag     Tag
	SubID   string
	Filters string          // NEG-OPEN and REQ: filter JSON, as a string
	Hex     string          // NEG-OPEN and NEG-MSG: engine message
	Event   json.RawMessage // EVENT: the event object
}

// Filters is the REQ filter payload: the ids the sender wants delivered.
type Filters struct {
	IDs []string `json:"ids"`
}

// SubIDFromAddr derives the subscription id for a peer: its address with
// the colons stripped.
func SubIDFromAddr(addr string) string {
	return strings.ReplaceAll(addr, ":", "")
}

// MarshalJSON renders the tag-specific array form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var arr []any
	switch e.Tag {
	case TagNegOpen:
		arr = []any{e.Tag, e.SubID, e.Filters, e.Hex}
	case TagNegMsg:
		arr = []any{e.Tag, e.SubID, e.Hex}
	case TagReq:
		arr = []any{e.Tag, e.SubID, e.Filters}
	case TagEvent:
		arr = []any{e.Tag, e.SubID, e.Event}
	case TagEose:
		arr = []any{e.Tag, e.SubID}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, e.Tag)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON parses the array form and validates the element count for
// the tag.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("%w: %d elements", ErrBadEnvelope, len(parts))
	}

	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("%w: tag: %v", ErrBadEnvelope, err)
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		return fmt.Errorf("%w: sub id: %v", ErrBadEnvelope, err)
	}
	*e = Envelope{Tag: Tag(tag), SubID: subID}

	str := func(i int) (string, error) {
		if len(parts) <= i {
			return "", fmt.Errorf("%w: missing element %d for %s", ErrBadEnvelope, i, tag)
		}
		var s string
		if err := json.Unmarshal(parts[i], &s); err != nil {
			return "", fmt.Errorf("%w: element %d: %v", ErrBadEnvelope, i, err)
		}
		return s, nil
	}

	var err error
	switch e.Tag {
	case TagNegOpen:
		if e.Filters, err = str(2); err != nil {
			return err
		}
		if e.Hex, err = str(3); err != nil {
			return err
		}
	case TagNegMsg:
		if e.Hex, err = str(2); err != nil {
			return err
		}
	case TagReq:
		if e.Filters, err = str(2); err != nil {
			return err
		}
	case TagEvent:
		if len(parts) <= 2 {
			return fmt.Errorf("%w: EVENT without payload", ErrBadEnvelope)
		}
		e.Event = parts[2]
	case TagEose:
		// Tag and sub id only.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return nil
}
