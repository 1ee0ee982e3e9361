package sync

import (
	"github.com/blesync/blesync/negentropy"
)

// Role is the side a peer session plays, decided by comparing device UUIDs
// so both ends agree without coordination.
type Role int

const (
	RoleUndecided Role = iota
	RoleClient         // initiator: opens the reconciliation
	RoleServer         // responder: answers reads and stashes replies
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "undecided"
	}
}

// State tracks where a peer session is in its lifecycle.
type State int

const (
	StateDiscovered   State = iota // advertisement seen, nothing established
	StateConnecting                // link being brought up
	StateRoleSelected              // role decided, link up
	StateNegOpen                   // opening message sent or received
	StateReconciling               // fingerprint rounds in flight
	StateFetching                  // receiving missing events from the peer
	StateDraining                  // pushing events the peer is missing
	StateClosed                    // session finished or torn down
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateRoleSelected:
		return "role-selected"
	case StateNegOpen:
		return "neg-open"
	case StateReconciling:
		return "reconciling"
	case StateFetching:
		return "fetching"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the per-peer state machine. A session is owned by the
// reconciler and touched only while holding its lock or from the peer's
// own callback chain.
type session struct {
	addr  string
	role  Role
	state State

	// engine drives one reconciliation round-trip sequence over a sealed
	// storage snapshot.
	engine *negentropy.Negentropy

	// pendingReconciliation is the server's stashed engine reply, drained
	// by the client's next read.
	pendingReconciliation string

	// sendIDs are hex event ids still owed to the peer. On the server
	// these come from the client's REQ; on the client they are the "have"
	// ids pushed after the server's EOSE.
	sendIDs []string

	// suppressDrain holds back the post-write read while a handler is
	// queueing several writes; the handler drains once afterwards.
	suppressDrain bool
}

// popSendID removes and returns the last owed id, mirroring the drain
// order of the original service.
func (s *session) popSendID() (string, bool) {
	if len(s.sendIDs) == 0 {
		return "", false
	}
	id := s.sendIDs[len(s.sendIDs)-1]
	s.sendIDs = s.sendIDs[:len(s.sendIDs)-1]
	return id, true
}
