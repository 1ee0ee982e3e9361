package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blesync/blesync/ble"
	"github.com/blesync/blesync/log"
	"github.com/blesync/blesync/negentropy"
	"github.com/blesync/blesync/store"
)

// scanRetryBackoff is the pause after a failed scan cycle.
const scanRetryBackoff = 5 * time.Second

// DefaultScanInterval is the pause between successful scan cycles.
const DefaultScanInterval = 5 * time.Second

// Config carries the reconciler's tunables.
type Config struct {
	// LocalUUID is this device's stable identity, compared against remote
	// identities to select the session role.
	LocalUUID uuid.UUID

	// FrameSizeLimit bounds each reconciliation message (0 = unbounded).
	FrameSizeLimit int

	// ScanInterval is the pause between discovery cycles.
	ScanInterval time.Duration

	// ChunkDelay is the pause between outbound chunk writes.
	ChunkDelay time.Duration
}

// Reconciler owns one session per peer address and drives each through
// discovery, role selection, reconciliation and the event exchange. It is
// the ble.Callback implementation the transport adapter reports into.
type Reconciler struct {
	cfg     Config
	store   *store.Store
	adapter *ble.Adapter
	scanner ble.Scanner
	logger  *log.Logger

	ctx context.Context

	mu       sync.Mutex
	sessions map[string]*session
}

// NewReconciler wires a reconciler over the given driver surfaces. device
// carries the client role (connects, reads and writes) and may be nil on a
// reconciler that only serves through peripheral; peripheral and scanner
// may be nil when the respective role is unavailable on this platform.
func NewReconciler(st *store.Store, device ble.Device, peripheral ble.Peripheral, scanner ble.Scanner, cfg Config) *Reconciler {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	r := &Reconciler{
		cfg:      cfg,
		store:    st,
		scanner:  scanner,
		logger:   log.Default().Module("sync"),
		ctx:      context.Background(),
		sessions: make(map[string]*session),
	}
	r.adapter = ble.NewAdapter(device, r, cfg.ChunkDelay)
	if peripheral != nil {
		r.adapter.ServePeripheral(peripheral)
	}
	return r
}

// Run executes the discovery loop until the context is cancelled. A
// reconciler without a scanner (peripheral-only platform) just serves
// inbound sessions until cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	r.ctx = ctx
	if r.scanner == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.scanLoop(ctx) })
	return g.Wait()
}

func (r *Reconciler) scanLoop(ctx context.Context) error {
	for {
		advs, err := r.scanner.Scan(ctx)
		if err != nil {
			r.logger.Warn("scan cycle failed", "err", err)
			if err := sleepCtx(ctx, scanRetryBackoff); err != nil {
				return err
			}
			continue
		}
		for _, adv := range advs {
			r.handleAdvertisement(ctx, adv)
		}
		if err := sleepCtx(ctx, r.cfg.ScanInterval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// handleAdvertisement decides the role for a newly sighted peer and, when
// this side is the client, starts the connection.
func (r *Reconciler) handleAdvertisement(ctx context.Context, adv ble.Advertisement) {
	r.mu.Lock()
	if _, ok := r.sessions[adv.Addr]; ok {
		r.mu.Unlock()
		return
	}
	role := r.selectRole(adv.DeviceUUID)
	sess := &session{addr: adv.Addr, role: role, state: StateDiscovered}
	r.sessions[adv.Addr] = sess
	r.mu.Unlock()

	r.logger.Debug("peer discovered", "addr", adv.Addr, "role", role.String())
	if role == RoleClient {
		sess.state = StateConnecting
		if err := r.adapter.Connect(ctx, adv.Addr); err != nil {
			r.logger.Warn("connect failed", "addr", adv.Addr, "err", err)
			r.dropSession(adv.Addr)
		}
	}
	// As server, wait for the remote client's NEG-OPEN.
}

// selectRole breaks the symmetry between two peers: the side with the
// smaller device UUID initiates, the other serves. An unparsable remote
// identity defaults this side to client.
func (r *Reconciler) selectRole(remoteUUID string) Role {
	remote, err := uuid.Parse(remoteUUID)
	if err != nil {
		return RoleClient
	}
	if bytes.Compare(remote[:], r.cfg.LocalUUID[:]) > 0 {
		return RoleClient
	}
	return RoleServer
}

// SyncPeer runs the client side against a known peer address directly,
// bypassing discovery. Used by the loopback mode and tests.
func (r *Reconciler) SyncPeer(ctx context.Context, addr string) error {
	r.ctx = ctx
	r.mu.Lock()
	if _, ok := r.sessions[addr]; !ok {
		r.sessions[addr] = &session{addr: addr, role: RoleClient, state: StateConnecting}
	}
	r.mu.Unlock()
	return r.adapter.Connect(ctx, addr)
}

// SessionState reports the state of the session with addr, if any.
func (r *Reconciler) SessionState(addr string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[addr]
	if !ok {
		return StateClosed, false
	}
	return sess.state, true
}

func (r *Reconciler) session(addr string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[addr]
}

// serverSession returns the session for addr, creating a server-role one if
// the peer connected to us before we saw its advertisement.
func (r *Reconciler) serverSession(addr string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[addr]
	if !ok {
		sess = &session{addr: addr, role: RoleServer, state: StateRoleSelected}
		r.sessions[addr] = sess
	}
	return sess
}

func (r *Reconciler) dropSession(addr string) {
	r.mu.Lock()
	delete(r.sessions, addr)
	r.mu.Unlock()
}

// closeSession finishes a session. The client side also drops the link;
// the server leaves that to the remote central.
func (r *Reconciler) closeSession(addr string) {
	r.mu.Lock()
	sess, ok := r.sessions[addr]
	if ok {
		delete(r.sessions, addr)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Debug("session closed", "addr", addr, "role", sess.role.String())
	if sess.role == RoleClient {
		r.adapter.Disconnect(addr)
	}
}

// ---------------------------------------------------------------------------
// Client path: ble.Callback for the central role.
// ---------------------------------------------------------------------------

// OnConnection opens reconciliation: snapshot the store, initiate the
// engine and send NEG-OPEN.
func (r *Reconciler) OnConnection(addr string) {
	sess := r.session(addr)
	if sess == nil || sess.role != RoleClient {
		return
	}

	engine, err := r.newEngine()
	if err != nil {
		r.logger.Error("cannot snapshot store", "addr", addr, "err", err)
		r.closeSession(addr)
		return
	}
	m0, err := engine.Initiate()
	if err != nil {
		r.logger.Error("initiate failed", "addr", addr, "err", err)
		r.closeSession(addr)
		return
	}
	sess.engine = engine
	sess.state = StateNegOpen

	r.logger.Debug("opening reconciliation", "addr", addr)
	r.writeEnvelope(addr, Envelope{
		Tag:     TagNegOpen,
		SubID:   SubIDFromAddr(addr),
		Filters: "{}",
		Hex:     m0,
	})
}

func (r *Reconciler) newEngine() (*negentropy.Negentropy, error) {
	snap, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return negentropy.New(snap, r.cfg.FrameSizeLimit)
}

// OnWriteSuccess advances the client: most writes are followed by reads
// that drain the server's replies; during the drain phase each delivered
// event is followed by the next one.
func (r *Reconciler) OnWriteSuccess(addr string) {
	sess := r.session(addr)
	if sess == nil || sess.role != RoleClient || sess.suppressDrain {
		return
	}
	switch sess.state {
	case StateDraining:
		r.pushNext(addr, sess)
	case StateClosed:
		r.closeSession(addr)
	default:
		r.drainReads(addr)
	}
}

// OnNotify fires when the server signals fresh data.
func (r *Reconciler) OnNotify(addr string) {
	r.drainReads(addr)
}

// OnDisconnect releases all session state for the peer; partially
// assembled messages die with the adapter buffers.
func (r *Reconciler) OnDisconnect(addr string) {
	r.dropSession(addr)
}

// drainReads issues characteristic reads until a full message has been
// handled and no further input is expected, the server runs dry, or the
// session ends.
func (r *Reconciler) drainReads(addr string) {
	for {
		if r.session(addr) == nil {
			return
		}
		got, complete, err := r.adapter.ReadMessage(r.ctx, addr)
		if err != nil {
			r.logger.Warn("read failed", "addr", addr, "err", err)
			r.closeSession(addr)
			return
		}
		if !got {
			return
		}
		if complete {
			sess := r.session(addr)
			if sess == nil || sess.state == StateDraining || sess.state == StateClosed {
				return
			}
			// Keep draining: more events or the EOSE may follow.
		}
	}
}

// OnReadResponse dispatches one complete message from the server.
func (r *Reconciler) OnReadResponse(addr string, message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		if errors.Is(err, ErrUnknownTag) {
			r.logger.Warn("unknown envelope tag", "addr", addr)
			return
		}
		r.logger.Warn("malformed envelope", "addr", addr, "err", err)
		return
	}

	sess := r.session(addr)
	if sess == nil || sess.role != RoleClient {
		return
	}

	switch env.Tag {
	case TagNegMsg:
		r.handleNegMsg(addr, sess, env.Hex)
	case TagEvent:
		r.consumeEvent(addr, env.Event)
	case TagEose:
		r.logger.Debug("all missing events received", "addr", addr)
		sess.state = StateDraining
		r.pushNext(addr, sess)
	default:
		r.logger.Warn("unexpected tag on client path", "addr", addr, "tag", string(env.Tag))
	}
}

// handleNegMsg feeds one server reply through the engine, requests the ids
// this side is missing, and either continues the fingerprint rounds or
// moves on to fetching.
func (r *Reconciler) handleNegMsg(addr string, sess *session, hexMsg string) {
	next, have, need, err := sess.engine.ReconcileWithIDs(hexMsg)
	if err != nil {
		r.logger.Error("reconciliation failed", "addr", addr, "err", err)
		r.closeSession(addr)
		return
	}

	// Events only we hold are pushed once the server finishes sending.
	sess.sendIDs = append(sess.sendIDs, have...)

	sess.suppressDrain = true
	if len(need) > 0 {
		filters, _ := json.Marshal(Filters{IDs: need})
		r.writeEnvelope(addr, Envelope{Tag: TagReq, SubID: SubIDFromAddr(addr), Filters: string(filters)})
	}
	if next != "" {
		sess.state = StateReconciling
		r.writeEnvelope(addr, Envelope{Tag: TagNegMsg, SubID: SubIDFromAddr(addr), Hex: next})
	} else {
		sess.state = StateFetching
		r.logger.Debug("reconciliation converged", "addr", addr,
			"have", len(sess.sendIDs), "need", len(need))
	}
	sess.suppressDrain = false

	if r.session(addr) != nil {
		r.drainReads(addr)
	}
}

// consumeEvent verifies and stores one event received from the peer.
func (r *Reconciler) consumeEvent(addr string, raw json.RawMessage) {
	var ev store.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.logger.Warn("undecodable event", "addr", addr, "err", err)
		return
	}
	if err := r.store.Put(ev); err != nil {
		r.logger.Warn("rejected event", "addr", addr, "id", ev.ID, "err", err)
		return
	}
	r.logger.Debug("event stored", "addr", addr, "id", ev.ID)
}

// pushNext sends the next event the server is missing, or EOSE when all
// have been delivered.
func (r *Reconciler) pushNext(addr string, sess *session) {
	for {
		id, ok := sess.popSendID()
		if !ok {
			sess.state = StateClosed
			r.writeEnvelope(addr, Envelope{Tag: TagEose, SubID: SubIDFromAddr(addr)})
			return
		}
		ev, err := r.store.Get(common.HexToHash(id))
		if err != nil {
			r.logger.Warn("owed event missing from store", "addr", addr, "id", id)
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("cannot encode event", "addr", addr, "id", id, "err", err)
			continue
		}
		r.logger.Debug("pushing missing event", "addr", addr, "id", id, "left", len(sess.sendIDs))
		r.writeEnvelope(addr, Envelope{Tag: TagEvent, SubID: SubIDFromAddr(addr), Event: raw})
		return
	}
}

func (r *Reconciler) writeEnvelope(addr string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("cannot encode envelope", "addr", addr, "err", err)
		return
	}
	if err := r.adapter.WriteMessage(r.ctx, addr, data); err != nil {
		r.logger.Warn("write failed", "addr", addr, "err", err)
		r.closeSession(addr)
	}
}

// ---------------------------------------------------------------------------
// Server path: peripheral-role callbacks.
// ---------------------------------------------------------------------------

// OnWriteRequest handles a complete message written to us by a remote
// client.
func (r *Reconciler) OnWriteRequest(addr string, message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		r.logger.Warn("malformed envelope", "addr", addr, "err", err)
		return
	}

	sess := r.serverSession(addr)

	switch env.Tag {
	case TagNegOpen:
		engine, err := r.newEngine()
		if err != nil {
			r.logger.Error("cannot snapshot store", "addr", addr, "err", err)
			return
		}
		reply, err := engine.Reconcile(env.Hex)
		if err != nil {
			r.logger.Error("reconciliation failed", "addr", addr, "err", err)
			r.closeSession(addr)
			return
		}
		sess.engine = engine
		sess.pendingReconciliation = reply
		sess.state = StateNegOpen
		r.logger.Debug("reconciliation reply stashed", "addr", addr)

	case TagNegMsg:
		if sess.engine == nil {
			r.logger.Warn("NEG-MSG before NEG-OPEN", "addr", addr)
			return
		}
		reply, err := sess.engine.Reconcile(env.Hex)
		if err != nil {
			r.logger.Error("reconciliation failed", "addr", addr, "err", err)
			r.closeSession(addr)
			return
		}
		sess.pendingReconciliation = reply
		sess.state = StateReconciling

	case TagReq:
		var filters Filters
		if err := json.Unmarshal([]byte(env.Filters), &filters); err != nil {
			r.logger.Warn("malformed REQ filters", "addr", addr, "err", err)
			return
		}
		sess.sendIDs = append(sess.sendIDs, filters.IDs...)
		sess.state = StateFetching
		r.logger.Debug("peer requested events", "addr", addr, "count", len(filters.IDs))

	case TagEvent:
		r.consumeEvent(addr, env.Event)

	case TagEose:
		r.logger.Debug("peer finished pushing events", "addr", addr)
		r.closeSession(addr)

	default:
		r.logger.Warn("unknown envelope tag", "addr", addr, "tag", string(env.Tag))
	}
}

// OnReadRequest produces the next message for a client draining us: the
// stashed reconciliation reply first, then one requested event per read,
// then EOSE.
func (r *Reconciler) OnReadRequest(addr string) []byte {
	sess := r.session(addr)
	if sess == nil || sess.role != RoleServer {
		return nil
	}

	if sess.pendingReconciliation != "" {
		env := Envelope{Tag: TagNegMsg, SubID: SubIDFromAddr(addr), Hex: sess.pendingReconciliation}
		sess.pendingReconciliation = ""
		return r.mustMarshal(addr, env)
	}

	for {
		id, ok := sess.popSendID()
		if !ok {
			break
		}
		ev, err := r.store.Get(common.HexToHash(id))
		if err != nil {
			r.logger.Warn("requested event missing from store", "addr", addr, "id", id)
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("cannot encode event", "addr", addr, "id", id, "err", err)
			continue
		}
		r.logger.Debug("serving event", "addr", addr, "id", id, "left", len(sess.sendIDs))
		return r.mustMarshal(addr, Envelope{Tag: TagEvent, SubID: SubIDFromAddr(addr), Event: raw})
	}

	return r.mustMarshal(addr, Envelope{Tag: TagEose, SubID: SubIDFromAddr(addr)})
}

func (r *Reconciler) mustMarshal(addr string, env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("cannot encode envelope", "addr", addr, "err", err)
		return nil
	}
	return data
}
