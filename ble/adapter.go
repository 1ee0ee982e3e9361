package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blesync/blesync/chunk"
	"github.com/blesync/blesync/log"
)

// DefaultChunkDelay is the pause between consecutive chunk writes, giving
// constrained peripherals time to drain their characteristic buffer.
const DefaultChunkDelay = 10 * time.Millisecond

// Adapter turns raw characteristic I/O into whole-message exchange. It
// keeps two inbound assemblers (central reads, peripheral writes) and one
// outbound chunk queue per peer; all are discarded when the peer
// disconnects.
type Adapter struct {
	device     Device
	callback   Callback
	chunkDelay time.Duration
	logger     *log.Logger

	mu    sync.Mutex
	peers map[string]*peerBuffers
}

// peerBuffers holds the per-peer chunk state. read assembles chunks read
// from the peer; serverIn assembles chunks the peer writes to our
// peripheral; serverOut queues outbound chunks awaiting peripheral reads;
// writeMu serialises outbound messages so a new message never starts
// before the previous one's final chunk is acknowledged.
type peerBuffers struct {
	writeMu   sync.Mutex
	read      chunk.Assembler
	serverIn  chunk.Assembler
	serverOut [][]byte
}

// NewAdapter wraps a central-role device. The callback receives assembled
// messages and connection lifecycle events.
func NewAdapter(device Device, callback Callback, chunkDelay time.Duration) *Adapter {
	if chunkDelay <= 0 {
		chunkDelay = DefaultChunkDelay
	}
	return &Adapter{
		device:     device,
		callback:   callback,
		chunkDelay: chunkDelay,
		logger:     log.Default().Module("ble"),
		peers:      make(map[string]*peerBuffers),
	}
}

func (a *Adapter) buffers(addr string) *peerBuffers {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.peers[addr]
	if !ok {
		b = &peerBuffers{}
		a.peers[addr] = b
	}
	return b
}

// Connect establishes a link to addr, verifies the GATT surface and
// subscribes to read-characteristic notifications. On success the
// callback's OnConnection fires.
func (a *Adapter) Connect(ctx context.Context, addr string) error {
	if err := a.device.Connect(ctx, addr); err != nil {
		return fmt.Errorf("ble: connect %s: %w", addr, err)
	}

	chars, err := a.device.Characteristics(addr)
	if err != nil {
		a.device.Disconnect(addr)
		return fmt.Errorf("ble: discover %s: %w", addr, err)
	}
	var haveRead, haveWrite bool
	for _, c := range chars {
		switch strings.ToLower(c) {
		case ReadCharacteristicUUID:
			haveRead = true
		case WriteCharacteristicUUID:
			haveWrite = true
		}
	}
	if !haveRead || !haveWrite {
		a.device.Disconnect(addr)
		return fmt.Errorf("%w on %s", ErrCharacteristicMissing, addr)
	}

	if err := a.device.Subscribe(addr, ReadCharacteristicUUID, func([]byte) {
		a.callback.OnNotify(addr)
	}); err != nil {
		a.device.Disconnect(addr)
		return fmt.Errorf("ble: subscribe %s: %w", addr, err)
	}

	a.logger.Debug("peer connected", "addr", addr)
	a.callback.OnConnection(addr)
	return nil
}

// Disconnect drops the link and discards any partial chunk buffers.
func (a *Adapter) Disconnect(addr string) {
	a.device.Disconnect(addr)
	a.mu.Lock()
	delete(a.peers, addr)
	a.mu.Unlock()
	a.callback.OnDisconnect(addr)
}

// WriteMessage splits message into chunks and writes them sequentially to
// the peer's write characteristic, pausing chunkDelay between chunks. The
// callback's OnWriteSuccess fires once the final chunk is acknowledged.
func (a *Adapter) WriteMessage(ctx context.Context, addr string, message []byte) error {
	chunks, err := chunk.Split(message)
	if err != nil {
		return err
	}

	b := a.buffers(addr)
	b.writeMu.Lock()
	a.logger.Debug("writing message", "addr", addr, "bytes", len(message), "chunks", len(chunks))
	for i, c := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				b.writeMu.Unlock()
				return ctx.Err()
			case <-time.After(a.chunkDelay):
			}
		}
		if err := a.device.Write(ctx, addr, WriteCharacteristicUUID, c); err != nil {
			b.writeMu.Unlock()
			return fmt.Errorf("ble: write chunk %d/%d to %s: %w", i+1, len(chunks), addr, err)
		}
	}
	// Release before the callback: acknowledgement handlers commonly issue
	// their own reads and writes against the same peer.
	b.writeMu.Unlock()
	a.callback.OnWriteSuccess(addr)
	return nil
}

// ReadMessage issues one read on the peer's read characteristic and feeds
// the returned chunk into the peer's assembler. got reports whether the
// peer had data; complete reports whether a full message was assembled, in
// which case the callback's OnReadResponse has fired. While got && !complete
// the caller reads again for the remaining chunks.
func (a *Adapter) ReadMessage(ctx context.Context, addr string) (got, complete bool, err error) {
	data, err := a.device.Read(ctx, addr, ReadCharacteristicUUID)
	if err != nil {
		return false, false, fmt.Errorf("ble: read %s: %w", addr, err)
	}
	if len(data) == 0 {
		return false, false, nil
	}

	b := a.buffers(addr)
	msg, complete, err := b.read.Add(data)
	if err != nil {
		b.read.Reset()
		return true, false, fmt.Errorf("ble: reassemble from %s: %w", addr, err)
	}
	if complete {
		a.callback.OnReadResponse(addr, msg)
	}
	return true, complete, nil
}

// ServePeripheral installs chunk-level handlers on a peripheral so remote
// centrals can write messages to us and drain our responses. Inbound
// chunks assemble into OnWriteRequest calls; read requests pull the next
// queued chunk, asking the callback for a fresh message whenever the queue
// is empty.
func (a *Adapter) ServePeripheral(p Peripheral) {
	p.SetWriteHandler(func(addr string, data []byte) {
		b := a.buffers(addr)
		msg, complete, err := b.serverIn.Add(data)
		if err != nil {
			a.logger.Warn("dropping inbound message", "addr", addr, "err", err)
			b.serverIn.Reset()
			return
		}
		if complete {
			a.callback.OnWriteRequest(addr, msg)
		}
	})

	p.SetReadHandler(func(addr string) []byte {
		b := a.buffers(addr)
		if len(b.serverOut) == 0 {
			msg := a.callback.OnReadRequest(addr)
			if len(msg) == 0 {
				return nil
			}
			chunks, err := chunk.Split(msg)
			if err != nil {
				a.logger.Error("cannot chunk response", "addr", addr, "err", err)
				return nil
			}
			b.serverOut = chunks
		}
		next := b.serverOut[0]
		b.serverOut = b.serverOut[1:]
		return next
	})
}
