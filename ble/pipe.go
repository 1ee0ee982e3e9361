package ble

import (
	"context"
	"strings"
	"sync"
)

// pipeCore is the shared state of an in-memory link between a central-role
// Device and a Peripheral, used by tests and the loopback smoke mode. Characteristic
// writes on the central surface invoke the peripheral's write handler
// inline, and reads pull from its read handler; Notify calls back into the
// central's subscription.
type pipeCore struct {
	centralAddr    string
	peripheralAddr string

	mu           sync.Mutex
	connected    bool
	writeHandler func(addr string, data []byte)
	readHandler  func(addr string) []byte
	notifyFn     func(data []byte)
}

// PipeCentral is the Device end of a pipe.
type PipeCentral struct {
	core *pipeCore
}

// PipePeripheral is the Peripheral end of a pipe.
type PipePeripheral struct {
	core *pipeCore
}

// NewPipe creates a connected in-memory central/peripheral pair. The
// central sees the peer as peripheralAddr; the peripheral's handlers see
// centralAddr.
func NewPipe(centralAddr, peripheralAddr string) (*PipeCentral, *PipePeripheral) {
	core := &pipeCore{centralAddr: centralAddr, peripheralAddr: peripheralAddr}
	return &PipeCentral{core: core}, &PipePeripheral{core: core}
}

func (c *PipeCentral) Connect(ctx context.Context, addr string) error {
	if addr != c.core.peripheralAddr {
		return ErrNotConnected
	}
	c.core.mu.Lock()
	c.core.connected = true
	c.core.mu.Unlock()
	return nil
}

func (c *PipeCentral) Disconnect(addr string) error {
	c.core.mu.Lock()
	c.core.connected = false
	c.core.mu.Unlock()
	return nil
}

func (c *PipeCentral) Characteristics(addr string) ([]string, error) {
	if !c.connected(addr) {
		return nil, ErrNotConnected
	}
	return []string{ReadCharacteristicUUID, WriteCharacteristicUUID}, nil
}

func (c *PipeCentral) Read(ctx context.Context, addr, characteristic string) ([]byte, error) {
	if !c.connected(addr) {
		return nil, ErrNotConnected
	}
	if !strings.EqualFold(characteristic, ReadCharacteristicUUID) {
		return nil, ErrCharacteristicMissing
	}
	c.core.mu.Lock()
	handler := c.core.readHandler
	c.core.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(c.core.centralAddr), nil
}

func (c *PipeCentral) Write(ctx context.Context, addr, characteristic string, data []byte) error {
	if !c.connected(addr) {
		return ErrNotConnected
	}
	if !strings.EqualFold(characteristic, WriteCharacteristicUUID) {
		return ErrCharacteristicMissing
	}
	c.core.mu.Lock()
	handler := c.core.writeHandler
	c.core.mu.Unlock()
	if handler == nil {
		return ErrWriteFailed
	}
	handler(c.core.centralAddr, data)
	return nil
}

func (c *PipeCentral) Subscribe(addr, characteristic string, fn func(data []byte)) error {
	if !c.connected(addr) {
		return ErrNotConnected
	}
	c.core.mu.Lock()
	c.core.notifyFn = fn
	c.core.mu.Unlock()
	return nil
}

func (c *PipeCentral) connected(addr string) bool {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	return c.core.connected && addr == c.core.peripheralAddr
}

func (p *PipePeripheral) SetWriteHandler(fn func(addr string, data []byte)) {
	p.core.mu.Lock()
	p.core.writeHandler = fn
	p.core.mu.Unlock()
}

func (p *PipePeripheral) SetReadHandler(fn func(addr string) []byte) {
	p.core.mu.Lock()
	p.core.readHandler = fn
	p.core.mu.Unlock()
}

func (p *PipePeripheral) Notify(addr string, data []byte) error {
	p.core.mu.Lock()
	fn := p.core.notifyFn
	connected := p.core.connected
	p.core.mu.Unlock()
	if !connected || fn == nil {
		return ErrNotConnected
	}
	fn(data)
	return nil
}

// StaticScanner reports a fixed advertisement list each cycle. It stands in
// for a radio scanner in tests and loopback mode.
type StaticScanner struct {
	Advertisements []Advertisement
}

func (s *StaticScanner) Scan(ctx context.Context) ([]Advertisement, error) {
	return s.Advertisements, nil
}
