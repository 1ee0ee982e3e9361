package ble

import "context"

// Advertisement is one sighting reported by the scanner: a peer address
// plus the identity UUID it advertises alongside the service UUID.
type Advertisement struct {
	Addr        string
	ServiceUUID string
	DeviceUUID  string
}

// Scanner discovers nearby peers advertising the service UUID. One Scan
// call performs a single scan cycle.
type Scanner interface {
	Scan(ctx context.Context) ([]Advertisement, error)
}

// Device is the central-role driver surface: connect to a remote
// peripheral and perform characteristic I/O against it. Implementations
// wrap the platform BLE stack.
type Device interface {
	// Connect establishes a link and performs service discovery.
	Connect(ctx context.Context, addr string) error

	// Disconnect tears the link down.
	Disconnect(addr string) error

	// Characteristics lists the characteristic UUIDs discovered on the
	// peer's service.
	Characteristics(addr string) ([]string, error)

	// Read reads the current value of a characteristic.
	Read(ctx context.Context, addr, characteristic string) ([]byte, error)

	// Write writes a value to a characteristic and waits for the
	// acknowledgement.
	Write(ctx context.Context, addr, characteristic string, data []byte) error

	// Subscribe enables notifications on a characteristic via its CCCD.
	Subscribe(addr, characteristic string, fn func(data []byte)) error
}

// Peripheral is the server-role driver surface: it exposes the service and
// fields reads and writes issued by remote centrals.
type Peripheral interface {
	// SetWriteHandler installs the handler invoked with each raw chunk a
	// remote central writes.
	SetWriteHandler(fn func(addr string, data []byte))

	// SetReadHandler installs the handler that produces the value returned
	// for each read request.
	SetReadHandler(fn func(addr string) []byte)

	// Notify signals subscribed centrals that the read characteristic has
	// new data.
	Notify(addr string, data []byte) error
}

// Callback is the surface the session orchestrator implements. The adapter
// invokes it with fully reassembled messages; partial chunks never cross
// this boundary.
type Callback interface {
	// OnConnection fires once a peer link is up with both characteristics
	// discovered.
	OnConnection(addr string)

	// OnReadResponse delivers a complete inbound message assembled from
	// characteristic reads.
	OnReadResponse(addr string, message []byte)

	// OnWriteSuccess fires after the final chunk of an outbound message
	// has been acknowledged.
	OnWriteSuccess(addr string)

	// OnNotify fires when the peer signals new data on the read
	// characteristic.
	OnNotify(addr string)

	// OnDisconnect fires when the link drops; session state for the peer
	// should be released.
	OnDisconnect(addr string)

	// OnWriteRequest delivers a complete message written to us by a remote
	// central (server role).
	OnWriteRequest(addr string, message []byte)

	// OnReadRequest produces the next outbound message for a remote
	// central draining us (server role). Nil means nothing to send.
	OnReadRequest(addr string) []byte
}
