// Package ble abstracts the BLE link as a message-oriented transport. The
// radio driver itself is out of scope: it is modelled by the Device
// (central role), Peripheral (server role) and Scanner interfaces, while
// Adapter layers chunked message I/O on top of raw characteristic reads,
// writes and notifications.
package ble

import "errors"

// Fixed GATT surface. The service UUID doubles as the scan discriminator:
// peers advertise it and the scanner filters on it.
const (
	ServiceUUID             = "0000180f-0000-1000-8000-00805f9b34fb"
	ReadCharacteristicUUID  = "12345678-0000-1000-8000-00805f9b34fb"
	WriteCharacteristicUUID = "87654321-0000-1000-8000-00805f9b34fb"
	DescriptorUUID          = "00002902-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrCharacteristicMissing is returned when service discovery on a
	// connected peer does not surface both characteristics.
	ErrCharacteristicMissing = errors.New("ble: characteristic missing")

	// ErrNotConnected is returned for I/O against a peer with no live
	// connection.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrWriteFailed is returned when a characteristic write is rejected
	// by the remote peer.
	ErrWriteFailed = errors.New("ble: write failed")

	// ErrTransportTimeout is returned when the underlying driver imposes a
	// deadline and it elapses. The orchestrator treats it as a
	// disconnection.
	ErrTransportTimeout = errors.New("ble: transport timeout")
)
