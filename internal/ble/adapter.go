// Package ble provides the BLE central side of the LoRa file gateway link. It
// owns the GATT connection lifecycle, the reconnect policy and the paced
// command writer; everything above it speaks lines of text.
package ble

import (
	"context"
	"strings"
)

// Gateway firmware BLE UUIDs
const (
	ServiceUUID      = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	DataCharUUID     = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
	ProgressCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26aa"
)

// CharID names one of the three characteristics of the gateway service.
type CharID int

const (
	CommandChar CharID = iota
	DataChar
	ProgressChar
)

func (c CharID) String() string {
	switch c {
	case CommandChar:
		return "command"
	case DataChar:
		return "data"
	case ProgressChar:
		return "progress"
	default:
		return "unknown"
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic without waiting for a response.
	Write(data []byte) error
	// Subscribe writes the client configuration descriptor and registers a
	// callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Role reports whether the gateway advertises itself as the LoRa
// transmitter ("tx") or receiver ("rx") of a pair.
func (d Device) Role() string {
	if strings.Contains(strings.ToUpper(d.Name), "TX") {
		return "tx"
	}
	return "rx"
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// RequestMTU asks for an ATT MTU and returns the effective value.
	RequestMTU(mtu int) (int, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// ServiceIDs identifies the remote service and its characteristics.
type ServiceIDs struct {
	Service  string
	Command  string
	Data     string
	Progress string
}

// DefaultServiceIDs returns the UUIDs used by the gateway firmware.
func DefaultServiceIDs() ServiceIDs {
	return ServiceIDs{
		Service:  ServiceUUID,
		Command:  CommandCharUUID,
		Data:     DataCharUUID,
		Progress: ProgressCharUUID,
	}
}
