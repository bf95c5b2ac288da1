package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo.org/x/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows). On macOS the device address is a
// CoreBluetooth UUID rather than a MAC.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// NameHint also matches peripherals whose advertisement omits the
	// service UUID but whose local name contains it.
	NameHint string

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by lower-cased address
}

// NewTinyGoAdapter creates an adapter on the platform default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		NameHint:    "Heltec",
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Disconnects of any peripheral arrive through the adapter-level handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		if ok {
			delete(a.connections, key)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !result.HasServiceUUID(svc) && (a.NameHint == "" || !strings.Contains(name, a.NameHint)) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name: name,
			MAC:  addr,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// The platform Connect blocks with its own timeout; ctx only lets the
	// caller stop waiting.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Tear down a connection that completes after we gave up.
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{
			device:   result.device,
			services: make(map[string]bluetooth.DeviceService),
		}
		a.mu.Lock()
		a.connections[strings.ToLower(address)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	services     map[string]bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinyGoConnection) service(id bluetooth.UUID) (bluetooth.DeviceService, error) {
	key := id.String()
	c.mu.Lock()
	svc, ok := c.services[key]
	c.mu.Unlock()
	if ok {
		return svc, nil
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{id})
	if err != nil {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: discover services: %w", notFound(err))
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceService{}, fmt.Errorf("%w: service %s", ErrAttributeNotFound, key)
	}
	c.mu.Lock()
	c.services[key] = svcs[0]
	c.mu.Unlock()
	return svcs[0], nil
}

// RequestMTU reports the MTU the platform negotiated. None of the tinygo
// backends let the central pick a value; BlueZ and CoreBluetooth exchange
// the maximum on their own.
func (c *tinyGoConnection) RequestMTU(_ int) (int, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return 0, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil || len(chars) == 0 {
			continue
		}
		mtu, err := chars[0].GetMTU()
		if err != nil {
			return 0, fmt.Errorf("ble: read MTU: %w", err)
		}
		return int(mtu), nil
	}
	return 0, fmt.Errorf("ble: no characteristic to read MTU from")
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: service UUID %q: %w", ErrAttributeNotFound, serviceUUID, err)
	}
	charID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: characteristic UUID %q: %w", ErrAttributeNotFound, charUUID, err)
	}

	svc, err := c.service(svcID)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", notFound(err))
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: characteristic %s", ErrAttributeNotFound, charUUID)
	}
	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// Subscribe enables notifications, which writes the client configuration
// descriptor on every backend.
func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

// notFound tags backend errors that report a filtered discovery came back
// empty. BlueZ and WinRT return an error for that instead of an empty slice.
func notFound(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "could not find") {
		return fmt.Errorf("%w: %w", ErrAttributeNotFound, err)
	}
	return err
}
