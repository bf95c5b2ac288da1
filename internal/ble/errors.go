package ble

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBluetoothUnavailable = errors.New("ble: bluetooth unavailable")
	ErrPermissionDenied     = errors.New("ble: permission denied")
	ErrAddressInvalid       = errors.New("ble: invalid device address")
	ErrAlreadyActive        = errors.New("ble: link already active")
	ErrConnectionLost       = errors.New("ble: connection lost")
	ErrNotReady             = errors.New("ble: link not ready")
	ErrCancelled            = errors.New("ble: cancelled")
	// ErrServiceMismatch means the peripheral does not expose the gateway
	// service or one of its characteristics. The link does not retry after it.
	ErrServiceMismatch = errors.New("ble: gateway service mismatch")
	// ErrAttributeNotFound is returned by Connection.DiscoverCharacteristic
	// when discovery succeeded but the service or characteristic is absent.
	ErrAttributeNotFound = errors.New("ble: attribute not found")
)

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// ValidateAddress normalises a device address. BlueZ and Windows identify
// peripherals by MAC; CoreBluetooth hands out a per-host UUID instead.
func ValidateAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if macPattern.MatchString(addr) {
		return strings.ToUpper(addr), nil
	}
	if id, err := uuid.Parse(addr); err == nil && len(addr) == 36 {
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: %q is neither a MAC nor a UUID", ErrAddressInvalid, addr)
}

// classifyEnableError maps an adapter power-on failure onto the pre-connect
// error kinds.
func classifyEnableError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"permission", "denied", "unauthorized", "not authorized"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrBluetoothUnavailable, err)
}
