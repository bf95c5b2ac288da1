// Package store persists transfer history and the last known radio
// configuration.
package store

import (
	"errors"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// AddTransfer assigns rec an ID if it has none and saves it.
	AddTransfer(rec *TransferRecord) error
	GetTransfer(id string) (*TransferRecord, error)
	// ListTransfers returns up to limit records, newest first. limit <= 0
	// returns all of them.
	ListTransfers(limit int) ([]*TransferRecord, error)

	SaveRadioConfig(cfg protocol.RadioConfig) error
	GetRadioConfig() (protocol.RadioConfig, error)

	Close() error
}
