package gateway

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("gateway: client closed")

// Radio directions.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

// RadioError reports a TX_FAILED or RX_FAILED line.
type RadioError struct {
	Direction string
	Reason    string
}

func (e *RadioError) Error() string {
	return fmt.Sprintf("gateway: radio %s failed: %s", e.Direction, e.Reason)
}
