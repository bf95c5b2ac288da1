// Package transfer runs the upload and download sessions of the gateway file
// protocol on top of the command lines built by package protocol.
package transfer

import (
	"errors"
	"time"
)

var (
	// ErrBusy is returned when a session of the same kind is still live.
	ErrBusy = errors.New("transfer: session already in progress")
	// ErrReadError wraps a local I/O failure while reading an upload source.
	ErrReadError = errors.New("transfer: read error")
	// ErrSizeMismatch is a warning: the downloaded byte count differs from
	// the announced size. The artifact is still delivered.
	ErrSizeMismatch = errors.New("transfer: size mismatch")
	// ErrOutOfOrder is raised in strict mode when chunk indices do not
	// increase by one from zero.
	ErrOutOfOrder = errors.New("transfer: chunk out of order")
	// ErrTooLarge rejects uploads above the configured cap.
	ErrTooLarge = errors.New("transfer: file too large")
)

// ProgressFunc receives a completion percentage in [0,100].
type ProgressFunc func(percent int)

func (f ProgressFunc) report(p int) {
	if f != nil {
		f(p)
	}
}

// Timing holds the fixed waits of an upload.
type Timing struct {
	HandshakeDelay  time.Duration // after UPLOAD_START, lets the peer open its file
	ChunkDelay      time.Duration // between UPLOAD_CHUNK lines
	CompleteTimeout time.Duration // wait for OK:UPLOAD_COMPLETE after the last chunk
}

// DefaultTiming returns the pacing the gateway firmware is tuned for.
func DefaultTiming() Timing {
	return Timing{
		HandshakeDelay:  500 * time.Millisecond,
		ChunkDelay:      100 * time.Millisecond,
		CompleteTimeout: 500 * time.Millisecond,
	}
}

// DefaultMaxUploadSize is the largest file the gateway flash accepts.
const DefaultMaxUploadSize = 1_500_000
