package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation marks a malformed line, an out-of-range enum value
	// or an event that does not fit the current state.
	ErrProtocolViolation = errors.New("protocol: violation")
	// ErrCorruptPayload marks a base64 payload that does not decode.
	ErrCorruptPayload = errors.New("protocol: corrupt payload")
	// ErrUnknownLine is returned by ParseLine for lines outside the grammar.
	ErrUnknownLine = errors.New("protocol: unknown line")
	// ErrInvalidName is returned for file names the line framing cannot carry.
	ErrInvalidName = errors.New("protocol: invalid file name")
)

// Error codes the gateway firmware sends after "ERROR:".
const (
	CodeFileNotFound = "FILE_NOT_FOUND"
	CodeNoSpace      = "NO_SPACE"
	CodeFileInUse    = "FILE_IN_USE"
	CodeDeleteFailed = "DELETE_FAILED"
)

var peerMessages = map[string]string{
	CodeFileNotFound: "file not found",
	CodeNoSpace:      "no space on device",
	CodeFileInUse:    "file in use",
	CodeDeleteFailed: "delete failed",
}

// PeerError is an "ERROR:<code>" reply. Unknown codes are kept verbatim.
type PeerError struct {
	Code string
}

func (e *PeerError) Error() string {
	if msg, ok := peerMessages[e.Code]; ok {
		return fmt.Sprintf("peer error: %s (%s)", msg, e.Code)
	}
	return "peer error: " + e.Code
}

// Message returns the human readable text for the code, or the code itself.
func (e *PeerError) Message() string {
	if msg, ok := peerMessages[e.Code]; ok {
		return msg
	}
	return e.Code
}

// Known reports whether the code is one the firmware documents.
func (e *PeerError) Known() bool {
	_, ok := peerMessages[e.Code]
	return ok
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
