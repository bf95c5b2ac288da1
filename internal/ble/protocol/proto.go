// Package protocol implements the line-oriented command protocol spoken by
// the LoRa gateway firmware over its BLE data characteristics.
//
// Outbound commands are "CMD:" prefixed text lines. Inbound lines are parsed
// into typed events by ParseLine. Framing of notification bytes into lines is
// done by Demuxer.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// CommandPrefix starts every outbound line.
const CommandPrefix = "CMD:"

// ValidateName rejects names that would break the colon/newline framing.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, ":\r\n") {
		return fmt.Errorf("%w: %q contains ':' or a line break", ErrInvalidName, name)
	}
	return nil
}

// ListCommand requests the file listing.
func ListCommand() string {
	return CommandPrefix + "LIST"
}

// DeleteCommand removes a file from the gateway flash.
func DeleteCommand(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return CommandPrefix + "DELETE:" + name, nil
}

// DownloadCommand asks the gateway to stream a file back as CHUNK lines.
func DownloadCommand(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return CommandPrefix + "DOWNLOAD:" + name, nil
}

// UploadStartCommand announces an upload of size bytes.
func UploadStartCommand(name string, size int64) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if size < 0 {
		return "", fmt.Errorf("protocol: negative upload size %d", size)
	}
	return CommandPrefix + "UPLOAD_START:" + name + ":" + strconv.FormatInt(size, 10), nil
}

// UploadChunkCommand carries one plaintext chunk, standard base64, unwrapped.
func UploadChunkCommand(chunk []byte) string {
	return CommandPrefix + "UPLOAD_CHUNK:" + base64.StdEncoding.EncodeToString(chunk)
}

// GetRadioConfigCommand requests a LORA_CONFIG reply.
func GetRadioConfigCommand() string {
	return CommandPrefix + "GET_LORA_CONFIG"
}

// SetRadioConfigCommand applies new radio parameters.
func SetRadioConfigCommand(cfg RadioConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return CommandPrefix + "SET_LORA_CONFIG:" + cfg.Encode(), nil
}

// TransmitCommand starts a LoRa transmission of a stored file.
func TransmitCommand(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return CommandPrefix + "TX_FILE:" + name, nil
}

// DecodeChunk decodes the base64 payload of a CHUNK line.
func DecodeChunk(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return data, nil
}
