package protocol

import (
	"strconv"
	"strings"
)

// FileRecord is one entry of a file listing.
type FileRecord struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// Event is a parsed inbound line. The concrete types below are the only
// implementations.
type Event interface {
	eventName() string
}

type FilesStart struct{}

type FileEntry struct {
	FileRecord
}

type FilesEnd struct{}

type Deleted struct{}

type UploadComplete struct{}

type DownloadStart struct {
	Name string
	Size int64
}

// Chunk carries one base64 download chunk; decoding is left to the caller.
type Chunk struct {
	Index   int
	Payload string
}

type DownloadEnd struct {
	Name string
}

// Ack is reserved by the firmware for flow control and carries no meaning yet.
type Ack struct {
	Detail string
}

// ErrorReply is an "ERROR:<code>" line.
type ErrorReply struct {
	Code string
}

// RadioConfigReport carries the raw JSON of a LORA_CONFIG line. It is decoded
// against the cached config with ParseRadioConfig.
type RadioConfigReport struct {
	Raw string
}

type RadioConfigApplied struct{}

type TxStarting struct{}

type TxStatus struct {
	Done, Total, Retries int
}

type TxComplete struct {
	Size    int64
	Seconds float64
	Kbps    float64
}

type TxFailed struct {
	Reason string
}

type RxStart struct {
	Name string
	Size int64
}

type RxStatus struct {
	Done, Total int
}

type RxComplete struct {
	Name    string
	Size    int64
	Seconds float64
}

type RxFailed struct {
	Reason string
}

func (FilesStart) eventName() string         { return "FILES_START" }
func (FileEntry) eventName() string          { return "FILE" }
func (FilesEnd) eventName() string           { return "FILES_END" }
func (Deleted) eventName() string            { return "OK:DELETED" }
func (UploadComplete) eventName() string     { return "OK:UPLOAD_COMPLETE" }
func (DownloadStart) eventName() string      { return "DOWNLOAD_START" }
func (Chunk) eventName() string              { return "CHUNK" }
func (DownloadEnd) eventName() string        { return "DOWNLOAD_END" }
func (Ack) eventName() string                { return "ACK" }
func (ErrorReply) eventName() string         { return "ERROR" }
func (RadioConfigReport) eventName() string  { return "LORA_CONFIG" }
func (RadioConfigApplied) eventName() string { return "OK:LORA_CONFIG_SET" }
func (TxStarting) eventName() string         { return "OK:TX_STARTING" }
func (TxStatus) eventName() string           { return "TX_STATUS" }
func (TxComplete) eventName() string         { return "TX_COMPLETE" }
func (TxFailed) eventName() string           { return "TX_FAILED" }
func (RxStart) eventName() string            { return "RX_START" }
func (RxStatus) eventName() string           { return "RX_STATUS" }
func (RxComplete) eventName() string         { return "RX_COMPLETE" }
func (RxFailed) eventName() string           { return "RX_FAILED" }

// Name returns the wire keyword of an event, for logging.
func Name(ev Event) string {
	return ev.eventName()
}

// Percent is done*100/total, or 0 when total is unknown.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}

// Percent returns the share of fragments sent, 0 to 100.
func (s TxStatus) Percent() int { return Percent(int64(s.Done), int64(s.Total)) }

// Percent returns the share of fragments received, 0 to 100.
func (s RxStatus) Percent() int { return Percent(int64(s.Done), int64(s.Total)) }

// ParseLine turns one inbound line into an Event. Lines outside the grammar
// return ErrUnknownLine; lines with a known keyword but bad fields return
// ErrProtocolViolation.
func ParseLine(line string) (Event, error) {
	switch {
	case line == "FILES_START":
		return FilesStart{}, nil
	case strings.HasPrefix(line, "FILES_END"):
		return FilesEnd{}, nil
	case strings.HasPrefix(line, "FILE:"):
		name, size, err := nameAndSize(strings.TrimPrefix(line, "FILE:"))
		if err != nil {
			return nil, err
		}
		return FileEntry{FileRecord{Name: name, Size: uint64(size)}}, nil
	case line == "OK:DELETED":
		return Deleted{}, nil
	case strings.HasPrefix(line, "OK:UPLOAD_COMPLETE"):
		return UploadComplete{}, nil
	case line == "OK:LORA_CONFIG_SET":
		return RadioConfigApplied{}, nil
	case line == "OK:TX_STARTING":
		return TxStarting{}, nil
	case strings.HasPrefix(line, "DOWNLOAD_START:"):
		name, size, err := nameAndSize(strings.TrimPrefix(line, "DOWNLOAD_START:"))
		if err != nil {
			return nil, err
		}
		return DownloadStart{Name: name, Size: size}, nil
	case strings.HasPrefix(line, "CHUNK:"):
		return parseChunk(strings.TrimPrefix(line, "CHUNK:"))
	case strings.HasPrefix(line, "DOWNLOAD_END"):
		rest := strings.TrimPrefix(line, "DOWNLOAD_END")
		return DownloadEnd{Name: strings.TrimPrefix(rest, ":")}, nil
	case strings.HasPrefix(line, "ACK:"):
		return Ack{Detail: strings.TrimPrefix(line, "ACK:")}, nil
	case strings.HasPrefix(line, "ERROR:"):
		code := strings.TrimPrefix(line, "ERROR:")
		if code == "" {
			return nil, violation("empty error code")
		}
		return ErrorReply{Code: code}, nil
	case strings.HasPrefix(line, "LORA_CONFIG:"):
		return RadioConfigReport{Raw: strings.TrimPrefix(line, "LORA_CONFIG:")}, nil
	case strings.HasPrefix(line, "TX_STATUS:"):
		return parseTxStatus(strings.TrimPrefix(line, "TX_STATUS:"))
	case strings.HasPrefix(line, "TX_COMPLETE:"):
		return parseTxComplete(strings.TrimPrefix(line, "TX_COMPLETE:"))
	case strings.HasPrefix(line, "TX_FAILED:"):
		return TxFailed{Reason: strings.TrimPrefix(line, "TX_FAILED:")}, nil
	case strings.HasPrefix(line, "RX_START:"):
		name, size, err := nameAndSize(strings.TrimPrefix(line, "RX_START:"))
		if err != nil {
			return nil, err
		}
		return RxStart{Name: name, Size: size}, nil
	case strings.HasPrefix(line, "RX_STATUS:"):
		done, total, err := fraction(strings.TrimPrefix(line, "RX_STATUS:"))
		if err != nil {
			return nil, err
		}
		return RxStatus{Done: done, Total: total}, nil
	case strings.HasPrefix(line, "RX_COMPLETE:"):
		return parseRxComplete(strings.TrimPrefix(line, "RX_COMPLETE:"))
	case strings.HasPrefix(line, "RX_FAILED:"):
		return RxFailed{Reason: strings.TrimPrefix(line, "RX_FAILED:")}, nil
	}
	return nil, ErrUnknownLine
}

// nameAndSize splits "<name>:<size>" on the last colon.
func nameAndSize(s string) (string, int64, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, violation("expected <name>:<size>, got %q", s)
	}
	size, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || size < 0 {
		return "", 0, violation("bad size in %q", s)
	}
	return s[:i], size, nil
}

func parseChunk(s string) (Event, error) {
	idx, payload, ok := strings.Cut(s, ":")
	if !ok {
		return nil, violation("chunk without payload")
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return nil, violation("bad chunk index %q", idx)
	}
	return Chunk{Index: n, Payload: payload}, nil
}

// fraction parses "<done>/<total>".
func fraction(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, violation("expected <done>/<total>, got %q", s)
	}
	done, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, violation("bad count %q", a)
	}
	total, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, violation("bad total %q", b)
	}
	return done, total, nil
}

func parseTxStatus(s string) (Event, error) {
	frac, retries, hasRetries := strings.Cut(s, ":")
	done, total, err := fraction(frac)
	if err != nil {
		return nil, err
	}
	st := TxStatus{Done: done, Total: total}
	if hasRetries {
		if st.Retries, err = strconv.Atoi(retries); err != nil {
			return nil, violation("bad retry count %q", retries)
		}
	}
	return st, nil
}

func parseTxComplete(s string) (Event, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, violation("expected <size>:<seconds>:<kbps>, got %q", s)
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, violation("bad size %q", parts[0])
	}
	secs, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, violation("bad seconds %q", parts[1])
	}
	kbps, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, violation("bad rate %q", parts[2])
	}
	return TxComplete{Size: size, Seconds: secs, Kbps: kbps}, nil
}

func parseRxComplete(s string) (Event, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return nil, violation("expected <name>:<size>:<seconds>, got %q", s)
	}
	secs, err := strconv.ParseFloat(s[i+1:], 64)
	if err != nil {
		return nil, violation("bad seconds %q", s[i+1:])
	}
	name, size, err := nameAndSize(s[:i])
	if err != nil {
		return nil, err
	}
	return RxComplete{Name: name, Size: size, Seconds: secs}, nil
}
