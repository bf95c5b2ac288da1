package protocol

import (
	"bytes"
	"strings"
)

// Demuxer reassembles newline-terminated lines from notification payloads.
// It is not safe for concurrent use; the gateway event loop owns it.
type Demuxer struct {
	buf []byte
}

// Feed appends p and returns every line completed by it, in order. Trailing
// whitespace is trimmed and blank lines are dropped. An unterminated tail is
// kept for the next call.
func (d *Demuxer) Feed(p []byte) []string {
	d.buf = append(d.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(d.buf[:i]), " \t\r")
		d.buf = d.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Reset discards any partial line.
func (d *Demuxer) Reset() {
	d.buf = nil
}

// Buffered returns the size of the unterminated tail.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// ProgressValue extracts the percentage from a progress notification.
func ProgressValue(p []byte) (int, bool) {
	if len(p) == 0 {
		return 0, false
	}
	v := int(p[0])
	if v > 100 {
		v = 100
	}
	return v, true
}
