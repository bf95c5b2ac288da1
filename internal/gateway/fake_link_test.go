package gateway

import (
	"strings"
	"sync"

	"github.com/chaz8081/lorafs/internal/ble"
)

// fakeLink is an in-memory Link whose peer replies come from a script.
type fakeLink struct {
	mu      sync.Mutex
	h       ble.Handlers
	ready   bool
	writes  []string
	respond func(line string) []string

	feed chan func()
}

func newFakeLink(respond func(line string) []string) *fakeLink {
	f := &fakeLink{respond: respond, feed: make(chan func(), 1024)}
	// One feeder keeps notifications in order, like a real GATT stack.
	go func() {
		for fn := range f.feed {
			fn()
		}
	}()
	return f
}

func (f *fakeLink) handlers() ble.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeLink) SetHandlers(h ble.Handlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *fakeLink) Connect(string) error {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return ble.ErrAlreadyActive
	}
	f.ready = true
	f.mu.Unlock()
	h := f.handlers()
	h.OnStateChange(ble.StateConnecting)
	h.OnStateChange(ble.StateNegotiating)
	h.OnStateChange(ble.StateReady)
	h.OnReady()
	return nil
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	if !f.ready {
		f.mu.Unlock()
		return nil
	}
	f.ready = false
	f.mu.Unlock()
	h := f.handlers()
	h.OnStateChange(ble.StateDisconnected)
	h.OnDisconnected(ble.ErrCancelled)
	return nil
}

// drop simulates an unintended link loss.
func (f *fakeLink) drop() {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	h := f.handlers()
	h.OnStateChange(ble.StateDisconnected)
	h.OnDisconnected(ble.ErrConnectionLost)
}

func (f *fakeLink) WriteCommand(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return ble.ErrNotReady
	}
	f.writes = append(f.writes, line)
	if f.respond != nil {
		if replies := f.respond(line); len(replies) > 0 {
			f.injectLocked(replies...)
		}
	}
	return nil
}

func (f *fakeLink) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// inject delivers peer lines on the data characteristic.
func (f *fakeLink) inject(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injectLocked(lines...)
}

func (f *fakeLink) injectLocked(lines ...string) {
	payload := []byte(strings.Join(lines, "\n") + "\n")
	f.feed <- func() { f.handlers().OnNotification(ble.DataChar, payload) }
}

// injectRaw delivers bytes on ch exactly as given.
func (f *fakeLink) injectRaw(ch ble.CharID, p []byte) {
	f.feed <- func() { f.handlers().OnNotification(ch, p) }
}
