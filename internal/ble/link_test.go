package ble

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func zeroDelayOpts() LinkOptions {
	opts := DefaultLinkOptions()
	opts.ConnectTimeout = time.Second
	opts.ReconnectDelay = 0
	opts.WriteDelay = 0
	return opts
}

type notification struct {
	ch      CharID
	payload string
}

// linkRecorder captures every upcall a Link makes.
type linkRecorder struct {
	mu          sync.Mutex
	states      []State
	ready       int
	disconnects []error
	errs        []error
	notes       []notification
}

func (r *linkRecorder) handlers() Handlers {
	return Handlers{
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnReady: func() {
			r.mu.Lock()
			r.ready++
			r.mu.Unlock()
		},
		OnDisconnected: func(err error) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, err)
			r.mu.Unlock()
		},
		OnNotification: func(ch CharID, p []byte) {
			r.mu.Lock()
			r.notes = append(r.notes, notification{ch, string(p)})
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *linkRecorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *linkRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *linkRecorder) disconnected() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

const testAddr = "AA:BB:CC:DD:EE:FF"

func newTestLink(t *testing.T, adapter *mockAdapter) (*Link, *linkRecorder) {
	t.Helper()
	link := NewLink(adapter, zeroDelayOpts(), nil)
	rec := &linkRecorder{}
	link.SetHandlers(rec.handlers())
	t.Cleanup(func() { _ = link.Close() })
	return link, rec
}

func connectReady(t *testing.T, link *Link, rec *linkRecorder) {
	t.Helper()
	if err := link.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "ready", func() bool { return rec.readyCount() >= 1 })
}

func TestLinkConnectReachesReady(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	if got := link.State(); got != StateReady {
		t.Errorf("State() = %v, want %v", got, StateReady)
	}
	if got := link.MTU(); got != 247 {
		t.Errorf("MTU() = %d, want 247", got)
	}
	rec.mu.Lock()
	states := append([]State(nil), rec.states...)
	rec.mu.Unlock()
	want := []State{StateConnecting, StateNegotiating, StateReady}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestLinkConnectValidatesAddress(t *testing.T) {
	link, _ := newTestLink(t, newMockAdapter(nil))
	if err := link.Connect("not-an-address"); !errors.Is(err, ErrAddressInvalid) {
		t.Errorf("Connect() error = %v, want %v", err, ErrAddressInvalid)
	}
	if got := link.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestLinkConnectAlreadyActive(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	if err := link.Connect(testAddr); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Connect() error = %v, want %v", err, ErrAlreadyActive)
	}
}

func TestLinkEnableFailures(t *testing.T) {
	tests := []struct {
		enableErr string
		want      error
	}{
		{"adapter is powered off", ErrBluetoothUnavailable},
		{"bluetooth permission denied by user", ErrPermissionDenied},
		{"app not authorized for bluetooth", ErrPermissionDenied},
	}
	for _, tt := range tests {
		adapter := newMockAdapter(nil)
		adapter.enableErr = errors.New(tt.enableErr)
		link, _ := newTestLink(t, adapter)
		if err := link.Connect(testAddr); !errors.Is(err, tt.want) {
			t.Errorf("Connect() with %q error = %v, want %v", tt.enableErr, err, tt.want)
		}
	}
}

func TestLinkWriteCommandNotReady(t *testing.T) {
	link, _ := newTestLink(t, newMockAdapter(nil))
	if err := link.WriteCommand("CMD:LIST"); !errors.Is(err, ErrNotReady) {
		t.Errorf("WriteCommand() error = %v, want %v", err, ErrNotReady)
	}
}

func TestLinkWriteCommandOrder(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	lines := []string{"CMD:LIST", "CMD:DELETE:a", "CMD:GET_LORA_CONFIG\n"}
	for _, l := range lines {
		if err := link.WriteCommand(l); err != nil {
			t.Fatalf("WriteCommand(%q) error = %v", l, err)
		}
	}

	cmd := adapter.latestConnection().char(CommandCharUUID)
	waitFor(t, "writes", func() bool { return len(cmd.written()) == 3 })
	want := []string{"CMD:LIST\n", "CMD:DELETE:a\n", "CMD:GET_LORA_CONFIG\n"}
	if got := cmd.written(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestLinkRoutesNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	conn := adapter.latestConnection()
	conn.char(DataCharUUID).SimulateNotification([]byte("FILES_START\n"))
	conn.char(ProgressCharUUID).SimulateNotification([]byte{42})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []notification{{DataChar, "FILES_START\n"}, {ProgressChar, "*"}}
	if !reflect.DeepEqual(rec.notes, want) {
		t.Errorf("notifications = %v, want %v", rec.notes, want)
	}
}

func TestLinkMissingCharacteristicFailsWithoutRetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.newConn = func() *mockConnection {
		c := newMockConnection()
		delete(c.chars, ProgressCharUUID)
		return c
	}
	link, rec := newTestLink(t, adapter)
	if err := link.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "error", func() bool { return len(rec.errors()) == 1 })
	if err := rec.errors()[0]; !errors.Is(err, ErrServiceMismatch) {
		t.Errorf("OnError(%v), want %v", err, ErrServiceMismatch)
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	if got := link.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("half-negotiated connection should be closed")
	}
}

func TestLinkSubscribeFailureIsRetried(t *testing.T) {
	adapter := newMockAdapter(nil)
	var made int
	adapter.newConn = func() *mockConnection {
		c := newMockConnection()
		made++
		if made == 1 {
			c.chars[DataCharUUID].subscribeErr = errors.New("descriptor write failed")
		}
		return c
	}
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	if got := adapter.connectCount(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if got := rec.errors(); len(got) != 0 {
		t.Errorf("OnError calls = %v, want none", got)
	}
}

func TestLinkTransientDiscoveryErrorExhaustsRetries(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.newConn = func() *mockConnection {
		c := newMockConnection()
		c.discoverErr = errors.New("gatt: link dropped during discovery")
		return c
	}
	link, rec := newTestLink(t, adapter)
	if err := link.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "error", func() bool { return len(rec.errors()) == 1 })
	err := rec.errors()[0]
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("OnError(%v), want %v", err, ErrConnectionLost)
	}
	if errors.Is(err, ErrServiceMismatch) {
		t.Errorf("OnError(%v) should not be a service mismatch", err)
	}
	if got := adapter.connectCount(); got != 4 {
		t.Errorf("connect attempts = %d, want 4", got)
	}
}

func TestLinkMTUFailureIsNotFatal(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.newConn = func() *mockConnection {
		c := newMockConnection()
		c.mtuErr = errors.New("mtu exchange rejected")
		return c
	}
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)
	if got := link.MTU(); got != 0 {
		t.Errorf("MTU() = %d, want 0", got)
	}
}

func TestLinkInitialConnectRetries(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.failNext(2)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)
	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	adapter.latestConnection().SimulateDisconnect()
	waitFor(t, "reconnect", func() bool { return rec.readyCount() == 2 })

	if got := rec.disconnected(); len(got) != 1 || !errors.Is(got[0], ErrConnectionLost) {
		t.Errorf("OnDisconnected calls = %v, want [%v]", got, ErrConnectionLost)
	}
	if got := link.State(); got != StateReady {
		t.Errorf("State() = %v, want %v", got, StateReady)
	}
}

func TestLinkDropDuringReadyUpcallStillReconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := NewLink(adapter, zeroDelayOpts(), nil)
	t.Cleanup(func() { _ = link.Close() })

	rec := &linkRecorder{}
	h := rec.handlers()
	onReady := h.OnReady
	h.OnReady = func() {
		onReady()
		// Drop the fresh connection before the reconnect run that made it
		// has returned.
		if rec.readyCount() == 2 {
			adapter.latestConnection().SimulateDisconnect()
		}
	}
	link.SetHandlers(h)

	connectReady(t, link, rec)
	adapter.latestConnection().SimulateDisconnect()

	waitFor(t, "third ready", func() bool { return rec.readyCount() == 3 })
	if got := link.State(); got != StateReady {
		t.Errorf("State() = %v, want %v", got, StateReady)
	}
	if got := rec.errors(); len(got) != 0 {
		t.Errorf("OnError calls = %v, want none", got)
	}
	if err := link.Connect(testAddr); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Connect() while ready error = %v, want %v", err, ErrAlreadyActive)
	}
}

func TestLinkReconnectExhausted(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	adapter.failNext(10)
	adapter.latestConnection().SimulateDisconnect()

	waitFor(t, "connection lost", func() bool { return len(rec.errors()) == 1 })
	if err := rec.errors()[0]; !errors.Is(err, ErrConnectionLost) {
		t.Errorf("OnError(%v), want %v", err, ErrConnectionLost)
	}
	// One initial connect plus three retries.
	if got := adapter.connectCount(); got != 4 {
		t.Errorf("connect attempts = %d, want 4", got)
	}
	if got := link.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}

	adapter.failNext(0)
	if err := link.Connect(testAddr); err != nil {
		t.Errorf("Connect() after exhaustion error = %v", err)
	}
}

func TestLinkDisconnectIsIdempotentAndSuppressesRetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)
	conn := adapter.latestConnection()

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := link.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if !conn.isDisconnected() {
		t.Error("connection should be closed")
	}

	// A late platform callback must not trigger a reconnect.
	conn.SimulateDisconnect()
	time.Sleep(20 * time.Millisecond)

	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	got := rec.disconnected()
	if len(got) != 1 || !errors.Is(got[0], ErrCancelled) {
		t.Errorf("OnDisconnected calls = %v, want [%v]", got, ErrCancelled)
	}
	if err := link.WriteCommand("CMD:LIST"); !errors.Is(err, ErrNotReady) {
		t.Errorf("WriteCommand() after Disconnect error = %v, want %v", err, ErrNotReady)
	}
}

func TestConcurrentDisconnectsDoNotStackReconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := newTestLink(t, adapter)
	connectReady(t, link, rec)

	conn := adapter.latestConnection()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.SimulateDisconnect()
		}()
	}
	wg.Wait()

	waitFor(t, "reconnect", func() bool { return rec.readyCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", true},
		{" 01:23:45:67:89:AB ", "01:23:45:67:89:AB", true},
		{"6B1E3C2A-0F4D-4B8E-9C1A-2D3E4F5A6B7C", "6b1e3c2a-0f4d-4b8e-9c1a-2d3e4f5a6b7c", true},
		{"AA:BB:CC:DD:EE", "", false},
		{"AA-BB-CC-DD-EE-FF", "", false},
		{"{6B1E3C2A-0F4D-4B8E-9C1A-2D3E4F5A6B7C}", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ValidateAddress(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ValidateAddress(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrAddressInvalid) {
			t.Errorf("ValidateAddress(%q) error = %v, want %v", tt.in, err, ErrAddressInvalid)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateNegotiating.String(); got != "negotiating" {
		t.Errorf("String() = %q, want negotiating", got)
	}
	if got := State(42).String(); !strings.HasPrefix(got, "state(") {
		t.Errorf("String() = %q, want state(42)", got)
	}
}
