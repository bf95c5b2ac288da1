package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiating // MTU request and service discovery outstanding
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LinkOptions configures the GATT link.
type LinkOptions struct {
	IDs               ServiceIDs
	MTU               int           // requested ATT MTU
	ConnectTimeout    time.Duration // per attempt
	ReconnectAttempts int           // retries after an unintended drop or failed connect
	ReconnectDelay    time.Duration // gap between retries
	WriteDelay        time.Duration // minimum gap between command writes
}

// DefaultLinkOptions returns the values the gateway firmware is tuned for.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		IDs:               DefaultServiceIDs(),
		MTU:               517,
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    3 * time.Second,
		WriteDelay:        50 * time.Millisecond,
	}
}

// Handlers are the upcalls a Link makes. They run on link goroutines and
// must not block for long.
type Handlers struct {
	OnStateChange  func(State)
	OnReady        func()
	OnDisconnected func(err error)
	OnNotification func(ch CharID, payload []byte)
	OnError        func(err error)
}

// Link is the GATT session with one gateway. Connect is non-blocking;
// progress is reported through Handlers.
type Link struct {
	adapter Adapter
	opts    LinkOptions
	logger  *slog.Logger
	pacer   *Pacer

	mu       sync.Mutex
	state    State
	address  string
	conn     Connection
	handlers Handlers
	stop     chan struct{} // non-nil while a session (connect, ready or reconnect) is live
	mtu      int
	enabled  bool
}

// NewLink creates a Link on the given adapter. Zero option fields take their
// defaults, except WriteDelay which may be zero.
func NewLink(adapter Adapter, opts LinkOptions, logger *slog.Logger) *Link {
	def := DefaultLinkOptions()
	if opts.IDs == (ServiceIDs{}) {
		opts.IDs = def.IDs
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		adapter: adapter,
		opts:    opts,
		logger:  logger,
		pacer:   NewPacer(opts.WriteDelay, logger),
	}
}

// SetHandlers replaces the upcall set.
func (l *Link) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Address returns the normalised address of the last Connect call.
func (l *Link) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// MTU returns the negotiated MTU, or 0 if negotiation did not report one.
func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// Connect begins establishing a session with address and returns at once.
func (l *Link) Connect(address string) error {
	addr, err := ValidateAddress(address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return ErrAlreadyActive
	}
	if !l.enabled {
		if err := l.adapter.Enable(); err != nil {
			l.mu.Unlock()
			return classifyEnableError(err)
		}
		l.enabled = true
	}
	stop := make(chan struct{})
	l.stop = stop
	l.address = addr
	l.mu.Unlock()

	l.logger.Info("[BLE] connecting", "address", addr)
	go l.establish(stop, addr, false)
	return nil
}

// Disconnect closes the session. It is idempotent. Queued commands are
// dropped and OnDisconnected receives ErrCancelled.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	stop := l.stop
	if stop == nil {
		l.mu.Unlock()
		return nil
	}
	close(stop)
	l.stop = nil
	conn := l.conn
	l.conn = nil
	l.pacer.Detach()
	l.mu.Unlock()

	l.setState(StateClosing)
	var err error
	if conn != nil {
		if err = conn.Disconnect(); err != nil {
			err = fmt.Errorf("ble: disconnect: %w", err)
		}
	}
	l.setState(StateDisconnected)
	l.logger.Info("[BLE] disconnected", "address", l.Address())

	if h := l.getHandlers(); h.OnDisconnected != nil {
		h.OnDisconnected(ErrCancelled)
	}
	return err
}

// WriteCommand queues one command line for the pacer.
func (l *Link) WriteCommand(line string) error {
	if l.State() != StateReady {
		return ErrNotReady
	}
	l.pacer.Enqueue(line)
	return nil
}

// Pending returns the number of queued, unwritten command lines.
func (l *Link) Pending() int {
	return l.pacer.Len()
}

// Close disconnects and stops the pacer.
func (l *Link) Close() error {
	err := l.Disconnect()
	l.pacer.Close()
	return err
}

func (l *Link) getHandlers() Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	h := l.handlers
	l.mu.Unlock()
	l.stateChanged(changed, s, h)
}

// setStateIf changes state only while stop is the live session.
func (l *Link) setStateIf(stop chan struct{}, s State) bool {
	l.mu.Lock()
	if l.stop != stop {
		l.mu.Unlock()
		return false
	}
	changed := l.state != s
	l.state = s
	h := l.handlers
	l.mu.Unlock()
	l.stateChanged(changed, s, h)
	return true
}

func (l *Link) stateChanged(changed bool, s State, h Handlers) {
	if !changed {
		return
	}
	l.logger.Debug("[BLE] state", "state", s)
	if h.OnStateChange != nil {
		h.OnStateChange(s)
	}
}

// current reports whether stop still belongs to the live session.
func (l *Link) current(stop chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop == stop
}

// finish ends the session owned by stop after a terminal failure.
func (l *Link) finish(stop chan struct{}, err error) {
	l.mu.Lock()
	if l.stop != stop {
		l.mu.Unlock()
		return
	}
	l.stop = nil
	h := l.handlers
	l.mu.Unlock()
	l.setState(StateDisconnected)
	if h.OnError != nil {
		h.OnError(err)
	}
}

// establish makes connection attempts until one reaches Ready, the
// reconnect policy is exhausted or the session is stopped. After a drop
// (reconnect=true) every attempt waits ReconnectDelay first.
func (l *Link) establish(stop chan struct{}, addr string, reconnect bool) {
	tries := l.opts.ReconnectAttempts
	if !reconnect {
		tries++
	}
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 || reconnect {
			l.logger.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", l.opts.ReconnectDelay)
			t := time.NewTimer(l.opts.ReconnectDelay)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
		if !l.setStateIf(stop, StateConnecting) {
			return
		}

		err := l.attempt(stop, addr)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrCancelled):
			return
		case errors.Is(err, ErrServiceMismatch):
			l.logger.Error("[BLE] negotiation failed", "error", err)
			l.finish(stop, err)
			return
		}
		lastErr = err
		l.logger.Warn("[BLE] connect attempt failed", "error", err, "attempt", attempt+1)
		l.setStateIf(stop, StateDisconnected)
	}
	l.finish(stop, fmt.Errorf("%w: %d attempts to %s failed: %w", ErrConnectionLost, tries, addr, lastErr))
}

// attempt runs one connect plus negotiation.
func (l *Link) attempt(stop chan struct{}, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := l.adapter.Connect(ctx, addr)
	if err != nil {
		if !l.current(stop) {
			return ErrCancelled
		}
		return fmt.Errorf("ble: connect to %s: %w", addr, err)
	}
	if !l.setStateIf(stop, StateNegotiating) {
		_ = conn.Disconnect()
		return ErrCancelled
	}

	cmd, err := l.negotiate(conn)
	if err != nil {
		_ = conn.Disconnect()
		return err
	}

	l.mu.Lock()
	if l.stop != stop {
		l.mu.Unlock()
		_ = conn.Disconnect()
		return ErrCancelled
	}
	l.conn = conn
	l.mu.Unlock()

	conn.OnDisconnect(func() { l.handleDrop(conn, stop) })
	if !l.setStateIf(stop, StateReady) {
		return ErrCancelled
	}
	l.pacer.Attach(cmd)
	l.logger.Info("[BLE] connected", "address", addr, "mtu", l.MTU())

	if h := l.getHandlers(); h.OnReady != nil {
		h.OnReady()
	}
	return nil
}

// negotiate requests the MTU, discovers the three characteristics and
// subscribes to the two notifying ones. It returns the command
// characteristic. Only an attribute the peripheral does not have is a
// service mismatch; other GATT errors go through the retry policy.
func (l *Link) negotiate(conn Connection) (Characteristic, error) {
	mtu, err := conn.RequestMTU(l.opts.MTU)
	if err != nil {
		l.logger.Warn("[BLE] MTU negotiation failed", "error", err, "requested", l.opts.MTU)
	} else {
		l.mu.Lock()
		l.mtu = mtu
		l.mu.Unlock()
		if mtu < l.opts.MTU {
			l.logger.Debug("[BLE] MTU below request", "mtu", mtu, "requested", l.opts.MTU)
		}
	}

	ids := l.opts.IDs
	cmd, err := discover(conn, ids.Service, ids.Command, "command")
	if err != nil {
		return nil, err
	}
	data, err := discover(conn, ids.Service, ids.Data, "data")
	if err != nil {
		return nil, err
	}
	progress, err := discover(conn, ids.Service, ids.Progress, "progress")
	if err != nil {
		return nil, err
	}

	if err := data.Subscribe(func(p []byte) { l.notify(DataChar, p) }); err != nil {
		return nil, fmt.Errorf("ble: subscribe data: %w", err)
	}
	if err := progress.Subscribe(func(p []byte) { l.notify(ProgressChar, p) }); err != nil {
		return nil, fmt.Errorf("ble: subscribe progress: %w", err)
	}
	return cmd, nil
}

func discover(conn Connection, service, char, what string) (Characteristic, error) {
	ch, err := conn.DiscoverCharacteristic(service, char)
	switch {
	case err == nil:
		return ch, nil
	case errors.Is(err, ErrAttributeNotFound):
		return nil, fmt.Errorf("%w: %s characteristic: %w", ErrServiceMismatch, what, err)
	default:
		return nil, fmt.Errorf("ble: discover %s characteristic: %w", what, err)
	}
}

func (l *Link) notify(ch CharID, p []byte) {
	h := l.getHandlers()
	if h.OnNotification == nil {
		return
	}
	// Platform stacks may reuse the notification buffer.
	buf := make([]byte, len(p))
	copy(buf, p)
	h.OnNotification(ch, buf)
}

// handleDrop reacts to an unintended disconnect of conn.
func (l *Link) handleDrop(conn Connection, stop chan struct{}) {
	l.mu.Lock()
	if l.stop != stop || l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	addr := l.address
	l.pacer.Detach()
	l.mu.Unlock()

	l.logger.Warn("[BLE] disconnected, reconnecting...", "address", addr)
	l.setState(StateDisconnected)
	if h := l.getHandlers(); h.OnDisconnected != nil {
		h.OnDisconnected(ErrConnectionLost)
	}

	// Only the first drop of conn gets here, so each drop owns one
	// reconnect run. The run that produced conn may still be unwinding.
	go l.establish(stop, addr, true)
}
