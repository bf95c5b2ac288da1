// Package gateway is the protocol engine of the LoRa file gateway client.
// A single goroutine owns all session state; link callbacks and public
// operations are queued onto it. Queueing never blocks, so event handlers
// and progress callbacks running on that goroutine can still cancel a
// transfer or read the client's state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/lorafs/internal/ble"
	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/transfer"
)

// Link is the transport the client drives. *ble.Link implements it.
type Link interface {
	Connect(address string) error
	Disconnect() error
	WriteCommand(line string) error
	SetHandlers(h ble.Handlers)
}

// Options configures the protocol engine.
type Options struct {
	Timing           transfer.Timing
	MaxUploadSize    int64
	StrictChunkOrder bool
	RadioConfig      protocol.RadioConfig // initial cache value
	SubscriberBuffer int                  // per RadioRxEvents/DeviceProgress channel
}

// DefaultOptions returns the timings and limits the gateway firmware is
// tuned for.
func DefaultOptions() Options {
	return Options{
		Timing:           transfer.DefaultTiming(),
		MaxUploadSize:    transfer.DefaultMaxUploadSize,
		RadioConfig:      protocol.DefaultRadioConfig(),
		SubscriberBuffer: 32,
	}
}

type opKind int

const (
	opList opKind = iota
	opDelete
	opDownload
	opUpload
	opGetConfig
	opSetConfig
	opTransmit
)

func (k opKind) String() string {
	switch k {
	case opList:
		return "list"
	case opDelete:
		return "delete"
	case opDownload:
		return "download"
	case opUpload:
		return "upload"
	case opGetConfig:
		return "get-radio-config"
	case opSetConfig:
		return "set-radio-config"
	case opTransmit:
		return "radio-transmit"
	default:
		return "unknown"
	}
}

type opResult struct {
	value any
	err   error
}

// op is a single-reply operation awaiting the peer.
type op struct {
	kind     opKind
	name     string
	started  time.Time
	progress transfer.ProgressFunc
	result   chan opResult
	finished bool

	files    []protocol.FileRecord
	config   protocol.RadioConfig
	download *transfer.Download
	upload   *transfer.Upload
	retries  int
}

func newOp(kind opKind, name string) *op {
	return &op{kind: kind, name: name, started: time.Now(), result: make(chan opResult, 1)}
}

var errInactive = errors.New("gateway: operation no longer active")

// Client is the public face of one gateway.
type Client struct {
	link   Link
	sink   transfer.Sink
	opts   Options
	logger *slog.Logger
	bus    *EventBus

	queueMu   sync.Mutex
	queue     []func()
	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	cancelRequested atomic.Bool

	viewMu sync.Mutex
	view   clientView

	// Owned by the loop goroutine.
	demux        protocol.Demuxer
	state        ble.State
	address      string
	readyWaiters []chan error
	pending      *op
	radioTx      *op
	tx, rx       RadioState
	radioCfg     protocol.RadioConfig
	rxStarted    time.Time
	rxSubs       map[uint64]chan RxEvent
	progressSubs map[uint64]chan int
	nextSub      uint64
	abandoned    *abandonedDownload
}

// clientView is the part of the loop state readable from any goroutine.
type clientView struct {
	state    ble.State
	tx, rx   RadioState
	radioCfg protocol.RadioConfig
}

// abandonedDownload marks a download stream the gateway may still be
// sending after its operation failed. The line protocol has no cancel.
type abandonedDownload struct {
	name    string
	started bool
}

// New wires a client to link and starts its event loop. A nil sink keeps
// downloads in memory.
func New(link Link, sink transfer.Sink, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = transfer.NewMemorySink()
	}
	if opts.RadioConfig == (protocol.RadioConfig{}) {
		opts.RadioConfig = protocol.DefaultRadioConfig()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 32
	}
	c := &Client{
		link:         link,
		sink:         sink,
		opts:         opts,
		logger:       logger,
		bus:          NewEventBus(logger),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		radioCfg:     opts.RadioConfig,
		tx:           RadioState{Direction: DirectionTx},
		rx:           RadioState{Direction: DirectionRx},
		rxSubs:       make(map[uint64]chan RxEvent),
		progressSubs: make(map[uint64]chan int),
	}
	c.publishView()
	link.SetHandlers(ble.Handlers{
		OnStateChange: func(s ble.State) { _ = c.post(func() { c.onState(s) }) },
		OnReady:       func() { _ = c.post(c.onReady) },
		OnDisconnected: func(err error) {
			_ = c.post(func() { c.onDisconnected(err) })
		},
		OnNotification: func(ch ble.CharID, p []byte) {
			_ = c.post(func() { c.onNotification(ch, p) })
		},
		OnError: func(err error) { _ = c.post(func() { c.onLinkError(err) }) },
	})
	go c.loop()
	return c
}

// Events returns the bus every gateway event is published on.
func (c *Client) Events() *EventBus {
	return c.bus
}

// Connect starts connecting to the gateway at address and returns at once.
// Use WaitReady to block until the link is usable.
func (c *Client) Connect(address string) error {
	if err := c.do(func() error { c.address = address; return nil }); err != nil {
		return err
	}
	return c.link.Connect(address)
}

// WaitReady blocks until the link is ready, the link gives up, or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	ch := make(chan error, 1)
	err := c.do(func() error {
		if c.state == ble.StateReady {
			ch <- nil
		} else {
			c.readyWaiters = append(c.readyWaiters, ch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ble.ErrCancelled, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Disconnect closes the link; every in-flight operation fails with
// ble.ErrCancelled.
func (c *Client) Disconnect() error {
	return c.link.Disconnect()
}

// Close disconnects and stops the event loop. Pending operations fail with
// ErrClosed if the disconnect did not already fail them.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.link.Disconnect()
		close(c.quit)
		<-c.done
		if cl, ok := c.link.(io.Closer); ok {
			if cerr := cl.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// State returns the link state as last reported to the loop.
func (c *Client) State() ble.State {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view.state
}

// Radio returns snapshots of the transmit and receive sides.
func (c *Client) Radio() (tx, rx RadioState) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view.tx, c.view.rx
}

// CachedRadioConfig returns the last radio config reported or applied.
func (c *Client) CachedRadioConfig() protocol.RadioConfig {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view.radioCfg
}

func (c *Client) publishView() {
	c.viewMu.Lock()
	c.view = clientView{state: c.state, tx: c.tx, rx: c.rx, radioCfg: c.radioCfg}
	c.viewMu.Unlock()
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
			for fns := c.takeQueued(); len(fns) > 0; fns = c.takeQueued() {
				for _, fn := range fns {
					fn()
					c.publishView()
				}
			}
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Client) takeQueued() []func() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	fns := c.queue
	c.queue = nil
	return fns
}

// post queues fn on the loop without waiting for it to run.
func (c *Client) post(fn func()) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, fn)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// do runs fn on the loop and waits for its result. It must not be called
// from the loop itself.
func (c *Client) do(fn func() error) error {
	errc := make(chan error, 1)
	if err := c.post(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// emit publishes an event from the loop. Handlers see the state as of the
// event.
func (c *Client) emit(eventType string, data any) {
	c.publishView()
	c.bus.Emit(Event{Type: eventType, Data: data})
}

// report runs a loop-side progress callback.
func (c *Client) report(f transfer.ProgressFunc, p int) {
	if f != nil {
		c.publishView()
		f(p)
	}
}

func (c *Client) shutdown() {
	c.failAll(ErrClosed)
	for _, ch := range c.readyWaiters {
		ch <- ErrClosed
	}
	c.readyWaiters = nil
	for id, ch := range c.rxSubs {
		close(ch)
		delete(c.rxSubs, id)
	}
	for id, ch := range c.progressSubs {
		close(ch)
		delete(c.progressSubs, id)
	}
}

// start registers o as the pending op and writes its command.
func (c *Client) start(o *op, line string) error {
	if c.state != ble.StateReady {
		return ble.ErrNotReady
	}
	if c.pending != nil {
		return fmt.Errorf("%w: %s in progress", transfer.ErrBusy, c.pending.kind)
	}
	if o.kind == opTransmit && c.radioTx != nil {
		return fmt.Errorf("%w: radio transmission of %s in progress", transfer.ErrBusy, c.radioTx.name)
	}
	if line != "" {
		if err := c.link.WriteCommand(line); err != nil {
			return err
		}
	}
	c.pending = o
	c.logger.Debug("[GATEWAY] ->", "op", o.kind, "name", o.name)
	return nil
}

// call starts o and waits for the peer to settle it.
func (c *Client) call(ctx context.Context, o *op, line string) (any, error) {
	if err := c.do(func() error { return c.start(o, line) }); err != nil {
		return nil, err
	}
	select {
	case r := <-o.result:
		return r.value, r.err
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", ble.ErrCancelled, ctx.Err())
		_ = c.post(func() { c.fail(o, err) })
		return nil, err
	case <-c.done:
		select {
		case r := <-o.result:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// finish settles o exactly once.
func (c *Client) finish(o *op, value any, err error) {
	if o.finished {
		return
	}
	o.finished = true
	if c.pending == o {
		c.pending = nil
	}
	if c.radioTx == o {
		c.radioTx = nil
	}
	c.publishDone(o, value, err)
	o.result <- opResult{value: value, err: err}
}

func (c *Client) fail(o *op, err error) {
	if o.finished {
		return
	}
	if o.upload != nil {
		o.upload.Fail(err)
	}
	if o.download != nil && o.download.State() != transfer.DownloadCompleted {
		o.download.Abort()
	}
	if o.kind == opDownload && c.pending == o && c.state == ble.StateReady && !isPeerError(err) {
		c.abandoned = &abandonedDownload{name: o.name, started: o.download != nil}
	}
	if o.kind == opTransmit && c.radioTx == o {
		c.tx.Phase = PhaseFailed
		c.emit(EventRadioTx, c.tx)
	}
	c.logger.Warn("[GATEWAY] operation failed", "op", o.kind, "name", o.name, "error", err)
	c.finish(o, nil, err)
}

func (c *Client) failAll(err error) {
	if c.pending != nil {
		c.fail(c.pending, err)
	}
	if c.radioTx != nil {
		c.fail(c.radioTx, err)
	}
	if c.rx.Phase == PhaseStarting || c.rx.Phase == PhaseInProgress {
		c.rx.Phase = PhaseFailed
		c.emitRx(RxEvent{Phase: RxFailed, Name: c.rx.Name, Reason: err.Error()})
	}
}

func (c *Client) publishDone(o *op, value any, err error) {
	data := TransferData{Name: o.name, Started: o.started}
	switch o.kind {
	case opUpload:
		data.Kind = KindUpload
		_, data.Size = o.upload.Sent()
	case opDownload:
		data.Kind = KindDownload
		if ref, ok := value.(transfer.ArtifactRef); ok {
			data.Size, data.Path, data.Digest = ref.Size, ref.Path, ref.Digest
		}
	case opTransmit:
		data.Kind = KindRadioTx
		if sum, ok := value.(TxSummary); ok {
			data.Size = sum.Size
		}
	default:
		return
	}
	if err != nil {
		data.Error = err.Error()
	}
	c.emit(EventTransferDone, data)
}

// warn logs a non-fatal condition and publishes it.
func (c *Client) warn(msg string, args ...any) {
	c.logger.Warn("[GATEWAY] "+msg, args...)
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	c.emit(EventWarning, MessageData{Message: b.String()})
}

func (c *Client) onState(s ble.State) {
	if s == ble.StateReady {
		c.enterReady()
		return
	}
	c.state = s
	c.emit(EventLinkState, LinkStateData{State: s.String(), Address: c.address})
}

func (c *Client) onReady() {
	c.enterReady()
	for _, ch := range c.readyWaiters {
		ch <- nil
	}
	c.readyWaiters = nil
}

func (c *Client) enterReady() {
	if c.state == ble.StateReady {
		return
	}
	c.state = ble.StateReady
	c.demux.Reset()
	c.abandoned = nil
	c.logger.Info("[GATEWAY] link ready", "address", c.address)
	c.emit(EventLinkState, LinkStateData{State: ble.StateReady.String(), Address: c.address})
}

func (c *Client) onDisconnected(err error) {
	c.state = ble.StateDisconnected
	c.demux.Reset()
	c.failAll(err)
	c.abandoned = nil
	c.emit(EventLinkState, LinkStateData{
		State:   ble.StateDisconnected.String(),
		Address: c.address,
		Error:   err.Error(),
	})
}

func (c *Client) onLinkError(err error) {
	c.logger.Error("[GATEWAY] link error", "error", err)
	c.emit(EventError, MessageData{Message: err.Error()})
	for _, ch := range c.readyWaiters {
		ch <- err
	}
	c.readyWaiters = nil
	c.failAll(err)
}

func (c *Client) onNotification(ch ble.CharID, p []byte) {
	switch ch {
	case ble.DataChar:
		for _, line := range c.demux.Feed(p) {
			c.cancelIfRequested()
			c.handleLine(line)
		}
	case ble.ProgressChar:
		v, ok := protocol.ProgressValue(p)
		if !ok {
			return
		}
		for _, sub := range c.progressSubs {
			select {
			case sub <- v:
			default:
			}
		}
		c.emit(EventDeviceProgress, ProgressData{Percent: v})
	}
}

func (c *Client) emitRx(ev RxEvent) {
	for _, sub := range c.rxSubs {
		select {
		case sub <- ev:
		default:
			c.logger.Warn("[GATEWAY] rx subscriber too slow, event dropped", "phase", ev.Phase)
		}
	}
	c.emit(EventRadioRx, ev)
}

func isPeerError(err error) bool {
	var perr *protocol.PeerError
	return errors.As(err, &perr)
}
