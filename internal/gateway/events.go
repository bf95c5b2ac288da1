package gateway

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	EventLinkState        = "link_state"
	EventDeviceProgress   = "device_progress"
	EventTransferProgress = "transfer_progress"
	EventTransferDone     = "transfer_done"
	EventArtifactSaved    = "artifact_saved"
	EventRadioConfig      = "radio_config"
	EventRadioTx          = "radio_tx"
	EventRadioRx          = "radio_rx"
	EventWarning          = "warning"
	EventError            = "error"
)

// Event is one gateway occurrence. Data holds one of the payload types below.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// LinkStateData accompanies EventLinkState.
type LinkStateData struct {
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressData accompanies EventDeviceProgress and EventTransferProgress.
type ProgressData struct {
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	Percent int    `json:"percent"`
}

// TransferData accompanies EventTransferDone. Kind is one of the Kind*
// constants.
type TransferData struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Path    string    `json:"path,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	Error   string    `json:"error,omitempty"`
	Started time.Time `json:"started"`
}

// Transfer kinds.
const (
	KindUpload   = "upload"
	KindDownload = "download"
	KindRadioTx  = "radio_tx"
	KindRadioRx  = "radio_rx"
)

// MessageData accompanies EventWarning and EventError.
type MessageData struct {
	Message string `json:"message"`
}

// EventHandler is a callback for events. Handlers run on the goroutine
// that emitted the event, usually the client's event loop. They may call
// CancelTransfer, State, Radio and CachedRadioConfig but must not start an
// operation that waits for the gateway.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty matches every event
	handler EventHandler
}

// EventBus delivers gateway events to subscribers in the order they
// subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus returns a bus with no subscribers. Handler panics are
// recovered and logged on logger.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, typ: eventType, handler: handler})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit delivers ev to its subscribers synchronously. A zero Time is set to
// now.
func (eb *EventBus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == ev.Type {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.deliver(h, ev)
	}
}

func (eb *EventBus) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("[GATEWAY] event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
