package store

import (
	"log/slog"
	"time"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/gateway"
)

// Recorder writes gateway outcomes to a Store as they are published.
type Recorder struct {
	store   Store
	address string
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder returns a Recorder that stamps records with address.
func NewRecorder(store Store, address string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, address: address, logger: logger, now: time.Now}
}

// Attach subscribes to bus and returns the unsubscribe function.
func (r *Recorder) Attach(bus *gateway.EventBus) func() {
	offDone := bus.On(gateway.EventTransferDone, r.handleTransfer)
	offCfg := bus.On(gateway.EventRadioConfig, r.handleRadioConfig)
	return func() {
		offDone()
		offCfg()
	}
}

func (r *Recorder) handleTransfer(ev gateway.Event) {
	d, ok := ev.Data.(gateway.TransferData)
	if !ok {
		return
	}
	rec := &TransferRecord{
		Kind:       d.Kind,
		Name:       d.Name,
		Size:       d.Size,
		Status:     StatusOK,
		Error:      d.Error,
		Path:       d.Path,
		Digest:     d.Digest,
		Address:    r.address,
		StartedAt:  d.Started,
		FinishedAt: ev.Time,
	}
	if d.Error != "" {
		rec.Status = StatusFailed
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = r.now()
	}
	if err := r.store.AddTransfer(rec); err != nil {
		r.logger.Error("[STORE] recording transfer failed", "name", d.Name, "error", err)
		return
	}
	r.logger.Debug("[STORE] transfer recorded", "id", rec.ID, "kind", rec.Kind, "status", rec.Status)
}

func (r *Recorder) handleRadioConfig(ev gateway.Event) {
	cfg, ok := ev.Data.(protocol.RadioConfig)
	if !ok {
		return
	}
	if err := r.store.SaveRadioConfig(cfg); err != nil {
		r.logger.Error("[STORE] saving radio config failed", "error", err)
	}
}
