package store

import (
	"testing"
	"time"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/gateway"
)

func TestRecorderStoresTransfers(t *testing.T) {
	s := newTestStore(t)
	bus := gateway.NewEventBus(nil)
	off := NewRecorder(s, "AA:BB:CC:DD:EE:FF", nil).Attach(bus)

	started := time.Now().Add(-time.Second)
	bus.Emit(gateway.Event{Type: gateway.EventTransferDone, Data: gateway.TransferData{
		Kind: gateway.KindDownload, Name: "f.txt", Size: 500, Path: "/dl/f.txt", Digest: "00ff", Started: started,
	}})
	bus.Emit(gateway.Event{Type: gateway.EventTransferDone, Data: gateway.TransferData{
		Kind: gateway.KindRadioTx, Name: "g.jpg", Error: "gateway: radio tx failed: timeout",
	}})
	off()
	bus.Emit(gateway.Event{Type: gateway.EventTransferDone, Data: gateway.TransferData{Kind: gateway.KindUpload, Name: "ignored"}})

	all, err := s.ListTransfers(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	byName := map[string]*TransferRecord{}
	for _, r := range all {
		byName[r.Name] = r
	}
	dl := byName["f.txt"]
	if dl == nil || dl.Status != StatusOK || dl.Path != "/dl/f.txt" || dl.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("download record = %+v", dl)
	}
	if !dl.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", dl.StartedAt, started)
	}
	tx := byName["g.jpg"]
	if tx == nil || tx.Status != StatusFailed || tx.Error == "" {
		t.Errorf("tx record = %+v", tx)
	}
}

func TestRecorderCachesRadioConfig(t *testing.T) {
	s := newTestStore(t)
	bus := gateway.NewEventBus(nil)
	NewRecorder(s, "", nil).Attach(bus)

	cfg := protocol.RadioConfig{Bandwidth: 500, SpreadingFactor: 7, CodingRate: 5, AckInterval: 3, Power: 10}
	bus.Emit(gateway.Event{Type: gateway.EventRadioConfig, Data: cfg})

	got, err := s.GetRadioConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}
