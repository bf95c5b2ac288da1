package gateway

import (
	"context"
	"fmt"
	"io"

	"github.com/chaz8081/lorafs/internal/ble"
	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/transfer"
)

// ListFiles returns the files stored on the gateway.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FileRecord, error) {
	v, err := c.call(ctx, newOp(opList, ""), protocol.ListCommand())
	if err != nil {
		return nil, err
	}
	return v.([]protocol.FileRecord), nil
}

// Delete removes name from the gateway flash.
func (c *Client) Delete(ctx context.Context, name string) error {
	cmd, err := protocol.DeleteCommand(name)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, newOp(opDelete, name), cmd)
	return err
}

// Download fetches name into the client's sink. progress, if set, runs on
// the event loop and must not block; it may call CancelTransfer.
func (c *Client) Download(ctx context.Context, name string, progress transfer.ProgressFunc) (transfer.ArtifactRef, error) {
	cmd, err := protocol.DownloadCommand(name)
	if err != nil {
		return transfer.ArtifactRef{}, err
	}
	o := newOp(opDownload, name)
	o.progress = progress
	v, err := c.call(ctx, o, cmd)
	if err != nil {
		return transfer.ArtifactRef{}, err
	}
	return v.(transfer.ArtifactRef), nil
}

// Upload streams size bytes of r to the gateway as name. progress runs on
// the calling goroutine.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64, progress transfer.ProgressFunc) error {
	up, err := transfer.NewUpload(name, size, c.opts.MaxUploadSize)
	if err != nil {
		return err
	}
	o := newOp(opUpload, name)
	o.upload = up
	if err := c.do(func() error { return c.start(o, "") }); err != nil {
		return err
	}

	send := func(line string) error {
		return c.do(func() error {
			if o.finished {
				return errInactive
			}
			return c.link.WriteCommand(line)
		})
	}
	emit := func(p int) {
		if progress != nil {
			progress(p)
		}
		c.bus.Emit(Event{Type: EventTransferProgress, Data: ProgressData{Kind: KindUpload, Name: name, Percent: p}})
	}

	runErr := up.Run(ctx, r, send, c.opts.Timing, emit, c.logger)
	err = c.do(func() error {
		if runErr != nil {
			c.fail(o, runErr)
		} else {
			c.finish(o, nil, nil)
		}
		return nil
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// GetRadioConfig asks the gateway for its LoRa parameters.
func (c *Client) GetRadioConfig(ctx context.Context) (protocol.RadioConfig, error) {
	v, err := c.call(ctx, newOp(opGetConfig, ""), protocol.GetRadioConfigCommand())
	if err != nil {
		return protocol.RadioConfig{}, err
	}
	return v.(protocol.RadioConfig), nil
}

// SetRadioConfig applies cfg. The cached config changes only once the
// gateway confirms.
func (c *Client) SetRadioConfig(ctx context.Context, cfg protocol.RadioConfig) error {
	cmd, err := protocol.SetRadioConfigCommand(cfg)
	if err != nil {
		return err
	}
	o := newOp(opSetConfig, "")
	o.config = cfg
	_, err = c.call(ctx, o, cmd)
	return err
}

// TransmitOverRadio sends a stored file to the LoRa peer and waits for the
// outcome. progress runs on the event loop and must not block.
func (c *Client) TransmitOverRadio(ctx context.Context, name string, progress transfer.ProgressFunc) (TxSummary, error) {
	cmd, err := protocol.TransmitCommand(name)
	if err != nil {
		return TxSummary{}, err
	}
	o := newOp(opTransmit, name)
	o.progress = progress
	v, err := c.call(ctx, o, cmd)
	if err != nil {
		return TxSummary{}, err
	}
	return v.(TxSummary), nil
}

// CancelTransfer fails the live upload or download with ble.ErrCancelled.
// It does not wait, so it may be called from a progress callback or an
// event handler. No further chunks are appended once it returns.
func (c *Client) CancelTransfer() {
	c.cancelRequested.Store(true)
	_ = c.post(c.cancelIfRequested)
}

// cancelIfRequested applies a pending CancelTransfer. Runs on the loop.
func (c *Client) cancelIfRequested() {
	if !c.cancelRequested.Swap(false) {
		return
	}
	o := c.pending
	if o == nil || (o.kind != opUpload && o.kind != opDownload) {
		return
	}
	c.fail(o, fmt.Errorf("%w: %s of %s cancelled", ble.ErrCancelled, o.kind, o.name))
}

// RadioRxEvents streams LoRa receive events until ctx ends or the client
// closes. Events are dropped if the channel is not drained.
func (c *Client) RadioRxEvents(ctx context.Context) <-chan RxEvent {
	ch := make(chan RxEvent, c.opts.SubscriberBuffer)
	var id uint64
	err := c.do(func() error {
		id = c.nextSub
		c.nextSub++
		c.rxSubs[id] = ch
		return nil
	})
	if err != nil {
		close(ch)
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		_ = c.post(func() {
			if _, ok := c.rxSubs[id]; ok {
				delete(c.rxSubs, id)
				close(ch)
			}
		})
	}()
	return ch
}

// DeviceProgress streams values of the progress characteristic.
func (c *Client) DeviceProgress(ctx context.Context) <-chan int {
	ch := make(chan int, c.opts.SubscriberBuffer)
	var id uint64
	err := c.do(func() error {
		id = c.nextSub
		c.nextSub++
		c.progressSubs[id] = ch
		return nil
	})
	if err != nil {
		close(ch)
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		_ = c.post(func() {
			if _, ok := c.progressSubs[id]; ok {
				delete(c.progressSubs, id)
				close(ch)
			}
		})
	}()
	return ch
}
