package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/transfer"
)

// handleLine dispatches one inbound line. Runs on the loop.
func (c *Client) handleLine(line string) {
	ev, err := protocol.ParseLine(line)
	if errors.Is(err, protocol.ErrUnknownLine) {
		c.warn("unknown line discarded", "line", line)
		return
	}
	if err != nil {
		c.malformed(line, err)
		return
	}
	c.logger.Debug("[GATEWAY] <-", "event", protocol.Name(ev))

	switch ev := ev.(type) {
	case protocol.FilesStart:
		if o := c.expect(opList, ev); o != nil {
			o.files = o.files[:0]
		}
	case protocol.FileEntry:
		if o := c.expect(opList, ev); o != nil {
			o.files = append(o.files, ev.FileRecord)
		}
	case protocol.FilesEnd:
		if o := c.expect(opList, ev); o != nil {
			files := o.files
			if files == nil {
				files = []protocol.FileRecord{}
			}
			c.finish(o, files, nil)
		}
	case protocol.Deleted:
		if o := c.expect(opDelete, ev); o != nil {
			c.finish(o, nil, nil)
		}
	case protocol.UploadComplete:
		if o := c.expect(opUpload, ev); o != nil {
			o.upload.Complete()
		}
	case protocol.DownloadStart:
		c.downloadStart(ev)
	case protocol.Chunk:
		c.downloadChunk(ev)
	case protocol.DownloadEnd:
		c.downloadEnd(ev)
	case protocol.Ack:
		c.logger.Debug("[GATEWAY] ack", "detail", ev.Detail)
	case protocol.ErrorReply:
		c.peerError(ev)
	case protocol.RadioConfigReport:
		c.radioConfigReport(ev)
	case protocol.RadioConfigApplied:
		if o := c.expect(opSetConfig, ev); o != nil {
			c.radioCfg = o.config
			c.emit(EventRadioConfig, c.radioCfg)
			c.finish(o, nil, nil)
		}
	case protocol.TxStarting:
		if o := c.expect(opTransmit, ev); o != nil {
			c.promoteTx(o)
		}
	case protocol.TxStatus:
		if o := c.txSession(ev); o != nil {
			c.tx.Phase = PhaseInProgress
			c.tx.FragmentsDone, c.tx.FragmentsTotal, c.tx.Retries = ev.Done, ev.Total, ev.Retries
			o.retries = ev.Retries
			c.report(o.progress, ev.Percent())
			c.emit(EventRadioTx, c.tx)
		}
	case protocol.TxComplete:
		if o := c.txSession(ev); o != nil {
			c.tx.Phase = PhaseCompleted
			c.report(o.progress, 100)
			c.emit(EventRadioTx, c.tx)
			c.finish(o, TxSummary{
				Name:    o.name,
				Size:    ev.Size,
				Seconds: ev.Seconds,
				Kbps:    ev.Kbps,
				Retries: o.retries,
			}, nil)
		}
	case protocol.TxFailed:
		err := &RadioError{Direction: DirectionTx, Reason: ev.Reason}
		if o := c.txSession(nil); o != nil {
			c.fail(o, err)
			return
		}
		c.tx.Phase = PhaseFailed
		c.logger.Error("[GATEWAY] radio transmission failed", "reason", ev.Reason)
		c.emit(EventError, MessageData{Message: err.Error()})
	case protocol.RxStart, protocol.RxStatus, protocol.RxComplete, protocol.RxFailed:
		c.radioRx(ev)
	}
}

// expect returns the pending op if it is of kind, logging a stray event
// otherwise.
func (c *Client) expect(kind opKind, ev protocol.Event) *op {
	if c.pending != nil && c.pending.kind == kind {
		return c.pending
	}
	c.warn("unexpected line ignored", "event", protocol.Name(ev))
	return nil
}

// owner maps the keyword of a line to the op kind that consumes it.
func owner(line string) (opKind, bool) {
	keyword, _, _ := strings.Cut(line, ":")
	switch keyword {
	case "FILE":
		return opList, true
	case "DOWNLOAD_START", "CHUNK":
		return opDownload, true
	case "LORA_CONFIG":
		return opGetConfig, true
	case "TX_STATUS", "TX_COMPLETE":
		return opTransmit, true
	}
	return 0, false
}

// malformed fails the operation a bad line belongs to; lines owned by no
// live operation are only logged.
func (c *Client) malformed(line string, err error) {
	if kind, ok := owner(line); ok {
		if c.pending != nil && c.pending.kind == kind {
			c.fail(c.pending, err)
			return
		}
		if kind == opTransmit && c.radioTx != nil {
			c.fail(c.radioTx, err)
			return
		}
	}
	c.warn("malformed line discarded", "line", line, "error", err)
}

func (c *Client) peerError(ev protocol.ErrorReply) {
	perr := &protocol.PeerError{Code: ev.Code}
	switch {
	case c.pending != nil:
		c.fail(c.pending, perr)
	case c.radioTx != nil:
		c.fail(c.radioTx, perr)
	default:
		c.logger.Error("[GATEWAY] peer error with no operation", "code", ev.Code)
		c.emit(EventError, MessageData{Message: perr.Error()})
	}
}

// staleDownloadLine reports whether ev belongs to an abandoned download
// stream and swallows it if so.
func (c *Client) staleDownloadLine(ev protocol.Event) bool {
	a := c.abandoned
	if a == nil {
		return false
	}
	switch ev := ev.(type) {
	case protocol.DownloadStart:
		if o := c.pending; o != nil && o.kind == opDownload && o.download == nil && ev.Name == o.name {
			// The requested stream begins; the old one is over.
			c.abandoned = nil
			return false
		}
		if a.started || ev.Name != a.name {
			return false
		}
		a.started = true
	case protocol.DownloadEnd:
		c.abandoned = nil
	}
	c.logger.Debug("[GATEWAY] dropped line of abandoned download", "name", a.name, "event", protocol.Name(ev))
	return true
}

func (c *Client) downloadStart(ev protocol.DownloadStart) {
	if c.staleDownloadLine(ev) {
		return
	}
	o := c.expect(opDownload, ev)
	if o == nil {
		return
	}
	if o.download != nil {
		c.fail(o, protocolErr("second DOWNLOAD_START for "+o.name))
		return
	}
	if ev.Name != o.name {
		c.warn("download announced under another name", "requested", o.name, "announced", ev.Name)
	}
	o.download = transfer.NewDownload(o.name, ev.Size, c.opts.StrictChunkOrder, c.logger)
	c.logger.Info("[GATEWAY] download started", "name", o.name, "size", ev.Size, "chunks", o.download.ExpectedChunks)
	c.progress(o, KindDownload, 0)
}

func (c *Client) downloadChunk(ev protocol.Chunk) {
	if c.staleDownloadLine(ev) {
		return
	}
	o := c.expect(opDownload, ev)
	if o == nil {
		return
	}
	if o.download == nil {
		c.fail(o, protocolErr("CHUNK before DOWNLOAD_START"))
		return
	}
	before := o.download.Progress()
	if err := o.download.Add(ev.Index, ev.Payload); err != nil {
		c.fail(o, err)
		return
	}
	if p := o.download.Progress(); p != before {
		c.progress(o, KindDownload, p)
	}
}

func (c *Client) downloadEnd(ev protocol.DownloadEnd) {
	if c.staleDownloadLine(ev) {
		return
	}
	o := c.expect(opDownload, ev)
	if o == nil {
		return
	}
	if o.download == nil {
		c.fail(o, protocolErr("DOWNLOAD_END before DOWNLOAD_START"))
		return
	}
	ref, err := o.download.Finish(c.sink)
	if err != nil {
		c.fail(o, err)
		return
	}
	if mm := o.download.Mismatch(); mm != nil {
		c.warn("download size mismatch", "name", o.name, "error", mm)
	}
	if o.download.Progress() < 100 {
		c.progress(o, KindDownload, 100)
	}
	c.logger.Info("[GATEWAY] download complete", "name", o.name, "bytes", ref.Size, "path", ref.Path)
	c.emit(EventArtifactSaved, ref)
	c.finish(o, ref, nil)
}

func (c *Client) radioConfigReport(ev protocol.RadioConfigReport) {
	cfg, err := protocol.ParseRadioConfig(ev.Raw, c.radioCfg)
	var o *op
	if c.pending != nil && c.pending.kind == opGetConfig {
		o = c.pending
	}
	if err != nil {
		if o != nil {
			c.fail(o, err)
		} else {
			c.warn("bad radio config report", "error", err)
		}
		return
	}
	c.radioCfg = cfg
	c.emit(EventRadioConfig, cfg)
	if o != nil {
		c.finish(o, cfg, nil)
	}
}

// promoteTx moves an acknowledged TX_FILE request off the pending slot; the
// transmission itself runs for much longer and must not block other ops.
func (c *Client) promoteTx(o *op) {
	c.pending = nil
	c.radioTx = o
	c.tx = RadioState{Direction: DirectionTx, Phase: PhaseStarting, Name: o.name}
	c.emit(EventRadioTx, c.tx)
}

// txSession returns the live radio transmission. A TX_FILE request still
// waiting for OK:TX_STARTING is promoted when status lines arrive first.
func (c *Client) txSession(ev protocol.Event) *op {
	if c.radioTx != nil {
		return c.radioTx
	}
	if c.pending != nil && c.pending.kind == opTransmit {
		c.promoteTx(c.pending)
		return c.radioTx
	}
	if ev != nil {
		c.warn("unexpected line ignored", "event", protocol.Name(ev))
	}
	return nil
}

func (c *Client) radioRx(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.RxStart:
		c.rx = RadioState{Direction: DirectionRx, Phase: PhaseInProgress, Name: ev.Name}
		c.rxStarted = time.Now()
		c.emitRx(RxEvent{Phase: RxStarted, Name: ev.Name, Size: ev.Size})
	case protocol.RxStatus:
		c.rx.Phase = PhaseInProgress
		c.rx.FragmentsDone, c.rx.FragmentsTotal = ev.Done, ev.Total
		c.emitRx(RxEvent{Phase: RxProgress, Name: c.rx.Name, Done: ev.Done, Total: ev.Total, Percent: ev.Percent()})
	case protocol.RxComplete:
		c.rx.Phase = PhaseCompleted
		c.emitRx(RxEvent{Phase: RxCompleted, Name: ev.Name, Size: ev.Size, Seconds: ev.Seconds, Percent: 100})
		c.emit(EventTransferDone, TransferData{Kind: KindRadioRx, Name: ev.Name, Size: ev.Size, Started: c.rxStarted})
	case protocol.RxFailed:
		c.rx.Phase = PhaseFailed
		c.emitRx(RxEvent{Phase: RxFailed, Name: c.rx.Name, Reason: ev.Reason})
		c.emit(EventTransferDone, TransferData{
			Kind:    KindRadioRx,
			Name:    c.rx.Name,
			Error:   (&RadioError{Direction: DirectionRx, Reason: ev.Reason}).Error(),
			Started: c.rxStarted,
		})
	}
}

func (c *Client) progress(o *op, kind string, p int) {
	c.report(o.progress, p)
	c.emit(EventTransferProgress, ProgressData{Kind: kind, Name: o.name, Percent: p})
}

func protocolErr(msg string) error {
	return fmt.Errorf("%w: %s", protocol.ErrProtocolViolation, msg)
}
