package transfer

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
)

// DownloadState is the phase of a download session.
type DownloadState int

const (
	DownloadAnnounced DownloadState = iota
	DownloadReceiving
	DownloadCompleted
	DownloadFailed
)

func (s DownloadState) String() string {
	switch s {
	case DownloadAnnounced:
		return "announced"
	case DownloadReceiving:
		return "receiving"
	case DownloadCompleted:
		return "completed"
	case DownloadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Download reassembles one file from CHUNK lines. It is created when the
// peer announces the transfer with DOWNLOAD_START and is not safe for
// concurrent use.
type Download struct {
	Name           string
	ExpectedSize   int64
	ExpectedChunks int

	strict        bool
	state         DownloadState
	chunks        map[int][]byte
	bytesReceived int64
	nextIndex     int
	mismatch      error
	logger        *slog.Logger
}

// NewDownload starts a session for an announced file. In strict mode chunk
// indices must arrive as 0, 1, 2, ...
func NewDownload(name string, size int64, strict bool, logger *slog.Logger) *Download {
	if logger == nil {
		logger = slog.Default()
	}
	return &Download{
		Name:           name,
		ExpectedSize:   size,
		ExpectedChunks: protocol.ChunkCount(size),
		strict:         strict,
		state:          DownloadAnnounced,
		chunks:         make(map[int][]byte),
		logger:         logger,
	}
}

// State returns where the download is in its lifecycle.
func (d *Download) State() DownloadState { return d.state }

// BytesReceived counts decoded bytes accepted so far.
func (d *Download) BytesReceived() int64 { return d.bytesReceived }

// Progress is the received share of the announced size.
func (d *Download) Progress() int {
	return protocol.Percent(d.bytesReceived, d.ExpectedSize)
}

// Add decodes and stores chunk index. A repeated index keeps the first copy.
func (d *Download) Add(index int, payload string) error {
	if d.state != DownloadAnnounced && d.state != DownloadReceiving {
		return fmt.Errorf("%w: chunk %d after download %s", protocol.ErrProtocolViolation, index, d.state)
	}
	data, err := protocol.DecodeChunk(payload)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	if _, dup := d.chunks[index]; dup {
		d.logger.Warn("[TRANSFER] duplicate chunk ignored", "name", d.Name, "index", index)
		return nil
	}
	if d.strict && index != d.nextIndex {
		return fmt.Errorf("%w: got chunk %d, want %d", ErrOutOfOrder, index, d.nextIndex)
	}
	if limit := d.ExpectedSize + protocol.ChunkSize - 1; d.bytesReceived+int64(len(data)) > limit {
		return fmt.Errorf("%w: %d bytes received for a %d byte file",
			protocol.ErrProtocolViolation, d.bytesReceived+int64(len(data)), d.ExpectedSize)
	}
	d.chunks[index] = data
	d.bytesReceived += int64(len(data))
	d.nextIndex++
	d.state = DownloadReceiving
	return nil
}

// Abort marks the session failed and drops the buffered chunks.
func (d *Download) Abort() {
	d.state = DownloadFailed
	d.chunks = nil
}

// Mismatch returns a wrapped ErrSizeMismatch when the received byte count or
// the chunk indices disagree with the announcement, nil otherwise.
func (d *Download) Mismatch() error {
	if d.state == DownloadCompleted {
		return d.mismatch
	}
	return d.checkSize()
}

func (d *Download) checkSize() error {
	if d.bytesReceived != d.ExpectedSize {
		return fmt.Errorf("%w: %s: received %d bytes, announced %d",
			ErrSizeMismatch, d.Name, d.bytesReceived, d.ExpectedSize)
	}
	for i := 0; i < len(d.chunks); i++ {
		if _, ok := d.chunks[i]; !ok {
			return fmt.Errorf("%w: %s: chunk %d missing", ErrSizeMismatch, d.Name, i)
		}
	}
	return nil
}

// Finish writes the chunks in index order into a new artifact from sink and
// finalises it.
func (d *Download) Finish(sink Sink) (ArtifactRef, error) {
	if d.state == DownloadFailed || d.state == DownloadCompleted {
		return ArtifactRef{}, fmt.Errorf("%w: download %s already %s", protocol.ErrProtocolViolation, d.Name, d.state)
	}
	indices := make([]int, 0, len(d.chunks))
	for i := range d.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	d.mismatch = d.checkSize()

	art, err := sink.Create(d.Name)
	if err != nil {
		d.Abort()
		return ArtifactRef{}, fmt.Errorf("transfer: create artifact %s: %w", d.Name, err)
	}
	for _, i := range indices {
		if _, err := art.Write(d.chunks[i]); err != nil {
			_ = art.Abort()
			d.Abort()
			return ArtifactRef{}, fmt.Errorf("transfer: write artifact %s: %w", d.Name, err)
		}
	}
	ref, err := art.Finalise()
	if err != nil {
		d.Abort()
		return ArtifactRef{}, fmt.Errorf("transfer: finalise artifact %s: %w", d.Name, err)
	}
	d.state = DownloadCompleted
	d.chunks = nil
	return ref, nil
}
