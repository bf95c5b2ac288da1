package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/lorafs/internal/ble"
	"github.com/chaz8081/lorafs/internal/ble/protocol"
)

// UploadState is the phase of an upload session.
type UploadState int

const (
	UploadAnnounced UploadState = iota
	UploadStreaming
	UploadAwaitingCompletion
	UploadFinished
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadAnnounced:
		return "announced"
	case UploadStreaming:
		return "streaming"
	case UploadAwaitingCompletion:
		return "awaiting-completion"
	case UploadFinished:
		return "finished"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Upload is one upload session. Run drives it from the caller's goroutine;
// Complete and Fail are called by whoever parses the peer's replies.
type Upload struct {
	Name string
	Size int64

	mu         sync.Mutex
	state      UploadState
	chunksSent int
	bytesSent  int64
	confirmed  bool
	err        error

	completed chan struct{} // closed by Complete
	aborted   chan struct{} // closed by Fail
}

// NewUpload validates the name and size. maxSize <= 0 disables the cap.
func NewUpload(name string, size, maxSize int64) (*Upload, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("transfer: negative size %d", size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, maxSize)
	}
	return &Upload{
		Name:      name,
		Size:      size,
		completed: make(chan struct{}),
		aborted:   make(chan struct{}),
	}, nil
}

// State returns where the upload is in its lifecycle.
func (u *Upload) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Sent returns the chunk and byte counters.
func (u *Upload) Sent() (chunks int, bytes int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chunksSent, u.bytesSent
}

// Confirmed reports whether the peer acknowledged the upload.
func (u *Upload) Confirmed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.confirmed
}

// Complete records OK:UPLOAD_COMPLETE. It may arrive before the last chunk
// has been handed to the link.
func (u *Upload) Complete() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.confirmed || u.state == UploadFailed {
		return
	}
	u.confirmed = true
	close(u.completed)
}

// Fail aborts the session; the emitter stops at its next step and Run
// returns err. Only the first failure is kept.
func (u *Upload) Fail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == UploadFinished || u.state == UploadFailed {
		return
	}
	u.state = UploadFailed
	u.err = err
	close(u.aborted)
}

func (u *Upload) setState(s UploadState) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == UploadFailed {
		return u.err
	}
	u.state = s
	return nil
}

// Run announces the upload, streams r in ChunkSize pieces through send and
// waits for the peer's confirmation. A missing confirmation is logged, not
// returned.
func (u *Upload) Run(ctx context.Context, r io.Reader, send func(line string) error, timing Timing, progress ProgressFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := u.run(ctx, r, send, timing, progress, logger)
	if err != nil {
		u.Fail(err)
		// A concurrent Fail may have won; report the recorded cause.
		u.mu.Lock()
		err = u.err
		u.mu.Unlock()
	}
	return err
}

func (u *Upload) run(ctx context.Context, r io.Reader, send func(string) error, timing Timing, progress ProgressFunc, logger *slog.Logger) error {
	start, err := protocol.UploadStartCommand(u.Name, u.Size)
	if err != nil {
		return err
	}
	if err := send(start); err != nil {
		return err
	}
	logger.Info("[TRANSFER] upload announced", "name", u.Name, "size", u.Size,
		"chunks", protocol.ChunkCount(u.Size))

	if err := u.wait(ctx, timing.HandshakeDelay); err != nil {
		return err
	}
	if err := u.setState(UploadStreaming); err != nil {
		return err
	}

	chunker := protocol.NewChunker(r, u.Size)
	for i := 0; ; i++ {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrReadError, err)
		}
		if i > 0 {
			if err := u.wait(ctx, timing.ChunkDelay); err != nil {
				return err
			}
		}
		if err := send(protocol.UploadChunkCommand(chunk)); err != nil {
			return err
		}

		u.mu.Lock()
		u.chunksSent++
		u.bytesSent += int64(len(chunk))
		sent := u.bytesSent
		u.mu.Unlock()
		progress.report(protocol.Percent(sent, u.Size))
	}

	if sent := chunker.BytesRead(); sent < u.Size {
		logger.Warn("[TRANSFER] upload source shorter than announced size",
			"name", u.Name, "announced", u.Size, "sent", sent)
	}

	if err := u.setState(UploadAwaitingCompletion); err != nil {
		return err
	}
	if err := u.awaitConfirmation(ctx, timing.CompleteTimeout); err != nil {
		return err
	}
	if !u.Confirmed() {
		logger.Warn("[TRANSFER] no upload confirmation from peer", "name", u.Name, "waited", timing.CompleteTimeout)
	}
	if err := u.setState(UploadFinished); err != nil {
		return err
	}
	if u.Size == 0 {
		progress.report(100)
	}
	logger.Info("[TRANSFER] upload finished", "name", u.Name, "bytes", chunker.BytesRead())
	return nil
}

// wait sleeps for d unless the context ends or the session fails first.
func (u *Upload) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ble.ErrCancelled, ctx.Err())
	case <-u.aborted:
		return u.failure()
	default:
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ble.ErrCancelled, ctx.Err())
	case <-u.aborted:
		return u.failure()
	case <-t.C:
		return nil
	}
}

func (u *Upload) awaitConfirmation(ctx context.Context, d time.Duration) error {
	select {
	case <-u.completed:
		return nil
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ble.ErrCancelled, ctx.Err())
	case <-u.aborted:
		return u.failure()
	case <-u.completed:
		return nil
	case <-t.C:
		return nil
	}
}

func (u *Upload) failure() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}
