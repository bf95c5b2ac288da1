package transfer

import (
	"bytes"
	"io"
	"sync"
)

// ArtifactRef identifies a delivered download.
type ArtifactRef struct {
	Name   string `json:"name"`             // remote name
	Path   string `json:"path,omitempty"`   // local location, if any
	Size   int64  `json:"size"`             // bytes written
	Digest string `json:"digest,omitempty"` // hex content digest, if computed
}

// Artifact receives the bytes of one download.
type Artifact interface {
	io.Writer
	// Finalise commits the artifact and returns its reference.
	Finalise() (ArtifactRef, error)
	// Abort discards a partially written artifact.
	Abort() error
}

// Sink is the local destination for downloaded files. Name collision
// policy belongs to the implementation.
type Sink interface {
	Create(name string) (Artifact, error)
}

// MemorySink keeps artifacts in memory, keyed by name.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

func (s *MemorySink) Create(name string) (Artifact, error) {
	return &memoryArtifact{sink: s, name: name}, nil
}

// Bytes returns the finalised content stored under name.
func (s *MemorySink) Bytes(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

type memoryArtifact struct {
	sink *MemorySink
	name string
	buf  bytes.Buffer
}

func (a *memoryArtifact) Write(p []byte) (int, error) { return a.buf.Write(p) }

func (a *memoryArtifact) Finalise() (ArtifactRef, error) {
	a.sink.mu.Lock()
	a.sink.files[a.name] = a.buf.Bytes()
	a.sink.mu.Unlock()
	return ArtifactRef{Name: a.name, Size: int64(a.buf.Len())}, nil
}

func (a *memoryArtifact) Abort() error {
	a.buf.Reset()
	return nil
}

// WriterSink streams every artifact to one writer, such as stdout.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Create(name string) (Artifact, error) {
	return &writerArtifact{name: name, w: s.W}, nil
}

type writerArtifact struct {
	name string
	w    io.Writer
	n    int64
}

func (a *writerArtifact) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	a.n += int64(n)
	return n, err
}

func (a *writerArtifact) Finalise() (ArtifactRef, error) {
	return ArtifactRef{Name: a.name, Size: a.n}, nil
}

func (a *writerArtifact) Abort() error { return nil }
