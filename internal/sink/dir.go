// Package sink stores downloaded gateway files on the local filesystem.
package sink

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/lorafs/internal/transfer"
)

// TimestampLayout is appended to a file name that already exists locally.
const TimestampLayout = "20060102_150405"

// DirSink writes artifacts into a directory. An existing file is never
// replaced: the new one is saved as name_yyyyMMdd_HHmmss.ext.
type DirSink struct {
	Dir    string
	Now    func() time.Time
	Logger *slog.Logger
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string, logger *slog.Logger) (*DirSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sink: creating download dir: %w", err)
	}
	return &DirSink{Dir: dir, Now: time.Now, Logger: logger}, nil
}

// Create opens a temp file next to the final location. Nothing is visible
// under the final name until Finalise.
func (s *DirSink) Create(name string) (transfer.Artifact, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return nil, fmt.Errorf("sink: unusable file name %q", name)
	}
	f, err := os.CreateTemp(s.Dir, "."+base+".*.part")
	if err != nil {
		return nil, fmt.Errorf("sink: creating temp file: %w", err)
	}
	h, _ := blake2b.New256(nil)
	return &fileArtifact{sink: s, name: name, base: base, f: f, h: h}, nil
}

// target picks a free path for base.
func (s *DirSink) target(base string) (string, error) {
	path := filepath.Join(s.Dir, base)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return path, nil
	} else if err != nil {
		return "", err
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// Dotfiles like ".env" have no extension to split off.
		stem, ext = base, ""
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	stamped := stem + "_" + now().Format(TimestampLayout)
	for i := 0; ; i++ {
		candidate := stamped
		if i > 0 {
			candidate += "_" + strconv.Itoa(i)
		}
		path = filepath.Join(s.Dir, candidate+ext)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
}

type fileArtifact struct {
	sink    *DirSink
	name    string
	base    string
	f       *os.File
	h       hash.Hash
	written int64
}

func (a *fileArtifact) Write(p []byte) (int, error) {
	n, err := a.f.Write(p)
	a.h.Write(p[:n])
	a.written += int64(n)
	return n, err
}

func (a *fileArtifact) Finalise() (transfer.ArtifactRef, error) {
	tmp := a.f.Name()
	if err := a.f.Close(); err != nil {
		os.Remove(tmp)
		return transfer.ArtifactRef{}, fmt.Errorf("sink: closing temp file: %w", err)
	}
	dest, err := a.sink.target(a.base)
	if err != nil {
		os.Remove(tmp)
		return transfer.ArtifactRef{}, fmt.Errorf("sink: choosing destination: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return transfer.ArtifactRef{}, fmt.Errorf("sink: moving file into place: %w", err)
	}
	if filepath.Base(dest) != a.base && a.sink.Logger != nil {
		a.sink.Logger.Warn("[SINK] file exists, saved under new name", "name", a.base, "path", dest)
	}
	return transfer.ArtifactRef{
		Name:   a.name,
		Path:   dest,
		Size:   a.written,
		Digest: hex.EncodeToString(a.h.Sum(nil)),
	}, nil
}

func (a *fileArtifact) Abort() error {
	tmp := a.f.Name()
	a.f.Close()
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sink: removing temp file: %w", err)
	}
	return nil
}
