package transfer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestDownloadOutOfOrderScenario(t *testing.T) {
	d := NewDownload("f", 500, false, nil)
	require.Equal(t, 3, d.ExpectedChunks)

	require.NoError(t, d.Add(2, b64(bytes.Repeat([]byte{0x03}, 100))))
	require.NoError(t, d.Add(0, b64(bytes.Repeat([]byte{0x01}, 200))))
	require.NoError(t, d.Add(1, b64(bytes.Repeat([]byte{0x02}, 200))))
	assert.Equal(t, 100, d.Progress())

	sink := NewMemorySink()
	ref, err := d.Finish(sink)
	require.NoError(t, err)
	assert.NoError(t, d.Mismatch())
	assert.Equal(t, int64(500), ref.Size)

	want := append(append(bytes.Repeat([]byte{0x01}, 200), bytes.Repeat([]byte{0x02}, 200)...), bytes.Repeat([]byte{0x03}, 100)...)
	got, ok := sink.Bytes("f")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, DownloadCompleted, d.State())
}

func TestDownloadAnyPermutationReassembles(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	payload := make([]byte, 2345)
	rng.Read(payload)
	n := protocol.ChunkCount(int64(len(payload)))

	for trial := 0; trial < 20; trial++ {
		d := NewDownload("p.bin", int64(len(payload)), false, nil)
		for _, i := range rng.Perm(n) {
			end := min((i+1)*protocol.ChunkSize, len(payload))
			require.NoError(t, d.Add(i, b64(payload[i*protocol.ChunkSize:end])))
		}
		sink := NewMemorySink()
		_, err := d.Finish(sink)
		require.NoError(t, err)
		got, _ := sink.Bytes("p.bin")
		require.Equal(t, payload, got, "trial %d", trial)
	}
}

func TestDownloadSizeMismatchStillDelivers(t *testing.T) {
	d := NewDownload("short", 300, false, nil)
	require.NoError(t, d.Add(0, b64(make([]byte, 200))))

	sink := NewMemorySink()
	ref, err := d.Finish(sink)
	require.NoError(t, err)
	assert.Equal(t, int64(200), ref.Size)
	assert.ErrorIs(t, d.Mismatch(), ErrSizeMismatch)
}

func TestDownloadMissingChunkIsMismatch(t *testing.T) {
	d := NewDownload("gap", 400, false, nil)
	require.NoError(t, d.Add(0, b64(make([]byte, 200))))
	require.NoError(t, d.Add(2, b64(make([]byte, 200))))
	assert.ErrorIs(t, d.Mismatch(), ErrSizeMismatch)
}

func TestDownloadCorruptPayload(t *testing.T) {
	d := NewDownload("f", 10, false, nil)
	err := d.Add(0, "@@not-base64@@")
	assert.ErrorIs(t, err, protocol.ErrCorruptPayload)
}

func TestDownloadDuplicateKeepsFirst(t *testing.T) {
	d := NewDownload("dup", 3, false, nil)
	require.NoError(t, d.Add(0, b64([]byte("abc"))))
	require.NoError(t, d.Add(0, b64([]byte("xyz"))))
	assert.Equal(t, int64(3), d.BytesReceived())

	sink := NewMemorySink()
	_, err := d.Finish(sink)
	require.NoError(t, err)
	got, _ := sink.Bytes("dup")
	assert.Equal(t, []byte("abc"), got)
}

func TestDownloadOverflowIsViolation(t *testing.T) {
	d := NewDownload("f", 100, false, nil)
	require.NoError(t, d.Add(0, b64(make([]byte, 200))))
	err := d.Add(1, b64(make([]byte, 200)))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestDownloadStrictOrder(t *testing.T) {
	d := NewDownload("f", 400, true, nil)
	require.NoError(t, d.Add(0, b64(make([]byte, 200))))
	err := d.Add(2, b64(make([]byte, 200)))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestDownloadEmptyFile(t *testing.T) {
	d := NewDownload("empty", 0, false, nil)
	sink := NewMemorySink()
	ref, err := d.Finish(sink)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ref.Size)
	assert.NoError(t, d.Mismatch())
}

type failingSink struct{}

func (failingSink) Create(string) (Artifact, error) { return nil, errors.New("disk full") }

func TestDownloadSinkFailure(t *testing.T) {
	d := NewDownload("f", 1, false, nil)
	require.NoError(t, d.Add(0, b64([]byte{1})))
	_, err := d.Finish(failingSink{})
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, d.State())

	err = d.Add(1, b64([]byte{1}))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	art, err := WriterSink{W: &buf}.Create("x")
	require.NoError(t, err)
	_, err = art.Write([]byte("hello"))
	require.NoError(t, err)
	ref, err := art.Finalise()
	require.NoError(t, err)
	assert.Equal(t, ArtifactRef{Name: "x", Size: 5}, ref)
	assert.Equal(t, "hello", buf.String())
}
