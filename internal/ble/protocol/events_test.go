package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Event
	}{
		{"FILES_START", FilesStart{}},
		{"FILE:a.txt:10", FileEntry{FileRecord{Name: "a.txt", Size: 10}}},
		{"FILE:b.bin:2048", FileEntry{FileRecord{Name: "b.bin", Size: 2048}}},
		{"FILES_END", FilesEnd{}},
		{"FILES_END:2", FilesEnd{}},
		{"OK:DELETED", Deleted{}},
		{"OK:UPLOAD_COMPLETE", UploadComplete{}},
		{"OK:UPLOAD_COMPLETE:foo", UploadComplete{}},
		{"DOWNLOAD_START:f:500", DownloadStart{Name: "f", Size: 500}},
		{"CHUNK:2:AwM=", Chunk{Index: 2, Payload: "AwM="}},
		{"CHUNK:0:", Chunk{Index: 0, Payload: ""}},
		{"DOWNLOAD_END:f", DownloadEnd{Name: "f"}},
		{"DOWNLOAD_END:", DownloadEnd{}},
		{"ACK:3", Ack{Detail: "3"}},
		{"ERROR:FILE_NOT_FOUND", ErrorReply{Code: "FILE_NOT_FOUND"}},
		{`LORA_CONFIG:{"bw":250}`, RadioConfigReport{Raw: `{"bw":250}`}},
		{"OK:LORA_CONFIG_SET", RadioConfigApplied{}},
		{"OK:TX_STARTING", TxStarting{}},
		{"TX_STATUS:25/100:0", TxStatus{Done: 25, Total: 100}},
		{"TX_STATUS:100/100:3", TxStatus{Done: 100, Total: 100, Retries: 3}},
		{"TX_STATUS:4/9", TxStatus{Done: 4, Total: 9}},
		{"TX_COMPLETE:51200:42:9.76", TxComplete{Size: 51200, Seconds: 42, Kbps: 9.76}},
		{"TX_FAILED:timeout", TxFailed{Reason: "timeout"}},
		{"RX_START:pic.jpg:4096", RxStart{Name: "pic.jpg", Size: 4096}},
		{"RX_STATUS:3/8", RxStatus{Done: 3, Total: 8}},
		{"RX_COMPLETE:pic.jpg:4096:12.5", RxComplete{Name: "pic.jpg", Size: 4096, Seconds: 12.5}},
		{"RX_FAILED:crc", RxFailed{Reason: "crc"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"FILE:noseparator",
		"FILE:a.txt:big",
		"DOWNLOAD_START:f:-1",
		"CHUNK:x:AAAA",
		"CHUNK:3",
		"TX_STATUS:25",
		"TX_STATUS:25/100:x",
		"TX_COMPLETE:1:2",
		"RX_STATUS:a/b",
		"RX_COMPLETE:name:1",
		"ERROR:",
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrProtocolViolation, line)
	}
}

func TestParseLineUnknown(t *testing.T) {
	for _, line := range []string{"HELLO", "OK:SOMETHING_ELSE", "CMD:LIST"} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrUnknownLine, line)
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 25, TxStatus{Done: 25, Total: 100}.Percent())
	assert.Equal(t, 100, TxStatus{Done: 120, Total: 100}.Percent())
	assert.Equal(t, 0, RxStatus{Done: 3, Total: 0}.Percent())
	assert.Equal(t, 37, RxStatus{Done: 3, Total: 8}.Percent())
}
