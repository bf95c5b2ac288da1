package protocol

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestDemuxerSplitsLines(t *testing.T) {
	var d Demuxer
	got := d.Feed([]byte("FILES_START\nFILE:a.txt:10\nFILES_E"))
	want := []string{"FILES_START", "FILE:a.txt:10"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed() = %q, want %q", got, want)
	}
	if d.Buffered() != len("FILES_E") {
		t.Errorf("Buffered() = %d, want %d", d.Buffered(), len("FILES_E"))
	}

	got = d.Feed([]byte("ND\n"))
	if !reflect.DeepEqual(got, []string{"FILES_END"}) {
		t.Errorf("Feed() = %q, want [FILES_END]", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestDemuxerTrimsAndSkipsBlank(t *testing.T) {
	var d Demuxer
	got := d.Feed([]byte("OK:DELETED\r\n\n  \nACK:1 \t\n"))
	want := []string{"OK:DELETED", "ACK:1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestDemuxerNoLineWithoutNewline(t *testing.T) {
	var d Demuxer
	if got := d.Feed([]byte("OK:DELETED")); len(got) != 0 {
		t.Errorf("Feed() = %q, want no lines", got)
	}
	d.Reset()
	if got := d.Feed([]byte("\n")); len(got) != 0 {
		t.Errorf("Feed() after Reset = %q, want no lines", got)
	}
}

// Any split of the same byte stream must produce the same lines.
func TestDemuxerSplitInvariant(t *testing.T) {
	stream := []byte("DOWNLOAD_START:f:500\nCHUNK:2:AwMD\nCHUNK:0:AQEB\r\nCHUNK:1:AgIC\nDOWNLOAD_END:f\npartial")

	var whole Demuxer
	want := whole.Feed(stream)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		var d Demuxer
		var got []string
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			got = append(got, d.Feed(rest[:n])...)
			rest = rest[n:]
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: lines = %q, want %q", trial, got, want)
		}
	}
}

func TestProgressValue(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
		ok   bool
	}{
		{[]byte{42}, 42, true},
		{[]byte{0}, 0, true},
		{[]byte{100, 7}, 100, true},
		{[]byte{250}, 100, true},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ProgressValue(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ProgressValue(%v) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
