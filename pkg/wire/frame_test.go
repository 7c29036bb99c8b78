// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	want := []byte("hello nucleus")
	if err := WriteFrame(buf, want); err != nil {
		t.Fatalf("unexpected error writing frame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error reading frame: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(bufio.NewReader(buf)); err == nil {
		t.Fatalf("expected an error for an oversized frame length")
	}
}
