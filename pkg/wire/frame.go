// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package wire frames event lines for transport over the worker and
// submission Unix sockets. No length-prefix framing library appears
// anywhere in the example pack, so this one concern stays on the standard
// library's encoding/binary and bufio rather than reaching for a dependency
// that nothing else in the repo would exercise.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// maxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 16 * 1024 * 1024

// WriteFrame writes payload as a single frame: a big-endian uint32 length
// prefix followed by the bytes themselves.
func WriteFrame(w io.Writer, payload []byte) (err kv.Error) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, errGo := w.Write(hdr[:]); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := w.Write(payload); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) (payload []byte, err kv.Error) {
	var hdr [4]byte
	if _, errGo := io.ReadFull(r, hdr[:]); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, kv.NewError("frame exceeds maximum length").With("length", n).With("max", maxFrameLen).With("stack", stack.Trace().TrimRuntime())
	}
	payload = make([]byte, n)
	if _, errGo := io.ReadFull(r, payload); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return payload, nil
}
