// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
	"github.com/leaf-ai/nucleus/pkg/wire"
)

// releaser is the subset of *dispatch.Dispatcher the process transport needs
// to hand a worker's reply back to the orchestrator loop.
type releaser interface {
	ReleaseByFd(ctx context.Context, fd int, evt *event.Event) error
	Crash(ctx context.Context, fd int) error
}

// workerConn is the live connection to one spawned worker: stdin carries
// framed events out, the reply pipe carries framed replies back. Regular
// stdout/stderr are left for workerpool.Pool to drain into its diagnostic
// tail buffer, matching the Spawner contract's "stdout/stderr funnelled into
// the descriptor's tail buffer" — the actual protocol never touches them.
type workerConn struct {
	stdin io.WriteCloser
}

// processTransport is the real workerpool.Spawner/workerpool.Sender pair
// wired into every Container by cmd/nucleus: each worker is a child process
// of workerBin, framed with pkg/wire over stdin (core to worker) and a
// dedicated pipe inherited as the child's third file descriptor (worker to
// core), grounded on internal/runner/cmd.go's exec.CommandContext pattern.
// The socket transport framing itself is explicitly left unspecified by the
// core's contract, so this is cmd/nucleus's own choice of wire shape.
type processTransport struct {
	workerBin string
	release   releaser

	mu     sync.Mutex
	nextFd int
	conns  map[int]*workerConn

	log *nucleuslog.Logger
}

func newProcessTransport(workerBin string, release releaser) *processTransport {
	return &processTransport{
		workerBin: workerBin,
		release:   release,
		conns:     map[int]*workerConn{},
		log:       nucleuslog.NewLogger("transport"),
	}
}

// Spawn starts one worker process, wiring its stdin to the framed event
// writer and giving it an inherited reply pipe at fd 3.
func (t *processTransport) Spawn(ctx context.Context) (pid int, fd int, cmd *exec.Cmd, stdout, stderr interface {
	Read([]byte) (int, error)
}, err kv.Error) {
	repR, repW, errGo := os.Pipe()
	if errGo != nil {
		return 0, 0, nil, nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	c := exec.CommandContext(ctx, t.workerBin)
	c.ExtraFiles = []*os.File{repW}

	stdin, errGo := c.StdinPipe()
	if errGo != nil {
		repR.Close()
		repW.Close()
		return 0, 0, nil, nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	stdoutPipe, errGo := c.StdoutPipe()
	if errGo != nil {
		repR.Close()
		repW.Close()
		return 0, 0, nil, nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	stderrPipe, errGo := c.StderrPipe()
	if errGo != nil {
		repR.Close()
		repW.Close()
		return 0, 0, nil, nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if errGo = c.Start(); errGo != nil {
		repR.Close()
		repW.Close()
		return 0, 0, nil, nil, nil, kv.Wrap(errGo).With("worker", t.workerBin).With("stack", stack.Trace().TrimRuntime())
	}
	// The child has its own duplicate of the write end now; the parent only
	// ever reads from repR.
	repW.Close()

	t.mu.Lock()
	t.nextFd++
	fd = t.nextFd
	t.conns[fd] = &workerConn{stdin: stdin}
	t.mu.Unlock()

	go t.readReplies(ctx, fd, repR)

	return c.Process.Pid, fd, c, stdoutPipe, stderrPipe, nil
}

// readReplies drains fd's reply pipe until it closes (the worker exited or
// was killed), handing each decoded event back to the dispatcher as a
// release. A frame with no event payload still releases the worker: a bare
// failure marker with nothing further to report.
func (t *processTransport) readReplies(ctx context.Context, fd int, r *os.File) {
	defer r.Close()
	defer func() {
		t.mu.Lock()
		delete(t.conns, fd)
		t.mu.Unlock()
	}()

	br := bufio.NewReader(r)
	for {
		payload, errKv := wire.ReadFrame(br)
		if errKv != nil {
			// The reply pipe closed because the worker process exited, either
			// because the dispatcher planned that (RespawnChild/shrinkChild
			// already reclaimed its bookkeeping before this read unblocked) or
			// because it crashed on its own. Crash lets the owning container
			// tell the two apart.
			if errGo := t.release.Crash(ctx, fd); errGo != nil {
				t.log.Warn("failed to report worker exit", "fd", fd, "error", errGo.Error())
			}
			return
		}
		var result *event.Event
		if len(payload) > 1 {
			result, errKv = event.UnmarshalHex(payload[1:])
			if errKv != nil {
				t.log.Warn("failed to decode worker reply", "fd", fd, "error", errKv.Error())
				continue
			}
		}
		if errGo := t.release.ReleaseByFd(ctx, fd, result); errGo != nil {
			t.log.Warn("failed to release worker after reply", "fd", fd, "error", errGo.Error())
		}
	}
}

// Send frames e as a length-prefixed hex line onto fd's worker stdin,
// matching the submission socket's own per-event frame shape.
func (t *processTransport) Send(fd int, e *event.Event) kv.Error {
	t.mu.Lock()
	conn, ok := t.conns[fd]
	t.mu.Unlock()
	if !ok {
		return kv.NewError("send: no connection for fd").With("fd", fd).With("stack", stack.Trace().TrimRuntime())
	}
	return wire.WriteFrame(conn.stdin, e.MarshalHex())
}
