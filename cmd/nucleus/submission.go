// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/dispatch"
	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
	"github.com/leaf-ai/nucleus/pkg/wire"
)

var submissionLog = nucleuslog.NewLogger("submission")

// chownSocket applies group ownership to a freshly created Unix socket file,
// matching spec.md §6's "group ownership is configurable" for the
// submission socket. An empty group name is a no-op.
func chownSocket(path, group string) (err kv.Error) {
	if group == "" {
		return nil
	}
	g, errGo := user.LookupGroup(group)
	if errGo != nil {
		return kv.Wrap(errGo).With("group", group).With("stack", stack.Trace().TrimRuntime())
	}
	gid, errGo := strconv.Atoi(g.Gid)
	if errGo != nil {
		return kv.Wrap(errGo).With("group", group).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = syscall.Chown(path, -1, gid); errGo != nil {
		return kv.Wrap(errGo).With("path", path).With("group", group).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// serveDatagramSubmissions listens on a Unix datagram socket where every
// packet is one event, with the packet boundary itself acting as the frame
// (no length prefix needed), matching spec.md §6's submission socket.
//
// The wire format for an externally submitted event carries no queue name
// (spec.md §6 leaves the submission socket's payload shape unspecified
// beyond "one event per frame"), so every event arriving here is routed
// through the dispatcher's configured default queue.
func serveDatagramSubmissions(ctx context.Context, d *dispatch.Dispatcher, sockPath, group string) (err kv.Error) {
	if sockPath == "" {
		return nil
	}
	os.Remove(sockPath)
	addr, errGo := net.ResolveUnixAddr("unixgram", sockPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", sockPath).With("stack", stack.Trace().TrimRuntime())
	}
	conn, errGo := net.ListenUnixgram("unixgram", addr)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", sockPath).With("stack", stack.Trace().TrimRuntime())
	}
	if errKv := chownSocket(sockPath, group); errKv != nil {
		submissionLog.Warn("failed to chown datagram submission socket", "error", errKv.Error())
	}

	go func() {
		<-ctx.Done()
		conn.Close()
		os.Remove(sockPath)
	}()

	go func() {
		buf := make([]byte, 1<<20)
		for {
			n, errGo := conn.Read(buf)
			if errGo != nil {
				return
			}
			e, errKv := event.UnmarshalHex(buf[:n])
			if errKv != nil {
				submissionLog.Warn("dropped malformed datagram submission", "error", errKv.Error())
				continue
			}
			if errGo := d.Submit(ctx, "", e); errGo != nil {
				submissionLog.Warn("failed to submit datagram event", "error", errGo.Error())
			}
		}
	}()
	return nil
}

// serveStreamSubmissions listens on a Unix stream socket where each
// connection carries a sequence of length-prefixed event frames, matching
// spec.md §6's "stream variant prefixes a length".
func serveStreamSubmissions(ctx context.Context, d *dispatch.Dispatcher, sockPath, group string) (err kv.Error) {
	if sockPath == "" {
		return nil
	}
	os.Remove(sockPath)
	ln, errGo := net.Listen("unix", sockPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", sockPath).With("stack", stack.Trace().TrimRuntime())
	}
	if errKv := chownSocket(sockPath, group); errKv != nil {
		submissionLog.Warn("failed to chown stream submission socket", "error", errKv.Error())
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(sockPath)
	}()

	go func() {
		for {
			conn, errGo := ln.Accept()
			if errGo != nil {
				return
			}
			go serveStreamConn(ctx, d, conn)
		}
	}()
	return nil
}

func serveStreamConn(ctx context.Context, d *dispatch.Dispatcher, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		payload, errKv := wire.ReadFrame(br)
		if errKv != nil {
			return
		}
		e, errKv := event.UnmarshalHex(payload)
		if errKv != nil {
			submissionLog.Warn("dropped malformed stream submission", "error", errKv.Error())
			continue
		}
		if errGo := d.Submit(ctx, "", e); errGo != nil {
			submissionLog.Warn("failed to submit stream event", "error", errGo.Error())
			return
		}
	}
}
