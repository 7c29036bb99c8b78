// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package recoverylog implements the durable, append-only overflow and
// crash log every dispatcher instance writes to, grounded on
// cpp/application/recoveryLog.h.
package recoverylog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

const (
	recoveryFilebase = "recovery"
	recoveryDirbase  = "recovery"
)

// fileSeq names the next recovery file on open/rotate, mirroring the
// original's static file-numbering scheme.
var fileSeq atomic.Int64

// entrySeq is recoveryLog::seq: a process-wide, monotonically increasing
// sequence number stamped on every line written by any RecoveryLog instance
// in this process, independent of file rotation. countRecoveryLines (the
// per-instance field below) is "same as seq but resettable", per the
// original's own comment.
var entrySeq atomic.Int64

// RecoveryLog is the durable overflow/crash log for one dispatcher process.
// A new log file is opened at construction and on every rotate/reopen; each
// instance tags its lines with a unique xid so concatenated log files from
// successive process restarts can still be told apart by a reader; Recover
// ignores the tag.
type RecoveryLog struct {
	baseDir     string
	recoveryDir string
	path        string
	instance    xid.ID

	logFilesToKeep int

	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	log *nucleuslog.Logger

	countRecoveryLines atomic.Int32
	countProcessed     int
	countFailed        int
	countIgnored       int
}

// New opens (creating if necessary) the recovery log rooted at baseDir.
func New(baseDir string, logFilesToKeep int) (rl *RecoveryLog, err kv.Error) {
	recoveryDir := filepath.Join(baseDir, recoveryDirbase)
	if errGo := os.MkdirAll(recoveryDir, 0o750); errGo != nil {
		return nil, kv.Wrap(errGo).With("dir", recoveryDir).With("stack", stack.Trace().TrimRuntime())
	}

	rl = &RecoveryLog{
		baseDir:        baseDir,
		recoveryDir:    recoveryDir,
		instance:       xid.New(),
		logFilesToKeep: logFilesToKeep,
		log:            nucleuslog.NewLogger("recoverylog"),
	}
	if errKv := rl.open(); errKv != nil {
		return nil, errKv
	}
	return rl, nil
}

func (rl *RecoveryLog) currentFilename() string {
	return filepath.Join(rl.recoveryDir, fmt.Sprintf("%s.%d.log", recoveryFilebase, fileSeq.Load()))
}

func (rl *RecoveryLog) open() (err kv.Error) {
	rl.path = rl.currentFilename()
	f, errGo := os.OpenFile(rl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", rl.path).With("stack", stack.Trace().TrimRuntime())
	}
	rl.f = f
	rl.w = bufio.NewWriter(f)
	return nil
}

// ReOpen closes and reopens the current log file, used after an external
// logrotate pass moves the current file aside.
func (rl *RecoveryLog) ReOpen() (err kv.Error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if errKv := rl.flushAndClose(); errKv != nil {
		return errKv
	}
	return rl.open()
}

func (rl *RecoveryLog) flushAndClose() (err kv.Error) {
	if rl.w != nil {
		if errGo := rl.w.Flush(); errGo != nil {
			return kv.Wrap(errGo).With("path", rl.path).With("stack", stack.Trace().TrimRuntime())
		}
	}
	if rl.f != nil {
		if errGo := rl.f.Close(); errGo != nil {
			return kv.Wrap(errGo).With("path", rl.path).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// Rotate advances the shared sequence counter so the next WriteEntry targets
// a fresh file, then prunes files beyond logFilesToKeep. It mirrors the
// original's static rotate() except the new repo lets the OS/logrotate own
// the actual file move; this just bumps the sequence and reopens.
func (rl *RecoveryLog) Rotate() (err kv.Error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if errKv := rl.flushAndClose(); errKv != nil {
		return errKv
	}
	fileSeq.Inc()
	if errKv := rl.open(); errKv != nil {
		return errKv
	}
	return rl.prune()
}

func (rl *RecoveryLog) prune() (err kv.Error) {
	if rl.logFilesToKeep <= 0 {
		return nil
	}
	entries, errGo := os.ReadDir(rl.recoveryDir)
	if errGo != nil {
		return kv.Wrap(errGo).With("dir", rl.recoveryDir).With("stack", stack.Trace().TrimRuntime())
	}
	if len(entries) <= rl.logFilesToKeep {
		return nil
	}
	victims := len(entries) - rl.logFilesToKeep
	for i := 0; i < victims; i++ {
		full := filepath.Join(rl.recoveryDir, entries[i].Name())
		if full == rl.path {
			continue
		}
		if errGo := os.Remove(full); errGo != nil {
			rl.log.Warn("failed to prune recovery log", "path", full, "error", errGo.Error())
		}
	}
	return nil
}

// WriteEntry appends one event to the log, tagged with the reason it was
// written (an overflow spill, a crash-time dump, ...), matching
// recoveryLog::writeEntry's (event, error, from, to) shape. The line itself
// is exactly spec.md §6's `<seq>|<reason>|<fromQueue>|<toQueue>|<hexEncodedEvent>`
// — MarshalHex's own output is itself pipe-joined, so it must stay the final
// field of that record. This instance's xid and a wall-clock timestamp are
// appended after a tab, a byte that never appears in either the spec record
// or MarshalHex's output, purely for cross-restart log correlation; Recover
// reads everything up to the first tab as the spec record and ignores the
// rest.
func (rl *RecoveryLog) WriteEntry(e *event.Event, reason string, from string, to string) (err kv.Error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	thisSeq := entrySeq.Inc()
	line := fmt.Sprintf("%d|%s|%s|%s|%s\t%s\t%s\n",
		thisSeq, reason, from, to,
		string(e.MarshalHex()),
		rl.instance.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if _, errGo := rl.w.WriteString(line); errGo != nil {
		return kv.Wrap(errGo).With("path", rl.path).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := rl.w.Flush(); errGo != nil {
		return kv.Wrap(errGo).With("path", rl.path).With("stack", stack.Trace().TrimRuntime())
	}
	rl.countRecoveryLines.Inc()
	return nil
}

// CountRecoveryLines reports the number of entries written since the last
// reset, matching getCountRecoveryLines().
func (rl *RecoveryLog) CountRecoveryLines() int32 {
	return rl.countRecoveryLines.Load()
}

// ResetCountRecoveryLines zeroes the resettable line counter.
func (rl *RecoveryLog) ResetCountRecoveryLines() {
	rl.countRecoveryLines.Store(0)
}

// Replayed is one parsed recovery log line handed back to the caller so it
// can resubmit the event to the right queue.
type Replayed struct {
	Event  *event.Event
	Reason string
	From   string
	To     string
}

// Recover reads fileToRecover line by line, parsing every entry and handing
// it to onEntry, matching initRecovery+recover+finishRecovery's sequence in
// the original. It is the caller's job to resubmit the replayed events.
func (rl *RecoveryLog) Recover(fileToRecover string, onEntry func(Replayed) kv.Error) (err kv.Error) {
	f, errGo := os.Open(fileToRecover)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", fileToRecover).With("stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		rep, errKv := rl.processLine(scanner.Text())
		if errKv != nil {
			rl.countFailed++
			rl.log.Warn("failed to parse recovery log line", "path", fileToRecover, "error", errKv.Error())
			continue
		}
		if rep == nil {
			rl.countIgnored++
			continue
		}
		if errKv := onEntry(*rep); errKv != nil {
			rl.countFailed++
			rl.log.Warn("failed to replay recovery log entry", "path", fileToRecover, "error", errKv.Error())
			continue
		}
		rl.countProcessed++
	}
	if errGo := scanner.Err(); errGo != nil {
		return kv.Wrap(errGo).With("path", fileToRecover).With("stack", stack.Trace().TrimRuntime())
	}
	rl.finishRecovery()
	return nil
}

func (rl *RecoveryLog) processLine(line string) (rep *Replayed, err kv.Error) {
	if line == "" {
		return nil, nil
	}
	// The spec record is everything up to the first tab; the xid/timestamp
	// enrichment this instance appended (if any) follows it and is ignored.
	if idx := indexByte(line, '\t'); idx >= 0 {
		line = line[:idx]
	}

	fields := splitPipes(line, 5)
	if fields == nil {
		return nil, kv.NewError("malformed recovery log line").With("stack", stack.Trace().TrimRuntime())
	}
	e, errKv := event.UnmarshalHex([]byte(fields[4]))
	if errKv != nil {
		return nil, errKv
	}
	return &Replayed{Event: e, Reason: fields[1], From: fields[2], To: fields[3]}, nil
}

// splitPipes splits line into exactly n fields on '|', treating the last
// field as everything remaining so it may itself contain pipes (as
// event.MarshalHex's own output does).
func splitPipes(line string, n int) []string {
	fields := make([]string, 0, n)
	start := 0
	for i := 0; i < n-1; i++ {
		idx := indexByte(line[start:], '|')
		if idx < 0 {
			return nil
		}
		fields = append(fields, line[start:start+idx])
		start += idx + 1
	}
	fields = append(fields, line[start:])
	return fields
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (rl *RecoveryLog) finishRecovery() {
	rl.log.Info("recovery finished",
		"processed", rl.countProcessed,
		"failed", rl.countFailed,
		"ignored", rl.countIgnored,
	)
}

// Close flushes and closes the current log file.
func (rl *RecoveryLog) Close() (err kv.Error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.flushAndClose()
}
