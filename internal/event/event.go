// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package event defines the unit of work that flows through every queue,
// pool and the recovery log, grounded on cpp/nucleus/baseQueue.h's baseEvent
// contract and cpp/application/recoveryLog.h's on-disk line format.
package event

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/go-stack/stack"
	"github.com/google/uuid"
	"github.com/jjeffery/kv"
)

// Kind identifies how a worker should interpret an event's payload.
type Kind int

const (
	KindScript Kind = iota
	KindPerl
	KindURL
	KindBin
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "SCRIPT"
	case KindPerl:
		return "PERL"
	case KindURL:
		return "URL"
	case KindBin:
		return "BIN"
	case KindCommand:
		return "COMMAND"
	default:
		return "UNKNOWN"
	}
}

// ControlCommand enumerates the management directives carried in a
// KindCommand event's Command field.
type ControlCommand int

const (
	// CmdNone marks a non control event.
	CmdNone ControlCommand = iota
	// CmdEndOfQueue is synthesised by a queue once it has drained and signals
	// a persistent worker it should exit.
	CmdEndOfQueue
	// CmdExitWhenDone is broadcast by the dispatcher during shutdown.
	CmdExitWhenDone
	// CmdWorkerConf carries a JSON merge patch applied to the pool's live
	// configuration (worker count, overrun timeout, ...).
	CmdWorkerConf
	// CmdStatus requests an immediate status push on the management queue.
	CmdStatus
	// CmdReloadCerts is accepted by a container's ReconfigureCmd, which only
	// logs the request; no TLS material is reopened.
	CmdReloadCerts
)

// ManagementEvent is a bitmask of the lifecycle notifications a queue can be
// asked to forward to its managementQueue, taken from optionsNucleus.cpp's
// QMAN_* constants.
type ManagementEvent uint32

const (
	ManPStartup ManagementEvent = 1 << iota
	ManDone
	ManPDied
	ManWStartup
)

// Event is the opaque message owned by exactly one queue or pool at a time.
type Event struct {
	Seq         uint64
	Kind        Kind
	Command     ControlCommand
	ReturnFds   []int
	QueueTime   time.Time
	Lifetime    time.Duration
	ExpiryTime  time.Time
	Expired     bool
	TargetPid   int
	SubQueueKey uint32
	Payload     []byte

	CorrelationID uuid.UUID
	Fingerprint   uint64
}

// New builds an Event queued at queueTime. A zero lifetime means the event
// never expires on its own.
func New(kind Kind, payload []byte, queueTime time.Time, lifetime time.Duration) *Event {
	e := &Event{
		Kind:          kind,
		QueueTime:     queueTime,
		Lifetime:      lifetime,
		Payload:       payload,
		CorrelationID: uuid.New(),
		Fingerprint:   farm.Hash64(payload),
	}
	if lifetime > 0 {
		e.ExpiryTime = queueTime.Add(lifetime)
	}
	return e
}

// NewCommand builds a KindCommand event carrying cmd in its Command field;
// its payload is nil.
func NewCommand(cmd ControlCommand, queueTime time.Time) *Event {
	e := New(KindCommand, nil, queueTime, 0)
	e.Command = cmd
	return e
}

// PushReturnFd records the next hop a reply should be forwarded to.
func (e *Event) PushReturnFd(fd int) {
	e.ReturnFds = append(e.ReturnFds, fd)
}

// PopReturnFd removes and returns the most recently pushed return fd.
func (e *Event) PopReturnFd() (fd int, ok bool) {
	if len(e.ReturnFds) == 0 {
		return 0, false
	}
	last := len(e.ReturnFds) - 1
	fd = e.ReturnFds[last]
	e.ReturnFds = e.ReturnFds[:last]
	return fd, true
}

// IsPastExpiry reports whether now is at or beyond the event's expiry time.
// It does not consult or mutate the Expired flag: Expired records that the
// expiry has already been *acted upon*, not merely that it has passed.
func (e *Event) IsPastExpiry(now time.Time) bool {
	if e.ExpiryTime.IsZero() {
		return false
	}
	return !now.Before(e.ExpiryTime)
}

// MarkExpired latches the expired flag. Once set, the event may only be
// produced to callers as an expired notification and must never execute.
func (e *Event) MarkExpired() {
	e.Expired = true
}

// wire field separator for the recovery log / socket framing, chosen because
// it never appears in a hex-encoded integer or hex-encoded payload.
const fieldSep = "|"

// MarshalHex renders the event as a single line of pipe-separated fields,
// matching the text line format recoveryLog.cpp appends to its log files.
// Seq, the times, the lifetime, the sub-queue key, the fingerprint and the
// payload are hex-encoded; the kind, command, return fds and target pid are
// decimal, and the correlation id is in its canonical UUID form.
func (e *Event) MarshalHex() []byte {
	fds := make([]string, len(e.ReturnFds))
	for i, fd := range e.ReturnFds {
		fds[i] = strconv.Itoa(fd)
	}
	fields := []string{
		strconv.FormatUint(e.Seq, 16),
		strconv.Itoa(int(e.Kind)),
		strconv.Itoa(int(e.Command)),
		strings.Join(fds, ","),
		strconv.FormatInt(e.QueueTime.Unix(), 16),
		strconv.FormatInt(int64(e.Lifetime), 16),
		strconv.FormatInt(e.ExpiryTime.Unix(), 16),
		boolField(e.Expired),
		strconv.Itoa(e.TargetPid),
		strconv.FormatUint(uint64(e.SubQueueKey), 16),
		e.CorrelationID.String(),
		strconv.FormatUint(e.Fingerprint, 16),
		hex.EncodeToString(e.Payload),
	}
	return []byte(strings.Join(fields, fieldSep))
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// UnmarshalHex parses a line produced by MarshalHex, used by the recovery
// log replay path and by the worker socket reader.
func UnmarshalHex(line []byte) (e *Event, err kv.Error) {
	fields := strings.Split(string(line), fieldSep)
	if len(fields) != 13 {
		return nil, kv.NewError("malformed event line").With("fields", len(fields)).With("stack", stack.Trace().TrimRuntime())
	}

	e = &Event{}

	seq, errGo := strconv.ParseUint(fields[0], 16, 64)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "seq").With("stack", stack.Trace().TrimRuntime())
	}
	e.Seq = seq

	kindN, errGo := strconv.Atoi(fields[1])
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "kind").With("stack", stack.Trace().TrimRuntime())
	}
	e.Kind = Kind(kindN)

	cmdN, errGo := strconv.Atoi(fields[2])
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "command").With("stack", stack.Trace().TrimRuntime())
	}
	e.Command = ControlCommand(cmdN)

	if fields[3] != "" {
		for _, fdStr := range strings.Split(fields[3], ",") {
			fd, errGo := strconv.Atoi(fdStr)
			if errGo != nil {
				return nil, kv.Wrap(errGo).With("field", "returnFds").With("stack", stack.Trace().TrimRuntime())
			}
			e.ReturnFds = append(e.ReturnFds, fd)
		}
	}

	queueTime, errGo := strconv.ParseInt(fields[4], 16, 64)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "queueTime").With("stack", stack.Trace().TrimRuntime())
	}
	e.QueueTime = time.Unix(queueTime, 0).UTC()

	lifetime, errGo := strconv.ParseInt(fields[5], 16, 64)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "lifetime").With("stack", stack.Trace().TrimRuntime())
	}
	e.Lifetime = time.Duration(lifetime)

	expiry, errGo := strconv.ParseInt(fields[6], 16, 64)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "expiryTime").With("stack", stack.Trace().TrimRuntime())
	}
	if expiry != 0 {
		e.ExpiryTime = time.Unix(expiry, 0).UTC()
	}

	e.Expired = fields[7] == "1"

	targetPid, errGo := strconv.Atoi(fields[8])
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "targetPid").With("stack", stack.Trace().TrimRuntime())
	}
	e.TargetPid = targetPid

	subQueue, errGo := strconv.ParseUint(fields[9], 16, 32)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "subQueueKey").With("stack", stack.Trace().TrimRuntime())
	}
	e.SubQueueKey = uint32(subQueue)

	correlationID, errGo := uuid.Parse(fields[10])
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "correlationID").With("stack", stack.Trace().TrimRuntime())
	}
	e.CorrelationID = correlationID

	fingerprint, errGo := strconv.ParseUint(fields[11], 16, 64)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "fingerprint").With("stack", stack.Trace().TrimRuntime())
	}
	e.Fingerprint = fingerprint

	payload, errGo := hex.DecodeString(fields[12])
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("field", "payload").With("stack", stack.Trace().TrimRuntime())
	}
	e.Payload = payload

	return e, nil
}

// String renders a short identifier for log lines, never the payload.
func (e *Event) String() string {
	return fmt.Sprintf("event(seq=%d kind=%s sub=%d)", e.Seq, e.Kind, e.SubQueueKey)
}
