// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package queue defines the contract every queue variant (straight, batch,
// collection) satisfies, plus the expiry and overflow-dump bookkeeping
// shared by all of them. Grounded on cpp/nucleus/baseQueue.h/.cpp.
package queue

import (
	"errors"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

// Reason values tag why an event left a queue without being executed; they
// are also the failureCause strings carried on the reply sent to whoever
// submitted the event.
const (
	ReasonOverflow = "overflow"
	ReasonDumped   = "dumped"
	ReasonExpired  = "expired"
	ReasonOverrun  = "overrun"
	ReasonCrash    = "crashed"
)

// ErrInvalidTarget is returned by a CollectionQueue operation whose event
// does not carry a usable target worker pid.
var ErrInvalidTarget = errors.New("invalid target worker pid")

// ErrWorkerOverrun and ErrWorkerCrash tag the two worker-process failure
// categories of spec.md §7: ReasonOverrun/ReasonCrash are what travels on
// the failure reply to the submitter, these sentinels are what gets logged
// alongside it so callers can errors.Is against the cause rather than
// comparing strings.
var (
	ErrWorkerOverrun = errors.New("worker exceeded its execution time limit")
	ErrWorkerCrash   = errors.New("worker process exited unexpectedly")
)

// BaseQueue is the contract every queue variant (straight, batch,
// collection) satisfies, matching the pure virtual methods of
// cpp/nucleus/baseQueue.h.
type BaseQueue interface {
	CanExecuteEventDirectly(e *event.Event) bool
	IsQueueEmpty() bool
	PopAvailableEvent(fd int) *event.Event
	QueueEvent(e *event.Event) error
	ScanForExpiredEvents()
	DumpQueue(reason string)
	ExitWhenDone()
	ResetStats()
	SetTime(now time.Time)
	GetStatus() string
	GetStatusKey() string
	Len() int
	ExpiredCount() int64
	OverflowCount() int64
}

// Replier sends a reply for an event that will never be executed, matching
// baseQueue::sendResult's failure path. Queue variants only ever use the
// failure leg: the success leg is produced by the worker pool once a
// worker actually answers.
type Replier interface {
	SendFailure(e *event.Event, failureCause string)
}

// ReplierFunc adapts a function to the Replier interface.
type ReplierFunc func(e *event.Event, failureCause string)

func (f ReplierFunc) SendFailure(e *event.Event, failureCause string) { f(e, failureCause) }

// Base holds the bookkeeping every queue variant shares: the current
// dispatcher time, the queue's configured name, whether it is in recovery
// mode (overflow checks and reply emission are suppressed while replaying),
// the shutdown latch, expiry counters and the reply/recovery sinks.
type Base struct {
	Name        string
	MaxLength   int
	Recovery    RecoveryLog
	Reply       Replier
	Now         time.Time
	BRecovery   bool
	ExitWhenDo  bool
	ExpiredCnt  int64
	OverflowCnt int64
	Log         *nucleuslog.Logger
}

// RecoveryLog is satisfied by *recoverylog.RecoveryLog.
type RecoveryLog interface {
	WriteEntry(e *event.Event, reason string, from string, to string) kv.Error
}

// NewBase constructs the shared state for a queue variant.
func NewBase(name string, maxLength int, recovery RecoveryLog, reply Replier, bRecovery bool) Base {
	return Base{
		Name:      name,
		MaxLength: maxLength,
		Recovery:  recovery,
		Reply:     reply,
		BRecovery: bRecovery,
		Log:       nucleuslog.NewLogger("queue." + name),
	}
}

// SetTime records the dispatcher's notion of "now" for this maintenance
// pass, matching baseQueue::setTime.
func (b *Base) SetTime(now time.Time) { b.Now = now }

// ExitWhenDone latches the shutdown flag consulted by popAvailableEvent
// implementations when deciding whether to synthesise CMD_END_OF_QUEUE.
func (b *Base) ExitWhenDone() { b.ExitWhenDo = true }

// ResetStats zeroes the resettable counters, matching baseQueue::resetStats.
func (b *Base) ResetStats() {
	b.ExpiredCnt = 0
	b.OverflowCnt = 0
}

// ExpiredCount reports how many events this queue has discarded for
// exceeding their lifetime since the last ResetStats, feeding the
// dispatcher's nucleus_events_expired counter.
func (b *Base) ExpiredCount() int64 { return b.ExpiredCnt }

// OverflowCount reports how many events this queue has spilled to the
// recovery log for exceeding maxLength since the last ResetStats, feeding
// the dispatcher's nucleus_events_overflowed counter.
func (b *Base) OverflowCount() int64 { return b.OverflowCnt }

// CheckIfEventIsExpired is the single chokepoint for expiry handling,
// matching baseQueue::checkIfEventIsExpired exactly:
//
//   - already flagged expired: discard silently, return nil.
//   - past expiry and not yet flagged: reply with cause "expired" (unless in
//     recovery mode or it has no return fd), flag it, count it, return nil.
//   - otherwise: return e unchanged.
func (b *Base) CheckIfEventIsExpired(e *event.Event) *event.Event {
	if e == nil {
		return nil
	}
	if e.Expired {
		return nil
	}
	if !e.IsPastExpiry(b.Now) {
		return e
	}

	if !b.BRecovery && len(e.ReturnFds) > 0 && b.Reply != nil {
		b.Reply.SendFailure(e, ReasonExpired)
	}
	e.MarkExpired()
	b.ExpiredCnt++
	b.Log.Debug("event expired", "queue", b.Name, "seq", e.Seq)
	return nil
}

// DumpResult reports how many entries a DumpList pass consumed versus how
// many it actually wrote to the recovery log, letting the caller decrement
// its own list-size counter by the former.
type DumpResult struct {
	Processed int
	Written   int
}

// DumpList drains every event out of pop (which must return nil once
// exhausted) to completion: live events are written to the recovery log
// with reason and get a "dumped" reply; already-expired events are skipped;
// past-expiry-but-unflagged events get an "expired" reply via
// CheckIfEventIsExpired. Matches baseQueue's shared dumpList helper.
func (b *Base) DumpList(reason string, from string, pop func() *event.Event) DumpResult {
	res := DumpResult{}
	for {
		e := pop()
		if e == nil {
			break
		}
		res.Processed++

		if e.Expired {
			continue
		}
		if checked := b.CheckIfEventIsExpired(e); checked == nil {
			continue
		}

		if b.Recovery != nil {
			if errGo := b.Recovery.WriteEntry(e, reason, from, ""); errGo != nil {
				b.Log.Warn("failed to write recovery entry", "queue", b.Name, "error", errGo.Error())
			} else {
				res.Written++
			}
		}
		if reason == ReasonOverflow {
			b.OverflowCnt++
		}
		if b.Reply != nil && len(e.ReturnFds) > 0 {
			b.Reply.SendFailure(e, ReasonDumped)
		}
	}
	return res
}
