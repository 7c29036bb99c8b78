// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package straight implements the FIFO queue variant, grounded on
// cpp/nucleus/straightQueue.h/.cpp.
package straight

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
)

// StraightQueue is a plain FIFO deque of events. New events are pushed to
// the front; popAvailableEvent takes from the back, skipping and replying
// to any events found expired along the way.
//
// container/list is used as the backing deque (rather than a slice) so
// scanForExpiredEvents can walk every element in place without disturbing
// pop order, matching straightQueue's use of std::deque iteration; no
// library in the example pack offers a general purpose deque, so this one
// place in the queue layer stays on the standard library.
type StraightQueue struct {
	queue.Base

	mu     sync.Mutex
	events *list.List

	dequeuedCount int64
	queuedCount   int64
}

// New builds an empty StraightQueue bound to recovery and reply.
func New(name string, maxLength int, recovery queue.RecoveryLog, reply queue.Replier, bRecovery bool) *StraightQueue {
	return &StraightQueue{
		Base:   queue.NewBase(name, maxLength, recovery, reply, bRecovery),
		events: list.New(),
	}
}

// CanExecuteEventDirectly is true for every event a straight queue holds:
// there is no per-worker targeting constraint at this layer.
func (q *StraightQueue) CanExecuteEventDirectly(e *event.Event) bool { return true }

// IsQueueEmpty reports whether the deque currently holds any events.
func (q *StraightQueue) IsQueueEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len() == 0
}

// Len reports how many events currently sit in the deque, feeding the
// dispatcher's nucleus_queue_list_size gauge.
func (q *StraightQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

// QueueEvent appends e to the queue, first spilling the entire queue to the
// recovery log with reason "overflow" if accepting it would exceed
// maxLength (unless the queue is in recovery mode, mirroring
// checkQueueOverflow's guard).
func (q *StraightQueue) QueueEvent(e *event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.QueueTime.IsZero() {
		e.QueueTime = q.Now
	}

	if q.events.Len() >= q.MaxLength && !q.BRecovery {
		q.dumpAllLocked(queue.ReasonOverflow)
	}

	q.events.PushFront(e)
	q.queuedCount++
	return nil
}

// PopAvailableEvent removes and returns the oldest live event. Events found
// expired along the way are consumed (with an "expired" reply) and the pop
// retried. If the deque drains to nothing but expired events, nil is
// returned; if bExitWhenDone has latched and the queue is empty, a
// synthetic CMD_END_OF_QUEUE event is returned instead so persistent
// workers can exit cleanly.
func (q *StraightQueue) PopAvailableEvent(fd int) *event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		back := q.events.Back()
		if back == nil {
			if q.ExitWhenDo {
				return event.NewCommand(event.CmdEndOfQueue, q.Now)
			}
			return nil
		}
		e := back.Value.(*event.Event)
		q.events.Remove(back)

		if checked := q.CheckIfEventIsExpired(e); checked == nil {
			continue
		}
		q.dequeuedCount++
		return e
	}
}

// ScanForExpiredEvents walks the deque in place, flagging (and replying to)
// any event whose expiry has passed without removing it from the deque;
// removal mid-deque is deliberately avoided, matching the original's
// comment that subsequent pops shortcut flagged events instead.
func (q *StraightQueue) ScanForExpiredEvents() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.events.Front(); el != nil; el = el.Next() {
		e := el.Value.(*event.Event)
		q.CheckIfEventIsExpired(e)
	}
}

// DumpQueue drains every remaining event to the recovery log with reason.
func (q *StraightQueue) DumpQueue(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dumpAllLocked(reason)
}

func (q *StraightQueue) dumpAllLocked(reason string) {
	q.DumpList(reason, q.Name, func() *event.Event {
		back := q.events.Back()
		if back == nil {
			return nil
		}
		e := back.Value.(*event.Event)
		q.events.Remove(back)
		return e
	})
}

// GetStatus renders one CSV line of live counters, matching
// straightQueue::getStatus.
func (q *StraightQueue) GetStatus() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("%s,%d,%d,%d,%d", q.Name, q.events.Len(), q.queuedCount, q.dequeuedCount, q.ExpiredCnt)
}

// GetStatusKey renders the CSV header matching GetStatus's field order.
func (q *StraightQueue) GetStatusKey() string {
	return "name,listSize,queued,dequeued,expired"
}

var _ queue.BaseQueue = (*StraightQueue)(nil)
