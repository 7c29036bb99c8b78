// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package batch implements the round-robin batch queue variant, grounded on
// cpp/nucleus/batchQueue.h/.cpp.
//
// Events are submitted with a sub-queue key; key 0 goes straight to the main
// queue, any other key accumulates its own sub-deque. Workers are fed with a
// configurable bias towards the main queue before the sub-queues are
// round-robin sampled.
//
// The original keeps a batchMap (key -> *queue) alongside a batchMapLookup
// reverse map (*queue -> key) purely so dropQueue can recover a queue's key
// from its pointer; that reverse map is itself never populated with
// anything except what dropQueue immediately needs, and its buggy caller
// (batchQueue::dropQueue) reads an uninitialized iterator before assigning
// it. This port replaces the whole pointer-keyed pair with a slab of
// reusable slots addressed by integer handle: a sub-deque's key travels
// with its slot, so dropQueue takes the key directly and the reverse map
// disappears along with the bug.
package batch

import (
	"container/list"
	"fmt"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
)

const (
	defNumSubQueues            = 2
	defEventsInSeqFromMain     = 3
	defEventsInSeqFromSubQueue = 2
)

// slot is one arena entry: a sub-deque of events plus the key it is
// currently bound to. Freed slots are kept on a free list and reused rather
// than letting the slab grow unbounded as sub-queues come and go.
type slot struct {
	key    uint32
	events *list.List
	inUse  bool
}

// intQueue is a plain FIFO of slab handles, replacing the push_front/pop_back
// std::deque<straightQueueT*> idiom the original uses for commonQueue,
// batchOnlyQueue and subQueues: pushing at one end and popping at the other
// is just FIFO order regardless of which end is labelled "front".
type intQueue struct {
	items []int
}

func (q *intQueue) push(h int)   { q.items = append(q.items, h) }
func (q *intQueue) empty() bool  { return len(q.items) == 0 }
func (q *intQueue) len() int     { return len(q.items) }
func (q *intQueue) pop() (h int, ok bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	h = q.items[0]
	q.items = q.items[1:]
	return h, true
}

// BatchQueue is the round-robin batch queue variant.
type BatchQueue struct {
	queue.Base

	slab        []*slot
	freeHandles []int
	byKey       map[uint32]int

	mainQueue    *list.List
	commonQueue  intQueue
	batchOnlyQueue intQueue
	subQueues    intQueue

	listSize int

	numSubQueues                int
	maxEventsFromMainQueue      int
	maxEventsFromSubQueue       int
	numTimesReadFromMainQueue   int
	numTimesReadFromSubQueue    int
	feedingFromMainQueue        bool
}

// Option configures constants New would otherwise default, mirroring the
// options read from the ini file's numSubQueues / maxEventsInSeqFrom* keys.
type Option struct {
	NumSubQueues           int
	MaxEventsFromMainQueue int
	MaxEventsFromSubQueue  int
}

// New builds an empty BatchQueue.
func New(name string, maxLength int, recovery queue.RecoveryLog, reply queue.Replier, bRecovery bool, opt Option) *BatchQueue {
	if opt.NumSubQueues <= 0 {
		opt.NumSubQueues = defNumSubQueues
	}
	if opt.MaxEventsFromMainQueue <= 0 {
		opt.MaxEventsFromMainQueue = defEventsInSeqFromMain
	}
	if opt.MaxEventsFromSubQueue <= 0 {
		opt.MaxEventsFromSubQueue = defEventsInSeqFromSubQueue
	}
	return &BatchQueue{
		Base:                   queue.NewBase(name, maxLength, recovery, reply, bRecovery),
		byKey:                  map[uint32]int{},
		mainQueue:              list.New(),
		numSubQueues:           opt.NumSubQueues,
		maxEventsFromMainQueue: opt.MaxEventsFromMainQueue,
		maxEventsFromSubQueue:  opt.MaxEventsFromSubQueue,
		feedingFromMainQueue:   true,
	}
}

// CanExecuteEventDirectly matches batchQueue's override: only when the
// queue is entirely empty, since a non-empty batch queue must preserve its
// round-robin ordering rather than let an event skip ahead.
func (q *BatchQueue) CanExecuteEventDirectly(e *event.Event) bool { return q.listSize == 0 }

// IsQueueEmpty reports whether any events remain anywhere in the queue.
func (q *BatchQueue) IsQueueEmpty() bool { return q.listSize == 0 }

// Len reports how many events are currently resident across the main and
// sub-queues, feeding the dispatcher's nucleus_queue_list_size gauge.
func (q *BatchQueue) Len() int { return q.listSize }

func (q *BatchQueue) allocHandle(key uint32) int {
	var h int
	if n := len(q.freeHandles); n > 0 {
		h = q.freeHandles[n-1]
		q.freeHandles = q.freeHandles[:n-1]
		s := q.slab[h]
		s.key = key
		s.events = list.New()
		s.inUse = true
	} else {
		h = len(q.slab)
		q.slab = append(q.slab, &slot{key: key, events: list.New(), inUse: true})
	}
	q.byKey[key] = h
	return h
}

// dropQueue releases handle h, bound to key, back to the free list. key is
// passed explicitly by every caller instead of being recovered from a
// reverse lookup map, see the package doc comment.
func (q *BatchQueue) dropQueue(h int, key uint32) {
	delete(q.byKey, key)
	s := q.slab[h]
	s.events = nil
	s.inUse = false
	q.freeHandles = append(q.freeHandles, h)
}

func popFront(l *list.List) *event.Event {
	front := l.Front()
	if front == nil {
		return nil
	}
	l.Remove(front)
	return front.Value.(*event.Event)
}

// QueueEvent files e onto the sub-queue named by its SubQueueKey, creating
// that sub-queue if this is its first event, matching batchQueue::queueEvent.
func (q *BatchQueue) QueueEvent(e *event.Event) error {
	if e.QueueTime.IsZero() {
		e.QueueTime = q.Now
	}

	q.checkQueueOverflow()

	key := e.SubQueueKey
	h, ok := q.byKey[key]
	if !ok {
		h = q.allocHandle(key)
		q.commonQueue.push(h)
	}
	q.slab[h].events.PushBack(e)
	q.listSize++
	return nil
}

func (q *BatchQueue) checkQueueOverflow() {
	if q.BRecovery {
		return
	}
	if q.listSize > q.MaxLength {
		q.dumpAll(queue.ReasonOverflow)
	}
}

// getEventFromMainQueue matches batchQueue::getEventFromMainQueue: mainQueue
// is serviced first (it only ever holds events displaced from a sub-queue
// while searching for the next single-event candidate), then commonQueue is
// scanned for the first queue holding exactly one event or keyed 0 — that
// queue's surplus events (queue 0 may accumulate more than one) spill into
// mainQueue, and every other queue encountered along the way moves to
// batchOnlyQueue as a round-robin candidate.
func (q *BatchQueue) getEventFromMainQueue() *event.Event {
	if q.mainQueue.Len() > 0 {
		return popFront(q.mainQueue)
	}

	for !q.commonQueue.empty() {
		h, _ := q.commonQueue.pop()
		s := q.slab[h]

		if s.events.Len() == 1 || s.key == 0 {
			e := popFront(s.events)
			for s.events.Len() > 0 {
				q.mainQueue.PushBack(popFront(s.events))
			}
			q.dropQueue(h, s.key)
			return e
		}
		q.batchOnlyQueue.push(h)
	}
	return nil
}

// getEventFromSubQueue matches batchQueue::getEventFromSubQueue: it tops up
// subQueues to numSubQueues candidates from batchOnlyQueue/commonQueue, then
// samples one sub-queue per call, round-robining it to the back of
// subQueues if it still has events left.
func (q *BatchQueue) getEventFromSubQueue() *event.Event {
	for q.subQueues.len() < q.numSubQueues && (!q.batchOnlyQueue.empty() || !q.commonQueue.empty()) {
		if !q.batchOnlyQueue.empty() {
			h, _ := q.batchOnlyQueue.pop()
			q.subQueues.push(h)
			continue
		}
		h, _ := q.commonQueue.pop()
		s := q.slab[h]
		if s.events.Len() > 1 && s.key != 0 {
			q.subQueues.push(h)
			continue
		}
		for s.events.Len() > 0 {
			q.mainQueue.PushBack(popFront(s.events))
		}
		q.dropQueue(h, s.key)
	}

	if q.subQueues.empty() {
		return nil
	}

	h, _ := q.subQueues.pop()
	s := q.slab[h]
	e := popFront(s.events)
	if s.events.Len() > 0 {
		q.subQueues.push(h)
	} else {
		q.dropQueue(h, s.key)
	}
	return e
}

// PopAvailableEvent alternates between the main queue and the sub-queues
// with the configured bias, matching batchQueue::popAvailableEvent.
func (q *BatchQueue) PopAvailableEvent(fd int) *event.Event {
	if q.listSize == 0 {
		return nil
	}

	var e *event.Event
	for {
		if q.feedingFromMainQueue {
			e = q.getEventFromMainQueue()
			if e != nil {
				q.listSize--
				e = q.CheckIfEventIsExpired(e)
				q.numTimesReadFromMainQueue++
				if q.numTimesReadFromMainQueue >= q.maxEventsFromMainQueue {
					q.feedingFromMainQueue = false
					q.numTimesReadFromMainQueue = 0
				}
			} else {
				q.feedingFromMainQueue = false
				q.numTimesReadFromMainQueue = 0
			}
		} else {
			e = q.getEventFromSubQueue()
			if e != nil {
				q.listSize--
				e = q.CheckIfEventIsExpired(e)
				q.numTimesReadFromSubQueue++
				if q.numTimesReadFromSubQueue >= q.maxEventsFromSubQueue {
					q.feedingFromMainQueue = true
					q.numTimesReadFromSubQueue = 0
				}
			} else {
				q.feedingFromMainQueue = true
				q.numTimesReadFromSubQueue = 0
			}
		}
		if e != nil || q.listSize == 0 {
			break
		}
	}
	return e
}

// ScanForExpiredEvents walks every slot plus the main queue in place,
// matching straightQueue's in-place scan approach (batchQueue delegates to
// the same philosophy across all of its sub-deques).
func (q *BatchQueue) ScanForExpiredEvents() {
	scanList := func(l *list.List) {
		for el := l.Front(); el != nil; el = el.Next() {
			q.CheckIfEventIsExpired(el.Value.(*event.Event))
		}
	}
	scanList(q.mainQueue)
	for _, s := range q.slab {
		if s != nil && s.inUse {
			scanList(s.events)
		}
	}
}

// DumpQueue spills every event across every sub-deque to the recovery log.
func (q *BatchQueue) DumpQueue(reason string) { q.dumpAll(reason) }

func (q *BatchQueue) dumpAll(reason string) {
	processed := 0

	res := q.Base.DumpList(reason, q.Name, func() *event.Event { return popFront(q.mainQueue) })
	processed += res.Processed

	for !q.subQueues.empty() {
		h, _ := q.subQueues.pop()
		s := q.slab[h]
		res := q.Base.DumpList(reason, q.Name, func() *event.Event { return popFront(s.events) })
		processed += res.Processed
		q.dropQueue(h, s.key)
	}
	for !q.batchOnlyQueue.empty() {
		h, _ := q.batchOnlyQueue.pop()
		s := q.slab[h]
		res := q.Base.DumpList(reason, q.Name, func() *event.Event { return popFront(s.events) })
		processed += res.Processed
		q.dropQueue(h, s.key)
	}
	for !q.commonQueue.empty() {
		h, _ := q.commonQueue.pop()
		s := q.slab[h]
		res := q.Base.DumpList(reason, q.Name, func() *event.Event { return popFront(s.events) })
		processed += res.Processed
		q.dropQueue(h, s.key)
	}

	q.listSize -= processed
	if q.listSize < 0 {
		q.listSize = 0
	}
}

// GetStatus renders one CSV line, matching batchQueue::getStatus's extra
// round-robin counters layered on top of the base queue's fields.
func (q *BatchQueue) GetStatus() string {
	return fmt.Sprintf("%s,%d,%d,%d,%d", q.Name, q.listSize, q.subQueues.len(), len(q.byKey), q.ExpiredCnt)
}

// GetStatusKey renders the CSV header matching GetStatus's field order.
func (q *BatchQueue) GetStatusKey() string {
	return "name,listSize,activeSubQueues,batchKeys,expired"
}

var _ queue.BaseQueue = (*BatchQueue)(nil)
