// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package collection implements the collection queue variant: a thin
// router that has no deque of its own and instead delegates every
// operation to the per-worker straight queue owned by the collection pool,
// grounded on cpp/nucleus/collectionQueue.h/.cpp.
package collection

import (
	"strings"
	"time"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
	"github.com/leaf-ai/nucleus/internal/queue/straight"
)

// WorkerQueues is the subset of the collection pool a CollectionQueue needs
// in order to route operations to the right per-worker queue.
type WorkerQueues interface {
	QueueForPid(pid int) (*straight.StraightQueue, bool)
	QueueForFd(fd int) (*straight.StraightQueue, bool)
	AllQueues() []*straight.StraightQueue
}

// CollectionQueue delegates every BaseQueue operation to the per-worker
// queue addressed by an event's target pid (or, for the fd-addressed
// operations, the worker bound to that fd). Operations like
// ScanForExpiredEvents/GetStatus/DumpQueue iterate every worker's queue.
type CollectionQueue struct {
	name    string
	workers WorkerQueues
	exit    bool
}

// New builds a CollectionQueue fronting workers.
func New(name string, workers WorkerQueues) *CollectionQueue {
	return &CollectionQueue{name: name, workers: workers}
}

// CanExecuteEventDirectly requires e to carry a usable target worker pid;
// an event without one can never be routed, so this reports false rather
// than panicking the caller. Use QueueEvent's error return to learn why a
// routing attempt failed.
func (q *CollectionQueue) CanExecuteEventDirectly(e *event.Event) bool {
	if e.TargetPid <= 1 {
		return false
	}
	wq, ok := q.workers.QueueForPid(e.TargetPid)
	if !ok {
		return false
	}
	return wq.CanExecuteEventDirectly(e)
}

// IsQueueEmpty mirrors collectionQueue::isQueueEmpty: it is only ever
// consulted by feedWorker's shutdown check, so it reports the shutdown
// latch rather than any queue length.
func (q *CollectionQueue) IsQueueEmpty() bool { return q.exit }

// PopAvailableEvent delegates to the queue bound to fd's worker.
func (q *CollectionQueue) PopAvailableEvent(fd int) *event.Event {
	wq, ok := q.workers.QueueForFd(fd)
	if !ok {
		return nil
	}
	return wq.PopAvailableEvent(fd)
}

// QueueEvent routes e to the queue belonging to its target worker pid,
// failing with ErrInvalidTarget if the pid is missing or unknown.
func (q *CollectionQueue) QueueEvent(e *event.Event) error {
	if e.TargetPid <= 1 {
		return queue.ErrInvalidTarget
	}
	wq, ok := q.workers.QueueForPid(e.TargetPid)
	if !ok {
		return queue.ErrInvalidTarget
	}
	return wq.QueueEvent(e)
}

// ScanForExpiredEvents delegates to every worker's queue.
func (q *CollectionQueue) ScanForExpiredEvents() {
	for _, wq := range q.workers.AllQueues() {
		wq.ScanForExpiredEvents()
	}
}

// DumpQueue delegates to every worker's queue.
func (q *CollectionQueue) DumpQueue(reason string) {
	for _, wq := range q.workers.AllQueues() {
		wq.DumpQueue(reason)
	}
}

// ExitWhenDone latches the shutdown flag consulted by IsQueueEmpty.
func (q *CollectionQueue) ExitWhenDone() { q.exit = true }

// ResetStats delegates to every worker's queue.
func (q *CollectionQueue) ResetStats() {
	for _, wq := range q.workers.AllQueues() {
		wq.ResetStats()
	}
}

// SetTime delegates to every worker's queue.
func (q *CollectionQueue) SetTime(now time.Time) {
	for _, wq := range q.workers.AllQueues() {
		wq.SetTime(now)
	}
}

// GetStatus concatenates every worker queue's status line. It does not
// reset any counters; that is left to ResetStats.
func (q *CollectionQueue) GetStatus() string {
	var b strings.Builder
	for _, wq := range q.workers.AllQueues() {
		b.WriteString(wq.GetStatus())
		b.WriteString(",")
	}
	return b.String()
}

// Len sums every worker queue's length, feeding the dispatcher's
// nucleus_queue_list_size gauge.
func (q *CollectionQueue) Len() int {
	total := 0
	for _, wq := range q.workers.AllQueues() {
		total += wq.Len()
	}
	return total
}

// ExpiredCount sums every worker queue's expired count.
func (q *CollectionQueue) ExpiredCount() int64 {
	var total int64
	for _, wq := range q.workers.AllQueues() {
		total += wq.ExpiredCount()
	}
	return total
}

// OverflowCount sums every worker queue's overflow count.
func (q *CollectionQueue) OverflowCount() int64 {
	var total int64
	for _, wq := range q.workers.AllQueues() {
		total += wq.OverflowCount()
	}
	return total
}

// GetStatusKey concatenates every worker queue's status header.
func (q *CollectionQueue) GetStatusKey() string {
	var b strings.Builder
	for _, wq := range q.workers.AllQueues() {
		b.WriteString(wq.GetStatusKey())
		b.WriteString(",")
	}
	return b.String()
}

var _ queue.BaseQueue = (*CollectionQueue)(nil)
