// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package collection

import (
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue/straight"
)

type fakeRecovery struct{}

func (fakeRecovery) WriteEntry(e *event.Event, reason, from, to string) kv.Error { return nil }

type fakeReplier struct{}

func (fakeReplier) SendFailure(e *event.Event, failureCause string) {}

type fakeWorkerQueues struct {
	byPid map[int]*straight.StraightQueue
	byFd  map[int]*straight.StraightQueue
}

func (f *fakeWorkerQueues) QueueForPid(pid int) (*straight.StraightQueue, bool) {
	q, ok := f.byPid[pid]
	return q, ok
}

func (f *fakeWorkerQueues) QueueForFd(fd int) (*straight.StraightQueue, bool) {
	q, ok := f.byFd[fd]
	return q, ok
}

func (f *fakeWorkerQueues) AllQueues() []*straight.StraightQueue {
	out := make([]*straight.StraightQueue, 0, len(f.byPid))
	for _, q := range f.byPid {
		out = append(out, q)
	}
	return out
}

func TestCollectionQueueRoutesByTargetPid(t *testing.T) {
	q100 := straight.New("w100", 10, fakeRecovery{}, fakeReplier{}, false)
	q200 := straight.New("w200", 10, fakeRecovery{}, fakeReplier{}, false)
	workers := &fakeWorkerQueues{
		byPid: map[int]*straight.StraightQueue{100: q100, 200: q200},
		byFd:  map[int]*straight.StraightQueue{10: q100, 20: q200},
	}
	cq := New("workers", workers)

	now := time.Unix(0, 0).UTC()
	q100.SetTime(now)
	q200.SetTime(now)

	e1 := event.New(event.KindScript, nil, now, 0)
	e1.TargetPid = 100
	e2 := event.New(event.KindScript, nil, now, 0)
	e2.TargetPid = 200
	e3 := event.New(event.KindScript, nil, now, 0)
	e3.TargetPid = 100

	for _, e := range []*event.Event{e1, e2, e3} {
		if err := cq.QueueEvent(e); err != nil {
			t.Fatalf("unexpected error queueing event: %v", err)
		}
	}

	got1 := cq.PopAvailableEvent(10)
	got2 := cq.PopAvailableEvent(10)
	if got1 != e1 || got2 != e3 {
		t.Fatalf("expected worker 100's queue to yield e1 then e3, got %v then %v", got1, got2)
	}

	got3 := cq.PopAvailableEvent(20)
	if got3 != e2 {
		t.Fatalf("expected worker 200's queue to yield e2, got %v", got3)
	}
}

func TestCollectionQueueRejectsMissingTarget(t *testing.T) {
	workers := &fakeWorkerQueues{byPid: map[int]*straight.StraightQueue{}, byFd: map[int]*straight.StraightQueue{}}
	cq := New("workers", workers)

	e := event.New(event.KindScript, nil, time.Unix(0, 0).UTC(), 0)
	if err := cq.QueueEvent(e); err == nil {
		t.Fatalf("expected an error for an event with no target pid")
	}
}
