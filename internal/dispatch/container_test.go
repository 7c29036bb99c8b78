// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
	"github.com/leaf-ai/nucleus/internal/queue/straight"
	"github.com/leaf-ai/nucleus/internal/workerpool"
)

// fakeRecovery is a queue.RecoveryLog double that records the reason of
// every entry written to it, matching the pattern used by the queue variant
// test files.
type fakeRecovery struct {
	entries []string
}

func (f *fakeRecovery) WriteEntry(e *event.Event, reason string, from string, to string) kv.Error {
	f.entries = append(f.entries, reason)
	return nil
}

// fakePool is a hand-rolled WorkerPool double that tracks idle/busy fds by
// hand rather than spawning real processes, so Container behaviour can be
// exercised without the workerpool package's process-management machinery.
type fakePool struct {
	idle []int
	busy map[int]*event.Event

	nextFd int

	released  []int
	overruns  []*workerpool.WorkerDescriptor
	respawned []respawnCall
	crashed   map[int]crashedWorker

	exitWhenDone bool
	totalWorkers int
}

type crashedWorker struct {
	pid  int
	busy bool
	evt  *event.Event
}

type respawnCall struct {
	pid      int
	bRespawn bool
}

func newFakePool(nIdle int) *fakePool {
	p := &fakePool{busy: map[int]*event.Event{}}
	for i := 0; i < nIdle; i++ {
		p.nextFd++
		p.idle = append(p.idle, p.nextFd)
	}
	p.totalWorkers = nIdle
	return p
}

func (p *fakePool) AnyAvailable() bool { return len(p.idle) > 0 }

func (p *fakePool) AnyAvailableForEvent(e *event.Event) int {
	if len(p.idle) == 0 {
		return -1
	}
	return p.idle[0]
}

func (p *fakePool) IdleFds() []int {
	out := make([]int, len(p.idle))
	copy(out, p.idle)
	return out
}

func (p *fakePool) ExecuteEvent(e *event.Event) (pid int, err kv.Error) {
	if len(p.idle) == 0 {
		return 0, kv.NewError("no idle worker")
	}
	fd := p.idle[0]
	p.idle = p.idle[1:]
	p.busy[fd] = e
	return fd, nil
}

func (p *fakePool) ReleaseWorker(fd int, e *event.Event) kv.Error {
	if _, ok := p.busy[fd]; !ok {
		return kv.NewError("fd not busy").With("fd", fd)
	}
	delete(p.busy, fd)
	p.released = append(p.released, fd)
	p.idle = append(p.idle, fd)
	return nil
}

func (p *fakePool) CheckOverrunningWorkers() []*workerpool.WorkerDescriptor { return p.overruns }

func (p *fakePool) TakeCrashedWorker(fd int) (pid int, busy bool, evt *event.Event, ok bool) {
	w, found := p.crashed[fd]
	if !found {
		return 0, false, nil, false
	}
	delete(p.crashed, fd)
	return w.pid, w.busy, w.evt, true
}

func (p *fakePool) ResizeWorkerPool(ctx context.Context, newNum int) kv.Error {
	p.totalWorkers = newNum
	return nil
}

func (p *fakePool) RespawnChild(pid int, bRespawn bool) kv.Error {
	p.respawned = append(p.respawned, respawnCall{pid: pid, bRespawn: bRespawn})
	return nil
}

func (p *fakePool) Reconfigure(patch []byte) kv.Error { return nil }

func (p *fakePool) ExitWhenDone() { p.exitWhenDone = true }

func (p *fakePool) IsIdle() bool { return len(p.busy) == 0 }

func (p *fakePool) ResetStats() {}

func (p *fakePool) SetTime(now time.Time) {}

func (p *fakePool) GetStatus() string { return "fake" }

func (p *fakePool) GetStatusKey() string { return "fake" }

func (p *fakePool) TotalWorkers() int { return p.totalWorkers }

func (p *fakePool) OwnsFd(fd int) bool {
	if _, ok := p.busy[fd]; ok {
		return true
	}
	for _, idle := range p.idle {
		if idle == fd {
			return true
		}
	}
	return false
}

var _ WorkerPool = (*fakePool)(nil)

func newTestContainer(name string, pool *fakePool) *Container {
	recovery := &fakeRecovery{}
	q := straight.New(name, 10, recovery, queue.ReplierFunc(func(e *event.Event, cause string) {}), false)
	return &Container{
		Name:  name,
		queue: q,
		pool:  pool,
	}
}

func TestContainerSubmitDispatchesDirectlyToIdleWorker(t *testing.T) {
	pool := newFakePool(1)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	e := event.New(event.KindScript, nil, c.now, 0)
	if err := c.SubmitEvent(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.AnyAvailable() {
		t.Fatalf("expected the only idle worker to have been claimed directly")
	}
	if !c.queue.IsQueueEmpty() {
		t.Fatalf("expected nothing to have been queued: event went direct to the worker")
	}
}

func TestContainerSubmitQueuesWhenNoWorkerIdle(t *testing.T) {
	pool := newFakePool(0)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	e := event.New(event.KindScript, nil, c.now, 0)
	if err := c.SubmitEvent(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.queue.IsQueueEmpty() {
		t.Fatalf("expected the event to have been queued with no idle worker available")
	}
}

func TestContainerFeedWorkerDrainsQueueOntoIdleWorkers(t *testing.T) {
	pool := newFakePool(0)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	e := event.New(event.KindScript, nil, c.now, 0)
	if err := c.SubmitEvent(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool.idle = append(pool.idle, 7)
	c.FeedWorker()

	if !c.queue.IsQueueEmpty() {
		t.Fatalf("expected the queued event to have been fed to the newly idle worker")
	}
	if _, ok := pool.busy[7]; !ok {
		t.Fatalf("expected fd 7 to be executing the event")
	}
}

func TestContainerReleaseWorkerRefeedsSameWorker(t *testing.T) {
	pool := newFakePool(1)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	first := event.New(event.KindScript, nil, c.now, 0)
	if err := c.SubmitEvent(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fd, _ := firstBusyFd(pool)

	second := event.New(event.KindScript, nil, c.now, 0)
	if err := c.queue.QueueEvent(second); err != nil {
		t.Fatalf("unexpected error queueing second event: %v", err)
	}

	if err := c.ReleaseWorker(fd, first); err != nil {
		t.Fatalf("unexpected error releasing worker: %v", err)
	}
	if pool.AnyAvailable() {
		t.Fatalf("expected the released worker to have been immediately re-fed from the queue")
	}
	if _, ok := pool.busy[fd]; !ok {
		t.Fatalf("expected fd %d to be executing the second event", fd)
	}
}

func TestContainerExitWhenDoneDrainsThenReportsIdle(t *testing.T) {
	pool := newFakePool(1)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	e := event.New(event.KindScript, nil, c.now, 0)
	if err := c.SubmitEvent(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fd, _ := firstBusyFd(pool)

	c.ExitWhenDone()
	if c.IsIdle() {
		t.Fatalf("expected the container to still be busy before release")
	}

	if err := c.ReleaseWorker(fd, e); err != nil {
		t.Fatalf("unexpected error releasing worker: %v", err)
	}
	if !c.IsIdle() {
		t.Fatalf("expected the container to report idle once its only worker was released")
	}
}

func TestContainerMaintenanceRespawnsOverrunningWorkers(t *testing.T) {
	pool := newFakePool(0)
	pool.overruns = []*workerpool.WorkerDescriptor{{Pid: 42, Fd: 1}}
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	c.Maintenance(context.Background())

	if len(pool.respawned) != 1 || pool.respawned[0].pid != 42 || !pool.respawned[0].bRespawn {
		t.Fatalf("expected worker 42 to have been respawned, got %+v", pool.respawned)
	}
}

func TestContainerMaintenanceDoesNotRespawnWhenExiting(t *testing.T) {
	pool := newFakePool(0)
	pool.overruns = []*workerpool.WorkerDescriptor{{Pid: 42, Fd: 1}}
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())
	c.exitWhenDone = true

	c.Maintenance(context.Background())

	if len(pool.respawned) != 1 || pool.respawned[0].bRespawn {
		t.Fatalf("expected the overrunning worker to be killed but not respawned, got %+v", pool.respawned)
	}
}

func TestContainerHandleCrashRedispatchesLiveEvent(t *testing.T) {
	pool := newFakePool(0)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(100, 0).UTC())

	evt := event.New(event.KindScript, nil, c.now, time.Hour)
	pool.crashed = map[int]crashedWorker{5: {pid: 42, busy: true, evt: evt}}

	if !c.HandleCrash(5) {
		t.Fatalf("expected HandleCrash to report the crash as handled")
	}
	if c.queue.IsQueueEmpty() {
		t.Fatalf("expected the crashed worker's still-live event to be re-queued")
	}
	if len(pool.respawned) != 0 {
		t.Fatalf("expected a crash to grow the pool via ResizeWorkerPool, not RespawnChild")
	}
	if pool.totalWorkers != 1 {
		t.Fatalf("expected the pool to be grown back to 1 worker after the crash, got %d", pool.totalWorkers)
	}
}

func TestContainerHandleCrashDumpsExpiredEvent(t *testing.T) {
	pool := newFakePool(0)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(100, 0).UTC())
	rec := &fakeRecovery{}
	c.recovery = rec

	evt := event.New(event.KindScript, nil, time.Unix(0, 0).UTC(), time.Second)
	pool.crashed = map[int]crashedWorker{5: {pid: 42, busy: true, evt: evt}}

	if !c.HandleCrash(5) {
		t.Fatalf("expected HandleCrash to report the crash as handled")
	}
	if !c.queue.IsQueueEmpty() {
		t.Fatalf("expected the crashed worker's expired event not to be re-queued")
	}
	if len(rec.entries) != 1 || rec.entries[0] != queue.ReasonCrash {
		t.Fatalf("expected the expired event to be dumped to the recovery log as %q, got %v", queue.ReasonCrash, rec.entries)
	}
}

func TestContainerHandleCrashUnknownFdReturnsFalse(t *testing.T) {
	pool := newFakePool(0)
	c := newTestContainer("q1", pool)
	c.SetTime(time.Unix(0, 0).UTC())

	if c.HandleCrash(99) {
		t.Fatalf("expected HandleCrash to report false for an fd this pool never owned")
	}
}

func firstBusyFd(p *fakePool) (int, bool) {
	for fd := range p.busy {
		return fd, true
	}
	return 0, false
}
