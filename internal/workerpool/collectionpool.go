// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/circbuf"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
	"github.com/leaf-ai/nucleus/internal/queue/straight"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

// CollectionPool is the individually-addressable worker pool variant:
// every worker owns its own straight queue and its idle state is a
// pid-keyed map rather than a round-robin deque, matching
// cpp/nucleus/collectionPool.h.
type CollectionPool struct {
	name string

	mu        sync.Mutex
	workers   map[int]*WorkerDescriptor
	workerFds map[int]*WorkerDescriptor
	idle      map[int]*WorkerDescriptor
	queues    map[int]*straight.StraightQueue

	now time.Time
	cfg Config

	maxQueueLength int
	recovery       queue.RecoveryLog
	reply          queue.Replier
	bRecovery      bool
	exitWhenDone   bool

	spawner Spawner
	sender  Sender
	log     *nucleuslog.Logger
}

// NewCollectionPool builds an empty CollectionPool.
func NewCollectionPool(name string, cfg Config, maxQueueLength int, recovery queue.RecoveryLog, reply queue.Replier, bRecovery bool, spawner Spawner, sender Sender) *CollectionPool {
	return &CollectionPool{
		name:           name,
		workers:        map[int]*WorkerDescriptor{},
		workerFds:      map[int]*WorkerDescriptor{},
		idle:           map[int]*WorkerDescriptor{},
		queues:         map[int]*straight.StraightQueue{},
		cfg:            cfg,
		maxQueueLength: maxQueueLength,
		recovery:       recovery,
		reply:          reply,
		bRecovery:      bRecovery,
		spawner:        spawner,
		sender:         sender,
		log:            nucleuslog.NewLogger("collectionpool." + name),
	}
}

// QueueForPid satisfies collection.WorkerQueues.
func (p *CollectionPool) QueueForPid(pid int) (*straight.StraightQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[pid]
	return q, ok
}

// QueueForFd satisfies collection.WorkerQueues.
func (p *CollectionPool) QueueForFd(fd int) (*straight.StraightQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workerFds[fd]
	if !ok {
		return nil, false
	}
	q, ok := p.queues[w.Pid]
	return q, ok
}

// AllQueues satisfies collection.WorkerQueues.
func (p *CollectionPool) AllQueues() []*straight.StraightQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*straight.StraightQueue, 0, len(p.queues))
	for _, q := range p.queues {
		out = append(out, q)
	}
	return out
}

// SetTime propagates "now" to the pool and to every worker's queue.
func (p *CollectionPool) SetTime(now time.Time) {
	p.mu.Lock()
	p.now = now
	qs := make([]*straight.StraightQueue, 0, len(p.queues))
	for _, q := range p.queues {
		qs = append(qs, q)
	}
	p.mu.Unlock()
	for _, q := range qs {
		q.SetTime(now)
	}
}

// AnyAvailable reports whether any worker is currently idle, matching
// collectionPool's inherited anyAvailableWorkers() overload.
func (p *CollectionPool) AnyAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) > 0
}

// AnyAvailableForEvent returns the fd of the worker targeted by e if it is
// currently idle, matching collectionPool::anyAvailableWorkers(baseEvent*).
func (p *CollectionPool) AnyAvailableForEvent(e *event.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.idle[e.TargetPid]
	if !ok {
		return -1
	}
	return w.Fd
}

// IdleFds returns the fds of every currently idle worker.
func (p *CollectionPool) IdleFds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.idle))
	for _, w := range p.idle {
		out = append(out, w.Fd)
	}
	return out
}

// AnyAvailableForFd reports whether the worker bound to fd is idle,
// matching collectionPool::anyAvailableWorkers(int).
func (p *CollectionPool) AnyAvailableForFd(fd int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workerFds[fd]
	if !ok {
		return -1
	}
	if _, idle := p.idle[w.Pid]; !idle {
		return -1
	}
	return fd
}

// ExecuteEvent dispatches e to the worker it targets, matching
// collectionPool::executeEvent.
func (p *CollectionPool) ExecuteEvent(e *event.Event) (pid int, err kv.Error) {
	p.mu.Lock()
	w, ok := p.idle[e.TargetPid]
	if !ok {
		p.mu.Unlock()
		return 0, kv.NewError("target worker not idle").With("pid", e.TargetPid).With("pool", p.name).With("stack", stack.Trace().TrimRuntime())
	}
	delete(p.idle, e.TargetPid)
	w.Busy = true
	w.Event = e
	w.DispatchedAt = p.now
	fd := w.Fd
	p.mu.Unlock()

	if errKv := p.sender.Send(fd, e); errKv != nil {
		return w.Pid, errKv
	}
	return w.Pid, nil
}

// ReleaseWorker marks the worker bound to fd idle again, matching
// collectionPool's inherited releaseWorker with the map-based idle set.
func (p *CollectionPool) ReleaseWorker(fd int, e *event.Event) (err kv.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workerFds[fd]
	if !ok {
		return kv.NewError("releaseWorker: unknown fd").With("fd", fd).With("pool", p.name).With("stack", stack.Trace().TrimRuntime())
	}
	if !w.DispatchedAt.IsZero() {
		w.AccExecTime += p.now.Sub(w.DispatchedAt)
	}
	w.EventCount++
	w.Busy = false
	w.Event = nil
	w.IdleSince = p.now
	p.idle[w.Pid] = w
	return nil
}

// CheckOverrunningWorkers returns every worker whose current event has run
// longer than cfg.MaxExecTime, matching workerPool::checkOverrunningWorkers.
func (p *CollectionPool) CheckOverrunningWorkers() []*WorkerDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxExecTime <= 0 {
		return nil
	}
	var overrun []*WorkerDescriptor
	for _, w := range p.workers {
		if w.Busy && p.now.Sub(w.DispatchedAt) > p.cfg.MaxExecTime {
			overrun = append(overrun, w)
		}
	}
	return overrun
}

// ExitWhenDone latches the shutdown flag, matching workerPool::exitWhenDone.
func (p *CollectionPool) ExitWhenDone() {
	p.mu.Lock()
	p.exitWhenDone = true
	p.mu.Unlock()
}

// IsIdle reports whether every worker is currently idle.
func (p *CollectionPool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Busy {
			return false
		}
	}
	return true
}

// ResetStats zeroes the resettable per-worker counters.
func (p *CollectionPool) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.AccExecTime = 0
		w.EventCount = 0
	}
}

// TotalWorkers reports the current worker count.
func (p *CollectionPool) TotalWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// OwnsFd reports whether fd currently addresses one of this pool's workers,
// letting a shared transport route a reply to the right container without
// carrying a queue name of its own.
func (p *CollectionPool) OwnsFd(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workerFds[fd]
	return ok
}

// spawnOne starts a new worker and gives it its own straight queue.
func (p *CollectionPool) spawnOne(ctx context.Context) (err kv.Error) {
	pid, fd, cmd, stdout, stderr, errKv := p.spawner.Spawn(ctx)
	if errKv != nil {
		return errKv
	}

	tail, _ := circbuf.NewBuffer(tailCapacity)
	w := &WorkerDescriptor{Pid: pid, Fd: fd, IdleSince: p.now, cmd: cmd, tail: tail}

	p.mu.Lock()
	p.workers[pid] = w
	p.workerFds[fd] = w
	p.idle[pid] = w
	p.queues[pid] = straight.New(fmt.Sprintf("%s.%d", p.name, pid), p.maxQueueLength, p.recovery, p.reply, p.bRecovery)
	p.mu.Unlock()

	if stdout != nil {
		go w.captureOutput(stdout)
	}
	if stderr != nil {
		go w.captureOutput(stderr)
	}
	return nil
}

// ResizeWorkerPool spawns or terminates workers until exactly newNum are
// running.
func (p *CollectionPool) ResizeWorkerPool(ctx context.Context, newNum int) (err kv.Error) {
	p.mu.Lock()
	current := len(p.workers)
	p.mu.Unlock()

	for current < newNum {
		if errKv := p.spawnOne(ctx); errKv != nil {
			return errKv
		}
		current++
	}
	for current > newNum {
		p.mu.Lock()
		var victim int
		for pid := range p.workers {
			victim = pid
			break
		}
		p.mu.Unlock()
		if victim == 0 {
			break
		}
		p.shrinkChild(victim)
		current--
	}
	p.mu.Lock()
	p.cfg.NumWorkers = newNum
	p.mu.Unlock()
	return nil
}

// RespawnChild terminates childPid's process (SIGTERM, escalating to SIGKILL
// after terminationGrace) and, if bRespawn is set, starts a replacement with
// a fresh per-worker queue, matching workerPool::respawnChild. This is the
// path checkOverrunningWorkers drives: the worker has already shown it is
// unresponsive.
func (p *CollectionPool) RespawnChild(childPid int, bRespawn bool) (err kv.Error) {
	p.mu.Lock()
	w, ok := p.workers[childPid]
	p.mu.Unlock()
	if !ok {
		return kv.NewError("respawnChild: unknown pid").With("pid", childPid).With("stack", stack.Trace().TrimRuntime())
	}
	terminateWithSignal(w.cmd)
	p.removeChild(childPid)

	if !bRespawn {
		return nil
	}
	return p.spawnOne(context.Background())
}

// shrinkChild asks childPid's worker to exit once it drains its own queue
// (CMD_EXIT_WHEN_DONE over its socket) rather than killing it, matching
// workerPool::resizeWorkerPool's shrink path.
func (p *CollectionPool) shrinkChild(childPid int) (err kv.Error) {
	p.mu.Lock()
	w, ok := p.workers[childPid]
	p.mu.Unlock()
	if !ok {
		return kv.NewError("shrinkChild: unknown pid").With("pid", childPid).With("stack", stack.Trace().TrimRuntime())
	}
	if errKv := p.sender.Send(w.Fd, event.NewCommand(event.CmdExitWhenDone, p.now)); errKv != nil {
		p.log.Warn("shrinkChild: failed to send exit-when-done, killing instead", "pid", childPid, "error", errKv.Error())
		terminateWithSignal(w.cmd)
	} else {
		killAfterGrace(w.cmd, shrinkGrace)
	}
	p.removeChild(childPid)
	return nil
}

// removeChild drops pid from every index, dumping its dedicated queue's
// remaining backlog to the recovery log first: no other worker can serve a
// collection queue's per-pid backlog once that pid is gone.
func (p *CollectionPool) removeChild(pid int) {
	p.mu.Lock()
	w, ok := p.workers[pid]
	var q *straight.StraightQueue
	if ok {
		q = p.queues[pid]
		delete(p.workers, pid)
		delete(p.workerFds, w.Fd)
		delete(p.idle, pid)
		delete(p.queues, pid)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if q != nil {
		q.DumpQueue(queue.ReasonDumped)
	}
}

// TakeCrashedWorker removes fd's worker from the pool's bookkeeping (its
// process has already exited on its own) and returns the event it had in
// flight, if any, matching spec.md §7's WorkerCrash category. ok is false if
// fd does not belong to a worker still tracked by this pool, the common case
// for a planned termination (RespawnChild/shrinkChild already removed the
// bookkeeping before the process actually died).
func (p *CollectionPool) TakeCrashedWorker(fd int) (pid int, busy bool, evt *event.Event, ok bool) {
	p.mu.Lock()
	w, found := p.workerFds[fd]
	if !found {
		p.mu.Unlock()
		return 0, false, nil, false
	}
	pid, busy, evt = w.Pid, w.Busy, w.Event
	p.mu.Unlock()

	p.removeChild(pid)
	return pid, busy, evt, true
}

// Reconfigure applies a CMD_WORKER_CONF JSON merge patch to the pool's live
// configuration, matching workerPool::reconfigure.
func (p *CollectionPool) Reconfigure(patch []byte) (err kv.Error) {
	p.mu.Lock()
	current := p.cfg
	p.mu.Unlock()

	cur, errGo := json.Marshal(current)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	merged, errGo := jsonpatch.MergePatch(cur, patch)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	var next Config
	if errGo = json.Unmarshal(merged, &next); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	p.mu.Lock()
	p.cfg = next
	p.mu.Unlock()
	return nil
}

// GetStatus renders one CSV line summarizing pool occupancy.
func (p *CollectionPool) GetStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s,%d,%d", p.name, len(p.workers), len(p.idle))
}

// GetStatusKey renders the CSV header matching GetStatus's field order.
func (p *CollectionPool) GetStatusKey() string {
	return "name,totalWorkers,idleWorkers"
}
