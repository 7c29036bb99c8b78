// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package workerpool supervises the external worker processes a queue
// container dispatches events to, grounded on cpp/nucleus/workerPool.h/.cpp.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/circbuf"
	"github.com/karlmutch/vtclean"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

// tailCapacity bounds how much of a worker's stderr/stdout is retained for
// diagnostics on overrun or crash, matching internal/runner/io.go's
// ReadLast's use of a fixed ring buffer size.
const tailCapacity = 4096

// terminationGrace bounds how long a SIGTERM'd overrunning worker is given
// before the pool escalates to SIGKILL, matching the original's
// signal-then-reap sequence for an unresponsive child.
const terminationGrace = 5 * time.Second

// shrinkGrace bounds how long a worker asked to exit via CMD_EXIT_WHEN_DONE
// (an ordinary pool shrink, not an overrun) is given to drain and exit on
// its own before it is killed as a backstop against a worker that never
// notices the command.
const shrinkGrace = 30 * time.Second

// WorkerDescriptor tracks one live worker process, matching workerDescriptor
// in the original: pid, socket fd, busy/idle state, the in-flight event and
// accumulated timing stats. Owned exclusively by the pool that created it.
type WorkerDescriptor struct {
	Pid int
	Fd  int

	Busy         bool
	Event        *event.Event
	DispatchedAt time.Time
	IdleSince    time.Time
	EventCount   int64
	AccExecTime  time.Duration

	cmd  *exec.Cmd
	tail *circbuf.Buffer
}

// Tail returns the worker's captured recent output, ANSI-cleaned. The crash
// and overrun failure replies do not include it.
func (w *WorkerDescriptor) Tail() string {
	if w.tail == nil {
		return ""
	}
	return string(w.tail.Bytes())
}

func (w *WorkerDescriptor) captureOutput(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, errGo := r.Read(buf)
		if n > 0 {
			cleaned := vtclean.Clean(string(buf[:n]), true)
			w.tail.Write([]byte(cleaned))
		}
		if errGo != nil {
			return
		}
	}
}

// Config is the live, reconfigurable pool configuration. CMD_WORKER_CONF
// events carry a JSON merge patch applied against this struct.
type Config struct {
	NumWorkers  int           `json:"numWorkers"`
	MaxExecTime time.Duration `json:"maxExecTime"`
}

// Spawner starts one worker process, returning its pid, an fd-like id this
// pool will address it by, and the process handle used to signal/wait it.
// Implementations wrap exec.CommandContext the way internal/runner/cmd.go
// drives a training script, with the worker's stdout/stderr funnelled into
// the descriptor's tail buffer.
type Spawner interface {
	Spawn(ctx context.Context) (pid int, fd int, cmd *exec.Cmd, stdout, stderr interface{ Read([]byte) (int, error) }, err kv.Error)
}

// Sender writes an event to a specific worker's socket.
type Sender interface {
	Send(fd int, e *event.Event) kv.Error
}

// Pool is the default worker pool variant: workers are interchangeable and
// served round robin from an idle deque of pids.
type Pool struct {
	name string

	mu        sync.Mutex
	workers   map[int]*WorkerDescriptor // by pid
	workerFds map[int]*WorkerDescriptor // by fd
	idle      []int                     // deque of pids, round robin

	now           time.Time
	cfg           Config
	persistentApp string
	exitWhenDone  bool

	spawner Spawner
	sender  Sender
	log     *nucleuslog.Logger
}

// New builds an empty Pool with the given initial configuration.
func New(name string, cfg Config, spawner Spawner, sender Sender) *Pool {
	return &Pool{
		name:      name,
		workers:   map[int]*WorkerDescriptor{},
		workerFds: map[int]*WorkerDescriptor{},
		cfg:       cfg,
		spawner:   spawner,
		sender:    sender,
		log:       nucleuslog.NewLogger("workerpool." + name),
	}
}

// SetPersistentApp records the name of the long-lived process this pool's
// workers run, matching the persistentApp field read out of a queue
// descriptor. An empty name means workers are one-shot per event.
func (p *Pool) SetPersistentApp(name string) {
	p.mu.Lock()
	p.persistentApp = name
	p.mu.Unlock()
}

// SetTime records the dispatcher's notion of "now" for this maintenance
// pass, matching workerPool::setTime.
func (p *Pool) SetTime(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// AnyAvailable reports whether the idle deque is non-empty, matching the
// parameterless overload of workerPool::anyAvailableWorkers.
func (p *Pool) AnyAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) > 0
}

// IdleFds returns the fds of every currently idle worker, backing
// queueContainer::feedWorker's resetIdleIt/getNextIdleFd iteration.
func (p *Pool) IdleFds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.idle))
	for _, pid := range p.idle {
		if w, ok := p.workers[pid]; ok {
			out = append(out, w.Fd)
		}
	}
	return out
}

// AnyAvailableForEvent matches the baseEvent-taking overload: for the
// default pool this ignores the event entirely, any idle worker will do.
func (p *Pool) AnyAvailableForEvent(e *event.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return -1
	}
	return 0
}

// ExecuteEvent removes the next idle worker (round robin), marks it busy
// and dispatches e to it over its socket, matching workerPool::executeEvent.
func (p *Pool) ExecuteEvent(e *event.Event) (pid int, err kv.Error) {
	p.mu.Lock()
	if len(p.idle) == 0 {
		p.mu.Unlock()
		return 0, kv.NewError("no idle worker available").With("pool", p.name).With("stack", stack.Trace().TrimRuntime())
	}
	pid = p.idle[0]
	p.idle = p.idle[1:]
	w, ok := p.workers[pid]
	if !ok {
		p.mu.Unlock()
		return 0, kv.NewError("idle pid missing from worker map").With("pid", pid).With("stack", stack.Trace().TrimRuntime())
	}
	w.Busy = true
	w.Event = e
	w.DispatchedAt = p.now
	fd := w.Fd
	p.mu.Unlock()

	if errKv := p.sender.Send(fd, e); errKv != nil {
		return pid, errKv
	}
	return pid, nil
}

// ReleaseWorker marks the worker bound to fd idle again and folds the
// completed event's execution time into the pool's running stats, matching
// workerPool::releaseWorker + updateStats.
func (p *Pool) ReleaseWorker(fd int, e *event.Event) (err kv.Error) {
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
	p.idle = append(p.idle, w.Pid)
	return nil
}

// CheckOverrunningWorkers returns every worker whose current event has run
// longer than cfg.MaxExecTime, matching workerPool::checkOverrunningWorkers.
// The caller is responsible for killing and respawning them.
func (p *Pool) CheckOverrunningWorkers() []*WorkerDescriptor {
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

// insertChild records a newly spawned worker in both indices, matching
// workerPool::insertChild, and puts it straight onto the idle deque.
func (p *Pool) insertChild(pid, fd int, cmd *exec.Cmd) *WorkerDescriptor {
	tail, _ := circbuf.NewBuffer(tailCapacity)
	w := &WorkerDescriptor{Pid: pid, Fd: fd, IdleSince: p.now, cmd: cmd, tail: tail}
	p.workers[pid] = w
	p.workerFds[fd] = w
	p.idle = append(p.idle, pid)
	return w
}

// removeChild drops a worker from both indices and the idle deque.
func (p *Pool) removeChild(pid int) {
	w, ok := p.workers[pid]
	if !ok {
		return
	}
	delete(p.workers, pid)
	delete(p.workerFds, w.Fd)
	for i, idlePid := range p.idle {
		if idlePid == pid {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// ResizeWorkerPool spawns or terminates workers until exactly newNum are
// running, matching workerPool::resizeWorkerPool.
func (p *Pool) ResizeWorkerPool(ctx context.Context, newNum int) (err kv.Error) {
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
		if errKv := p.shrinkChild(victim); errKv != nil {
			return errKv
		}
		current--
	}
	p.mu.Lock()
	p.cfg.NumWorkers = newNum
	p.mu.Unlock()
	return nil
}

func (p *Pool) spawnOne(ctx context.Context) (err kv.Error) {
	pid, fd, cmd, stdout, stderr, errKv := p.spawner.Spawn(ctx)
	if errKv != nil {
		return errKv
	}
	p.mu.Lock()
	w := p.insertChild(pid, fd, cmd)
	p.mu.Unlock()
	if stdout != nil {
		go w.captureOutput(stdout)
	}
	if stderr != nil {
		go w.captureOutput(stderr)
	}
	return nil
}

// RespawnChild terminates childPid's process, SIGTERM first with an
// unconditional SIGKILL fallback after terminationGrace, and, if bRespawn is
// set, starts a replacement, matching workerPool::respawnChild. This is the
// path checkOverrunningWorkers drives: the worker has already shown it is
// unresponsive, so there is nothing to gain from asking it to drain.
func (p *Pool) RespawnChild(childPid int, bRespawn bool) (err kv.Error) {
	p.mu.Lock()
	w, ok := p.workers[childPid]
	p.mu.Unlock()
	if !ok {
		return kv.NewError("respawnChild: unknown pid").With("pid", childPid).With("stack", stack.Trace().TrimRuntime())
	}
	terminateWithSignal(w.cmd)

	p.mu.Lock()
	p.removeChild(childPid)
	p.mu.Unlock()

	if !bRespawn {
		return nil
	}
	return p.spawnOne(context.Background())
}

// shrinkChild asks childPid's worker to exit once it drains its own queue
// (CMD_EXIT_WHEN_DONE over its socket) rather than killing it, matching
// workerPool::resizeWorkerPool's shrink path: an ordinary capacity reduction
// is not a sign the worker is unhealthy, so it is given the chance to finish
// whatever it is doing.
func (p *Pool) shrinkChild(childPid int) (err kv.Error) {
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

	p.mu.Lock()
	p.removeChild(childPid)
	p.mu.Unlock()
	return nil
}

// terminateWithSignal sends SIGTERM immediately and escalates to SIGKILL
// after terminationGrace if proc has not exited by then, matching the
// overrun path's kill-an-unresponsive-worker sequence. It never blocks the
// caller: the grace wait happens on its own goroutine.
func terminateWithSignal(proc *exec.Cmd) {
	if proc == nil || proc.Process == nil {
		return
	}
	_ = proc.Process.Signal(syscall.SIGTERM)
	killAfterGrace(proc, terminationGrace)
}

// killAfterGrace escalates to SIGKILL after grace elapses, without sending
// any signal up front: used to back-stop a worker that was asked to exit
// over its own socket (CMD_EXIT_WHEN_DONE) rather than by signal. It never
// blocks the caller: the wait happens on its own goroutine.
func killAfterGrace(proc *exec.Cmd, grace time.Duration) {
	if proc == nil || proc.Process == nil {
		return
	}
	go func() {
		time.Sleep(grace)
		_ = proc.Process.Kill()
	}()
}

// TakeCrashedWorker removes fd's worker from the pool's bookkeeping (its
// process has already exited on its own, detected by the transport's reply
// pipe closing) and returns the event it had in flight, if any, matching
// spec.md §7's WorkerCrash category. ok is false if fd does not belong to a
// worker still tracked by this pool, which is the common case for a planned
// termination (RespawnChild/shrinkChild already removed the bookkeeping
// before the process actually died).
func (p *Pool) TakeCrashedWorker(fd int) (pid int, busy bool, evt *event.Event, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, found := p.workerFds[fd]
	if !found {
		return 0, false, nil, false
	}
	pid, busy, evt = w.Pid, w.Busy, w.Event
	p.removeChild(pid)
	return pid, busy, evt, true
}

// Reconfigure applies a CMD_WORKER_CONF JSON merge patch to the pool's live
// configuration, matching workerPool::reconfigure.
func (p *Pool) Reconfigure(patch []byte) (err kv.Error) {
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

// ExitWhenDone latches the shutdown flag, matching workerPool::exitWhenDone.
func (p *Pool) ExitWhenDone() {
	p.mu.Lock()
	p.exitWhenDone = true
	p.mu.Unlock()
}

// IsIdle reports whether every worker is currently idle, matching
// workerPool::isIdle.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Busy {
			return false
		}
	}
	return true
}

// TermChildren signals every live worker to terminate, matching
// workerPool::termChildren.
func (p *Pool) TermChildren() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
}

// ResetStats zeroes the resettable per-worker counters.
func (p *Pool) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.AccExecTime = 0
		w.EventCount = 0
	}
}

// GetStatus renders one CSV line summarizing pool occupancy plus a host
// resource snapshot, matching workerPool::getStatus but enriched with the
// cpu/mem sampling the dispatcher's /status surface exposes.
func (p *Pool) GetStatus() string {
	p.mu.Lock()
	total := len(p.workers)
	idle := len(p.idle)
	p.mu.Unlock()

	cpuPct := hostCPUPercent()
	memPct := hostMemPercent()
	return fmt.Sprintf("%s,%d,%d,%.1f,%.1f", p.name, total, idle, cpuPct, memPct)
}

// GetStatusKey renders the CSV header matching GetStatus's field order.
func (p *Pool) GetStatusKey() string {
	return "name,totalWorkers,idleWorkers,hostCPUPercent,hostMemPercent"
}

func hostCPUPercent() float64 {
	pcts, errGo := cpu.Percent(0, false)
	if errGo != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

func hostMemPercent() float64 {
	vm, errGo := mem.VirtualMemory()
	if errGo != nil || vm == nil {
		return 0
	}
	return vm.UsedPercent
}

// TotalWorkers reports the current worker count, matching
// workerPool::getTotalWorkers.
func (p *Pool) TotalWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// OwnsFd reports whether fd currently addresses one of this pool's workers,
// letting a shared transport route a reply to the right container without
// carrying a queue name of its own.
func (p *Pool) OwnsFd(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workerFds[fd]
	return ok
}

// IsPersistentApp reports whether this pool's workers run as a long-lived
// process rather than one-shot-per-event, matching workerPool::isPersistentApp.
func (p *Pool) IsPersistentApp() bool { return p.persistentApp != "" }
