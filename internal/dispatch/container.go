// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/valyala/fastjson"

	"github.com/leaf-ai/nucleus/internal/config"
	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/queue"
	"github.com/leaf-ai/nucleus/internal/queue/batch"
	"github.com/leaf-ai/nucleus/internal/queue/collection"
	"github.com/leaf-ai/nucleus/internal/queue/straight"
	"github.com/leaf-ai/nucleus/internal/workerpool"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

// WorkerPool is the subset of *workerpool.Pool / *workerpool.CollectionPool
// a Container drives, matching the public surface of cpp/nucleus/workerPool.h
// both concrete pool variants implement.
type WorkerPool interface {
	AnyAvailable() bool
	AnyAvailableForEvent(e *event.Event) int
	IdleFds() []int
	ExecuteEvent(e *event.Event) (pid int, err kv.Error)
	ReleaseWorker(fd int, e *event.Event) kv.Error
	CheckOverrunningWorkers() []*workerpool.WorkerDescriptor
	TakeCrashedWorker(fd int) (pid int, busy bool, evt *event.Event, ok bool)
	ResizeWorkerPool(ctx context.Context, newNum int) kv.Error
	RespawnChild(pid int, bRespawn bool) kv.Error
	Reconfigure(patch []byte) kv.Error
	ExitWhenDone()
	IsIdle() bool
	ResetStats()
	SetTime(now time.Time)
	GetStatus() string
	GetStatusKey() string
	TotalWorkers() int
	OwnsFd(fd int) bool
}

// ManagementSink delivers a management notification (a lifecycle bit from
// event.ManagementEvent, or an ad hoc status push) to the queue a
// QueueDescriptor names as its managementQueue, matching the QMAN_* wiring
// described in optionsNucleus.cpp. Implemented by *Dispatcher.
type ManagementSink interface {
	NotifyManagement(queueName string, evKind event.Kind, payload []byte)
}

// Container binds one queue variant to one worker pool and is the single
// entry/exit point for events targeting that queue, grounded on
// cpp/nucleus/queueContainer.h/.cpp.
type Container struct {
	Name string

	desc *config.QueueDescriptor

	queue    queue.BaseQueue
	pool     WorkerPool
	reply    queue.Replier
	recovery queue.RecoveryLog

	manageSink ManagementSink

	now time.Time

	frozen       bool
	shutdown     bool
	exitWhenDone bool
	doneNotified bool

	lastExpired  int64
	lastOverflow int64

	// jsonPeek is reused across submitEvent's debug-log correlation peek.
	// Container state is only ever touched from the single orchestrator
	// goroutine, so a shared, non-thread-safe parser is safe here and avoids
	// allocating one per submitted URL-kind event.
	jsonPeek fastjson.Parser

	log *nucleuslog.Logger
}

var (
	_ WorkerPool = (*workerpool.Pool)(nil)
	_ WorkerPool = (*workerpool.CollectionPool)(nil)
)

// NewContainer builds a Container for desc, wiring a straight/batch/
// collection queue to a matching default/collection pool, matching
// queueContainer::init.
func NewContainer(desc *config.QueueDescriptor, recovery queue.RecoveryLog, reply queue.Replier, bRecovery bool, spawner workerpool.Spawner, sender workerpool.Sender) (c *Container, err kv.Error) {
	c = &Container{
		Name:     desc.Name,
		desc:     desc,
		reply:    reply,
		recovery: recovery,
		log:      nucleuslog.NewLogger("container." + desc.Name),
	}

	cfg := workerpool.Config{NumWorkers: desc.NumWorkers, MaxExecTime: desc.MaxExecTime}

	switch desc.Kind {
	case config.QueueCollection:
		cp := workerpool.NewCollectionPool(desc.Name, cfg, desc.MaxLength, recovery, reply, bRecovery, spawner, sender)
		c.pool = cp
		c.queue = collection.New(desc.Name, cp)

	case config.QueueStraight:
		p := workerpool.New(desc.Name, cfg, spawner, sender)
		p.SetPersistentApp(desc.PersistentApp)
		c.pool = p
		if desc.IsBatch() {
			c.queue = batch.New(desc.Name, desc.MaxLength, recovery, reply, bRecovery, batch.Option{
				NumSubQueues:           desc.NumSubQueues,
				MaxEventsFromMainQueue: desc.MaxEventsInSeqFromMainQueue,
				MaxEventsFromSubQueue:  desc.MaxEventsInSeqFromSubQueue,
			})
		} else {
			c.queue = straight.New(desc.Name, desc.MaxLength, recovery, reply, bRecovery)
		}

	default:
		return nil, kv.NewError("unsupported queue type").With("queue", desc.Name).With("stack", stack.Trace().TrimRuntime())
	}

	return c, nil
}

// SetTime records the dispatcher's notion of "now" for this pass and
// propagates it to the queue and the pool.
func (c *Container) SetTime(now time.Time) {
	c.now = now
	c.queue.SetTime(now)
	c.pool.SetTime(now)
}

// ResizeWorkerPool adjusts this container's pool to newNum workers, firing
// the wStartup/pDied management notifications for the workers it spawns or
// asks to exit.
func (c *Container) ResizeWorkerPool(ctx context.Context, newNum int) kv.Error {
	before := c.pool.TotalWorkers()
	if errKv := c.pool.ResizeWorkerPool(ctx, newNum); errKv != nil {
		return errKv
	}
	switch after := c.pool.TotalWorkers(); {
	case after > before:
		c.maybeNotify(event.ManWStartup)
	case after < before:
		c.maybeNotify(event.ManPDied)
	}
	return nil
}

// SubmitEvent stamps queue time and expiry, then either dispatches e
// directly to an idle matching worker or enqueues it, matching
// queueContainer::submitEvent.
func (c *Container) SubmitEvent(e *event.Event) (err kv.Error) {
	if e == nil {
		return kv.NewError("submitEvent: event is nil").With("queue", c.Name).With("stack", stack.Trace().TrimRuntime())
	}

	e.QueueTime = c.now
	if e.Lifetime > 0 {
		e.ExpiryTime = c.now.Add(e.Lifetime)
	}

	if errKv := c.fillDefaultPayload(e); errKv != nil {
		return errKv
	}

	if !c.frozen {
		okDirect := c.queue.CanExecuteEventDirectly(e)
		fd := c.pool.AnyAvailableForEvent(e)
		if correlation := c.peekCorrelationField(e); correlation != "" {
			c.log.Debug("submitEvent", "queue", c.Name, "okDirect", okDirect, "fd", fd, "correlation", correlation)
		} else {
			c.log.Debug("submitEvent", "queue", c.Name, "okDirect", okDirect, "fd", fd)
		}
		if okDirect && fd != -1 {
			_, errKv := c.pool.ExecuteEvent(e)
			return errKv
		}
	}

	if errGo := c.queue.QueueEvent(e); errGo != nil {
		return kv.Wrap(errGo).With("queue", c.Name).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// fillDefaultPayload renders the queue's defaultScript/defaultUrl template
// into e's payload when the submitter did not supply one of its own,
// matching baseQueue::submitEvent's fallback to the queue descriptor's
// configured default.
func (c *Container) fillDefaultPayload(e *event.Event) kv.Error {
	if len(e.Payload) > 0 || c.desc == nil {
		return nil
	}

	var tmplText string
	switch e.Kind {
	case event.KindScript, event.KindPerl, event.KindBin:
		tmplText = c.desc.DefaultScript
	case event.KindURL:
		tmplText = c.desc.DefaultURL
	default:
		return nil
	}
	if tmplText == "" {
		return nil
	}

	rendered, errKv := renderDefault(c.Name, tmplText, c.Name, e)
	if errKv != nil {
		return errKv
	}
	e.Payload = []byte(rendered)
	return nil
}

// peekCorrelationField reads a "correlation" string field out of a URL-kind
// event's JSON payload for the submit log line, without unmarshalling the
// whole body into a struct. Anything that isn't a top-level JSON object with
// that field yields an empty string rather than an error: this is a logging
// convenience, not validation.
func (c *Container) peekCorrelationField(e *event.Event) string {
	if e.Kind != event.KindURL || len(e.Payload) == 0 {
		return ""
	}
	v, errGo := c.jsonPeek.ParseBytes(e.Payload)
	if errGo != nil {
		return ""
	}
	return string(v.GetStringBytes("correlation"))
}

// FeedWorker pairs idle workers with queued events, matching
// queueContainer::feedWorker. Iterating a snapshot of the currently idle fds
// is sufficient: each fd is fed at most once per call, and executeEvent
// marks it busy immediately so a later pass will see it correctly excluded.
func (c *Container) FeedWorker() {
	if !c.pool.AnyAvailable() {
		return
	}
	if c.queue.IsQueueEmpty() {
		return
	}

	for _, fd := range c.pool.IdleFds() {
		if c.queue.IsQueueEmpty() {
			break
		}
		e := c.queue.PopAvailableEvent(fd)
		if e == nil {
			continue
		}
		if _, errKv := c.pool.ExecuteEvent(e); errKv != nil {
			c.log.Warn("feedWorker: failed to execute event", "queue", c.Name, "error", errKv.Error())
		}
	}
}

// ReleaseWorker returns fd's worker to the idle set, then immediately
// attempts to feed that same worker again, matching
// queueContainer::releaseWorker's collection-pool affinity requirement.
func (c *Container) ReleaseWorker(fd int, e *event.Event) (err kv.Error) {
	if errKv := c.pool.ReleaseWorker(fd, e); errKv != nil {
		return errKv
	}

	if c.frozen {
		c.log.Warn("releaseWorker: queue frozen", "queue", c.Name)
		return nil
	}

	next := c.queue.PopAvailableEvent(fd)
	if next == nil {
		return nil
	}
	if _, errKv := c.pool.ExecuteEvent(next); errKv != nil {
		return errKv
	}
	return nil
}

// ExitWhenDone latches shutdown on the queue and the pool, then drains
// whatever is already queued, matching queueContainer::exitWhenDone.
func (c *Container) ExitWhenDone() {
	c.exitWhenDone = true
	c.queue.ExitWhenDone()
	c.pool.ExitWhenDone()
	c.FeedWorker()
	c.notifyIfDone()
}

// notifyIfDone fires the "done" management notification exactly once, the
// first time this container is observed both draining and idle.
func (c *Container) notifyIfDone() {
	if c.doneNotified || !c.exitWhenDone || !c.pool.IsIdle() {
		return
	}
	c.doneNotified = true
	c.maybeNotify(event.ManDone)
}

// ReconfigureCmd applies a control event addressed to this container's pool,
// matching queueContainer::reconfigureCmd plus the CMD_STATUS/CMD_RELOAD_CERTS
// handling described in spec.md's expanded control command set.
func (c *Container) ReconfigureCmd(cmd *event.Event) kv.Error {
	switch cmd.Command {
	case event.CmdWorkerConf:
		return c.pool.Reconfigure(cmd.Payload)
	case event.CmdStatus:
		c.pushStatus()
		return nil
	case event.CmdReloadCerts:
		c.log.Info("reloadCerts requested", "queue", c.Name)
		return nil
	default:
		c.log.Warn("reconfigureCmd: unable to process command", "queue", c.Name, "command", cmd.Command)
		return nil
	}
}

// maybeNotify forwards kind to this queue's managementQueue if one is
// configured and its managementEvents bitmask has kind set, matching
// optionsNucleus.cpp's per-queue QMAN_* filtering.
func (c *Container) maybeNotify(kind event.ManagementEvent) {
	if c.manageSink == nil || c.desc == nil || c.desc.ManagementQueue == "" {
		return
	}
	if c.desc.ManagementEvents&kind == 0 {
		return
	}
	payload := []byte(fmt.Sprintf(`{"managementEvent":%d,"queue":%q}`, kind, c.Name))
	c.manageSink.NotifyManagement(c.desc.ManagementQueue, c.desc.ManagementEventType, payload)
}

// pushStatus delivers an immediate status snapshot to this queue's
// managementQueue, satisfying a CMD_STATUS request regardless of the
// managementEvents bitmask: a status push was explicitly asked for, not a
// lifecycle transition being filtered.
func (c *Container) pushStatus() {
	if c.manageSink == nil || c.desc == nil || c.desc.ManagementQueue == "" {
		return
	}
	payload := []byte(fmt.Sprintf(`{"status":%q}`, c.GetStatus()))
	c.manageSink.NotifyManagement(c.desc.ManagementQueue, c.desc.ManagementEventType, payload)
}

// Freeze toggles whether this container's pool may accept new direct
// dispatches; unfreezing drains the queue up to totalWorkers times, matching
// queueContainer::freeze.
func (c *Container) Freeze(freeze bool) {
	c.log.Info("freeze", "queue", c.Name, "frozen", freeze)
	if freeze {
		c.frozen = true
		return
	}
	c.frozen = false
	for i := 0; i < c.pool.TotalWorkers(); i++ {
		c.FeedWorker()
	}
}

// ResetStats resets the resettable counters on both the queue and the pool,
// matching queueContainer::resetStats.
func (c *Container) ResetStats() {
	c.queue.ResetStats()
	c.pool.ResetStats()
	c.lastExpired = 0
	c.lastOverflow = 0
}

// Maintenance is driven by the orchestrator's periodic timer: it scans for
// expired events and kills (then, unless shutting down, respawns) any
// overrunning worker, matching queueContainer::maintenance plus the
// checkOverrunningWorkers step described in spec.md §4.4.
func (c *Container) Maintenance(ctx context.Context) {
	c.queue.ScanForExpiredEvents()

	queueListSize.WithLabelValues(c.Name).Set(float64(c.queue.Len()))

	// Both counters can be reset out from under this pass by an explicit
	// ResetStats, which reaches every worker queue of a collection queue
	// too. A drop means the baseline
	// moved, not that events un-expired, so it is resynced rather than
	// added as a negative delta.
	if expired := c.queue.ExpiredCount(); expired >= c.lastExpired {
		eventsExpired.WithLabelValues(c.Name).Add(float64(expired - c.lastExpired))
		c.lastExpired = expired
	} else {
		c.lastExpired = expired
	}
	if overflowed := c.queue.OverflowCount(); overflowed >= c.lastOverflow {
		eventsOverflowed.WithLabelValues(c.Name).Add(float64(overflowed - c.lastOverflow))
		c.lastOverflow = overflowed
	} else {
		c.lastOverflow = overflowed
	}

	for _, w := range c.pool.CheckOverrunningWorkers() {
		c.log.Warn("maintenance: killing overrunning worker", "queue", c.Name, "pid", w.Pid, "cause", queue.ErrWorkerOverrun.Error())
		workerOverruns.WithLabelValues(c.Name).Inc()

		if w.Event != nil && len(w.Event.ReturnFds) > 0 && c.reply != nil {
			c.reply.SendFailure(w.Event, queue.ReasonOverrun)
		}

		if errKv := c.pool.RespawnChild(w.Pid, !c.exitWhenDone); errKv != nil {
			c.log.Warn("maintenance: failed to respawn worker", "queue", c.Name, "pid", w.Pid, "error", errKv.Error())
			continue
		}
		c.maybeNotify(event.ManPDied)
		if !c.exitWhenDone {
			workerRespawns.WithLabelValues(c.Name).Inc()
			c.maybeNotify(event.ManWStartup)
		}
	}

	c.notifyIfDone()
}

// HandleCrash processes an unexpected worker exit detected on fd's reply
// pipe: the event the worker had in flight, if any, is re-dispatched if
// still live or dumped to the recovery log with a "crashed" failure reply
// otherwise, matching spec.md §7's WorkerCrash category. Returns false if fd
// does not belong to this container's pool (including the common case of a
// planned termination that already removed fd's bookkeeping).
func (c *Container) HandleCrash(fd int) bool {
	pid, busy, evt, ok := c.pool.TakeCrashedWorker(fd)
	if !ok {
		return false
	}
	c.log.Warn("worker crashed", "queue", c.Name, "pid", pid, "fd", fd, "cause", queue.ErrWorkerCrash.Error())
	workerCrashes.WithLabelValues(c.Name).Inc()

	if busy && evt != nil {
		if evt.IsPastExpiry(c.now) {
			if c.recovery != nil {
				if errKv := c.recovery.WriteEntry(evt, queue.ReasonCrash, c.Name, ""); errKv != nil {
					c.log.Warn("failed to write recovery entry for crashed worker's event", "queue", c.Name, "error", errKv.Error())
				}
			}
			if c.reply != nil && len(evt.ReturnFds) > 0 {
				c.reply.SendFailure(evt, queue.ReasonCrash)
			}
		} else if errGo := c.queue.QueueEvent(evt); errGo != nil {
			c.log.Warn("failed to re-dispatch crashed worker's event", "queue", c.Name, "error", errGo.Error())
		}
	}

	c.maybeNotify(event.ManPDied)
	if !c.exitWhenDone {
		if errKv := c.pool.ResizeWorkerPool(context.Background(), c.pool.TotalWorkers()+1); errKv != nil {
			c.log.Warn("failed to respawn after crash", "queue", c.Name, "pid", pid, "error", errKv.Error())
		} else {
			workerRespawns.WithLabelValues(c.Name).Inc()
			c.maybeNotify(event.ManWStartup)
		}
	}
	c.FeedWorker()
	return true
}

// IsIdle reports whether every worker in this container's pool is idle,
// used by the orchestrator to decide when a shutdown drain is complete.
func (c *Container) IsIdle() bool { return c.pool.IsIdle() }

// GetStatus renders one CSV line: frozen, shutdown, the queue's status and
// the pool's status, matching queueContainer::getStatus.
func (c *Container) GetStatus() string {
	return boolField(c.frozen) + "," + boolField(c.shutdown) + "," + c.queue.GetStatus() + "," + c.pool.GetStatus()
}

// GetStatusKey renders the CSV header matching GetStatus's field order.
func (c *Container) GetStatusKey() string {
	return "frozen,shutdown," + c.queue.GetStatusKey() + "," + c.pool.GetStatusKey()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
