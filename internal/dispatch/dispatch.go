// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package dispatch implements the single cooperative event loop that owns
// every QueueContainer and the process-wide RecoveryLog, grounded on the
// orchestration cpp/nucleus/queueContainer.cpp describes but nucleus.cpp
// itself (not carried into original_source/) actually drives.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/ccache"
	"github.com/lthibault/jitterbug"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaf-ai/nucleus/internal/config"
	"github.com/leaf-ai/nucleus/internal/event"
	"github.com/leaf-ai/nucleus/internal/recoverylog"
	"github.com/leaf-ai/nucleus/internal/workerpool"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
)

// submission is a decoded event paired with the name of the queue it
// targets, handed from a socket-reading goroutine to the orchestrator loop.
type submission struct {
	queue string
	evt   *event.Event
}

// release notifies the orchestrator that fd's worker finished evt and may
// be fed again.
type release struct {
	queue string
	fd    int
	evt   *event.Event
}

// Dispatcher owns every Container, the process-wide RecoveryLog, and the
// single goroutine that mutates their state, matching the "mutated only
// from the dispatcher's own execution context" invariant.
type Dispatcher struct {
	cfg      *config.Config
	recovery *recoverylog.RecoveryLog

	containers   map[string]*Container
	defaultQueue string

	submitC  chan submission
	releaseC chan release
	crashC   chan int

	shutdownC chan chan struct{}

	// recovered dedupes replayed recovery log entries by correlation id and
	// sequence number, so resubmitting an overlapping segment of two log
	// files after a crash does not execute the same event twice.
	recovered *ccache.Cache

	// failureSender delivers a failure reply directly back over the fd an
	// event was originally submitted on. It is nil in tests and in any
	// deployment that only ever relies on errorQueue routing.
	failureSender FailureSender

	httpServer *http.Server

	log *nucleuslog.Logger
}

// FailureSender delivers a failure reply for an event back over fd, the
// connection it was originally submitted on, matching the transport layer's
// framed-write path (cmd/nucleus/submission.go's submission listeners).
type FailureSender interface {
	SendFailure(fd int, e *event.Event, failureCause string) kv.Error
}

// New builds a Dispatcher from cfg, opening the process-wide RecoveryLog
// under cfg.StatsDir and constructing one Container per configured queue.
// spawner/sender are shared by every straight/collection pool; a real
// cmd/nucleus wires them to the actual worker-process and socket layer.
func New(cfg *config.Config, spawner workerpool.Spawner, sender workerpool.Sender, bRecovery bool) (d *Dispatcher, err kv.Error) {
	recovery, errKv := recoverylog.New(cfg.StatsDir, 5)
	if errKv != nil {
		return nil, errKv
	}

	d = &Dispatcher{
		cfg:        cfg,
		recovery:   recovery,
		containers: map[string]*Container{},
		submitC:    make(chan submission),
		releaseC:   make(chan release),
		crashC:     make(chan int),
		shutdownC:  make(chan chan struct{}),
		recovered:  ccache.New(ccache.Configure().MaxSize(10000)),
		log:        nucleuslog.NewLogger("dispatch"),
	}

	for name, desc := range cfg.Queues {
		reply := queueReplier{d: d, errorQueue: desc.ErrorQueue}
		c, errKv := NewContainer(desc, recovery, reply, bRecovery, spawner, sender)
		if errKv != nil {
			return nil, errKv
		}
		c.manageSink = d
		d.containers[name] = c
	}
	d.defaultQueue = cfg.DefaultQueue

	for _, c := range d.containers {
		c.maybeNotify(event.ManPStartup)
	}
	return d, nil
}

// SetFailureSender wires s as the return path for a failure reply whose
// event still carries a return fd, letting a real deployment answer the
// submitting connection directly instead of only routing through errorQueue.
func (d *Dispatcher) SetFailureSender(s FailureSender) { d.failureSender = s }

// queueReplier adapts the dispatcher into the queue.Replier a Container's
// queue uses to report events that will never be executed (expired,
// overflowed, dumped, overrun, crashed). If the event still carries a return
// fd and a FailureSender is wired, the reply is delivered directly over that
// fd; otherwise, if this queue names an errorQueue, the event is resubmitted
// there for further handling; failing both, it is just logged. Matches
// errorQueue from spec.md's DATA MODEL.
type queueReplier struct {
	d          *Dispatcher
	errorQueue string
}

func (r queueReplier) SendFailure(e *event.Event, failureCause string) {
	if e == nil {
		return
	}

	if fd, ok := e.PopReturnFd(); ok {
		if r.d.failureSender != nil {
			if errKv := r.d.failureSender.SendFailure(fd, e, failureCause); errKv != nil {
				r.d.log.Warn("failed to deliver failure reply", "cause", failureCause, "seq", e.Seq, "fd", fd, "error", errKv.Error())
			}
			return
		}
		// No transport-level sender wired (e.g. under test): fall through to
		// errorQueue routing rather than silently dropping the reply.
	}

	if r.errorQueue != "" {
		r.d.submitDirect(r.errorQueue, e)
		return
	}

	r.d.log.Debug("event not executed", "cause", failureCause, "seq", e.Seq)
}

// submitDirect hands e straight to queueName's container, bypassing submitC.
// It is only safe to call from the orchestrator's own goroutine: SendFailure
// is always invoked from inside a queue/pool method called by Container,
// itself only ever called from Run's own select loop, so this never races
// with handleSubmit.
func (d *Dispatcher) submitDirect(queueName string, e *event.Event) {
	c := d.containerFor(queueName)
	if c == nil {
		d.log.Warn("submitDirect: no container for queue", "queue", queueName)
		return
	}
	c.SetTime(time.Now())
	if errKv := c.SubmitEvent(e); errKv != nil {
		d.log.Warn("submitDirect: failed to submit", "queue", c.Name, "error", errKv.Error())
	}
}

// NotifyManagement delivers a management notification event to queueName,
// satisfying the ManagementSink interface a Container uses to forward its
// own lifecycle transitions (and CMD_STATUS pushes) to its configured
// managementQueue.
func (d *Dispatcher) NotifyManagement(queueName string, evKind event.Kind, payload []byte) {
	d.submitDirect(queueName, event.New(evKind, payload, time.Now(), 0))
}

// Submit decodes e as targeting queueName and hands it to the orchestrator
// loop, blocking until the loop accepts it or ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, queueName string, e *event.Event) error {
	select {
	case d.submitC <- submission{queue: queueName, evt: e}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release notifies the orchestrator loop that fd's worker finished evt.
func (d *Dispatcher) Release(ctx context.Context, queueName string, fd int, evt *event.Event) error {
	select {
	case d.releaseC <- release{queue: queueName, fd: fd, evt: evt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueForFd reports the name of the container whose pool currently owns fd,
// letting a transport shared across every queue (cmd/nucleus's process
// transport spawns and frames events for every container alike) route a
// worker's reply without having tracked the queue itself.
func (d *Dispatcher) QueueForFd(fd int) (queueName string, ok bool) {
	for name, c := range d.containers {
		if c.pool.OwnsFd(fd) {
			return name, true
		}
	}
	return "", false
}

// ReleaseByFd is Release for a caller that only knows fd, resolving the
// owning queue via QueueForFd first.
func (d *Dispatcher) ReleaseByFd(ctx context.Context, fd int, evt *event.Event) error {
	queueName, ok := d.QueueForFd(fd)
	if !ok {
		return kv.NewError("release: no container owns fd").With("fd", fd).With("stack", stack.Trace().TrimRuntime())
	}
	return d.Release(ctx, queueName, fd, evt)
}

// Crash notifies the orchestrator that fd's reply pipe closed without any
// release having been requested for it: a worker process exited on its own.
// The owning container resolves whether this was a planned termination
// already accounted for (RespawnChild/shrinkChild remove a worker's
// bookkeeping before its process actually dies) or a genuine crash.
func (d *Dispatcher) Crash(ctx context.Context, fd int) error {
	select {
	case d.crashC <- fd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover replays fileToRecover (a RecoveryLog segment left behind by a
// prior crash or shutdown) by resubmitting every entry through Submit, the
// same path external submitters use, matching baseQueue::recover's
// behavior of resubmitting rather than directly re-queuing. Run must
// already be looping in another goroutine: Submit blocks until it is.
//
// Crash-time overflow spills and the final shutdown dump can both land a
// trailing segment of the same events in more than one log file; entries
// are deduped by correlation id plus sequence number so a replay never
// executes the same event twice.
func (d *Dispatcher) Recover(ctx context.Context, fileToRecover string) (processed int, err kv.Error) {
	errKv := d.recovery.Recover(fileToRecover, func(rep recoverylog.Replayed) kv.Error {
		key := fmt.Sprintf("%s:%d", rep.Event.CorrelationID.String(), rep.Event.Seq)
		if item := d.recovered.Get(key); item != nil && !item.Expired() {
			d.log.Debug("recover: skipping already-replayed entry", "key", key)
			return nil
		}
		d.recovered.Set(key, true, time.Hour)

		queueName := rep.To
		if queueName == "" {
			queueName = rep.From
		}
		if errGo := d.Submit(ctx, queueName, rep.Event); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		processed++
		return nil
	})
	if errKv != nil {
		return processed, errKv
	}
	return processed, nil
}

// Run drives the orchestrator's single cooperative loop until ctx is
// cancelled: every container mutation happens here and nowhere else.
// A shutdown request does not block the loop: releases keep flowing through
// handleRelease (a worker finishing its last event is what lets a draining
// container go idle) while submissions stop being accepted.
func (d *Dispatcher) Run(ctx context.Context) {
	stdev := d.cfg.MaintInterval / 10
	if stdev <= 0 {
		stdev = time.Second
	}
	ticker := jitterbug.New(d.cfg.MaintInterval, &jitterbug.Norm{Stdev: stdev})
	defer ticker.Stop()

	var draining bool
	var drainDone chan struct{}
	var drainDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-d.submitC:
			if draining {
				d.log.Warn("submit rejected: dispatcher is draining", "queue", s.queue)
				continue
			}
			d.handleSubmit(s)

		case r := <-d.releaseC:
			d.handleRelease(r)
			if draining && d.allIdle() {
				close(drainDone)
				return
			}

		case fd := <-d.crashC:
			d.handleCrash(fd)
			if draining && d.allIdle() {
				close(drainDone)
				return
			}

		case <-ticker.C:
			if !draining {
				d.maintenance(ctx)
			}

		case done := <-d.shutdownC:
			draining = true
			drainDone = done
			for _, c := range d.containers {
				c.ExitWhenDone()
			}
			if d.allIdle() {
				close(drainDone)
				return
			}
			drainDeadline = time.After(30 * time.Second)

		case <-drainDeadline:
			d.log.Warn("shutdown: timed out waiting for containers to idle")
			close(drainDone)
			return
		}
	}
}

func (d *Dispatcher) allIdle() bool {
	for _, c := range d.containers {
		if !c.IsIdle() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) containerFor(name string) *Container {
	if c, ok := d.containers[name]; ok {
		return c
	}
	if d.defaultQueue != "" {
		return d.containers[d.defaultQueue]
	}
	return nil
}

func (d *Dispatcher) handleSubmit(s submission) {
	c := d.containerFor(s.queue)
	if c == nil {
		d.log.Warn("submit: no container for queue and no default configured", "queue", s.queue)
		return
	}
	eventsSubmitted.WithLabelValues(c.Name).Inc()
	c.SetTime(time.Now())
	if errKv := c.SubmitEvent(s.evt); errKv != nil {
		d.log.Warn("submit failed", "queue", c.Name, "error", errKv.Error())
		return
	}
	eventsDispatched.WithLabelValues(c.Name).Inc()
	c.FeedWorker()
}

func (d *Dispatcher) handleRelease(r release) {
	c := d.containerFor(r.queue)
	if c == nil {
		d.log.Warn("release: no container for queue", "queue", r.queue)
		return
	}
	c.SetTime(time.Now())
	if errKv := c.ReleaseWorker(r.fd, r.evt); errKv != nil {
		d.log.Warn("release failed", "queue", c.Name, "error", errKv.Error())
	}
}

func (d *Dispatcher) handleCrash(fd int) {
	queueName, ok := d.QueueForFd(fd)
	if !ok {
		d.log.Warn("crash: no container owns fd", "fd", fd)
		return
	}
	c := d.containers[queueName]
	c.SetTime(time.Now())
	if !c.HandleCrash(fd) {
		d.log.Warn("crash: fd was already reclaimed by a planned termination", "queue", c.Name, "fd", fd)
	}
}

func (d *Dispatcher) maintenance(ctx context.Context) {
	for _, c := range d.containers {
		c.SetTime(time.Now())
		c.Maintenance(ctx)
	}
}

// Shutdown signals every container to drain (exitWhenDone), blocks until
// every pool is idle or ctx expires, then flushes the RecoveryLog.
func (d *Dispatcher) Shutdown(ctx context.Context) (err kv.Error) {
	done := make(chan struct{})
	select {
	case d.shutdownC <- done:
	case <-ctx.Done():
		return kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	}

	select {
	case <-done:
	case <-ctx.Done():
		return kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	}
	return d.recovery.Close()
}

// ServeHTTP registers the /metrics and /status endpoints on addr and serves
// them until ctx is done, matching the teacher's runPrometheus shape.
func (d *Dispatcher) ServeHTTP(ctx context.Context, addr string) (err kv.Error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", d.statusHandler)

	d.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		d.log.Info("http server listening", "addr", addr)
		if errGo := d.httpServer.ListenAndServe(); errGo != nil && errGo != http.ErrServerClosed {
			d.log.Warn("http server stopped", "error", errGo.Error())
		}
	}()

	go func() {
		<-ctx.Done()
		_ = d.httpServer.Shutdown(context.Background())
	}()

	return nil
}

func (d *Dispatcher) statusHandler(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	for name, c := range d.containers {
		fmt.Fprintf(&b, "%s,%s\n", name, c.GetStatus())
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}
