// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatch

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/config"
	"github.com/leaf-ai/nucleus/internal/event"
)

type dtSpawner struct {
	nextPid int
	nextFd  int
}

func (s *dtSpawner) Spawn(ctx context.Context) (pid int, fd int, cmd *exec.Cmd, stdout, stderr interface {
	Read([]byte) (int, error)
}, err kv.Error) {
	s.nextPid++
	s.nextFd++
	return s.nextPid, s.nextFd, nil, nil, nil, nil
}

type dtSender struct {
	sent []int
}

func (s *dtSender) Send(fd int, e *event.Event) kv.Error {
	s.sent = append(s.sent, fd)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ActiveQueues:  []string{"default"},
		DefaultQueue:  "default",
		MaintInterval: time.Hour,
		StatsDir:      t.TempDir(),
		Queues: map[string]*config.QueueDescriptor{
			"default": {
				Name:        "default",
				Kind:        config.QueueStraight,
				MaxLength:   10,
				MaxExecTime: time.Minute,
				NumWorkers:  1,
			},
		},
	}
}

func TestDispatcherSubmitDispatchesToWorker(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	e := event.New(event.KindScript, nil, time.Now(), 0)
	if err := d.Submit(submitCtx, "default", e); err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one event dispatched to a worker, got %d", len(sender.sent))
	}
}

func TestDispatcherSubmitFallsBackToDefaultQueue(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	e := event.New(event.KindScript, nil, time.Now(), 0)
	if err := d.Submit(submitCtx, "unconfigured-queue", e); err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the event to have been routed via defaultQueue, got %d sends", len(sender.sent))
	}
}

func TestDispatcherShutdownWaitsForReleaseThenDrains(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	e := event.New(event.KindScript, nil, time.Now(), 0)
	if err := d.Submit(submitCtx, "default", e); err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the event to have been dispatched before shutdown, got %d sends", len(sender.sent))
	}

	shutdownDone := make(chan kv.Error, 1)
	go func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		shutdownDone <- d.Shutdown(shutdownCtx)
	}()

	// Give Shutdown a moment to reach the orchestrator and latch draining
	// before the worker's release arrives; the drain must not complete
	// until the release below lands.
	time.Sleep(10 * time.Millisecond)

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
	defer releaseCancel()
	if err := d.Release(releaseCtx, "default", sender.sent[0], e); err != nil {
		t.Fatalf("unexpected error releasing worker: %v", err)
	}

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("unexpected error shutting down: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("shutdown did not complete after the release it was waiting for")
	}
}

// TestDispatcherCrashRedispatchesLiveEventAndRespawns covers an unplanned
// worker exit detected on its reply pipe (Crash), confirming the event it
// held gets resubmitted and the pool is kept at its configured size.
func TestDispatcherCrashRedispatchesLiveEventAndRespawns(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	e := event.New(event.KindScript, nil, time.Now(), time.Hour)
	if err := d.Submit(submitCtx, "default", e); err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the event to have been dispatched before the crash, got %d sends", len(sender.sent))
	}
	fd := sender.sent[0]

	crashCtx, crashCancel := context.WithTimeout(context.Background(), time.Second)
	defer crashCancel()
	if err := d.Crash(crashCtx, fd); err != nil {
		t.Fatalf("unexpected error reporting crash: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for len(sender.sent) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected the crashed worker's event to be redispatched to its replacement, got %d sends", len(sender.sent))
	}
}

// TestDispatcherCrashOnPlannedExitIsANoOp covers the planned-termination
// side of Crash: a worker whose bookkeeping was already reclaimed (as
// RespawnChild/shrinkChild do before the real process exits) produces no
// redispatch or extra respawn when its reply pipe later reports the exit.
func TestDispatcherCrashOnPlannedExitIsANoOp(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}
	// Shrink the lone worker back to zero before the orchestrator starts:
	// its bookkeeping is removed synchronously by shrinkChild, well before
	// this fd is reported as crashed below.
	if err := c.ResizeWorkerPool(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error shrinking pool: %v", err)
	}
	// The shrink itself sends the worker CMD_EXIT_WHEN_DONE; only sends
	// beyond that one count as a dispatch caused by the crash report.
	sentBeforeCrash := len(sender.sent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	crashCtx, crashCancel := context.WithTimeout(context.Background(), time.Second)
	defer crashCancel()
	if err := d.Crash(crashCtx, 1); err != nil {
		t.Fatalf("unexpected error reporting crash: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if len(sender.sent) != sentBeforeCrash {
		t.Fatalf("expected no dispatch from a planned termination's fd, got %d sends after the crash", len(sender.sent)-sentBeforeCrash)
	}
}

// TestDispatcherRecoverDedupesDuplicateLogEntries covers spec.md §4.7's
// recover() resubmitting replayed events through the same Submit path
// external submitters use, and the dedupe guard added for overlapping
// recovery log segments: the same event written twice is only resubmitted
// once.
func TestDispatcherRecoverDedupesDuplicateLogEntries(t *testing.T) {
	cfg := testConfig(t)
	spawner := &dtSpawner{}
	sender := &dtSender{}

	d, err := New(cfg, spawner, sender, false)
	if err != nil {
		t.Fatalf("unexpected error constructing dispatcher: %v", err)
	}
	c := d.containers["default"]
	if err := c.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing pool: %v", err)
	}

	e := event.New(event.KindScript, nil, time.Now(), 0)
	if errKv := d.recovery.WriteEntry(e, "overflow", "", "default"); errKv != nil {
		t.Fatalf("unexpected error writing recovery entry: %v", errKv)
	}
	if errKv := d.recovery.WriteEntry(e, "overflow", "", "default"); errKv != nil {
		t.Fatalf("unexpected error writing duplicate recovery entry: %v", errKv)
	}

	matches, errGo := filepath.Glob(filepath.Join(cfg.StatsDir, "recovery", "recovery.*.log"))
	if errGo != nil || len(matches) != 1 {
		t.Fatalf("expected exactly one recovery log file, got %v (err %v)", matches, errGo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), time.Second)
	defer recoverCancel()
	processed, errKv := d.Recover(recoverCtx, matches[0])
	if errKv != nil {
		t.Fatalf("unexpected error recovering: %v", errKv)
	}
	if processed != 1 {
		t.Fatalf("expected exactly one entry resubmitted after deduping, got %d", processed)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the replayed event to have been dispatched exactly once, got %d sends", len(sender.sent))
	}
}
