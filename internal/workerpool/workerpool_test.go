// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package workerpool

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
)

type fakeSpawner struct {
	nextPid int
	nextFd  int
}

func (f *fakeSpawner) Spawn(ctx context.Context) (pid int, fd int, cmd *exec.Cmd, stdout, stderr interface {
	Read([]byte) (int, error)
}, err kv.Error) {
	f.nextPid++
	f.nextFd++
	return f.nextPid, f.nextFd, nil, nil, nil, nil
}

type fakeSender struct {
	sent []int
}

func (f *fakeSender) Send(fd int, e *event.Event) kv.Error {
	f.sent = append(f.sent, fd)
	return nil
}

func TestResizeSpawnsAndShrinksPool(t *testing.T) {
	spawner := &fakeSpawner{}
	sender := &fakeSender{}
	p := New("work", Config{NumWorkers: 0}, spawner, sender)

	if err := p.ResizeWorkerPool(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error resizing up: %v", err)
	}
	if got := p.TotalWorkers(); got != 2 {
		t.Fatalf("expected 2 workers after resize up, got %d", got)
	}
	if !p.AnyAvailable() {
		t.Fatalf("expected idle workers after spawn")
	}

	if err := p.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error resizing down: %v", err)
	}
	if got := p.TotalWorkers(); got != 1 {
		t.Fatalf("expected 1 worker after resize down, got %d", got)
	}
}

func TestExecuteAndReleaseWorkerRoundTrip(t *testing.T) {
	spawner := &fakeSpawner{}
	sender := &fakeSender{}
	p := New("work", Config{NumWorkers: 0}, spawner, sender)
	if err := p.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Unix(0, 0).UTC()
	p.SetTime(now)

	e := event.New(event.KindScript, nil, now, 0)
	pid, err := p.ExecuteEvent(e)
	if err != nil {
		t.Fatalf("unexpected error executing event: %v", err)
	}
	if p.AnyAvailable() {
		t.Fatalf("expected no idle worker once the only worker is busy")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(sender.sent))
	}

	p.mu.Lock()
	w := p.workers[pid]
	fd := w.Fd
	p.mu.Unlock()

	later := now.Add(5 * time.Second)
	p.SetTime(later)
	if err := p.ReleaseWorker(fd, e); err != nil {
		t.Fatalf("unexpected error releasing worker: %v", err)
	}
	if !p.AnyAvailable() {
		t.Fatalf("expected the worker to be idle again after release")
	}
}

func TestCheckOverrunningWorkersDetectsExpiredExec(t *testing.T) {
	spawner := &fakeSpawner{}
	sender := &fakeSender{}
	p := New("work", Config{NumWorkers: 0, MaxExecTime: 10 * time.Second}, spawner, sender)
	if err := p.ResizeWorkerPool(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Unix(0, 0).UTC()
	p.SetTime(now)
	e := event.New(event.KindScript, nil, now, 0)
	if _, err := p.ExecuteEvent(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.SetTime(now.Add(30 * time.Second))
	overrun := p.CheckOverrunningWorkers()
	if len(overrun) != 1 {
		t.Fatalf("expected exactly one overrunning worker, got %d", len(overrun))
	}
}

func TestReconfigureAppliesJSONMergePatch(t *testing.T) {
	spawner := &fakeSpawner{}
	sender := &fakeSender{}
	p := New("work", Config{NumWorkers: 1, MaxExecTime: 5 * time.Second}, spawner, sender)

	if err := p.Reconfigure([]byte(`{"numWorkers":4}`)); err != nil {
		t.Fatalf("unexpected error applying patch: %v", err)
	}
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	if cfg.NumWorkers != 4 {
		t.Fatalf("expected numWorkers to become 4, got %d", cfg.NumWorkers)
	}
	if cfg.MaxExecTime != 5*time.Second {
		t.Fatalf("expected maxExecTime to survive the merge patch unchanged, got %v", cfg.MaxExecTime)
	}
}

// TestExitWhenDoneDrainsPersistentWorkers covers the two-persistent-worker
// shutdown drain scenario: both idle workers receive one event each, then
// exitWhenDone is invoked and the pool reports idle once both are released.
func TestExitWhenDoneDrainsPersistentWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	sender := &fakeSender{}
	p := New("work", Config{NumWorkers: 0}, spawner, sender)
	p.persistentApp = "persistent-worker"
	if err := p.ResizeWorkerPool(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsPersistentApp() {
		t.Fatalf("expected the pool to report itself persistent")
	}

	now := time.Unix(0, 0).UTC()
	p.SetTime(now)

	e1 := event.New(event.KindScript, nil, now, 0)
	e2 := event.New(event.KindScript, nil, now, 0)

	pid1, err := p.ExecuteEvent(e1)
	if err != nil {
		t.Fatalf("unexpected error dispatching first event: %v", err)
	}
	pid2, err := p.ExecuteEvent(e2)
	if err != nil {
		t.Fatalf("unexpected error dispatching second event: %v", err)
	}
	if p.AnyAvailable() {
		t.Fatalf("expected both workers busy, none idle")
	}

	p.ExitWhenDone()
	if p.IsIdle() {
		t.Fatalf("expected the pool to still be busy before release")
	}

	p.mu.Lock()
	fd1 := p.workers[pid1].Fd
	fd2 := p.workers[pid2].Fd
	p.mu.Unlock()

	if err := p.ReleaseWorker(fd1, e1); err != nil {
		t.Fatalf("unexpected error releasing worker 1: %v", err)
	}
	if err := p.ReleaseWorker(fd2, e2); err != nil {
		t.Fatalf("unexpected error releasing worker 2: %v", err)
	}
	if !p.IsIdle() {
		t.Fatalf("expected the pool to report idle once both workers are released")
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected exactly two sends, got %d", len(sender.sent))
	}
}
