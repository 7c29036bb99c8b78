// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package recoverylog

import (
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
)

func TestWriteEntryThenRecoverRoundTrips(t *testing.T) {
	dir := t.TempDir()
	rl, err := New(dir, 0)
	if err != nil {
		t.Fatalf("unexpected error opening recovery log: %v", err)
	}
	defer rl.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	e1 := event.New(event.KindScript, []byte("one"), now, 0)
	e1.Seq = 1
	e2 := event.New(event.KindURL, []byte("two"), now, time.Minute)
	e2.Seq = 2

	if err := rl.WriteEntry(e1, "overflow", "ingest", ""); err != nil {
		t.Fatalf("unexpected error writing entry: %v", err)
	}
	if err := rl.WriteEntry(e2, "dumped", "batchwork", "ingest"); err != nil {
		t.Fatalf("unexpected error writing entry: %v", err)
	}
	if got := rl.CountRecoveryLines(); got != 2 {
		t.Fatalf("expected 2 recovery lines written, got %d", got)
	}

	path := rl.currentFilename()

	var replayed []Replayed
	recoverErr := rl.Recover(path, func(r Replayed) kv.Error {
		replayed = append(replayed, r)
		return nil
	})
	if recoverErr != nil {
		t.Fatalf("unexpected error recovering: %v", recoverErr)
	}
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", len(replayed))
	}
	if replayed[0].Reason != "overflow" || replayed[0].From != "ingest" {
		t.Fatalf("unexpected first replayed entry: %+v", replayed[0])
	}
	if replayed[1].Event.Seq != 2 || replayed[1].From != "batchwork" || replayed[1].To != "ingest" {
		t.Fatalf("unexpected second replayed entry: %+v", replayed[1])
	}
}
