// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package event

import (
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestExpiryNotLatchedUntilMarked(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	e := New(KindScript, []byte("payload"), now, time.Second)

	if e.IsPastExpiry(now) {
		t.Fatalf("event should not be past expiry at queue time")
	}
	if !e.IsPastExpiry(now.Add(2 * time.Second)) {
		t.Fatalf("event should be past expiry once its lifetime elapses")
	}
	if e.Expired {
		t.Fatalf("expired flag must not be set merely because expiry has passed")
	}

	e.MarkExpired()
	if !e.Expired {
		t.Fatalf("MarkExpired must latch the expired flag")
	}
}

func TestMarshalHexRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	want := New(KindURL, []byte(`{"a":1}`), now, 5*time.Minute)
	want.Seq = 42
	want.SubQueueKey = 3
	want.TargetPid = 9001
	want.PushReturnFd(7)
	want.PushReturnFd(11)

	line := want.MarshalHex()
	got, err := UnmarshalHex(line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := deep.Equal(want, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestUnmarshalHexRejectsMalformedLine(t *testing.T) {
	if _, err := UnmarshalHex([]byte("not-enough-fields")); err == nil {
		t.Fatalf("expected an error for a malformed line")
	}
}

func TestPopReturnFdOrder(t *testing.T) {
	e := New(KindBin, nil, time.Unix(0, 0), 0)
	e.PushReturnFd(1)
	e.PushReturnFd(2)

	fd, ok := e.PopReturnFd()
	if !ok || fd != 2 {
		t.Fatalf("expected last pushed fd 2, got %d ok=%v", fd, ok)
	}
	fd, ok = e.PopReturnFd()
	if !ok || fd != 1 {
		t.Fatalf("expected fd 1, got %d ok=%v", fd, ok)
	}
	if _, ok = e.PopReturnFd(); ok {
		t.Fatalf("expected empty stack to report ok=false")
	}
}
