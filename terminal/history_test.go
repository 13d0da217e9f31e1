// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bytes"
	"testing"
)

func TestHistoryRoundTrip(t *testing.T) {
	history := NewHistory(64)
	history.Write([]byte("hello "))
	history.Write([]byte("world"))

	got := history.Snapshot()
	if want := []byte("hello world"); !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = %q, want %q", got, want)
	}
	if got := history.TotalWritten(); got != 11 {
		t.Errorf("TotalWritten() = %d, want 11", got)
	}
}

func TestHistoryEmptySnapshot(t *testing.T) {
	history := NewHistory(64)
	if got := history.Snapshot(); got != nil {
		t.Errorf("Snapshot() of empty history = %q, want nil", got)
	}
}

func TestHistoryOverwriteKeepsNewest(t *testing.T) {
	history := NewHistory(8)
	history.Write([]byte("abcdefgh"))
	history.Write([]byte("1234"))

	// The four newest bytes displaced the four oldest; order is
	// oldest-first.
	got := history.Snapshot()
	if want := []byte("efgh1234"); !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = %q, want %q", got, want)
	}
	if got := history.TotalWritten(); got != 12 {
		t.Errorf("TotalWritten() = %d, want 12", got)
	}
}

func TestHistoryWriteLargerThanCapacity(t *testing.T) {
	history := NewHistory(4)
	history.Write([]byte("abcdefghij"))

	if got, want := history.Snapshot(), []byte("ghij"); !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = %q, want %q", got, want)
	}

	history.Write([]byte("XY"))
	if got, want := history.Snapshot(), []byte("ijXY"); !bytes.Equal(got, want) {
		t.Errorf("Snapshot() after wrap = %q, want %q", got, want)
	}
}

func TestHistoryManySmallWrites(t *testing.T) {
	history := NewHistory(16)
	var reference []byte
	for i := 0; i < 100; i++ {
		chunk := []byte{byte('a' + i%26), byte('0' + i%10)}
		history.Write(chunk)
		reference = append(reference, chunk...)
	}

	if got, want := history.Snapshot(), reference[len(reference)-16:]; !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = %q, want %q", got, want)
	}
	if got := history.TotalWritten(); got != 200 {
		t.Errorf("TotalWritten() = %d, want 200", got)
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	history := NewHistory(0)
	chunk := bytes.Repeat([]byte("x"), DefaultHistorySize)
	history.Write(chunk)
	history.Write([]byte("tail"))

	got := history.Snapshot()
	if len(got) != DefaultHistorySize {
		t.Fatalf("Snapshot() length = %d, want default capacity %d", len(got), DefaultHistorySize)
	}
	if !bytes.HasSuffix(got, []byte("tail")) {
		t.Errorf("Snapshot() does not end with the newest write")
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	history := NewHistory(16)
	history.Write([]byte("stable"))

	snapshot := history.Snapshot()
	history.Write([]byte(" more"))
	if want := []byte("stable"); !bytes.Equal(snapshot, want) {
		t.Errorf("earlier snapshot mutated to %q, want %q", snapshot, want)
	}
}
