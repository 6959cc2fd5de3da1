package driftwatch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tracker := NewTracker(TrackerOptions{
		Observer: newTestObserver(),
		Buffer:   NewEventBuffer(),
	})
	t.Cleanup(tracker.Close)
	return tracker
}

func awaitEvents(t *testing.T, buffer *EventBuffer, executionID string, want int, timeout time.Duration) []MutationEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		events := buffer.Events(executionID, 0)
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, have %d", want, len(events))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestTrackerEmitsSnapshotThenDiffEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	writeLedger(t, path, `{"id":"iss_1","status":"open"}`+"\n")

	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}

	events := awaitEvents(t, tracker.Buffer(), "exec_1", 1, 5*time.Second)
	if events[0].Type != MutationIssueCreated {
		t.Fatalf("expected issue_created, got %s", events[0].Type)
	}
	if !events[0].Metadata.IsSnapshot {
		t.Fatalf("first observation must be flagged as snapshot")
	}
	if events[0].SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", events[0].SequenceNumber)
	}
	if events[0].Source != SourceJSONLDiff {
		t.Fatalf("expected jsonl_diff source, got %q", events[0].Source)
	}

	writeLedger(t, path, `{"id":"iss_1","status":"done"}`+"\n")
	events = awaitEvents(t, tracker.Buffer(), "exec_1", 2, 5*time.Second)
	update := events[1]
	if update.Type != MutationIssueUpdated {
		t.Fatalf("expected issue_updated, got %s", update.Type)
	}
	if update.Metadata.IsSnapshot {
		t.Fatalf("live change must not be flagged as snapshot")
	}
	if update.Delta["status"] != "done" {
		t.Fatalf("expected delta status done, got %v", update.Delta)
	}
	if update.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", update.SequenceNumber)
	}
}

func TestTrackerHandlesBothLedgers(t *testing.T) {
	dir := t.TempDir()
	writeLedger(t, filepath.Join(dir, "issues.jsonl"), `{"id":"iss_1"}`+"\n")
	writeLedger(t, filepath.Join(dir, "specs.jsonl"), `{"id":"spec_1"}`+"\n")

	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}

	events := awaitEvents(t, tracker.Buffer(), "exec_1", 2, 5*time.Second)
	types := map[EntityType]bool{}
	for _, event := range events {
		types[event.EntityType] = true
	}
	if !types[EntityTypeIssue] || !types[EntityTypeSpec] {
		t.Fatalf("expected one event per ledger, got %v", events)
	}

	snapshots := tracker.Buffer().InitialSnapshot("exec_1")
	if len(snapshots) != 2 {
		t.Fatalf("expected initial snapshots for both entity types, got %d", len(snapshots))
	}
}

func TestTrackerSkipsMalformedLinesButKeepsGoing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	writeLedger(t, path, `{"id":"iss_1"}`+"\n"+"garbage line\n")

	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}

	events := awaitEvents(t, tracker.Buffer(), "exec_1", 1, 5*time.Second)
	if len(events) != 1 || events[0].EntityID != "iss_1" {
		t.Fatalf("expected only the valid entity, got %v", events)
	}

	writeLedger(t, path, `{"id":"iss_1"}`+"\n"+`{"id":"iss_2"}`+"\n")
	events = awaitEvents(t, tracker.Buffer(), "exec_1", 2, 5*time.Second)
	if events[1].EntityID != "iss_2" || events[1].Type != MutationIssueCreated {
		t.Fatalf("tracking must continue past malformed input, got %v", events[1])
	}
}

func TestTrackerDeleteDetectedOnShrunkLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	writeLedger(t, path, `{"id":"iss_1"}`+"\n"+`{"id":"iss_2"}`+"\n")

	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}
	awaitEvents(t, tracker.Buffer(), "exec_1", 2, 5*time.Second)

	writeLedger(t, path, `{"id":"iss_1"}`+"\n")
	events := awaitEvents(t, tracker.Buffer(), "exec_1", 3, 5*time.Second)
	deleted := events[len(events)-1]
	if deleted.Type != MutationIssueDeleted || deleted.EntityID != "iss_2" {
		t.Fatalf("expected issue_deleted for iss_2, got %+v", deleted)
	}
	if deleted.OldValue.ID() != "iss_2" {
		t.Fatalf("delete must carry the last known value, got %v", deleted.OldValue)
	}
}

func TestStartTrackingTwiceFails(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}
	if err := tracker.StartTracking("exec_1", dir); !errors.Is(err, ErrAlreadyTracking) {
		t.Fatalf("expected ErrAlreadyTracking, got %v", err)
	}
	if err := tracker.StartTracking("", dir); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStartTrackingRollsBackOnWatchFailure(t *testing.T) {
	tracker := newTestTracker(t)
	missing := filepath.Join(t.TempDir(), "absent")
	if err := tracker.StartTracking("exec_1", missing); err == nil {
		t.Fatalf("expected error for missing root")
	}

	// The failed registration must not block a retry once the path exists.
	if err := os.Mkdir(missing, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := tracker.StartTracking("exec_1", missing); err != nil {
		t.Fatalf("retry after failure must succeed: %v", err)
	}
}

func TestStopTrackingHaltsEventFlow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	writeLedger(t, path, `{"id":"iss_1"}`+"\n")

	tracker := newTestTracker(t)
	if err := tracker.StartTracking("exec_1", dir); err != nil {
		t.Fatalf("start tracking failed: %v", err)
	}
	awaitEvents(t, tracker.Buffer(), "exec_1", 1, 5*time.Second)

	tracker.StopTracking("exec_1")
	writeLedger(t, path, `{"id":"iss_1"}`+"\n"+`{"id":"iss_2"}`+"\n")
	time.Sleep(400 * time.Millisecond)
	if got := len(tracker.Buffer().Events("exec_1", 0)); got != 1 {
		t.Fatalf("no events may arrive after stop, got %d", got)
	}

	// Buffered history survives the stop until pruned or removed.
	if !tracker.Buffer().HasEvents("exec_1") {
		t.Fatalf("buffer must retain events after tracking stops")
	}

	// Stopping an unknown execution is a no-op.
	tracker.StopTracking("exec_unknown")
}
