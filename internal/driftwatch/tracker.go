package driftwatch

import (
	"fmt"
	"path/filepath"
	"sync"
)

// DefaultLedgerFiles maps ledger basenames to the entity type they carry.
// The mapping is injectable so new entity types are additive.
func DefaultLedgerFiles() map[string]EntityType {
	return map[string]EntityType{
		"issues.jsonl": EntityTypeIssue,
		"specs.jsonl":  EntityTypeSpec,
	}
}

type TrackerOptions struct {
	Observer    *Observer
	Buffer      *EventBuffer
	LedgerFiles map[string]EntityType
	Logger      Logger
}

// Tracker orchestrates the pipeline: it consumes observer notifications,
// re-parses the changed ledger, diffs against the previous in-memory snapshot,
// and appends the resulting events to the buffer. Handling is serialized per
// execution so a diff never races the snapshot it is diffing against.
type Tracker struct {
	observer    *Observer
	buffer      *EventBuffer
	ledgerFiles map[string]EntityType
	logger      Logger

	mu         sync.Mutex
	executions map[string]*trackedExecution

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type trackedExecution struct {
	rootPath string
	mu       sync.Mutex
	previous map[EntityType]Snapshot
}

func NewTracker(opts TrackerOptions) *Tracker {
	observer := opts.Observer
	if observer == nil {
		observer = NewObserver(ObserverOptions{Logger: opts.Logger})
	}
	buffer := opts.Buffer
	if buffer == nil {
		buffer = NewEventBufferWithOptions(EventBufferOptions{Logger: opts.Logger})
	}
	ledgerFiles := opts.LedgerFiles
	if len(ledgerFiles) == 0 {
		ledgerFiles = DefaultLedgerFiles()
	}
	t := &Tracker{
		observer:    observer,
		buffer:      buffer,
		ledgerFiles: ledgerFiles,
		logger:      opts.Logger,
		executions:  map[string]*trackedExecution{},
		done:        make(chan struct{}),
	}
	t.wg.Add(1)
	go t.consume()
	return t
}

func (t *Tracker) Buffer() *EventBuffer {
	return t.buffer
}

func (t *Tracker) Observer() *Observer {
	return t.observer
}

// StartTracking begins observing one execution's worktree. Double-starting the
// same execution is a caller bug and fails loudly.
func (t *Tracker) StartTracking(executionID, rootPath string) error {
	if executionID == "" || rootPath == "" {
		return ErrInvalidInput
	}
	t.mu.Lock()
	if _, exists := t.executions[executionID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, executionID)
	}
	t.executions[executionID] = &trackedExecution{
		rootPath: rootPath,
		previous: map[EntityType]Snapshot{},
	}
	t.mu.Unlock()

	if err := t.observer.Watch(executionID, rootPath); err != nil {
		t.mu.Lock()
		delete(t.executions, executionID)
		t.mu.Unlock()
		return err
	}
	logf(t.logger, "tracking execution %s at %s", executionID, rootPath)
	return nil
}

// StopTracking tears down watching and discards the execution's in-memory
// snapshot state. Safe to call for executions that were never tracked.
func (t *Tracker) StopTracking(executionID string) {
	t.observer.Unwatch(executionID)
	t.mu.Lock()
	_, existed := t.executions[executionID]
	delete(t.executions, executionID)
	t.mu.Unlock()
	if existed {
		logf(t.logger, "stopped tracking execution %s", executionID)
	}
}

// StopAll stops every tracked execution, used at process shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	executionIDs := make([]string, 0, len(t.executions))
	for executionID := range t.executions {
		executionIDs = append(executionIDs, executionID)
	}
	t.mu.Unlock()
	for _, executionID := range executionIDs {
		t.StopTracking(executionID)
	}
}

// Close stops all tracking and shuts down the notification consumer.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.StopAll()
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Tracker) consume() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case notification, ok := <-t.observer.Notifications():
			if !ok {
				return
			}
			t.handleNotification(notification)
		case watchErr, ok := <-t.observer.Errors():
			if !ok {
				return
			}
			logf(t.logger, "watch error for execution %s: %v", watchErr.ExecutionID, watchErr.Err)
		}
	}
}

// handleNotification is the per-change pipeline step. Every failure here is
// logged with execution/file context and swallowed: one malformed ledger must
// not halt tracking for this or any other execution.
func (t *Tracker) handleNotification(notification FileNotification) {
	t.mu.Lock()
	exec := t.executions[notification.ExecutionID]
	t.mu.Unlock()
	if exec == nil {
		// Notification for an execution stopped mid-flight; abandon it.
		return
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	name := filepath.Base(notification.FilePath)
	entityType, known := t.ledgerFiles[name]
	if !known {
		logf(t.logger, "ignoring notification for unmapped ledger %s (execution %s)", name, notification.ExecutionID)
		return
	}

	fresh, err := ParseSnapshotFile(notification.FilePath, t.logger)
	if err != nil {
		logf(t.logger, "failed to parse %s for execution %s: %v", notification.FilePath, notification.ExecutionID, err)
		return
	}

	var drafts []MutationDraft
	switch notification.EventType {
	case FileEventInitial:
		drafts = SnapshotEvents(entityType, fresh)
		t.buffer.CaptureInitialSnapshot(notification.ExecutionID, entityType, fresh)
	case FileEventChange:
		drafts = Diff(entityType, exec.previous[entityType], fresh)
	default:
		logf(t.logger, "unknown file event type %q for execution %s", notification.EventType, notification.ExecutionID)
		return
	}

	for _, draft := range drafts {
		if _, err := t.buffer.Append(notification.ExecutionID, draft); err != nil {
			logf(t.logger, "failed to append %s event for execution %s entity %s: %v",
				draft.Type, notification.ExecutionID, draft.EntityID, err)
		}
	}

	// Always roll the baseline forward so the next diff is against the latest
	// observed state, making the pipeline a continuous delta stream.
	exec.previous[entityType] = fresh
}
