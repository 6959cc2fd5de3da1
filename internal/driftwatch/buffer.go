package driftwatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxBufferedEvents = 10000
	DefaultBufferRetention   = 2 * time.Hour
)

type EventBufferOptions struct {
	// MaxEvents is the hard per-execution cap. On overflow the oldest 10% are
	// evicted and a warning is logged. Default 10,000.
	MaxEvents       int
	SubscriberQueue int
	Logger          Logger
}

// EventBuffer holds each execution's append-only, sequence-numbered mutation
// log in memory. Sequence numbers are gapless and strictly increasing per
// execution; ring eviction only ever removes a contiguous oldest prefix, so
// the retained suffix stays contiguous.
type EventBuffer struct {
	maxEvents       int
	subscriberQueue int
	logger          Logger

	mu         sync.RWMutex
	executions map[string]*executionBuffer

	subMu       sync.Mutex
	subscribers map[int]chan MutationEvent
	nextSubID   int
}

type executionBuffer struct {
	mu               sync.Mutex
	events           []MutationEvent
	nextSequence     uint64
	createdAt        time.Time
	lastUpdatedAt    time.Time
	initialSnapshots map[EntityType]Snapshot
}

type BufferStats struct {
	Buffers                int       `json:"buffers"`
	TotalEvents            int       `json:"totalEvents"`
	AverageEventsPerBuffer float64   `json:"averageEventsPerBuffer"`
	OldestBufferCreatedAt  time.Time `json:"oldestBufferCreatedAt,omitempty"`
	NewestBufferCreatedAt  time.Time `json:"newestBufferCreatedAt,omitempty"`
}

func NewEventBuffer() *EventBuffer {
	return NewEventBufferWithOptions(EventBufferOptions{})
}

func NewEventBufferWithOptions(opts EventBufferOptions) *EventBuffer {
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxBufferedEvents
	}
	subscriberQueue := opts.SubscriberQueue
	if subscriberQueue <= 0 {
		subscriberQueue = 256
	}
	return &EventBuffer{
		maxEvents:       maxEvents,
		subscriberQueue: subscriberQueue,
		logger:          opts.Logger,
		executions:      map[string]*executionBuffer{},
		subscribers:     map[int]chan MutationEvent{},
	}
}

// Append assigns the execution's next sequence number, stores the fully-formed
// event, and fans it out to subscribers. The buffer is created lazily on the
// first event.
func (b *EventBuffer) Append(executionID string, draft MutationDraft) (MutationEvent, error) {
	if executionID == "" || draft.EntityID == "" {
		return MutationEvent{}, ErrInvalidInput
	}
	source := draft.Source
	if source == "" {
		source = SourceJSONLDiff
	}

	exec := b.ensureExecution(executionID)
	exec.mu.Lock()
	exec.nextSequence++
	event := MutationEvent{
		EventID:        uuid.NewString(),
		ExecutionID:    executionID,
		SequenceNumber: exec.nextSequence,
		Type:           draft.Type,
		EntityType:     draft.EntityType,
		EntityID:       draft.EntityID,
		OldValue:       draft.OldValue,
		NewValue:       draft.NewValue,
		Delta:          draft.Delta,
		DetectedAt:     time.Now().UTC(),
		Source:         source,
		Metadata:       draft.Metadata,
	}
	exec.events = append(exec.events, event)
	exec.lastUpdatedAt = time.Now()
	if len(exec.events) > b.maxEvents {
		evicted := b.maxEvents / 10
		if evicted < 1 {
			evicted = 1
		}
		exec.events = append([]MutationEvent(nil), exec.events[evicted:]...)
		logf(b.logger, "event buffer for execution %s exceeded %d events; evicted oldest %d", executionID, b.maxEvents, evicted)
	}
	exec.mu.Unlock()

	b.publish(event)
	return event, nil
}

// Events returns the execution's buffered events in sequence order, optionally
// restricted to sequence numbers >= fromSequence. An unknown execution yields
// an empty slice.
func (b *EventBuffer) Events(executionID string, fromSequence uint64) []MutationEvent {
	b.mu.RLock()
	exec := b.executions[executionID]
	b.mu.RUnlock()
	if exec == nil {
		return []MutationEvent{}
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.events) == 0 {
		return []MutationEvent{}
	}
	start := 0
	if fromSequence > 0 {
		first := exec.events[0].SequenceNumber
		if fromSequence > first {
			start = int(fromSequence - first)
		}
		if start > len(exec.events) {
			start = len(exec.events)
		}
	}
	return append([]MutationEvent(nil), exec.events[start:]...)
}

func (b *EventBuffer) HasEvents(executionID string) bool {
	b.mu.RLock()
	exec := b.executions[executionID]
	b.mu.RUnlock()
	if exec == nil {
		return false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return len(exec.events) > 0
}

// CaptureInitialSnapshot stores the one-time baseline for one entity type,
// kept separately from the event list for audit and base-state seeding.
func (b *EventBuffer) CaptureInitialSnapshot(executionID string, entityType EntityType, snapshot Snapshot) {
	if executionID == "" {
		return
	}
	exec := b.ensureExecution(executionID)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.initialSnapshots[entityType] = snapshot.Clone()
	exec.lastUpdatedAt = time.Now()
}

func (b *EventBuffer) InitialSnapshot(executionID string) map[EntityType]Snapshot {
	b.mu.RLock()
	exec := b.executions[executionID]
	b.mu.RUnlock()
	if exec == nil {
		return map[EntityType]Snapshot{}
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	out := make(map[EntityType]Snapshot, len(exec.initialSnapshots))
	for entityType, snapshot := range exec.initialSnapshots {
		out[entityType] = snapshot.Clone()
	}
	return out
}

// Remove tears down one execution's buffer.
func (b *EventBuffer) Remove(executionID string) {
	b.mu.Lock()
	delete(b.executions, executionID)
	b.mu.Unlock()
}

// PruneStale removes every buffer untouched for longer than retention and
// returns how many were removed. Intended to run on a timer owned by the
// hosting process.
func (b *EventBuffer) PruneStale(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultBufferRetention
	}
	cutoff := time.Now().Add(-retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for executionID, exec := range b.executions {
		exec.mu.Lock()
		stale := exec.lastUpdatedAt.Before(cutoff)
		exec.mu.Unlock()
		if stale {
			delete(b.executions, executionID)
			removed++
		}
	}
	if removed > 0 {
		logf(b.logger, "pruned %d stale event buffers", removed)
	}
	return removed
}

func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	executions := make([]*executionBuffer, 0, len(b.executions))
	for _, exec := range b.executions {
		executions = append(executions, exec)
	}
	b.mu.RUnlock()

	stats := BufferStats{Buffers: len(executions)}
	for _, exec := range executions {
		exec.mu.Lock()
		stats.TotalEvents += len(exec.events)
		if stats.OldestBufferCreatedAt.IsZero() || exec.createdAt.Before(stats.OldestBufferCreatedAt) {
			stats.OldestBufferCreatedAt = exec.createdAt
		}
		if exec.createdAt.After(stats.NewestBufferCreatedAt) {
			stats.NewestBufferCreatedAt = exec.createdAt
		}
		exec.mu.Unlock()
	}
	if stats.Buffers > 0 {
		stats.AverageEventsPerBuffer = float64(stats.TotalEvents) / float64(stats.Buffers)
	}
	return stats
}

// Subscribe returns a channel receiving every appended event and a cancel
// function releasing the subscription. Slow subscribers lose events rather
// than stall appends.
func (b *EventBuffer) Subscribe() (<-chan MutationEvent, func()) {
	ch := make(chan MutationEvent, b.subscriberQueue)
	b.subMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.subMu.Unlock()
	cancel := func() {
		b.subMu.Lock()
		delete(b.subscribers, id)
		b.subMu.Unlock()
	}
	return ch, cancel
}

func (b *EventBuffer) publish(event MutationEvent) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logf(b.logger, "dropping appended-event notification for execution %s: subscriber backlog", event.ExecutionID)
		}
	}
}

func (b *EventBuffer) ensureExecution(executionID string) *executionBuffer {
	b.mu.RLock()
	exec := b.executions[executionID]
	b.mu.RUnlock()
	if exec != nil {
		return exec
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if exec = b.executions[executionID]; exec != nil {
		return exec
	}
	now := time.Now()
	exec = &executionBuffer{
		createdAt:        now,
		lastUpdatedAt:    now,
		initialSnapshots: map[EntityType]Snapshot{},
	}
	b.executions[executionID] = exec
	return exec
}
