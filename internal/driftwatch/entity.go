package driftwatch

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrAlreadyWatching = errors.New("execution is already being watched")
	ErrAlreadyTracking = errors.New("execution is already being tracked")
)

type EntityType string

const (
	EntityTypeIssue EntityType = "issue"
	EntityTypeSpec  EntityType = "spec"
)

type MutationType string

const (
	MutationIssueCreated MutationType = "issue_created"
	MutationIssueUpdated MutationType = "issue_updated"
	MutationIssueDeleted MutationType = "issue_deleted"
	MutationSpecCreated  MutationType = "spec_created"
	MutationSpecUpdated  MutationType = "spec_updated"
	MutationSpecDeleted  MutationType = "spec_deleted"
)

const (
	SourceJSONLDiff         = "jsonl_diff"
	SourceDirectObservation = "direct_observation"
)

// Entity is one issue or spec record as parsed from a ledger line. The shape
// is opaque to this pipeline apart from the required string "id" field.
type Entity map[string]any

func (e Entity) ID() string {
	id, _ := e["id"].(string)
	return id
}

func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out, _ := deepCopyValue(map[string]any(e)).(map[string]any)
	return Entity(out)
}

// Snapshot is the full contents of one ledger file at one point in time,
// keyed by entity id.
type Snapshot map[string]Entity

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for id, entity := range s {
		out[id] = entity.Clone()
	}
	return out
}

type EventMetadata struct {
	IsSnapshot bool   `json:"isSnapshot,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// MutationEvent is one detected create/update/delete, sequenced per execution
// by the buffer. Immutable once appended.
type MutationEvent struct {
	EventID        string         `json:"eventId"`
	ExecutionID    string         `json:"executionId"`
	SequenceNumber uint64         `json:"sequenceNumber"`
	Type           MutationType   `json:"type"`
	EntityType     EntityType     `json:"entityType"`
	EntityID       string         `json:"entityId"`
	OldValue       Entity         `json:"oldValue,omitempty"`
	NewValue       Entity         `json:"newValue,omitempty"`
	Delta          map[string]any `json:"delta,omitempty"`
	DetectedAt     time.Time      `json:"detectedAt"`
	Source         string         `json:"source"`
	Metadata       EventMetadata  `json:"metadata"`
}

// MutationDraft is a mutation detected by the differ before the buffer assigns
// its event id, sequence number, and detection timestamp.
type MutationDraft struct {
	Type       MutationType
	EntityType EntityType
	EntityID   string
	OldValue   Entity
	NewValue   Entity
	Delta      map[string]any
	Source     string
	Metadata   EventMetadata
}

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

func mutationTypeFor(entityType EntityType, verb string) MutationType {
	return MutationType(string(entityType) + "_" + verb)
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = deepCopyValue(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = deepCopyValue(value)
		}
		return out
	default:
		return v
	}
}
