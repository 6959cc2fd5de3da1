package driftwatch

import (
	"context"
	"strings"
	"time"
)

// ExecutionRecord is the metadata the external store keeps about one agent
// execution.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	ParentIssueID string    `json:"parentIssueId,omitempty"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// BaseStateSource is the read-only view of the primary store. This core never
// writes through it.
type BaseStateSource interface {
	AllIssues(ctx context.Context) ([]Entity, error)
	AllSpecs(ctx context.Context) ([]Entity, error)
	ExecutionByID(ctx context.Context, executionID string) (ExecutionRecord, error)
}

type UpdatedEntity struct {
	Base    Entity         `json:"base"`
	Updated Entity         `json:"updated"`
	Delta   map[string]any `json:"delta,omitempty"`
}

type ProvisionalOverlay struct {
	IssuesCreated []Entity        `json:"issuesCreated"`
	IssuesUpdated []UpdatedEntity `json:"issuesUpdated"`
	IssuesDeleted []Entity        `json:"issuesDeleted"`
	SpecsCreated  []Entity        `json:"specsCreated"`
	SpecsUpdated  []UpdatedEntity `json:"specsUpdated"`
	SpecsDeleted  []Entity        `json:"specsDeleted"`
}

type BaseState struct {
	Issues []Entity `json:"issues"`
	Specs  []Entity `json:"specs"`
}

// ProvisionalState is what the main repository would look like if the
// execution's in-progress work were merged. Derived on every query, never
// stored.
type ProvisionalState struct {
	ExecutionID  string             `json:"executionId"`
	Base         BaseState          `json:"base"`
	Provisional  ProvisionalOverlay `json:"provisional"`
	Execution    ExecutionRecord    `json:"execution"`
	MergedIssues []Entity           `json:"mergedIssues"`
	MergedSpecs  []Entity           `json:"mergedSpecs"`
	ComputedAt   time.Time          `json:"computedAt"`
}

type ProvisionalSummary struct {
	ExecutionID   string    `json:"executionId"`
	IssuesCreated int       `json:"issuesCreated"`
	IssuesUpdated int       `json:"issuesUpdated"`
	IssuesDeleted int       `json:"issuesDeleted"`
	SpecsCreated  int       `json:"specsCreated"`
	SpecsUpdated  int       `json:"specsUpdated"`
	SpecsDeleted  int       `json:"specsDeleted"`
	ComputedAt    time.Time `json:"computedAt"`
}

// Projector composes the base state with one execution's buffered events into
// categorized overlays and merged views.
type Projector struct {
	base   BaseStateSource
	buffer *EventBuffer
	logger Logger
}

func NewProjector(base BaseStateSource, buffer *EventBuffer, logger Logger) *Projector {
	return &Projector{base: base, buffer: buffer, logger: logger}
}

// ComputeProvisionalState replays the execution's full retained event history
// over the current base state. The result is recomputed on every call so it
// always reflects the latest appended event.
func (p *Projector) ComputeProvisionalState(ctx context.Context, executionID string) (ProvisionalState, error) {
	if executionID == "" {
		return ProvisionalState{}, ErrInvalidInput
	}
	baseIssues, err := p.base.AllIssues(ctx)
	if err != nil {
		return ProvisionalState{}, err
	}
	baseSpecs, err := p.base.AllSpecs(ctx)
	if err != nil {
		return ProvisionalState{}, err
	}

	events := p.buffer.Events(executionID, 0)

	state := ProvisionalState{
		ExecutionID: executionID,
		Base:        BaseState{Issues: cloneEntities(baseIssues), Specs: cloneEntities(baseSpecs)},
		Provisional: ProvisionalOverlay{
			IssuesCreated: []Entity{},
			IssuesUpdated: []UpdatedEntity{},
			IssuesDeleted: []Entity{},
			SpecsCreated:  []Entity{},
			SpecsUpdated:  []UpdatedEntity{},
			SpecsDeleted:  []Entity{},
		},
		ComputedAt: time.Now().UTC(),
	}

	issuesByID := entitiesByID(baseIssues)
	specsByID := entitiesByID(baseSpecs)

	for _, event := range events {
		switch event.EntityType {
		case EntityTypeIssue:
			applyEvent(event, issuesByID,
				&state.Provisional.IssuesCreated,
				&state.Provisional.IssuesUpdated,
				&state.Provisional.IssuesDeleted)
		case EntityTypeSpec:
			applyEvent(event, specsByID,
				&state.Provisional.SpecsCreated,
				&state.Provisional.SpecsUpdated,
				&state.Provisional.SpecsDeleted)
		}
	}

	state.MergedIssues = mergeEntities(baseIssues,
		state.Provisional.IssuesCreated,
		state.Provisional.IssuesUpdated,
		state.Provisional.IssuesDeleted)
	state.MergedSpecs = mergeEntities(baseSpecs,
		state.Provisional.SpecsCreated,
		state.Provisional.SpecsUpdated,
		state.Provisional.SpecsDeleted)

	state.Execution = p.executionMetadata(ctx, executionID)
	return state, nil
}

// HasProvisionalState reports whether any events are buffered at all for the
// execution.
func (p *Projector) HasProvisionalState(executionID string) bool {
	return p.buffer.HasEvents(executionID)
}

// Summary returns bucket counts derived from the same projection, so the two
// can never disagree.
func (p *Projector) Summary(ctx context.Context, executionID string) (ProvisionalSummary, error) {
	state, err := p.ComputeProvisionalState(ctx, executionID)
	if err != nil {
		return ProvisionalSummary{}, err
	}
	return state.Summary(), nil
}

func (s ProvisionalState) Summary() ProvisionalSummary {
	return ProvisionalSummary{
		ExecutionID:   s.ExecutionID,
		IssuesCreated: len(s.Provisional.IssuesCreated),
		IssuesUpdated: len(s.Provisional.IssuesUpdated),
		IssuesDeleted: len(s.Provisional.IssuesDeleted),
		SpecsCreated:  len(s.Provisional.SpecsCreated),
		SpecsUpdated:  len(s.Provisional.SpecsUpdated),
		SpecsDeleted:  len(s.Provisional.SpecsDeleted),
		ComputedAt:    s.ComputedAt,
	}
}

// applyEvent sorts one event into its bucket. Updates without a base entity
// are dropped (cannot update what the base never had); creates and deletes
// append unconditionally and the merge step reconciles final visibility.
func applyEvent(event MutationEvent, baseByID map[string]Entity, created *[]Entity, updated *[]UpdatedEntity, deleted *[]Entity) {
	switch {
	case strings.HasSuffix(string(event.Type), "_created"):
		if event.NewValue != nil {
			*created = append(*created, event.NewValue.Clone())
		}
	case strings.HasSuffix(string(event.Type), "_updated"):
		baseEntity, inBase := baseByID[event.EntityID]
		if !inBase {
			return
		}
		*updated = append(*updated, UpdatedEntity{
			Base:    baseEntity.Clone(),
			Updated: event.NewValue.Clone(),
			Delta:   event.Delta,
		})
	case strings.HasSuffix(string(event.Type), "_deleted"):
		if event.OldValue != nil {
			*deleted = append(*deleted, event.OldValue.Clone())
		}
	}
}

// mergeEntities builds the convenience merged view: base order preserved,
// updated entities replaced in place, created entities appended in event
// order, then everything deleted filtered out.
func mergeEntities(base []Entity, created []Entity, updated []UpdatedEntity, deleted []Entity) []Entity {
	updatedByID := make(map[string]Entity, len(updated))
	for _, u := range updated {
		updatedByID[u.Updated.ID()] = u.Updated
	}
	deletedIDs := make(map[string]struct{}, len(deleted))
	for _, d := range deleted {
		deletedIDs[d.ID()] = struct{}{}
	}

	merged := make([]Entity, 0, len(base)+len(created))
	for _, entity := range base {
		id := entity.ID()
		if _, gone := deletedIDs[id]; gone {
			continue
		}
		if replacement, changed := updatedByID[id]; changed {
			merged = append(merged, replacement.Clone())
			continue
		}
		merged = append(merged, entity.Clone())
	}
	for _, entity := range created {
		if _, gone := deletedIDs[entity.ID()]; gone {
			continue
		}
		merged = append(merged, entity.Clone())
	}
	return merged
}

// executionMetadata degrades to a minimal unknown-status record when the store
// has no row for the execution; a not-yet-registered execution still has a
// meaningful provisional state.
func (p *Projector) executionMetadata(ctx context.Context, executionID string) ExecutionRecord {
	record, err := p.base.ExecutionByID(ctx, executionID)
	if err != nil {
		logf(p.logger, "execution metadata unavailable for %s: %v", executionID, err)
		return ExecutionRecord{ID: executionID, Status: "unknown"}
	}
	if record.ID == "" {
		record.ID = executionID
	}
	if record.Status == "" {
		record.Status = "unknown"
	}
	return record
}

func entitiesByID(entities []Entity) map[string]Entity {
	out := make(map[string]Entity, len(entities))
	for _, entity := range entities {
		out[entity.ID()] = entity
	}
	return out
}

func cloneEntities(entities []Entity) []Entity {
	out := make([]Entity, len(entities))
	for i, entity := range entities {
		out[i] = entity.Clone()
	}
	return out
}
