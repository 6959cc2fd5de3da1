package driftwatch

import (
	"context"
	"testing"
)

func projectorFixture(t *testing.T) (*Projector, *MemoryBaseStore, *EventBuffer) {
	t.Helper()
	base := NewMemoryBaseStore()
	if err := base.PutIssue(Entity{"id": "iss_a", "title": "issue a", "status": "open"}); err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	if err := base.PutIssue(Entity{"id": "iss_b", "title": "issue b", "status": "open"}); err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	if err := base.PutSpec(Entity{"id": "spec_a", "body": "spec a"}); err != nil {
		t.Fatalf("seed spec: %v", err)
	}
	buffer := NewEventBuffer()
	return NewProjector(base, buffer, nil), base, buffer
}

func mustAppend(t *testing.T, buffer *EventBuffer, executionID string, draft MutationDraft) {
	t.Helper()
	if _, err := buffer.Append(executionID, draft); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestProvisionalStateWithoutEventsIsBase(t *testing.T) {
	projector, _, _ := projectorFixture(t)

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if len(state.MergedIssues) != 2 || len(state.MergedSpecs) != 1 {
		t.Fatalf("expected merged views to equal base, got %d issues %d specs",
			len(state.MergedIssues), len(state.MergedSpecs))
	}
	summary := state.Summary()
	if summary.IssuesCreated+summary.IssuesUpdated+summary.IssuesDeleted != 0 {
		t.Fatalf("expected empty overlay, got %+v", summary)
	}
	if projector.HasProvisionalState("exec_1") {
		t.Fatalf("no events buffered, HasProvisionalState must be false")
	}
}

func TestProvisionalStateAppliesCreate(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueCreated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_c",
		NewValue:   Entity{"id": "iss_c", "title": "issue c", "status": "open"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if len(state.Provisional.IssuesCreated) != 1 {
		t.Fatalf("expected 1 created issue, got %d", len(state.Provisional.IssuesCreated))
	}
	if len(state.MergedIssues) != 3 {
		t.Fatalf("expected 3 merged issues, got %d", len(state.MergedIssues))
	}
	// Creates append after base order.
	if state.MergedIssues[2].ID() != "iss_c" {
		t.Fatalf("created issue must append after base, got %s", state.MergedIssues[2].ID())
	}
	if !projector.HasProvisionalState("exec_1") {
		t.Fatalf("events buffered, HasProvisionalState must be true")
	}
}

func TestProvisionalStateAppliesUpdateInPlace(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueUpdated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_a",
		OldValue:   Entity{"id": "iss_a", "title": "issue a", "status": "open"},
		NewValue:   Entity{"id": "iss_a", "title": "issue a", "status": "done"},
		Delta:      map[string]any{"status": "done"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if len(state.Provisional.IssuesUpdated) != 1 {
		t.Fatalf("expected 1 updated issue, got %d", len(state.Provisional.IssuesUpdated))
	}
	updated := state.Provisional.IssuesUpdated[0]
	if updated.Base["status"] != "open" || updated.Updated["status"] != "done" {
		t.Fatalf("unexpected base/updated pair: %v / %v", updated.Base, updated.Updated)
	}
	if state.MergedIssues[0].ID() != "iss_a" || state.MergedIssues[0]["status"] != "done" {
		t.Fatalf("update must replace in place, got %v", state.MergedIssues[0])
	}
	if len(state.MergedIssues) != 2 {
		t.Fatalf("merged count must not change on update, got %d", len(state.MergedIssues))
	}
}

func TestProvisionalStateDropsUpdateWithoutBase(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueUpdated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_ghost",
		NewValue:   Entity{"id": "iss_ghost", "status": "done"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if len(state.Provisional.IssuesUpdated) != 0 {
		t.Fatalf("update without base entity must be dropped, got %d", len(state.Provisional.IssuesUpdated))
	}
	if len(state.MergedIssues) != 2 {
		t.Fatalf("merged view must be untouched, got %d", len(state.MergedIssues))
	}
}

func TestProvisionalStateAppliesDelete(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueDeleted,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_a",
		OldValue:   Entity{"id": "iss_a", "title": "issue a", "status": "open"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if len(state.Provisional.IssuesDeleted) != 1 {
		t.Fatalf("expected 1 deleted issue, got %d", len(state.Provisional.IssuesDeleted))
	}
	if len(state.MergedIssues) != 1 || state.MergedIssues[0].ID() != "iss_b" {
		t.Fatalf("deleted issue must be filtered from merged view, got %v", state.MergedIssues)
	}
}

func TestProvisionalStateCreateThenDeleteResolvesAbsent(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueCreated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_tmp",
		NewValue:   Entity{"id": "iss_tmp", "status": "open"},
	})
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueDeleted,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_tmp",
		OldValue:   Entity{"id": "iss_tmp", "status": "open"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	for _, entity := range state.MergedIssues {
		if entity.ID() == "iss_tmp" {
			t.Fatalf("entity created and deleted within the buffer must not appear merged")
		}
	}
}

func TestProvisionalStateCombinedScenario(t *testing.T) {
	projector, base, buffer := projectorFixture(t)
	if err := base.PutExecution(ExecutionRecord{ID: "exec_1", ParentIssueID: "iss_a", Status: "running"}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueCreated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_c",
		NewValue:   Entity{"id": "iss_c", "status": "open"},
	})
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationIssueUpdated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_a",
		OldValue:   Entity{"id": "iss_a", "title": "issue a", "status": "open"},
		NewValue:   Entity{"id": "iss_a", "title": "issue a", "status": "done"},
		Delta:      map[string]any{"status": "done"},
	})
	mustAppend(t, buffer, "exec_1", MutationDraft{
		Type:       MutationSpecDeleted,
		EntityType: EntityTypeSpec,
		EntityID:   "spec_a",
		OldValue:   Entity{"id": "spec_a", "body": "spec a"},
	})

	summary, err := projector.Summary(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.IssuesCreated != 1 || summary.IssuesUpdated != 1 || summary.SpecsDeleted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if state.Execution.Status != "running" || state.Execution.ParentIssueID != "iss_a" {
		t.Fatalf("expected execution metadata from store, got %+v", state.Execution)
	}
	if len(state.MergedSpecs) != 0 {
		t.Fatalf("expected deleted spec filtered out, got %d", len(state.MergedSpecs))
	}
}

func TestProvisionalStateUnknownExecutionMetadata(t *testing.T) {
	projector, _, buffer := projectorFixture(t)
	mustAppend(t, buffer, "exec_missing", MutationDraft{
		Type:       MutationIssueCreated,
		EntityType: EntityTypeIssue,
		EntityID:   "iss_x",
		NewValue:   Entity{"id": "iss_x"},
	})

	state, err := projector.ComputeProvisionalState(context.Background(), "exec_missing")
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if state.Execution.ID != "exec_missing" || state.Execution.Status != "unknown" {
		t.Fatalf("expected degraded execution record, got %+v", state.Execution)
	}
}

func TestProvisionalStateRejectsEmptyExecutionID(t *testing.T) {
	projector, _, _ := projectorFixture(t)
	if _, err := projector.ComputeProvisionalState(context.Background(), ""); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
