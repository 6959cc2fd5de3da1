package driftwatch

import (
	"bufio"
	"errors"
	"os"
	"reflect"
	"sort"
)

const maxLedgerLineBytes = 4 << 20

// ParseSnapshotFile reads a ledger file containing one JSON entity per line.
// Lines that fail to parse or lack an id are skipped and logged, never fatal.
// A missing file yields an empty snapshot.
func ParseSnapshotFile(path string, logger Logger) (Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return nil, err
	}
	defer file.Close()

	snapshot := Snapshot{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(trimSpaceBytes(line)) == 0 {
			continue
		}
		entity, err := parseEntityLine(line)
		if err != nil {
			logf(logger, "skipping malformed ledger line %s:%d: %v", path, lineNo, err)
			continue
		}
		snapshot[entity.ID()] = entity
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Diff compares two snapshots of one entity type and produces drafts for every
// create, update, and delete. Equality is structural, so a rewrite of the file
// that changes nothing produces nothing.
func Diff(entityType EntityType, oldSnapshot, newSnapshot Snapshot) []MutationDraft {
	drafts := make([]MutationDraft, 0)

	for _, id := range sortedIDs(newSnapshot) {
		newEntity := newSnapshot[id]
		oldEntity, existed := oldSnapshot[id]
		if !existed {
			drafts = append(drafts, MutationDraft{
				Type:       mutationTypeFor(entityType, "created"),
				EntityType: entityType,
				EntityID:   id,
				NewValue:   newEntity.Clone(),
				Metadata:   EventMetadata{Actor: extractActor(newEntity)},
			})
			continue
		}
		if entitiesEqual(oldEntity, newEntity) {
			continue
		}
		drafts = append(drafts, MutationDraft{
			Type:       mutationTypeFor(entityType, "updated"),
			EntityType: entityType,
			EntityID:   id,
			OldValue:   oldEntity.Clone(),
			NewValue:   newEntity.Clone(),
			Delta:      computeDelta(oldEntity, newEntity),
			Metadata:   EventMetadata{Actor: extractActor(newEntity)},
		})
	}

	for _, id := range sortedIDs(oldSnapshot) {
		if _, stillPresent := newSnapshot[id]; stillPresent {
			continue
		}
		oldEntity := oldSnapshot[id]
		drafts = append(drafts, MutationDraft{
			Type:       mutationTypeFor(entityType, "deleted"),
			EntityType: entityType,
			EntityID:   id,
			OldValue:   oldEntity.Clone(),
			Metadata:   EventMetadata{Actor: extractActor(oldEntity)},
		})
	}
	return drafts
}

// SnapshotEvents turns every entity in a first-observation snapshot into a
// created draft flagged with isSnapshot, seeding the baseline without those
// events reading as live changes.
func SnapshotEvents(entityType EntityType, snapshot Snapshot) []MutationDraft {
	drafts := make([]MutationDraft, 0, len(snapshot))
	for _, id := range sortedIDs(snapshot) {
		entity := snapshot[id]
		drafts = append(drafts, MutationDraft{
			Type:       mutationTypeFor(entityType, "created"),
			EntityType: entityType,
			EntityID:   id,
			NewValue:   entity.Clone(),
			Metadata: EventMetadata{
				IsSnapshot: true,
				Actor:      extractActor(entity),
			},
		})
	}
	return drafts
}

func entitiesEqual(a, b Entity) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// computeDelta returns only the top-level fields that changed between old and
// new. Fields removed entirely appear with a nil value.
func computeDelta(oldEntity, newEntity Entity) map[string]any {
	delta := map[string]any{}
	for field, newValue := range newEntity {
		oldValue, existed := oldEntity[field]
		if existed && reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		delta[field] = deepCopyValue(newValue)
	}
	for field := range oldEntity {
		if _, kept := newEntity[field]; !kept {
			delta[field] = nil
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// extractActor pulls a best-effort attribution field; absence is fine.
func extractActor(entity Entity) string {
	for _, field := range []string{"updated_by", "created_by", "author", "assignee"} {
		if actor, ok := entity[field].(string); ok && actor != "" {
			return actor
		}
	}
	return ""
}

func sortedIDs(snapshot Snapshot) []string {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func trimSpaceBytes(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}
