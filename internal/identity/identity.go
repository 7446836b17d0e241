// Package identity tracks which target identifier each source record
// received during an import. Entries are written by the entity phase as
// batches succeed and read by the deferred-field and many-to-many phases
// to translate references.
package identity

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/schema"
)

// Map is the per-entity source-to-target identifier mapping. It is safe
// for concurrent use. Entries are append-only: the first mapping for a
// source id wins and later writes for the same id are ignored.
type Map struct {
	mu       sync.RWMutex
	byEntity map[string]map[uuid.UUID]uuid.UUID
}

// NewMap returns an empty identity map.
func NewMap() *Map {
	return &Map{byEntity: make(map[string]map[uuid.UUID]uuid.UUID)}
}

// Put records source → target for entity and reports whether the entry was
// inserted. A source id that is already mapped keeps its first target.
func (m *Map) Put(entity string, source, target uuid.UUID) bool {
	entity = strings.ToLower(entity)
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byEntity[entity]
	if ids == nil {
		ids = make(map[uuid.UUID]uuid.UUID)
		m.byEntity[entity] = ids
	}
	if _, exists := ids[source]; exists {
		return false
	}
	ids[source] = target
	return true
}

// Lookup returns the target id mapped for (entity, source).
func (m *Map) Lookup(entity string, source uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.byEntity[strings.ToLower(entity)][source]
	return target, ok
}

// Translate rewrites a reference to point at the target record its source
// maps to. It reports false when the referenced record has no mapping.
func (m *Map) Translate(ref schema.Ref) (schema.Ref, bool) {
	target, ok := m.Lookup(ref.Entity, ref.ID)
	if !ok {
		return schema.Ref{}, false
	}
	return schema.Ref{Entity: strings.ToLower(ref.Entity), ID: target}, true
}

// Count returns how many source ids are mapped for entity.
func (m *Map) Count(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byEntity[strings.ToLower(entity)])
}

// Size returns the total number of entries across entities.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ids := range m.byEntity {
		n += len(ids)
	}
	return n
}

// Entities returns the entity names holding at least one entry, sorted.
func (m *Map) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byEntity))
	for name, ids := range m.byEntity {
		if len(ids) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
