// Package schema defines the entity model the migration engine moves between
// environments: entities, their fields, and their relationships, as described
// by a data_schema.xml document.
//
// Logical names are case-insensitive ASCII identifiers. The model lowercases
// them on construction so every lookup elsewhere in the engine can compare
// directly.
package schema

import (
	"sort"
	"strings"
)

// FieldType is the declared wire type of a field in the schema document.
type FieldType string

// Field types understood by the reader. Unknown types are preserved verbatim
// so future schema revisions round-trip, but they carry no typed parsing.
const (
	TypeString    FieldType = "string"
	TypeMemo      FieldType = "memo"
	TypeNumber    FieldType = "number"
	TypeDecimal   FieldType = "decimal"
	TypeMoney     FieldType = "money"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeDateTime  FieldType = "datetime"
	TypeGUID      FieldType = "guid"
	TypeLookup    FieldType = "entityreference"
	TypeOwner     FieldType = "owner"
	TypeCustomer  FieldType = "customer"
	TypeParent    FieldType = "parent"
	TypeOptionSet FieldType = "optionsetvalue"
	TypeState     FieldType = "state"
	TypeStatus    FieldType = "status"
	TypeImage     FieldType = "image"
	TypeFile      FieldType = "file"
)

// IsLookupLike reports whether the type points at another entity's records.
func (t FieldType) IsLookupLike() bool {
	switch t {
	case TypeLookup, TypeOwner, TypeCustomer, TypeParent:
		return true
	}
	return false
}

// Field describes one attribute of an entity.
type Field struct {
	LogicalName  string
	DisplayName  string
	Type         FieldType
	TargetEntity string // set only for lookup-like fields
	IsRequired   bool
	IsCustom     bool
}

// IsLookup reports whether the field references another entity. TargetEntity
// is the single discriminator; the type only names the flavor.
func (f *Field) IsLookup() bool {
	return f.TargetEntity != ""
}

// Relationship describes a named relationship owned by an entity. For
// many-to-many relationships the pairing is not directional; EntityA is the
// entity whose schema block declared it.
type Relationship struct {
	Name         string
	EntityA      string
	EntityB      string
	IsManyToMany bool
}

// Entity is the schema of one record type.
type Entity struct {
	LogicalName    string
	DisplayName    string
	PrimaryID      string
	PrimaryName    string
	DisablePlugins bool
	Fields         []Field
	Relationships  []Relationship
}

// Field returns the field with the given logical name, or nil.
func (e *Entity) Field(name string) *Field {
	name = strings.ToLower(name)
	for i := range e.Fields {
		if e.Fields[i].LogicalName == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// LookupFields returns the entity's lookup-like fields in declaration order.
func (e *Entity) LookupFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if f.IsLookup() {
			out = append(out, f)
		}
	}
	return out
}

// Schema is the parsed schema document. Entities live in a flat slice;
// cross-entity references elsewhere in the engine hold indices or lowercased
// names, never pointers, so the model stays cycle-free.
type Schema struct {
	Entities []Entity

	byName map[string]int
}

// New builds a Schema from entities, indexing them by lowercased logical
// name. Names are assumed pre-normalized by the reader.
func New(entities []Entity) *Schema {
	s := &Schema{Entities: entities, byName: make(map[string]int, len(entities))}
	for i := range entities {
		s.byName[entities[i].LogicalName] = i
	}
	return s
}

// Entity returns the entity with the given logical name.
func (s *Schema) Entity(name string) (*Entity, bool) {
	i, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &s.Entities[i], true
}

// Index returns the position of the named entity in Entities, or -1.
func (s *Schema) Index(name string) int {
	i, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return -1
	}
	return i
}

// Names returns all entity logical names, sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.Entities))
	for i := range s.Entities {
		names = append(names, s.Entities[i].LogicalName)
	}
	sort.Strings(names)
	return names
}

// ManyToMany returns every m2m relationship in the schema, deduplicated by
// relationship name (both endpoint entities may declare the same one) and
// sorted by name for deterministic planning.
func (s *Schema) ManyToMany() []Relationship {
	seen := make(map[string]bool)
	var out []Relationship
	for i := range s.Entities {
		for _, r := range s.Entities[i].Relationships {
			if !r.IsManyToMany || seen[r.Name] {
				continue
			}
			seen[r.Name] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
