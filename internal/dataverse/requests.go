package dataverse

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/schema"
)

// BulkOperation names one of the server's batched write actions.
type BulkOperation string

const (
	OpCreateMultiple BulkOperation = "CreateMultiple"
	OpUpdateMultiple BulkOperation = "UpdateMultiple"
	OpUpsertMultiple BulkOperation = "UpsertMultiple"
	OpDeleteMultiple BulkOperation = "DeleteMultiple"
)

// BypassSet selects which classes of server-side custom logic a write
// should skip.
type BypassSet uint8

const (
	BypassSync BypassSet = 1 << iota
	BypassAsync
)

// BypassAll skips both synchronous and asynchronous custom logic.
const BypassAll = BypassSync | BypassAsync

// headerValue renders the set in the server's comma-joined vocabulary.
// The empty set renders empty and the header is omitted.
func (b BypassSet) headerValue() string {
	switch b & BypassAll {
	case BypassSync:
		return "CustomSync"
	case BypassAsync:
		return "CustomAsync"
	case BypassAll:
		return "CustomSync,CustomAsync"
	}
	return ""
}

// CallOptions are the per-request parameters every write accepts.
type CallOptions struct {
	Bypass              BypassSet
	SuppressExpanderJob bool // skip the callback-registration expander job
	SuppressDuplicates  bool
	Tag                 string // free-form marker surfaced in server-side context
}

// WireRecord is the JSON shape of one record on the wire. Values carry the
// serialized text of every field; Refs names the target entity for each
// reference-typed field so the receiver can rebuild typed references.
type WireRecord struct {
	ID     string            `json:"id"`
	Values map[string]string `json:"values,omitempty"`
	Refs   map[string]string `json:"refs,omitempty"`
}

// EncodeRecord converts a typed record to its wire shape.
func EncodeRecord(rec schema.Record) WireRecord {
	w := WireRecord{ID: rec.ID.String()}
	if len(rec.Fields) > 0 {
		w.Values = make(map[string]string, len(rec.Fields))
	}
	for name, v := range rec.Fields {
		w.Values[name] = schema.FormatValue(v)
		if ref, ok := v.(schema.Ref); ok {
			if w.Refs == nil {
				w.Refs = make(map[string]string)
			}
			w.Refs[name] = ref.Entity
		}
	}
	return w
}

// DecodeRecord converts a wire record back to a typed record using the
// entity's field definitions. Fields the entity does not declare are kept
// as plain text.
func DecodeRecord(ent *schema.Entity, w WireRecord) (schema.Record, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return schema.Record{}, fmt.Errorf("record id %q: %w", w.ID, err)
	}
	rec := schema.Record{ID: id, Fields: make(map[string]any, len(w.Values))}
	for name, text := range w.Values {
		f := ent.Field(name)
		if f == nil {
			rec.Fields[name] = text
			continue
		}
		fd := *f
		if target := w.Refs[name]; target != "" {
			// Polymorphic references carry their actual target per record.
			fd.TargetEntity = strings.ToLower(target)
		}
		v, err := schema.ParseValue(&fd, text)
		if err != nil {
			return schema.Record{}, fmt.Errorf("entity %s record %s: %w", ent.LogicalName, w.ID, err)
		}
		rec.Fields[name] = v
	}
	return rec, nil
}

// BulkRequest is one batched write of up to BatchLimit records of a single
// entity.
type BulkRequest struct {
	Operation BulkOperation `json:"-"`
	Entity    string        `json:"entity"`
	Targets   []WireRecord  `json:"targets"`
}

// BatchLimit is the server's hard cap on records per bulk request.
const BatchLimit = 1000

// ItemError is a per-record failure inside an otherwise accepted request.
// Index is the position within the request's Targets.
type ItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BulkResponse reports the outcome of a bulk request. IDs holds the
// server-assigned (or confirmed) identifier per target, index-aligned with
// the request; entries covered by Errors are zero.
type BulkResponse struct {
	IDs    []uuid.UUID `json:"ids"`
	Errors []ItemError `json:"errors,omitempty"`
}

// PageQuery asks for one page of an entity scan. A fresh scan leaves
// PagingCookie empty; subsequent pages echo the cookie from the previous
// response.
type PageQuery struct {
	Entity       string   `json:"entity"`
	Fields       []string `json:"fields,omitempty"`
	PageSize     int      `json:"page_size"`
	PagingCookie string   `json:"paging_cookie,omitempty"`
}

// Page is one slice of an entity scan.
type Page struct {
	Records      []WireRecord `json:"records"`
	More         bool         `json:"more"`
	PagingCookie string       `json:"paging_cookie,omitempty"`
}

// AssociateRequest links one record to a set of related records through a
// named relationship. Existing links are counted as associated, not errors.
type AssociateRequest struct {
	Relationship  string      `json:"relationship"`
	Entity        string      `json:"entity"`
	ID            uuid.UUID   `json:"id"`
	RelatedEntity string      `json:"related_entity"`
	RelatedIDs    []uuid.UUID `json:"related_ids"`
}

// AssociateResponse reports how many links now exist and any per-target
// failures, index-aligned with RelatedIDs.
type AssociateResponse struct {
	Associated int         `json:"associated"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// AssociationRow is one record's links through a many-to-many
// relationship.
type AssociationRow struct {
	ID         uuid.UUID   `json:"id"`
	RelatedIDs []uuid.UUID `json:"related_ids"`
}

// FieldMetadata describes one attribute of a target entity as the server
// reports it.
type FieldMetadata struct {
	LogicalName    string `json:"logical_name"`
	Type           string `json:"type"`
	ValidForCreate bool   `json:"valid_for_create"`
	ValidForUpdate bool   `json:"valid_for_update"`
}

// EntityMetadata is the server's description of one entity.
type EntityMetadata struct {
	LogicalName string          `json:"logical_name"`
	PrimaryID   string          `json:"primary_id"`
	Fields      []FieldMetadata `json:"fields"`
}
