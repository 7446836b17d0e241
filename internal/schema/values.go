package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ref is a typed reference to a record of another entity.
type Ref struct {
	Entity string
	ID     uuid.UUID
}

func (r Ref) String() string {
	return r.Entity + "(" + r.ID.String() + ")"
}

// OptionValue is a choice-list value with its display label. Only Value is
// written back to the service; the label travels for diagnostics.
type OptionValue struct {
	Value int64
	Label string
}

// BlobRef points at a file stored beside the data document rather than
// inline. Path is relative to the archive root.
type BlobRef struct {
	Path string
}

// Record is one row of entity data. ID duplicates the primary identifier
// field for convenience; Fields maps lowercased logical names to typed
// values (string, int64, decimal.Decimal, bool, time.Time, uuid.UUID, Ref,
// OptionValue, BlobRef, or []byte).
type Record struct {
	ID     uuid.UUID
	Fields map[string]any
}

// Clone returns a record with an independent field map. Values are shared;
// they are treated as immutable once loaded.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{ID: r.ID, Fields: fields}
}

// Without returns a clone with the named fields removed.
func (r Record) Without(names ...string) Record {
	out := r.Clone()
	for _, n := range names {
		delete(out.Fields, strings.ToLower(n))
	}
	return out
}

// Only returns a clone keeping the identifier plus just the named fields
// that are present on the record.
func (r Record) Only(names ...string) Record {
	fields := make(map[string]any, len(names))
	for _, n := range names {
		n = strings.ToLower(n)
		if v, ok := r.Fields[n]; ok {
			fields[n] = v
		}
	}
	return Record{ID: r.ID, Fields: fields}
}

const wireTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// ParseValue converts the serialized text of a field into its typed value
// according to the field's declared type. Lookup-like fields need the
// target entity from the field definition, so callers pass the *Field, not
// just the type.
func ParseValue(f *Field, text string) (any, error) {
	switch f.Type {
	case TypeString, TypeMemo:
		return text, nil
	case TypeNumber, TypeState, TypeStatus:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as integer: %w", f.LogicalName, text, err)
		}
		if f.Type == TypeNumber {
			return n, nil
		}
		return OptionValue{Value: n}, nil
	case TypeDecimal, TypeMoney:
		d, err := decimal.NewFromString(text)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as decimal: %w", f.LogicalName, text, err)
		}
		return d, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as float: %w", f.LogicalName, text, err)
		}
		return v, nil
	case TypeBool:
		switch strings.ToLower(text) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("field %s: parsing %q as bool", f.LogicalName, text)
	case TypeDateTime:
		t, err := time.Parse(wireTimeLayout, text)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as timestamp: %w", f.LogicalName, text, err)
		}
		return t.UTC(), nil
	case TypeGUID:
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as guid: %w", f.LogicalName, text, err)
		}
		return id, nil
	case TypeOptionSet:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as option value: %w", f.LogicalName, text, err)
		}
		return OptionValue{Value: n}, nil
	case TypeLookup, TypeOwner, TypeCustomer, TypeParent:
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("field %s: parsing %q as reference id: %w", f.LogicalName, text, err)
		}
		if f.TargetEntity == "" {
			return nil, fmt.Errorf("field %s: reference value without a target entity", f.LogicalName)
		}
		return Ref{Entity: f.TargetEntity, ID: id}, nil
	case TypeImage, TypeFile:
		return BlobRef{Path: text}, nil
	}
	// Unknown declared type: carry the raw text through.
	return text, nil
}

// FormatValue renders a typed value back to its serialized text form.
func FormatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return v.UTC().Format(wireTimeLayout)
	case uuid.UUID:
		return v.String()
	case Ref:
		return v.ID.String()
	case OptionValue:
		return strconv.FormatInt(v.Value, 10)
	case BlobRef:
		return v.Path
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
