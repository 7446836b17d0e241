package archive

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/schema"
)

// Association is one exported many-to-many row: a record of the owning
// entity linked to records of the related entity.
type Association struct {
	Relationship string
	SourceID     uuid.UUID
	TargetEntity string
	TargetIDs    []uuid.UUID
}

// EntityData holds one entity's exported records plus its side of any
// many-to-many associations.
type EntityData struct {
	Entity       string
	Records      []schema.Record
	Associations []Association
}

type xmlDataEntity struct {
	XMLName xml.Name        `xml:"entity"`
	Name    string          `xml:"name,attr"`
	Records []xmlDataRecord `xml:"records>record"`
	M2M     []xmlDataM2M    `xml:"m2mrelationships>m2mrelationship"`
}

type xmlDataRecord struct {
	ID     string         `xml:"id,attr"`
	Fields []xmlDataField `xml:"field"`
}

type xmlDataField struct {
	Name         string `xml:"name,attr"`
	Value        string `xml:"value,attr"`
	LookupEntity string `xml:"lookupentity,attr,omitempty"`
}

type xmlDataM2M struct {
	Name         string   `xml:"m2mrelationshipname,attr"`
	SourceID     string   `xml:"sourceid,attr"`
	TargetEntity string   `xml:"targetentityname,attr"`
	TargetIDs    []string `xml:"targetids>targetid"`
}

func encodeEntityData(d *EntityData) xmlDataEntity {
	out := xmlDataEntity{Name: strings.ToLower(d.Entity)}
	for _, rec := range d.Records {
		xr := xmlDataRecord{ID: rec.ID.String()}
		names := make([]string, 0, len(rec.Fields))
		for n, v := range rec.Fields {
			if v == nil {
				continue
			}
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			v := rec.Fields[n]
			xf := xmlDataField{Name: n, Value: schema.FormatValue(v)}
			if ref, ok := v.(schema.Ref); ok {
				xf.LookupEntity = ref.Entity
			}
			xr.Fields = append(xr.Fields, xf)
		}
		out.Records = append(out.Records, xr)
	}
	for _, a := range d.Associations {
		xm := xmlDataM2M{
			Name:         a.Relationship,
			SourceID:     a.SourceID.String(),
			TargetEntity: a.TargetEntity,
			TargetIDs:    make([]string, 0, len(a.TargetIDs)),
		}
		for _, id := range a.TargetIDs {
			xm.TargetIDs = append(xm.TargetIDs, id.String())
		}
		out.M2M = append(out.M2M, xm)
	}
	return out
}

func decodeEntityData(s *schema.Schema, x xmlDataEntity) (*EntityData, error) {
	name := strings.ToLower(x.Name)
	if name == "" {
		return nil, fmt.Errorf("data document: entity element without a name")
	}
	ent, ok := s.Entity(name)
	if !ok {
		return nil, fmt.Errorf("data document carries entity %s, schema does not declare it", name)
	}

	out := &EntityData{Entity: name}
	for _, xr := range x.Records {
		rec, err := decodeDataRecord(ent, xr)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
	}
	for _, xm := range x.M2M {
		a, err := decodeDataM2M(name, xm)
		if err != nil {
			return nil, err
		}
		out.Associations = append(out.Associations, a)
	}
	return out, nil
}

func decodeDataRecord(ent *schema.Entity, xr xmlDataRecord) (schema.Record, error) {
	id, err := uuid.Parse(xr.ID)
	if err != nil {
		return schema.Record{}, fmt.Errorf("entity %s: record id %q: %w", ent.LogicalName, xr.ID, err)
	}
	rec := schema.Record{ID: id, Fields: make(map[string]any, len(xr.Fields))}
	for _, xf := range xr.Fields {
		fname := strings.ToLower(xf.Name)
		f := ent.Field(fname)
		if f == nil {
			// The schema does not know this field; the target-metadata
			// check decides what happens to it.
			rec.Fields[fname] = xf.Value
			continue
		}
		if xf.Value == "" && f.Type != schema.TypeString && f.Type != schema.TypeMemo {
			continue
		}
		fd := *f
		if xf.LookupEntity != "" {
			// Polymorphic references name their actual target per record.
			fd.TargetEntity = strings.ToLower(xf.LookupEntity)
		}
		v, err := schema.ParseValue(&fd, xf.Value)
		if err != nil {
			return schema.Record{}, fmt.Errorf("entity %s record %s: %w", ent.LogicalName, xr.ID, err)
		}
		rec.Fields[fname] = v
	}
	return rec, nil
}

func decodeDataM2M(entity string, xm xmlDataM2M) (Association, error) {
	a := Association{
		Relationship: strings.ToLower(xm.Name),
		TargetEntity: strings.ToLower(xm.TargetEntity),
	}
	if a.Relationship == "" {
		return a, fmt.Errorf("entity %s: m2m row without a relationship name", entity)
	}
	sid, err := uuid.Parse(xm.SourceID)
	if err != nil {
		return a, fmt.Errorf("entity %s relationship %s: source id %q: %w", entity, a.Relationship, xm.SourceID, err)
	}
	a.SourceID = sid
	for _, raw := range xm.TargetIDs {
		tid, err := uuid.Parse(raw)
		if err != nil {
			return a, fmt.Errorf("entity %s relationship %s: target id %q: %w", entity, a.Relationship, raw, err)
		}
		a.TargetIDs = append(a.TargetIDs, tid)
	}
	return a, nil
}

func readData(rd io.Reader, s *schema.Schema) ([]*EntityData, error) {
	d := xml.NewDecoder(rd)
	var out []*EntityData
	seen := make(map[string]bool)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading data document: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "entity" {
			continue
		}
		var x xmlDataEntity
		if err := d.DecodeElement(&x, &start); err != nil {
			return nil, fmt.Errorf("reading data document: %w", err)
		}
		ed, err := decodeEntityData(s, x)
		if err != nil {
			return nil, err
		}
		if seen[ed.Entity] {
			return nil, fmt.Errorf("data document repeats entity %s", ed.Entity)
		}
		seen[ed.Entity] = true
		out = append(out, ed)
	}
	return out, nil
}
