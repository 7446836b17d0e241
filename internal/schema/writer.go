package schema

import (
	"encoding/xml"
	"fmt"
	"io"
)

type xmlOutDoc struct {
	XMLName  xml.Name       `xml:"entities"`
	Entities []xmlOutEntity `xml:"entity"`
}

type xmlOutEntity struct {
	Name           string        `xml:"name,attr"`
	DisplayName    string        `xml:"displayname,attr,omitempty"`
	PrimaryID      string        `xml:"primaryidfield,attr,omitempty"`
	PrimaryName    string        `xml:"primarynamefield,attr,omitempty"`
	DisablePlugins string        `xml:"disableplugins,attr,omitempty"`
	Fields         *xmlOutFields `xml:"fields,omitempty"`
	Relationships  *xmlOutRels   `xml:"relationships,omitempty"`
}

type xmlOutFields struct {
	Fields []xmlOutField `xml:"field"`
}

type xmlOutField struct {
	Name        string `xml:"name,attr"`
	DisplayName string `xml:"displayname,attr,omitempty"`
	Type        string `xml:"type,attr"`
	CustomField string `xml:"customfield,attr,omitempty"`
	LookupType  string `xml:"lookupType,attr,omitempty"`
}

type xmlOutRels struct {
	Relationships []xmlOutRel `xml:"relationship"`
}

type xmlOutRel struct {
	Name          string `xml:"name,attr"`
	M2M           string `xml:"m2m,attr,omitempty"`
	RelatedEntity string `xml:"relatedEntityName,attr,omitempty"`
}

// Write renders the schema as a data_schema.xml document in the shape Read
// accepts.
func Write(w io.Writer, s *Schema) error {
	var doc xmlOutDoc
	for i := range s.Entities {
		doc.Entities = append(doc.Entities, encodeOutEntity(&s.Entities[i]))
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("writing schema document: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("writing schema document: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("writing schema document: %w", err)
	}
	return nil
}

func encodeOutEntity(e *Entity) xmlOutEntity {
	oe := xmlOutEntity{
		Name:        e.LogicalName,
		DisplayName: e.DisplayName,
		PrimaryID:   e.PrimaryID,
		PrimaryName: e.PrimaryName,
	}
	if e.DisablePlugins {
		oe.DisablePlugins = "true"
	}
	if len(e.Fields) > 0 {
		fs := &xmlOutFields{Fields: make([]xmlOutField, 0, len(e.Fields))}
		for _, f := range e.Fields {
			of := xmlOutField{
				Name:        f.LogicalName,
				DisplayName: f.DisplayName,
				Type:        string(f.Type),
				LookupType:  f.TargetEntity,
			}
			if f.IsCustom {
				of.CustomField = "true"
			}
			fs.Fields = append(fs.Fields, of)
		}
		oe.Fields = fs
	}
	if len(e.Relationships) > 0 {
		rs := &xmlOutRels{Relationships: make([]xmlOutRel, 0, len(e.Relationships))}
		for _, r := range e.Relationships {
			or := xmlOutRel{Name: r.Name, RelatedEntity: r.EntityB}
			if r.EntityA != e.LogicalName {
				or.RelatedEntity = r.EntityA
			}
			if r.IsManyToMany {
				or.M2M = "true"
			}
			rs.Relationships = append(rs.Relationships, or)
		}
		oe.Relationships = rs
	}
	return oe
}
