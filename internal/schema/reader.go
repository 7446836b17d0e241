package schema

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ParseError reports a malformed or invalid schema document, pointing at the
// line the offending element starts on.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schema line %d: %s", e.Line, e.Msg)
}

type xmlField struct {
	Name        string `xml:"name,attr"`
	DisplayName string `xml:"displayname,attr"`
	Type        string `xml:"type,attr"`
	CustomField string `xml:"customfield,attr"`
	LookupType  string `xml:"lookupType,attr"`
}

type xmlRelationship struct {
	Name          string `xml:"name,attr"`
	M2M           string `xml:"m2m,attr"`
	RelatedEntity string `xml:"relatedEntityName,attr"`
}

type xmlEntityAttrs struct {
	Name           string `xml:"name,attr"`
	DisplayName    string `xml:"displayname,attr"`
	PrimaryID      string `xml:"primaryidfield,attr"`
	PrimaryName    string `xml:"primarynamefield,attr"`
	DisablePlugins string `xml:"disableplugins,attr"`
}

// lineReader counts newlines as the decoder consumes input so element byte
// offsets can be mapped back to line numbers.
type lineReader struct {
	r     io.Reader
	off   int64
	lines []int64 // byte offset of each '\n' seen so far
}

func (lr *lineReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == '\n' {
			lr.lines = append(lr.lines, lr.off+int64(i))
		}
	}
	lr.off += int64(n)
	return n, err
}

func (lr *lineReader) lineAt(off int64) int {
	return 1 + sort.Search(len(lr.lines), func(i int) bool { return lr.lines[i] >= off })
}

// Read parses a data_schema.xml document. Unknown elements and attributes
// are skipped so newer documents still load; violations of the document's
// own rules (duplicate entities, untyped fields, lookups without a target,
// m2m rows without both endpoints) fail with a ParseError.
func Read(r io.Reader) (*Schema, error) {
	lr := &lineReader{r: r}
	d := xml.NewDecoder(lr)

	var entities []Entity
	seen := make(map[string]int)

	for {
		line := lr.lineAt(d.InputOffset())
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			var syn *xml.SyntaxError
			if errors.As(err, &syn) {
				return nil, &ParseError{Line: syn.Line, Msg: syn.Msg}
			}
			return nil, &ParseError{Line: line, Msg: err.Error()}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "entity" {
			continue
		}
		ent, err := decodeEntity(d, lr, start)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[ent.LogicalName]; dup {
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("duplicate entity %q (first declared at line %d)", ent.LogicalName, prev)}
		}
		seen[ent.LogicalName] = line
		entities = append(entities, ent)
	}
	return New(entities), nil
}

func decodeEntity(d *xml.Decoder, lr *lineReader, start xml.StartElement) (Entity, error) {
	line := lr.lineAt(d.InputOffset())

	var attrs xmlEntityAttrs
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "name":
			attrs.Name = a.Value
		case "displayname":
			attrs.DisplayName = a.Value
		case "primaryidfield":
			attrs.PrimaryID = a.Value
		case "primarynamefield":
			attrs.PrimaryName = a.Value
		case "disableplugins":
			attrs.DisablePlugins = a.Value
		}
	}
	if attrs.Name == "" {
		return Entity{}, &ParseError{Line: line, Msg: "entity element without a name"}
	}

	ent := Entity{
		LogicalName:    strings.ToLower(attrs.Name),
		DisplayName:    attrs.DisplayName,
		PrimaryID:      strings.ToLower(attrs.PrimaryID),
		PrimaryName:    strings.ToLower(attrs.PrimaryName),
		DisablePlugins: parseBoolAttr(attrs.DisablePlugins),
	}

	for {
		elemLine := lr.lineAt(d.InputOffset())
		tok, err := d.Token()
		if err != nil {
			return Entity{}, &ParseError{Line: elemLine, Msg: fmt.Sprintf("entity %s: %v", ent.LogicalName, err)}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "field":
				f, err := decodeField(d, ent.LogicalName, elemLine, t)
				if err != nil {
					return Entity{}, err
				}
				ent.Fields = append(ent.Fields, f)
			case "relationship":
				rel, err := decodeRelationship(d, ent.LogicalName, elemLine, t)
				if err != nil {
					return Entity{}, err
				}
				ent.Relationships = append(ent.Relationships, rel)
			}
		case xml.EndElement:
			if t.Name.Local == "entity" {
				return ent, nil
			}
		}
	}
}

func decodeField(d *xml.Decoder, entity string, line int, start xml.StartElement) (Field, error) {
	var raw xmlField
	if err := d.DecodeElement(&raw, &start); err != nil {
		return Field{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: bad field element: %v", entity, err)}
	}
	if raw.Name == "" {
		return Field{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: field without a name", entity)}
	}
	if raw.Type == "" {
		return Field{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: field %s has no declared type", entity, raw.Name)}
	}
	f := Field{
		LogicalName:  strings.ToLower(raw.Name),
		DisplayName:  raw.DisplayName,
		Type:         FieldType(strings.ToLower(raw.Type)),
		TargetEntity: strings.ToLower(raw.LookupType),
		IsCustom:     parseBoolAttr(raw.CustomField),
	}
	if f.Type.IsLookupLike() && f.TargetEntity == "" {
		return Field{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: lookup field %s has no target entity", entity, f.LogicalName)}
	}
	return f, nil
}

func decodeRelationship(d *xml.Decoder, entity string, line int, start xml.StartElement) (Relationship, error) {
	var raw xmlRelationship
	if err := d.DecodeElement(&raw, &start); err != nil {
		return Relationship{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: bad relationship element: %v", entity, err)}
	}
	if raw.Name == "" {
		return Relationship{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: relationship without a name", entity)}
	}
	rel := Relationship{
		Name:         strings.ToLower(raw.Name),
		EntityA:      entity,
		EntityB:      strings.ToLower(raw.RelatedEntity),
		IsManyToMany: parseBoolAttr(raw.M2M),
	}
	if rel.IsManyToMany && rel.EntityB == "" {
		return Relationship{}, &ParseError{Line: line, Msg: fmt.Sprintf("entity %s: m2m relationship %s does not name the related entity", entity, rel.Name)}
	}
	return rel, nil
}

func parseBoolAttr(s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	return err == nil && v
}
