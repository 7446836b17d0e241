package schema

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	in := New([]Entity{
		{
			LogicalName:    "account",
			DisplayName:    "Account",
			PrimaryID:      "accountid",
			PrimaryName:    "name",
			DisablePlugins: true,
			Fields: []Field{
				{LogicalName: "accountid", DisplayName: "Account", Type: TypeGUID},
				{LogicalName: "name", DisplayName: "Account Name", Type: TypeString},
				{LogicalName: "revenue", Type: TypeMoney},
				{LogicalName: "primarycontactid", Type: TypeLookup, TargetEntity: "contact"},
				{LogicalName: "new_custom", Type: TypeString, IsCustom: true},
			},
			Relationships: []Relationship{
				{Name: "accountleads", EntityA: "account", EntityB: "lead", IsManyToMany: true},
			},
		},
		{
			LogicalName: "contact",
			PrimaryID:   "contactid",
			Fields: []Field{
				{LogicalName: "contactid", Type: TypeGUID},
			},
		},
	})

	var buf bytes.Buffer
	if err := Write(&buf, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(out.Entities, in.Entities) {
		t.Errorf("round trip changed the model:\n got %+v\nwant %+v", out.Entities, in.Entities)
	}
}

func TestWriteEmitsDocumentVocabulary(t *testing.T) {
	in := New([]Entity{{
		LogicalName: "account",
		PrimaryID:   "accountid",
		Fields: []Field{
			{LogicalName: "primarycontactid", Type: TypeLookup, TargetEntity: "contact"},
		},
	}})

	var buf bytes.Buffer
	if err := Write(&buf, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	doc := buf.String()
	for _, want := range []string{
		`<entity name="account" primaryidfield="accountid">`,
		`type="entityreference"`,
		`lookupType="contact"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}
