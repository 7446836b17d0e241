package archive

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arkfield/shuttle/internal/schema"
)

func testSchema() *schema.Schema {
	return schema.New([]schema.Entity{
		{
			LogicalName: "account",
			PrimaryID:   "accountid",
			Fields: []schema.Field{
				{LogicalName: "accountid", Type: schema.TypeGUID},
				{LogicalName: "name", Type: schema.TypeString},
				{LogicalName: "revenue", Type: schema.TypeMoney},
				{LogicalName: "active", Type: schema.TypeBool},
				{LogicalName: "opened", Type: schema.TypeDateTime},
				{LogicalName: "rating", Type: schema.TypeOptionSet},
				{LogicalName: "primarycontactid", Type: schema.TypeLookup, TargetEntity: "contact"},
			},
			Relationships: []schema.Relationship{
				{Name: "accountleads", EntityA: "account", EntityB: "lead", IsManyToMany: true},
			},
		},
		{
			LogicalName: "contact",
			PrimaryID:   "contactid",
			Fields: []schema.Field{
				{LogicalName: "contactid", Type: schema.TypeGUID},
				{LogicalName: "fullname", Type: schema.TypeString},
			},
		},
	})
}

// writeTestZip hand-assembles an archive so malformed and future-format
// documents can be exercised without going through Writer.
func writeTestZip(t *testing.T, withSchema bool, dataDoc string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("creating zip: %v", err)
	}
	zw := zip.NewWriter(f)
	if withSchema {
		e, err := zw.Create(schemaEntryName)
		if err != nil {
			t.Fatalf("creating schema entry: %v", err)
		}
		if err := schema.Write(e, testSchema()); err != nil {
			t.Fatalf("writing schema: %v", err)
		}
	}
	if dataDoc != "" {
		e, err := zw.Create(dataEntryName)
		if err != nil {
			t.Fatalf("creating data entry: %v", err)
		}
		if _, err := io.WriteString(e, dataDoc); err != nil {
			t.Fatalf("writing data: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing file: %v", err)
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "export.zip")
	accountID := uuid.New()
	contactID := uuid.New()
	leadA, leadB := uuid.New(), uuid.New()
	opened := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	revenue := decimal.RequireFromString("1250.55")

	w, err := Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteSchema(testSchema()); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	err = w.AppendEntity(&EntityData{
		Entity: "account",
		Records: []schema.Record{{
			ID: accountID,
			Fields: map[string]any{
				"accountid":        accountID,
				"name":             "Contoso",
				"revenue":          revenue,
				"active":           true,
				"opened":           opened,
				"rating":           schema.OptionValue{Value: 3},
				"primarycontactid": schema.Ref{Entity: "contact", ID: contactID},
			},
		}},
		Associations: []Association{{
			Relationship: "accountleads",
			SourceID:     accountID,
			TargetEntity: "lead",
			TargetIDs:    []uuid.UUID{leadA, leadB},
		}},
	})
	if err != nil {
		t.Fatalf("AppendEntity(account): %v", err)
	}
	if err := w.AddAttachment("notes/summary.txt", strings.NewReader("quarterly summary")); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	err = w.AppendEntity(&EntityData{
		Entity: "contact",
		Records: []schema.Record{{
			ID:     contactID,
			Fields: map[string]any{"contactid": contactID, "fullname": "Rene Valdes"},
		}},
	})
	if err != nil {
		t.Fatalf("AppendEntity(contact): %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if got := r.Schema().Names(); !reflect.DeepEqual(got, []string{"account", "contact"}) {
		t.Errorf("schema names = %v", got)
	}
	data, err := r.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(data) != 2 || data[0].Entity != "account" || data[1].Entity != "contact" {
		t.Fatalf("entity sections out of order: %+v", data)
	}

	if n := len(data[0].Records); n != 1 {
		t.Fatalf("account records = %d, want 1", n)
	}
	rec := data[0].Records[0]
	if rec.ID != accountID {
		t.Errorf("record id = %s, want %s", rec.ID, accountID)
	}
	if got := rec.Fields["name"]; got != "Contoso" {
		t.Errorf("name = %v", got)
	}
	if got := rec.Fields["active"]; got != true {
		t.Errorf("active = %v", got)
	}
	if got := rec.Fields["rating"]; got != (schema.OptionValue{Value: 3}) {
		t.Errorf("rating = %v", got)
	}
	if got := rec.Fields["primarycontactid"]; got != (schema.Ref{Entity: "contact", ID: contactID}) {
		t.Errorf("primarycontactid = %v", got)
	}
	if got := rec.Fields["accountid"]; got != accountID {
		t.Errorf("accountid = %v", got)
	}
	if got, ok := rec.Fields["revenue"].(decimal.Decimal); !ok || !got.Equal(revenue) {
		t.Errorf("revenue = %v, want %s", rec.Fields["revenue"], revenue)
	}
	if got, ok := rec.Fields["opened"].(time.Time); !ok || !got.Equal(opened) {
		t.Errorf("opened = %v, want %s", rec.Fields["opened"], opened)
	}

	wantAssoc := []Association{{
		Relationship: "accountleads",
		SourceID:     accountID,
		TargetEntity: "lead",
		TargetIDs:    []uuid.UUID{leadA, leadB},
	}}
	if !reflect.DeepEqual(data[0].Associations, wantAssoc) {
		t.Errorf("associations = %+v", data[0].Associations)
	}

	if got := r.Attachments(); !reflect.DeepEqual(got, []string{"notes/summary.txt"}) {
		t.Fatalf("attachments = %v", got)
	}
	rc, err := r.OpenAttachment("notes/summary.txt")
	if err != nil {
		t.Fatalf("OpenAttachment: %v", err)
	}
	blob, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(blob) != "quarterly summary" {
		t.Errorf("attachment = %q, err %v", blob, err)
	}
}

func TestAppendEntityTwiceFails(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "dup.zip"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteSchema(testSchema()); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	if err := w.AppendEntity(&EntityData{Entity: "account"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := w.AppendEntity(&EntityData{Entity: "Account"}); err == nil {
		t.Fatal("second append of the same entity succeeded")
	}
	// The writer is poisoned; Close must not produce a valid archive.
	if err := w.Close(); err == nil {
		t.Fatal("Close succeeded after a write error")
	}
}

func TestCloseWithoutSchemaFails(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "noschema.zip"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrNoSchema) {
		t.Fatalf("Close = %v, want ErrNoSchema", err)
	}
}

func TestOpenRequiresSchemaDocument(t *testing.T) {
	p := writeTestZip(t, false, `<entities></entities>`)
	if _, err := Open(p); !errors.Is(err, ErrNoSchema) {
		t.Fatalf("Open = %v, want ErrNoSchema", err)
	}
}

func TestDataDocumentMissing(t *testing.T) {
	p := writeTestZip(t, true, "")
	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Data(); !errors.Is(err, ErrNoData) {
		t.Fatalf("Data = %v, want ErrNoData", err)
	}
}

func TestUnknownElementsIgnored(t *testing.T) {
	id := "7d0e1a9c-64a2-4b63-9f3a-0d3c1f6f8a11"
	p := writeTestZip(t, true, `<?xml version="1.0" encoding="UTF-8"?>
<entities formatversion="9">
  <entity name="account" futureattr="x">
    <annotations><note>report</note></annotations>
    <records>
      <record id="`+id+`" version="7">
        <field name="name" value="Contoso" sourcehint="legacy" />
        <widget />
      </record>
    </records>
  </entity>
</entities>`)

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := r.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(data) != 1 || len(data[0].Records) != 1 {
		t.Fatalf("data = %+v", data)
	}
	rec := data[0].Records[0]
	if rec.ID != uuid.MustParse(id) || rec.Fields["name"] != "Contoso" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPolymorphicLookupOverridesSchemaTarget(t *testing.T) {
	accID := "3d1c2b4a-5e6f-4a8b-9c0d-1e2f3a4b5c6d"
	refID := "9a8b7c6d-5e4f-4d3c-8b2a-190817161514"
	p := writeTestZip(t, true, `<entities>
  <entity name="account">
    <records>
      <record id="`+accID+`">
        <field name="primarycontactid" value="`+refID+`" lookupentity="lead" />
      </record>
    </records>
  </entity>
</entities>`)

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := r.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	ref, ok := data[0].Records[0].Fields["primarycontactid"].(schema.Ref)
	if !ok {
		t.Fatalf("field = %T, want Ref", data[0].Records[0].Fields["primarycontactid"])
	}
	if ref.Entity != "lead" || ref.ID != uuid.MustParse(refID) {
		t.Errorf("ref = %+v", ref)
	}
}

func TestEmptyValuesBecomeNullOnTypedFields(t *testing.T) {
	id := "5f6e7d8c-9b0a-4c1d-8e2f-3a4b5c6d7e8f"
	p := writeTestZip(t, true, `<entities>
  <entity name="account">
    <records>
      <record id="`+id+`">
        <field name="revenue" value="" />
        <field name="name" value="" />
      </record>
    </records>
  </entity>
</entities>`)

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := r.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	fields := data[0].Records[0].Fields
	if _, present := fields["revenue"]; present {
		t.Errorf("empty money value kept: %v", fields["revenue"])
	}
	if v, present := fields["name"]; !present || v != "" {
		t.Errorf("empty string value dropped: %v %v", v, present)
	}
}

func TestUndeclaredEntityRejected(t *testing.T) {
	p := writeTestZip(t, true, `<entities><entity name="widget"></entity></entities>`)
	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Data(); err == nil || !strings.Contains(err.Error(), "schema does not declare") {
		t.Fatalf("Data = %v, want undeclared-entity error", err)
	}
}

func TestRepeatedEntitySectionRejected(t *testing.T) {
	p := writeTestZip(t, true, `<entities>
  <entity name="account"></entity>
  <entity name="account"></entity>
</entities>`)
	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Data(); err == nil || !strings.Contains(err.Error(), "repeats entity") {
		t.Fatalf("Data = %v, want repeated-entity error", err)
	}
}

func TestAttachmentNamesSanitized(t *testing.T) {
	p := filepath.Join(t.TempDir(), "att.zip")
	w, err := Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteSchema(testSchema()); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	if err := w.AddAttachment("../../outside/blob.bin", strings.NewReader("x")); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if got := r.Attachments(); !reflect.DeepEqual(got, []string{"outside/blob.bin"}) {
		t.Fatalf("attachments = %v", got)
	}
	if _, err := r.OpenAttachment("missing.bin"); !errors.Is(err, ErrNoAttachment) {
		t.Fatalf("OpenAttachment = %v, want ErrNoAttachment", err)
	}
}
