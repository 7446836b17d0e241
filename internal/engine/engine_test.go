package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/config"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/testutil/fakeorg"
)

func migrationSchema() *schema.Schema {
	return schema.New([]schema.Entity{
		{
			LogicalName: "businessunit",
			PrimaryID:   "businessunitid",
			Fields: []schema.Field{
				{LogicalName: "businessunitid", Type: schema.TypeGUID},
				{LogicalName: "name", Type: schema.TypeString},
			},
		},
		{
			LogicalName: "account",
			PrimaryID:   "accountid",
			Fields: []schema.Field{
				{LogicalName: "accountid", Type: schema.TypeGUID},
				{LogicalName: "name", Type: schema.TypeString},
				{LogicalName: "businessunitid", Type: schema.TypeLookup, TargetEntity: "businessunit"},
			},
		},
	})
}

func writeSchemaFile(t *testing.T, s *schema.Schema) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.xml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.Write(f, s); err != nil {
		t.Fatalf("writing schema: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func testEngine(t *testing.T, org *fakeorg.Org, cfg config.Run) *Engine {
	t.Helper()
	eng, err := New(cfg, []pool.Source{org.Source("org0", 4)}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngineRoundTrip(t *testing.T) {
	s := migrationSchema()
	schemaPath := writeSchemaFile(t, s)
	zipPath := filepath.Join(t.TempDir(), "run.zip")

	source := fakeorg.New(t)
	for _, ent := range s.Entities {
		source.DefineFromSchema(&ent)
	}
	buIDs := make([]string, 3)
	for i := range buIDs {
		buIDs[i] = uuid.New().String()
		source.SeedRecords("businessunit", dataverse.WireRecord{
			ID:     buIDs[i],
			Values: map[string]string{"name": fmt.Sprintf("unit %02d", i)},
		})
	}
	for i := 0; i < 5; i++ {
		source.SeedRecords("account", dataverse.WireRecord{
			ID: uuid.New().String(),
			Values: map[string]string{
				"name":           fmt.Sprintf("account %02d", i),
				"businessunitid": buIDs[i%len(buIDs)],
			},
		})
	}

	cfg := config.Default()
	cfg.Bulk.BatchSize = 2
	cfg.Import.Mode = "create"

	src := testEngine(t, source, cfg)
	res, err := src.Export(context.Background(), schemaPath, zipPath)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !res.Success() {
		t.Fatalf("export failed: %+v", res.Failed())
	}

	info, err := InspectPlan(zipPath)
	if err != nil {
		t.Fatalf("InspectPlan: %v", err)
	}
	if info.Counts["account"] != 5 || info.Counts["businessunit"] != 3 {
		t.Errorf("archive counts = %v", info.Counts)
	}
	if len(info.Plan.Tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(info.Plan.Tiers))
	}
	if got := info.Plan.Tiers[0].Groups[0].Entities; len(got) != 1 || got[0] != "businessunit" {
		t.Errorf("first tier = %v, want [businessunit]", got)
	}

	target := fakeorg.New(t)
	for _, ent := range s.Entities {
		target.DefineFromSchema(&ent)
	}
	dst := testEngine(t, target, cfg)
	ires, err := dst.Import(context.Background(), zipPath)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !ires.Success() {
		t.Fatalf("import failed: %d record failures", ires.FailureCount())
	}
	if got := target.StoredCount("account"); got != 5 {
		t.Errorf("target accounts = %d, want 5", got)
	}
	if got := target.StoredCount("businessunit"); got != 3 {
		t.Errorf("target business units = %d, want 3", got)
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	org := fakeorg.New(t)
	cfg := config.Default()
	cfg.Import.Mode = "merge"
	_, err := New(cfg, []pool.Source{org.Source("org0", 2)}, nil)
	if err == nil || !strings.Contains(err.Error(), "import.mode") {
		t.Errorf("err = %v, want an import.mode complaint", err)
	}

	_, err = New(config.Default(), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Errorf("err = %v, want a missing-source complaint", err)
	}
}

func TestInspectPlanFromSchemaFile(t *testing.T) {
	path := writeSchemaFile(t, migrationSchema())
	info, err := InspectPlan(path)
	if err != nil {
		t.Fatalf("InspectPlan: %v", err)
	}
	if info.Counts != nil {
		t.Errorf("counts = %v, want none for a bare schema", info.Counts)
	}
	if len(info.Plan.Tiers) != 2 {
		t.Errorf("tiers = %d, want 2", len(info.Plan.Tiers))
	}
}

func TestInspectPlanMissingFile(t *testing.T) {
	if _, err := InspectPlan(filepath.Join(t.TempDir(), "absent.xml")); err == nil {
		t.Error("expected an error for a missing schema file")
	}
}
