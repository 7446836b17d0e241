package shuttle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/testutil/fakeorg"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuttle.yaml")
	doc := "import:\n  mode: create\nsources:\n  - name: org\n    url: https://org.example.com\n    token: secret\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Import.Mode != "create" || len(cfg.Sources) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestNewRequiresSources(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected an error without sources")
	}
}

func TestEngineOverFakeOrganization(t *testing.T) {
	org := fakeorg.New(t)
	eng, err := New(DefaultConfig(), []ConnectionSource{org.Source("org0", 2)}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInspectPlanFromFacade(t *testing.T) {
	s := schema.New([]schema.Entity{
		{
			LogicalName: "currency",
			PrimaryID:   "currencyid",
			Fields: []schema.Field{
				{LogicalName: "currencyid", Type: schema.TypeGUID},
				{LogicalName: "name", Type: schema.TypeString},
			},
		},
	})
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

	info, err := InspectPlan(path)
	if err != nil {
		t.Fatalf("InspectPlan: %v", err)
	}
	if len(info.Plan.Tiers) != 1 {
		t.Errorf("tiers = %d, want 1", len(info.Plan.Tiers))
	}
}
