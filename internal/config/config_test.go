package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseFullDocument(t *testing.T) {
	doc := `
sources:
  - name: prod
    url: https://prod.example.com
    token_env: SHUTTLE_TOKEN_PROD
    max_pool_size: 8
  - name: staging
    url: https://staging.example.com
    token: abc123
pool:
  strategy: round-robin
  acquire_timeout: 45s
  max_idle_time: 2m
rate:
  preset: aggressive
  max_retry_after_tolerance: 10m
bulk:
  batch_size: 250
  continue_on_error: true
  bypass: all
  bypass_flows: true
  suppress_duplicate_detection: true
  tag: nightly-sync
  max_parallel_batches: 4
export:
  entities: [account, contact]
  page_size: 200
  attachment_dir: /tmp/blobs
import:
  mode: create
  skip_missing_columns: true
  max_parallel_entities: 3
log:
  level: debug
  file: /var/log/shuttle.log
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].TokenEnv != "SHUTTLE_TOKEN_PROD" || cfg.Sources[0].MaxPoolSize != 8 {
		t.Errorf("sources[0] = %+v", cfg.Sources[0])
	}
	if cfg.Pool.Strategy != "round-robin" {
		t.Errorf("pool.strategy = %q", cfg.Pool.Strategy)
	}
	if got := time.Duration(cfg.Pool.AcquireTimeout); got != 45*time.Second {
		t.Errorf("pool.acquire_timeout = %s, want 45s", got)
	}
	if got := time.Duration(cfg.Rate.MaxRetryAfterTolerance); got != 10*time.Minute {
		t.Errorf("rate.max_retry_after_tolerance = %s, want 10m", got)
	}
	if cfg.Bulk.BatchSize != 250 || cfg.Bulk.Bypass != "all" || !cfg.Bulk.BypassFlows {
		t.Errorf("bulk = %+v", cfg.Bulk)
	}
	if len(cfg.Export.Entities) != 2 || cfg.Export.Entities[1] != "contact" {
		t.Errorf("export.entities = %v", cfg.Export.Entities)
	}
	if cfg.Import.Mode != "create" || !cfg.Import.SkipMissingColumns {
		t.Errorf("import = %+v", cfg.Import)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestParseEmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Import.Mode != "upsert" {
		t.Errorf("import.mode = %q, want upsert", cfg.Import.Mode)
	}
	if cfg.Rate.Preset != "balanced" {
		t.Errorf("rate.preset = %q, want balanced", cfg.Rate.Preset)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("encryption: true\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown key")
	}
	if !strings.Contains(err.Error(), "encryption") {
		t.Errorf("error %q does not name the bad key", err)
	}
}

func TestDurationForms(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		bad  bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "150ms", want: 150 * time.Millisecond},
		{in: "30", bad: true},
		{in: "fast", bad: true},
	}
	for _, tt := range tests {
		var p Pool
		err := yaml.Unmarshal([]byte("acquire_timeout: "+tt.in), &p)
		if tt.bad {
			if err == nil {
				t.Errorf("%q: expected a parse error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if got := time.Duration(p.AcquireTimeout); got != tt.want {
			t.Errorf("%q parsed to %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDurationMarshalsAsString(t *testing.T) {
	out, err := yaml.Marshal(Pool{AcquireTimeout: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "1m30s") {
		t.Errorf("marshaled pool = %q, want a 1m30s acquire_timeout", out)
	}
}

func TestValidateRejections(t *testing.T) {
	src := Source{Name: "org", URL: "https://org.example.com", Token: "t"}

	tests := []struct {
		name string
		cfg  Run
		want string
	}{
		{
			name: "source without name",
			cfg:  Run{Sources: []Source{{URL: "https://x.example.com", Token: "t"}}},
			want: "name is required",
		},
		{
			name: "source without url",
			cfg:  Run{Sources: []Source{{Name: "org", Token: "t"}}},
			want: "url is required",
		},
		{
			name: "source with ftp url",
			cfg:  Run{Sources: []Source{{Name: "org", URL: "ftp://x", Token: "t"}}},
			want: "http(s)",
		},
		{
			name: "source without token",
			cfg:  Run{Sources: []Source{{Name: "org", URL: "https://x.example.com"}}},
			want: "token or token_env",
		},
		{
			name: "duplicate source names",
			cfg:  Run{Sources: []Source{src, src}},
			want: "duplicate name",
		},
		{
			name: "unknown pool strategy",
			cfg:  Run{Pool: Pool{Strategy: "random"}},
			want: "pool.strategy",
		},
		{
			name: "negative pool timeout",
			cfg:  Run{Pool: Pool{AcquireTimeout: Duration(-time.Second)}},
			want: "pool.acquire_timeout",
		},
		{
			name: "unknown preset",
			cfg:  Run{Rate: Rate{Preset: "turbo"}},
			want: "rate.preset",
		},
		{
			name: "oversized batch",
			cfg:  Run{Bulk: Bulk{BatchSize: 1001}},
			want: "bulk.batch_size",
		},
		{
			name: "unknown bypass",
			cfg:  Run{Bulk: Bulk{Bypass: "plugins"}},
			want: "bulk.bypass",
		},
		{
			name: "empty export entity",
			cfg:  Run{Export: Export{Entities: []string{"account", ""}}},
			want: "export.entities[1]",
		},
		{
			name: "unknown import mode",
			cfg:  Run{Import: Import{Mode: "merge"}},
			want: "import.mode",
		},
		{
			name: "negative import parallelism",
			cfg:  Run{Import: Import{MaxParallelEntities: -1}},
			want: "import.max_parallel_entities",
		},
		{
			name: "unknown log level",
			cfg:  Run{Log: Log{Level: "trace"}},
			want: "log.level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsZeroRecord(t *testing.T) {
	if err := (Run{}).Validate(); err != nil {
		t.Errorf("zero record failed validation: %v", err)
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default record failed validation: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuttle.yaml")
	doc := "import:\n  mode: update\nbulk:\n  batch_size: 10\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Import.Mode != "update" || cfg.Bulk.BatchSize != 10 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Rate.Preset != "balanced" {
		t.Errorf("defaults were not kept under the overlay: %+v", cfg.Rate)
	}
}
