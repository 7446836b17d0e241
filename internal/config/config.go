// Package config holds the plain option records a run is built from.
//
// Records are yaml-tagged for shuttle.yaml and carry no behavior beyond
// defaulting and validation. The command layer resolves environment
// variables and flags on top of a loaded Run; engine packages receive
// finished values and never look anything up themselves.
package config

import (
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkfield/shuttle/internal/dataverse"
)

// Duration is a time.Duration that reads and writes yaml in the form
// time.ParseDuration accepts, e.g. "30s" or "2m".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Source names one organization connection.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Token is a raw bearer token. TokenEnv names an environment variable
	// the command layer resolves instead; when both are set TokenEnv wins.
	Token    string `yaml:"token,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	// MaxPoolSize caps pooled clients for this connection. Zero means 4.
	MaxPoolSize int `yaml:"max_pool_size,omitempty"`
}

// Validate reports the first problem with the source entry.
func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.URL == "" {
		return fmt.Errorf("source %s: url is required", s.Name)
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("source %s: url %q is not an http(s) address", s.Name, s.URL)
	}
	if s.Token == "" && s.TokenEnv == "" {
		return fmt.Errorf("source %s: token or token_env is required", s.Name)
	}
	if s.MaxPoolSize < 0 {
		return fmt.Errorf("source %s: max_pool_size must not be negative, got %d", s.Name, s.MaxPoolSize)
	}
	return nil
}

// Pool tunes the connection pool. Zero durations defer to the pool's own
// defaults.
type Pool struct {
	// Strategy is one of round-robin, least-connections, throttle-aware.
	Strategy           string   `yaml:"strategy,omitempty"`
	AcquireTimeout     Duration `yaml:"acquire_timeout,omitempty"`
	MaxIdleTime        Duration `yaml:"max_idle_time,omitempty"`
	MaxLifetime        Duration `yaml:"max_lifetime,omitempty"`
	ValidationInterval Duration `yaml:"validation_interval,omitempty"`
}

func (p Pool) Validate() error {
	if !oneOf(p.Strategy, "round-robin", "least-connections", "throttle-aware") {
		return fmt.Errorf("pool.strategy %q is not one of round-robin, least-connections, throttle-aware", p.Strategy)
	}
	for _, d := range []struct {
		key   string
		value Duration
	}{
		{"pool.acquire_timeout", p.AcquireTimeout},
		{"pool.max_idle_time", p.MaxIdleTime},
		{"pool.max_lifetime", p.MaxLifetime},
		{"pool.validation_interval", p.ValidationInterval},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.key, time.Duration(d.value))
		}
	}
	return nil
}

// Rate tunes the adaptive parallelism controller.
type Rate struct {
	// Preset is one of conservative, balanced, aggressive.
	Preset string `yaml:"preset,omitempty"`
	// MaxRetryAfterTolerance overrides the preset's bound on how long a
	// server-demanded pause may be before the run fails fast.
	MaxRetryAfterTolerance Duration `yaml:"max_retry_after_tolerance,omitempty"`
}

func (r Rate) Validate() error {
	if !oneOf(r.Preset, "conservative", "balanced", "aggressive") {
		return fmt.Errorf("rate.preset %q is not one of conservative, balanced, aggressive", r.Preset)
	}
	if r.MaxRetryAfterTolerance < 0 {
		return fmt.Errorf("rate.max_retry_after_tolerance must not be negative, got %s", time.Duration(r.MaxRetryAfterTolerance))
	}
	return nil
}

// Bulk tunes batched writes. It applies to every write path, import
// included.
type Bulk struct {
	BatchSize       int  `yaml:"batch_size,omitempty"`
	ContinueOnError bool `yaml:"continue_on_error,omitempty"`
	// Bypass is one of none, sync, async, all.
	Bypass                     string `yaml:"bypass,omitempty"`
	BypassFlows                bool   `yaml:"bypass_flows,omitempty"`
	SuppressDuplicateDetection bool   `yaml:"suppress_duplicate_detection,omitempty"`
	// Tag labels requests in server-side telemetry.
	Tag                string `yaml:"tag,omitempty"`
	MaxParallelBatches int    `yaml:"max_parallel_batches,omitempty"`
}

func (b Bulk) Validate() error {
	if b.BatchSize < 0 || b.BatchSize > dataverse.BatchLimit {
		return fmt.Errorf("bulk.batch_size must be between 0 and %d, got %d", dataverse.BatchLimit, b.BatchSize)
	}
	if !oneOf(b.Bypass, "none", "sync", "async", "all") {
		return fmt.Errorf("bulk.bypass %q is not one of none, sync, async, all", b.Bypass)
	}
	if b.MaxParallelBatches < 0 {
		return fmt.Errorf("bulk.max_parallel_batches must not be negative, got %d", b.MaxParallelBatches)
	}
	return nil
}

// Export tunes an export run.
type Export struct {
	// Entities restricts the export; empty exports every schema entity.
	Entities []string `yaml:"entities,omitempty"`
	PageSize int      `yaml:"page_size,omitempty"`
	// MaxParallelEntities caps concurrent entity scans. Zero follows the
	// pool's recommendation.
	MaxParallelEntities int `yaml:"max_parallel_entities,omitempty"`
	// AttachmentDir is where blobs referenced by file fields live.
	AttachmentDir string `yaml:"attachment_dir,omitempty"`
}

func (e Export) Validate() error {
	for i, name := range e.Entities {
		if name == "" {
			return fmt.Errorf("export.entities[%d] is empty", i)
		}
	}
	if e.PageSize < 0 {
		return fmt.Errorf("export.page_size must not be negative, got %d", e.PageSize)
	}
	if e.MaxParallelEntities < 0 {
		return fmt.Errorf("export.max_parallel_entities must not be negative, got %d", e.MaxParallelEntities)
	}
	return nil
}

// Import tunes an import run.
type Import struct {
	// Mode is one of create, update, upsert.
	Mode               string `yaml:"mode,omitempty"`
	SkipMissingColumns bool   `yaml:"skip_missing_columns,omitempty"`
	// MaxParallelEntities caps concurrent entity writes inside a tier.
	// Zero follows the pool's recommendation.
	MaxParallelEntities int `yaml:"max_parallel_entities,omitempty"`
}

func (i Import) Validate() error {
	if !oneOf(i.Mode, "create", "update", "upsert") {
		return fmt.Errorf("import.mode %q is not one of create, update, upsert", i.Mode)
	}
	if i.MaxParallelEntities < 0 {
		return fmt.Errorf("import.max_parallel_entities must not be negative, got %d", i.MaxParallelEntities)
	}
	return nil
}

// Log selects where and how much the run logs.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// File enables rotated file logging at the given path.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

func (l Log) Validate() error {
	if !oneOf(l.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", l.Level)
	}
	if l.MaxSizeMB < 0 {
		return fmt.Errorf("log.max_size_mb must not be negative, got %d", l.MaxSizeMB)
	}
	if l.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must not be negative, got %d", l.MaxBackups)
	}
	return nil
}

// Run is the full record handed to the engine.
type Run struct {
	Sources []Source `yaml:"sources,omitempty"`
	Pool    Pool     `yaml:"pool,omitempty"`
	Rate    Rate     `yaml:"rate,omitempty"`
	Bulk    Bulk     `yaml:"bulk,omitempty"`
	Export  Export   `yaml:"export,omitempty"`
	Import  Import   `yaml:"import,omitempty"`
	Log     Log      `yaml:"log,omitempty"`
}

// Default returns the starting record Load overlays a file onto. Only
// enum fields with non-obvious defaults are set; zero numeric fields
// defer to each component's own default.
func Default() Run {
	return Run{
		Rate:   Rate{Preset: "balanced"},
		Import: Import{Mode: "upsert"},
		Log:    Log{Level: "info"},
	}
}

// Validate reports the first problem with the record. An empty source
// list passes; commands that connect reject it themselves, and plan-only
// configurations are legitimate without one.
func (r Run) Validate() error {
	seen := make(map[string]bool, len(r.Sources))
	for i, s := range r.Sources {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	if err := r.Pool.Validate(); err != nil {
		return err
	}
	if err := r.Rate.Validate(); err != nil {
		return err
	}
	if err := r.Bulk.Validate(); err != nil {
		return err
	}
	if err := r.Export.Validate(); err != nil {
		return err
	}
	if err := r.Import.Validate(); err != nil {
		return err
	}
	return r.Log.Validate()
}

// oneOf accepts empty values so optional fields can stay unset.
func oneOf(value string, allowed ...string) bool {
	if value == "" {
		return true
	}
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
