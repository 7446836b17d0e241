// Package engine assembles the migration machine from one validated
// configuration record: throttle tracking, rate control, the connection
// pool, bulk execution, and the export and import front ends.
//
// Construction is explicit and cheap; nothing connects until an operation
// runs. The engine never reads the environment, and it only touches files
// at paths handed to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/bulk"
	"github.com/arkfield/shuttle/internal/config"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/export"
	"github.com/arkfield/shuttle/internal/importer"
	"github.com/arkfield/shuttle/internal/plan"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/ratelimit"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/throttle"
)

// Engine owns one configured migration machine.
type Engine struct {
	cfg      config.Run
	tracker  *throttle.Tracker
	ctrl     *ratelimit.Controller
	pool     *pool.Pool
	exec     *bulk.Executor
	exporter *export.Exporter
	pipeline *importer.Pipeline
	reporter *progress.Reporter
}

// New builds an engine from a validated configuration and the connection
// sources the command layer resolved. A nil reporter discards progress.
func New(cfg config.Run, sources []pool.Source, reporter *progress.Reporter) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("engine: at least one connection source is required")
	}
	if reporter == nil {
		reporter = progress.NewReporter(nil, 0)
	}

	tracker := throttle.NewTracker(0)
	ctrl, err := ratelimit.New(rateConfig(cfg.Rate), 0)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	p, err := pool.New(sources, tracker, poolOptions(cfg.Pool))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	exec := bulk.NewExecutor(p, ctrl, tracker)
	return &Engine{
		cfg:      cfg,
		tracker:  tracker,
		ctrl:     ctrl,
		pool:     p,
		exec:     exec,
		exporter: export.New(p, tracker, reporter),
		pipeline: importer.NewPipeline(p, exec, tracker, reporter),
		reporter: reporter,
	}, nil
}

// Close releases the pool and the sources it owns.
func (e *Engine) Close() error { return e.pool.Close() }

// Export scans the schema's entities out of the connected organization
// into a zip archive at outPath.
func (e *Engine) Export(ctx context.Context, schemaPath, outPath string) (*export.Result, error) {
	s, err := loadSchema(schemaPath)
	if err != nil {
		return nil, err
	}
	return e.exporter.Run(ctx, s, outPath, exportOptions(e.cfg.Export))
}

// Import loads an archive into the connected organization.
func (e *Engine) Import(ctx context.Context, archivePath string) (*importer.Result, error) {
	rd, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	data, err := rd.Data()
	if err != nil {
		return nil, err
	}
	return e.pipeline.Run(ctx, rd.Schema(), data, importOptions(e.cfg))
}

// PlanInfo is what a plan inspection reports: the schema, its execution
// plan, and per-entity record counts when the input was an archive.
type PlanInfo struct {
	Schema *schema.Schema
	Plan   *plan.ExecutionPlan
	Counts map[string]int
}

// InspectPlan builds the execution plan for a schema file or an archive.
// It needs no connection. Archives also contribute record counts.
func InspectPlan(path string) (*PlanInfo, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		rd, err := archive.Open(path)
		if err != nil {
			return nil, err
		}
		defer rd.Close()
		data, err := rd.Data()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int, len(data))
		for _, d := range data {
			counts[d.Entity] = len(d.Records)
		}
		s := rd.Schema()
		return &PlanInfo{Schema: s, Plan: plan.Build(s), Counts: counts}, nil
	}
	s, err := loadSchema(path)
	if err != nil {
		return nil, err
	}
	return &PlanInfo{Schema: s, Plan: plan.Build(s)}, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	defer f.Close()
	s, err := schema.Read(f)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return s, nil
}

func poolOptions(c config.Pool) pool.Options {
	return pool.Options{
		Strategy:           pool.Strategy(c.Strategy),
		AcquireTimeout:     time.Duration(c.AcquireTimeout),
		MaxIdleTime:        time.Duration(c.MaxIdleTime),
		MaxLifetime:        time.Duration(c.MaxLifetime),
		ValidationInterval: time.Duration(c.ValidationInterval),
	}
}

func rateConfig(c config.Rate) ratelimit.Config {
	cfg := ratelimit.ForPreset(ratelimit.Preset(c.Preset))
	if c.MaxRetryAfterTolerance > 0 {
		cfg.MaxRetryAfterTolerance = time.Duration(c.MaxRetryAfterTolerance)
	}
	return cfg
}

func exportOptions(c config.Export) export.Options {
	return export.Options{
		Entities:            c.Entities,
		PageSize:            c.PageSize,
		MaxParallelEntities: c.MaxParallelEntities,
		AttachmentDir:       c.AttachmentDir,
	}
}

func importOptions(cfg config.Run) importer.Options {
	return importer.Options{
		Mode:                       importer.Mode(cfg.Import.Mode),
		BatchSize:                  cfg.Bulk.BatchSize,
		ContinueOnError:            cfg.Bulk.ContinueOnError,
		SkipMissingColumns:         cfg.Import.SkipMissingColumns,
		MaxParallelEntities:        cfg.Import.MaxParallelEntities,
		Bypass:                     bypassSet(cfg.Bulk.Bypass),
		BypassFlows:                cfg.Bulk.BypassFlows,
		SuppressDuplicateDetection: cfg.Bulk.SuppressDuplicateDetection,
		Tag:                        cfg.Bulk.Tag,
		MaxParallelBatches:         cfg.Bulk.MaxParallelBatches,
	}
}

func bypassSet(s string) dataverse.BypassSet {
	switch s {
	case "sync":
		return dataverse.BypassSync
	case "async":
		return dataverse.BypassAsync
	case "all":
		return dataverse.BypassAll
	default:
		return 0
	}
}
