// Package importer loads archived entity data into a target organization.
// A run is a pipeline of ordered phases sharing one context: validate the
// target's fields against the schema, write entities tier by tier, patch
// deferred references, then rebuild many-to-many links. The identity map
// the context carries records every source-to-target id as writes land and
// is what the later phases translate references with.
package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/bulk"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/identity"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/plan"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/telemetry"
	"github.com/arkfield/shuttle/internal/throttle"
)

// defaultThrottleSleep is slept when a throttle response carries no hint.
const defaultThrottleSleep = 5 * time.Second

// Mode selects how entity records are written.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
	ModeUpsert Mode = "upsert"
)

// OptionsError reports malformed import options.
type OptionsError struct {
	Msg string
}

func (e *OptionsError) Error() string { return e.Msg }

// Options tune one import run. Zero fields take defaults.
type Options struct {
	// Mode defaults to upsert, which keeps re-runs idempotent because
	// record identifiers are preserved across runs.
	Mode Mode
	// BatchSize caps records per bulk request.
	BatchSize int
	// ContinueOnError accumulates failures instead of stopping after a
	// tier that had any.
	ContinueOnError bool
	// SkipMissingColumns drops archive fields the target does not have
	// instead of failing the run before any write.
	SkipMissingColumns bool
	// MaxParallelEntities caps concurrent entity writes within a tier.
	// Zero uses the pool's recommended parallelism.
	MaxParallelEntities int

	// Write-through options forwarded to every bulk request.
	Bypass                     dataverse.BypassSet
	BypassFlows                bool
	SuppressDuplicateDetection bool
	Tag                        string
	// MaxParallelBatches optionally caps in-flight batches below what the
	// rate controller would allow.
	MaxParallelBatches int
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeUpsert
	}
	return o
}

// Validate rejects options no run could honor, before any I/O.
func (o Options) Validate() error {
	switch o.Mode {
	case "", ModeCreate, ModeUpdate, ModeUpsert:
	default:
		return &OptionsError{Msg: fmt.Sprintf("unknown import mode %q", o.Mode)}
	}
	if o.MaxParallelEntities < 0 {
		return &OptionsError{Msg: fmt.Sprintf("max parallel entities must not be negative, got %d", o.MaxParallelEntities)}
	}
	return o.bulkOptions(nil).Validate()
}

// bulkOptions builds the executor options for one operation.
func (o Options) bulkOptions(onBatch func(bulk.BatchOutcome)) bulk.Options {
	return bulk.Options{
		BatchSize:                  o.BatchSize,
		ContinueOnError:            o.ContinueOnError,
		Bypass:                     o.Bypass,
		BypassFlows:                o.BypassFlows,
		SuppressDuplicateDetection: o.SuppressDuplicateDetection,
		Tag:                        o.Tag,
		MaxParallelBatches:         o.MaxParallelBatches,
		OnBatch:                    onBatch,
	}
}

// callOptions builds the per-request options for direct client calls that
// do not go through the executor, such as associations.
func (o Options) callOptions() dataverse.CallOptions {
	return dataverse.CallOptions{
		Bypass:              o.Bypass,
		SuppressExpanderJob: o.BypassFlows,
		SuppressDuplicates:  o.SuppressDuplicateDetection,
		Tag:                 o.Tag,
	}
}

// SchemaMismatchError reports archive fields absent from the target,
// keyed by entity logical name.
type SchemaMismatchError struct {
	Missing map[string][]string
}

func (e *SchemaMismatchError) Error() string {
	n := 0
	for _, fields := range e.Missing {
		n += len(fields)
	}
	return fmt.Sprintf("%d archive fields missing from %d target entities", n, len(e.Missing))
}

// TargetFields is the target's view of one entity: the fields it has,
// keyed by logical name, plus the schema fields it is missing.
type TargetFields struct {
	Known   map[string]dataverse.FieldMetadata
	Missing []string
}

// ImportContext is the state shared by the phases of one run.
type ImportContext struct {
	Schema   *schema.Schema
	Data     []*archive.EntityData
	Plan     *plan.ExecutionPlan
	IDMap    *identity.Map
	Options  Options
	Reporter *progress.Reporter

	// FieldMetadata is populated by the field-check phase, keyed by
	// entity logical name.
	FieldMetadata map[string]TargetFields
}

// section returns the data section for an entity, nil when the archive
// carries none.
func (ic *ImportContext) section(entity string) *archive.EntityData {
	for _, d := range ic.Data {
		if d.Entity == entity {
			return d
		}
	}
	return nil
}

// PhaseResult reports one phase's outcome. Success means the phase ran to
// the end without record failures; a phase can finish with Success false
// and still leave the run continuable.
type PhaseResult struct {
	Phase        string
	Success      bool
	Processed    int
	SuccessCount int
	FailureCount int
	Duration     time.Duration
	Errors       []error
}

// Phase is one stage of the pipeline. Process returns an error only for
// conditions that must stop the run; per-record failures accumulate in
// the result instead.
type Phase interface {
	Name() string
	Process(ctx context.Context, ic *ImportContext) (*PhaseResult, error)
}

// Pipeline runs imports. One pipeline serves many runs.
type Pipeline struct {
	pool     *pool.Pool
	exec     *bulk.Executor
	tracker  *throttle.Tracker
	reporter *progress.Reporter
}

// NewPipeline wires a pipeline to its pool, bulk executor, and throttle
// tracker. The tracker must be the one the pool selects sources with. A
// nil reporter discards progress.
func NewPipeline(p *pool.Pool, exec *bulk.Executor, tracker *throttle.Tracker, reporter *progress.Reporter) *Pipeline {
	if tracker == nil {
		tracker = throttle.NewTracker(0)
	}
	if reporter == nil {
		reporter = progress.NewReporter(nil, 0)
	}
	return &Pipeline{pool: p, exec: exec, tracker: tracker, reporter: reporter}
}

// Result is the outcome of one import run.
type Result struct {
	Phases   []*PhaseResult
	IDMap    *identity.Map
	Duration time.Duration
}

// Success reports whether every phase ran and succeeded.
func (r *Result) Success() bool {
	if len(r.Phases) == 0 {
		return false
	}
	for _, p := range r.Phases {
		if !p.Success {
			return false
		}
	}
	return true
}

// FailureCount sums record failures across phases.
func (r *Result) FailureCount() int {
	n := 0
	for _, p := range r.Phases {
		n += p.FailureCount
	}
	return n
}

// phase returns the named phase result, nil if the run never reached it.
func (r *Result) phase(name string) *PhaseResult {
	for _, p := range r.Phases {
		if p.Phase == name {
			return p
		}
	}
	return nil
}

// Run imports archive data into the target. The returned error is
// reserved for run-stopping conditions: bad options, failed field
// validation, a cancelled context, or entity-write failures when
// ContinueOnError is off. Failures in the deferred-reference and
// relationship phases skip the affected records and leave a partial
// result instead of stopping the run. The result is non-nil whenever
// at least one phase ran.
func (p *Pipeline) Run(ctx context.Context, s *schema.Schema, data []*archive.EntityData, opts Options) (*Result, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		p.reporter.Error(progress.ErrorDetail{
			Kind:        progress.KindConfiguration,
			RecordIndex: -1,
			Message:     err.Error(),
		})
		return nil, err
	}
	opts = opts.withDefaults()

	ic := &ImportContext{
		Schema:        s,
		Data:          data,
		Plan:          plan.Build(s),
		IDMap:         identity.NewMap(),
		Options:       opts,
		Reporter:      p.reporter,
		FieldMetadata: make(map[string]TargetFields),
	}
	p.reporter.Note(progress.Event{
		Phase:   progress.PhaseAnalyzing,
		Total:   ic.Plan.EntityCount(),
		Message: fmt.Sprintf("%d entities in %d tiers", ic.Plan.EntityCount(), len(ic.Plan.Tiers)),
	})
	logging.Info("import starting",
		"entities", len(data), "tiers", len(ic.Plan.Tiers),
		"mode", string(opts.Mode), "batch_size", opts.BatchSize)

	res := &Result{IDMap: ic.IDMap}
	phases := []struct {
		phase    Phase
		blocking bool // record failures stop the run unless ContinueOnError
	}{
		{&fieldCheckPhase{p: p}, true},
		{&entityPhase{p: p}, true},
		{&deferredPhase{p: p}, false},
		{&m2mPhase{p: p}, false},
	}
	for _, st := range phases {
		pr, err := st.phase.Process(ctx, ic)
		if pr != nil {
			res.Phases = append(res.Phases, pr)
			telemetry.RecordPhase(ctx, st.phase.Name(), pr.Duration)
		}
		if err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("import: %s: %w", st.phase.Name(), err)
		}
		if st.blocking && pr != nil && !pr.Success && !opts.ContinueOnError {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("import: %s: record failures: %d", st.phase.Name(), pr.FailureCount)
		}
	}
	res.Duration = time.Since(start)
	logging.Info("import finished",
		"duration", res.Duration, "mapped", ic.IDMap.Size(), "failures", res.FailureCount())
	p.reporter.Complete(fmt.Sprintf("imported %d records", ic.IDMap.Size()))
	return res, nil
}

// sortedSections returns the data sections ordered by entity name for
// deterministic iteration.
func sortedSections(data []*archive.EntityData) []*archive.EntityData {
	out := append([]*archive.EntityData(nil), data...)
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// borrow runs fn with a pooled client, noting and sleeping out throttle
// rejections before retrying on a fresh handle.
func (p *Pipeline) borrow(ctx context.Context, fn func(*dataverse.Client) error) error {
	for {
		h, err := p.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		err = fn(h.Client())
		h.Close()
		te, ok := dataverse.IsThrottle(err)
		if !ok {
			return err
		}
		p.tracker.Note(te.Source, te.RetryAfter)
		pause := te.RetryAfter
		if pause <= 0 {
			pause = defaultThrottleSleep
		}
		logging.Warn("service protection during import call",
			"source", te.Source, "code", te.Code, "retry_after", pause)
		if err := sleepCtx(ctx, pause); err != nil {
			return err
		}
	}
}

// warn emits an immediate warning event and mirrors it to the log.
func (p *Pipeline) warn(phase progress.Phase, entity, msg string) {
	p.reporter.Note(progress.Event{Phase: phase, Entity: entity, Message: msg})
	logging.Warn(msg, "entity", entity)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
