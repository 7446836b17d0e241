package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/schema"
)

// fieldCheckPhase compares the archive schema against the target's own
// metadata before anything is written. Fields the target lacks fail the
// run unless SkipMissingColumns is set, in which case they are stripped
// by the entity phase and each one is reported as a warning.
type fieldCheckPhase struct {
	p *Pipeline
}

func (f *fieldCheckPhase) Name() string { return "field check" }

func (f *fieldCheckPhase) Process(ctx context.Context, ic *ImportContext) (*PhaseResult, error) {
	start := time.Now()
	pr := &PhaseResult{Phase: f.Name()}
	sections := sortedSections(ic.Data)
	task := ic.Reporter.Begin(progress.Event{Phase: progress.PhaseAnalyzing}, len(sections))
	defer task.Done()

	mismatch := &SchemaMismatchError{Missing: make(map[string][]string)}
	for _, d := range sections {
		ent, ok := ic.Schema.Entity(d.Entity)
		if !ok {
			continue
		}
		var meta *dataverse.EntityMetadata
		err := f.p.borrow(ctx, func(c *dataverse.Client) error {
			var err error
			meta, err = c.EntityMetadata(ctx, ent.LogicalName)
			return err
		})
		if err != nil {
			if errors.Is(err, dataverse.ErrNotFound) {
				nf := fmt.Errorf("entity %s does not exist on the target", ent.LogicalName)
				ic.Reporter.Error(progress.ErrorDetail{
					Kind:        progress.KindNotFound,
					Entity:      ent.LogicalName,
					RecordIndex: -1,
					Message:     nf.Error(),
				})
				pr.Errors = append(pr.Errors, nf)
				pr.Duration = time.Since(start)
				return pr, nf
			}
			pr.Duration = time.Since(start)
			return pr, fmt.Errorf("metadata for %s: %w", ent.LogicalName, err)
		}

		known := make(map[string]dataverse.FieldMetadata, len(meta.Fields))
		for _, fm := range meta.Fields {
			known[strings.ToLower(fm.LogicalName)] = fm
		}
		var missing []string
		for _, name := range entityFieldNames(ent, d) {
			if _, ok := known[name]; !ok {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		ic.FieldMetadata[ent.LogicalName] = TargetFields{Known: known, Missing: missing}
		pr.Processed++
		task.Advance(1)

		if len(missing) == 0 {
			continue
		}
		if ic.Options.SkipMissingColumns {
			f.p.warn(progress.PhaseAnalyzing, ent.LogicalName,
				fmt.Sprintf("skipping fields the target does not have: %s",
					strings.Join(missing, ", ")))
			continue
		}
		ic.Reporter.Error(progress.ErrorDetail{
			Kind:        progress.KindSchemaMismatch,
			Entity:      ent.LogicalName,
			RecordIndex: -1,
			Message: fmt.Sprintf("target is missing fields: %s",
				strings.Join(missing, ", ")),
		})
		mismatch.Missing[ent.LogicalName] = missing
		pr.FailureCount += len(missing)
	}

	pr.Duration = time.Since(start)
	if len(mismatch.Missing) > 0 {
		pr.Errors = append(pr.Errors, mismatch)
		return pr, mismatch
	}
	pr.Success = true
	logging.Debug("field check passed", "entities", pr.Processed, "duration", pr.Duration)
	return pr, nil
}

// entityFieldNames lists the fields an entity's import considers: the
// declared schema fields in declaration order, then names observed only
// in the data, sorted. The primary id is carried on the record itself
// and excluded here.
func entityFieldNames(ent *schema.Entity, d *archive.EntityData) []string {
	var out []string
	seen := make(map[string]bool, len(ent.Fields))
	for _, f := range ent.Fields {
		if f.LogicalName == ent.PrimaryID {
			continue
		}
		out = append(out, f.LogicalName)
		seen[f.LogicalName] = true
	}
	if d == nil {
		return out
	}
	var extra []string
	for _, rec := range d.Records {
		for name := range rec.Fields {
			if seen[name] || name == ent.PrimaryID {
				continue
			}
			seen[name] = true
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
