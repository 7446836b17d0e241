package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/bulk"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/schema"
)

// deferredPhase patches the lookup fields the planner held back, once
// every entity has been written. Each patch is an update carrying the
// target id plus only the resolved deferred fields; records whose
// references cannot be translated are skipped with a warning.
type deferredPhase struct {
	p *Pipeline
}

func (dp *deferredPhase) Name() string { return "deferred fields" }

func (dp *deferredPhase) Process(ctx context.Context, ic *ImportContext) (*PhaseResult, error) {
	start := time.Now()
	pr := &PhaseResult{Phase: dp.Name()}

	for _, d := range sortedSections(ic.Data) {
		fields := ic.Plan.DeferredFor(d.Entity)
		if len(fields) == 0 || len(d.Records) == 0 {
			continue
		}
		if err := dp.patchEntity(ctx, ic, d, fields, pr); err != nil {
			pr.Duration = time.Since(start)
			return pr, err
		}
	}

	pr.Success = pr.FailureCount == 0
	pr.Duration = time.Since(start)
	return pr, nil
}

func (dp *deferredPhase) patchEntity(ctx context.Context, ic *ImportContext, d *archive.EntityData, fields []string, pr *PhaseResult) error {
	tf := ic.FieldMetadata[d.Entity]
	updates := make([]schema.Record, 0, len(d.Records))
	for _, rec := range d.Records {
		upd, ok := dp.buildPatch(ic, d.Entity, tf, rec, fields)
		if ok && len(upd.Fields) > 0 {
			updates = append(updates, upd)
		}
	}

	task := ic.Reporter.Begin(progress.Event{
		Phase:  progress.PhaseDeferred,
		Entity: d.Entity,
	}, len(updates))
	defer task.Done()
	if len(updates) == 0 {
		return nil
	}
	pr.Processed += len(updates)

	onBatch := func(o bulk.BatchOutcome) { task.Advance(o.Size) }
	res, err := dp.p.exec.UpdateMultiple(ctx, d.Entity, updates, ic.Options.bulkOptions(onBatch))
	if res != nil {
		pr.SuccessCount += res.SuccessCount
		for _, re := range res.Errors {
			pr.FailureCount++
			pr.Errors = append(pr.Errors, re)
			ic.Reporter.Error(progress.ErrorDetail{
				Kind:        progress.ClassifyCode(re.Code),
				Entity:      d.Entity,
				RecordIndex: re.Index,
				Code:        re.Code,
				Message:     re.Message,
			})
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", d.Entity, err)
	}
	return nil
}

// buildPatch assembles one record's deferred update: the mapped target
// id plus every deferred field present on the record, references
// translated through the identity map. It reports false when the record
// must be skipped, either because the record itself was never written or
// because a reference points at a record with no target mapping.
func (dp *deferredPhase) buildPatch(ic *ImportContext, entity string, tf TargetFields, rec schema.Record, fields []string) (schema.Record, bool) {
	targetID, ok := ic.IDMap.Lookup(entity, rec.ID)
	if !ok {
		dp.p.warn(progress.PhaseDeferred, entity,
			fmt.Sprintf("record %s was never written, deferred fields skipped", rec.ID))
		return schema.Record{}, false
	}
	upd := schema.Record{ID: targetID, Fields: make(map[string]any, len(fields))}
	for _, name := range fields {
		v, present := rec.Fields[name]
		if !present {
			continue
		}
		if fm, known := tf.Known[name]; !known || !fm.ValidForUpdate {
			continue
		}
		ref, isRef := v.(schema.Ref)
		if !isRef {
			upd.Fields[name] = v
			continue
		}
		translated, ok := ic.IDMap.Translate(ref)
		if !ok {
			dp.p.warn(progress.PhaseDeferred, entity,
				fmt.Sprintf("record %s: %s references %s %s which was not imported, record skipped",
					rec.ID, name, ref.Entity, ref.ID))
			return schema.Record{}, false
		}
		upd.Fields[name] = translated
	}
	return upd, true
}
