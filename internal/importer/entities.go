package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/bulk"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/schema"
)

// entityPhase writes entity records tier by tier. Groups within a tier
// run concurrently; members of a cyclic group run sequentially inside one
// goroutine so every non-deferred reference lands after its target.
type entityPhase struct {
	p *Pipeline
}

func (e *entityPhase) Name() string { return "entities" }

func (e *entityPhase) Process(ctx context.Context, ic *ImportContext) (*PhaseResult, error) {
	start := time.Now()
	pr := &PhaseResult{Phase: e.Name()}
	var mu sync.Mutex

	for ti, tier := range ic.Plan.Tiers {
		tierNum := ti + 1
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers(ctx, ic))
		for _, grp := range tier.Groups {
			grp := grp
			g.Go(func() error {
				for _, name := range grp.Entities {
					out, err := e.importEntity(gctx, ic, name, tierNum)
					mu.Lock()
					pr.Processed += out.processed
					pr.SuccessCount += out.success
					pr.FailureCount += out.failed
					pr.Errors = append(pr.Errors, out.errs...)
					mu.Unlock()
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			pr.Duration = time.Since(start)
			return pr, err
		}
		if pr.FailureCount > 0 && !ic.Options.ContinueOnError {
			logging.Warn("stopping after tier with record failures",
				"tier", tierNum, "failures", pr.FailureCount)
			break
		}
	}

	pr.Success = pr.FailureCount == 0
	pr.Duration = time.Since(start)
	return pr, nil
}

func (e *entityPhase) workers(ctx context.Context, ic *ImportContext) int {
	n := ic.Options.MaxParallelEntities
	if n == 0 {
		n = e.p.pool.TotalRecommendedParallelism(ctx)
	}
	if n < 1 {
		n = 1
	}
	return n
}

type entityOutcome struct {
	processed int
	success   int
	failed    int
	errs      []error
}

// importEntity writes one entity's records through the bulk executor.
// The identity map fills in batch by batch as server ids come back. The
// returned error aborts the phase; record failures land in the outcome.
func (e *entityPhase) importEntity(ctx context.Context, ic *ImportContext, name string, tierNum int) (entityOutcome, error) {
	var out entityOutcome
	d := ic.section(name)
	if d == nil {
		return out, nil
	}
	ent, ok := ic.Schema.Entity(name)
	if !ok {
		return out, nil
	}

	task := ic.Reporter.Begin(progress.Event{
		Phase:  progress.PhaseImporting,
		Entity: ent.LogicalName,
		Tier:   tierNum,
	}, len(d.Records))
	defer task.Done()
	if len(d.Records) == 0 {
		return out, nil
	}

	allowed := e.allowedFields(ic, ent, d)
	prepared := make([]schema.Record, len(d.Records))
	for i, rec := range d.Records {
		prepared[i] = rec.Only(allowed...)
	}
	out.processed = len(prepared)

	onBatch := func(o bulk.BatchOutcome) {
		task.Advance(o.Size)
		for i, id := range o.IDs {
			if id == uuid.Nil {
				continue
			}
			ic.IDMap.Put(ent.LogicalName, prepared[o.Offset+i].ID, id)
		}
	}
	bopts := ic.Options.bulkOptions(onBatch)

	var res *bulk.Result
	var err error
	switch ic.Options.Mode {
	case ModeCreate:
		res, err = e.p.exec.CreateMultiple(ctx, ent.LogicalName, prepared, bopts)
	case ModeUpdate:
		res, err = e.p.exec.UpdateMultiple(ctx, ent.LogicalName, prepared, bopts)
	default:
		res, err = e.p.exec.UpsertMultiple(ctx, ent.LogicalName, prepared, bopts)
	}
	if res != nil {
		out.success = res.SuccessCount
		for _, re := range res.Errors {
			if ic.Options.Mode == ModeUpdate && re.Code == dataverse.CodeObjectDoesNotExist {
				e.p.warn(progress.PhaseImporting, ent.LogicalName,
					fmt.Sprintf("record %s does not exist on the target, skipped", re.ID))
				continue
			}
			out.failed++
			out.errs = append(out.errs, re)
			ic.Reporter.Error(progress.ErrorDetail{
				Kind:        progress.ClassifyCode(re.Code),
				Entity:      ent.LogicalName,
				RecordIndex: re.Index,
				Code:        re.Code,
				Message:     re.Message,
			})
		}
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w", ent.LogicalName, err)
	}
	logging.Debug("entity imported",
		"entity", ent.LogicalName, "tier", tierNum,
		"records", out.processed, "failed", out.failed)
	return out, nil
}

// allowedFields returns the field names carried on the initial write:
// the entity's known field set minus the primary id, deferred fields,
// fields the target lacks, and fields the mode cannot write.
func (e *entityPhase) allowedFields(ic *ImportContext, ent *schema.Entity, d *archive.EntityData) []string {
	tf := ic.FieldMetadata[ent.LogicalName]
	var out []string
	for _, name := range entityFieldNames(ent, d) {
		fm, ok := tf.Known[name]
		if !ok {
			continue
		}
		if ic.Plan.IsDeferred(ent.LogicalName, name) {
			continue
		}
		switch ic.Options.Mode {
		case ModeCreate:
			if !fm.ValidForCreate {
				continue
			}
		case ModeUpdate:
			if !fm.ValidForUpdate {
				continue
			}
		default:
			if !fm.ValidForCreate && !fm.ValidForUpdate {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}
