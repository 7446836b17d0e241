package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/progress"
)

// roleEntity gets a by-identifier fallback when translating association
// endpoints: built-in roles exist on the target under their own ids
// without ever being imported.
const roleEntity = "role"

// m2mPhase rebuilds many-to-many links after all records exist. Both
// endpoints of every association translate through the identity map;
// links whose endpoints cannot be resolved are skipped with a warning
// and counted as failures. Pre-existing links on the target are benign.
type m2mPhase struct {
	p *Pipeline
}

func (mp *m2mPhase) Name() string { return "relationships" }

func (mp *m2mPhase) Process(ctx context.Context, ic *ImportContext) (*PhaseResult, error) {
	start := time.Now()
	pr := &PhaseResult{Phase: mp.Name()}

	for _, d := range sortedSections(ic.Data) {
		if len(d.Associations) == 0 {
			continue
		}
		byRel := make(map[string][]archive.Association)
		for _, a := range d.Associations {
			byRel[a.Relationship] = append(byRel[a.Relationship], a)
		}
		names := make([]string, 0, len(byRel))
		for name := range byRel {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := mp.associateAll(ctx, ic, d.Entity, name, byRel[name], pr); err != nil {
				pr.Duration = time.Since(start)
				return pr, err
			}
		}
	}

	pr.Success = pr.FailureCount == 0
	pr.Duration = time.Since(start)
	return pr, nil
}

// associateAll replays one relationship's rows for one owning entity.
func (mp *m2mPhase) associateAll(ctx context.Context, ic *ImportContext, entity, relationship string, rows []archive.Association, pr *PhaseResult) error {
	task := ic.Reporter.Begin(progress.Event{
		Phase:        progress.PhaseM2M,
		Entity:       entity,
		Relationship: relationship,
	}, len(rows))
	defer task.Done()

	for _, row := range rows {
		pr.Processed++
		task.Advance(1)

		sourceID, ok, err := mp.resolveEndpoint(ctx, ic, entity, row.SourceID)
		if err != nil {
			return fmt.Errorf("%s: %w", relationship, err)
		}
		if !ok {
			pr.FailureCount += len(row.TargetIDs)
			mp.p.warn(progress.PhaseM2M, entity,
				fmt.Sprintf("%s: %s %s was not imported, links skipped",
					relationship, entity, row.SourceID))
			continue
		}

		related := make([]uuid.UUID, 0, len(row.TargetIDs))
		for _, tid := range row.TargetIDs {
			rid, ok, err := mp.resolveEndpoint(ctx, ic, row.TargetEntity, tid)
			if err != nil {
				return fmt.Errorf("%s: %w", relationship, err)
			}
			if !ok {
				pr.FailureCount++
				mp.p.warn(progress.PhaseM2M, entity,
					fmt.Sprintf("%s: %s %s was not imported, link skipped",
						relationship, row.TargetEntity, tid))
				continue
			}
			related = append(related, rid)
		}
		if len(related) == 0 {
			continue
		}

		var resp *dataverse.AssociateResponse
		err = mp.p.borrow(ctx, func(c *dataverse.Client) error {
			var err error
			resp, err = c.Associate(ctx, &dataverse.AssociateRequest{
				Relationship:  relationship,
				Entity:        entity,
				ID:            sourceID,
				RelatedEntity: row.TargetEntity,
				RelatedIDs:    related,
			}, ic.Options.callOptions())
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, dataverse.ErrNotFound) {
				pr.FailureCount += len(related)
				mp.p.warn(progress.PhaseM2M, entity,
					fmt.Sprintf("%s: %s %s is gone from the target, links skipped",
						relationship, entity, sourceID))
				continue
			}
			pr.FailureCount++
			pr.Errors = append(pr.Errors, err)
			detail := progress.Describe(err)
			detail.Entity = entity
			ic.Reporter.Error(detail)
			continue
		}

		pr.SuccessCount += resp.Associated
		for _, ie := range resp.Errors {
			pr.FailureCount++
			failure := fmt.Errorf("%s: link %s -> %s: %s", relationship, sourceID, related[ie.Index], ie.Message)
			pr.Errors = append(pr.Errors, failure)
			ic.Reporter.Error(progress.ErrorDetail{
				Kind:        progress.ClassifyCode(ie.Code),
				Entity:      entity,
				RecordIndex: ie.Index,
				Code:        ie.Code,
				Message:     failure.Error(),
			})
		}
	}
	return nil
}

// resolveEndpoint translates one association endpoint into its target
// id. Role records that were never imported fall back to a
// by-identifier probe against the target, which covers built-in roles
// present there under the same id.
func (mp *m2mPhase) resolveEndpoint(ctx context.Context, ic *ImportContext, entity string, id uuid.UUID) (uuid.UUID, bool, error) {
	if target, ok := ic.IDMap.Lookup(entity, id); ok {
		return target, true, nil
	}
	if entity != roleEntity {
		return uuid.Nil, false, nil
	}
	var exists bool
	err := mp.p.borrow(ctx, func(c *dataverse.Client) error {
		var err error
		exists, err = c.RecordExists(ctx, entity, id)
		return err
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, exists, nil
}
