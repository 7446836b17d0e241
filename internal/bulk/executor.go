// Package bulk drives batched writes through the connection pool under the
// adaptive rate controller. It partitions input into batches, runs them on
// a bounded worker group, retries throttles and the server's transient
// table-type race, and accumulates per-record outcomes keyed by original
// input position.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/ratelimit"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/telemetry"
	"github.com/arkfield/shuttle/internal/throttle"
)

// raceAttempts bounds retries of the transient table-type race: the first
// try plus two backed-off retries.
const raceAttempts = 3

// defaultThrottleSleep is slept when a throttle response carries no hint.
const defaultThrottleSleep = 5 * time.Second

// RecordError is one failed record, positioned by original input index.
type RecordError struct {
	Index   int
	ID      uuid.UUID
	Code    string
	Message string
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): %s %s", e.Index, e.ID, e.Code, e.Message)
}

// BatchOutcome describes one completed batch for observers.
type BatchOutcome struct {
	// Batch is the batch's ordinal within the operation.
	Batch int
	// Offset is the input index of the batch's first record.
	Offset int
	// Size is the number of records in the batch.
	Size int
	// IDs holds server identifiers, batch-relative, zero where a record
	// failed.
	IDs []uuid.UUID
	// Failed counts records that did not apply.
	Failed int
	// Source is the pool source that served the final attempt.
	Source string
	// Elapsed is the server time of the final attempt, excluding sleeps.
	Elapsed time.Duration
	// Attempts counts submissions, including throttle and race retries.
	Attempts int

	itemErrors []dataverse.ItemError
}

// recordErrors rebases the batch's item errors onto input positions.
func (o BatchOutcome) recordErrors(b batch) []RecordError {
	if len(o.itemErrors) == 0 {
		return nil
	}
	out := make([]RecordError, 0, len(o.itemErrors))
	for _, ie := range o.itemErrors {
		var id uuid.UUID
		if ie.Index >= 0 && ie.Index < len(b.targets) {
			id, _ = uuid.Parse(b.targets[ie.Index].ID)
		}
		out = append(out, RecordError{
			Index:   b.offset + ie.Index,
			ID:      id,
			Code:    ie.Code,
			Message: ie.Message,
		})
	}
	return out
}

// Result is the outcome of one bulk operation.
type Result struct {
	SuccessCount int
	FailureCount int
	Errors       []RecordError
	Duration     time.Duration
	// IDs is index-aligned with the input; zero where the record failed.
	IDs []uuid.UUID
}

// Executor submits bulk operations. One executor serves many operations
// concurrently; it owns no connections itself.
type Executor struct {
	pool       *pool.Pool
	controller *ratelimit.Controller
	tracker    *throttle.Tracker
}

// NewExecutor wires an executor to its pool, rate controller, and throttle
// tracker. The tracker must be the one the pool selects sources with, or
// throttle marks will not steer acquisition.
func NewExecutor(p *pool.Pool, c *ratelimit.Controller, t *throttle.Tracker) *Executor {
	return &Executor{pool: p, controller: c, tracker: t}
}

// CreateMultiple writes new records.
func (e *Executor) CreateMultiple(ctx context.Context, entity string, records []schema.Record, opts Options) (*Result, error) {
	return e.run(ctx, dataverse.OpCreateMultiple, entity, encodeRecords(records), opts)
}

// UpdateMultiple updates existing records by identifier.
func (e *Executor) UpdateMultiple(ctx context.Context, entity string, records []schema.Record, opts Options) (*Result, error) {
	return e.run(ctx, dataverse.OpUpdateMultiple, entity, encodeRecords(records), opts)
}

// UpsertMultiple creates or updates records keyed by identifier.
func (e *Executor) UpsertMultiple(ctx context.Context, entity string, records []schema.Record, opts Options) (*Result, error) {
	return e.run(ctx, dataverse.OpUpsertMultiple, entity, encodeRecords(records), opts)
}

// DeleteMultiple removes records by identifier.
func (e *Executor) DeleteMultiple(ctx context.Context, entity string, ids []uuid.UUID, opts Options) (*Result, error) {
	targets := make([]dataverse.WireRecord, len(ids))
	for i, id := range ids {
		targets[i] = dataverse.WireRecord{ID: id.String()}
	}
	return e.run(ctx, dataverse.OpDeleteMultiple, entity, targets, opts)
}

func encodeRecords(records []schema.Record) []dataverse.WireRecord {
	out := make([]dataverse.WireRecord, len(records))
	for i := range records {
		out[i] = dataverse.EncodeRecord(records[i])
	}
	return out
}

type batch struct {
	index   int
	offset  int
	targets []dataverse.WireRecord
}

// accumulator collects per-record outcomes across workers.
type accumulator struct {
	mu      sync.Mutex
	ids     []uuid.UUID
	errors  []RecordError
	onBatch func(BatchOutcome)
}

func (a *accumulator) record(out BatchOutcome, errs []RecordError) {
	a.mu.Lock()
	copy(a.ids[out.Offset:], out.IDs)
	a.errors = append(a.errors, errs...)
	if a.onBatch != nil {
		a.onBatch(out)
	}
	a.mu.Unlock()
}

// run executes one bulk operation. On cancellation or a fatal fault the
// returned Result still carries whatever completed; callers should check
// both returns.
func (e *Executor) run(ctx context.Context, op dataverse.BulkOperation, entity string, targets []dataverse.WireRecord, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	start := time.Now()

	acc := &accumulator{ids: make([]uuid.UUID, len(targets)), onBatch: opts.OnBatch}
	if len(targets) == 0 {
		return &Result{IDs: acc.ids, Duration: time.Since(start)}, nil
	}

	batches := partition(targets, opts.BatchSize)
	dop := e.pool.TotalRecommendedParallelism(ctx)
	if dop > ratelimit.HardCeiling {
		dop = ratelimit.HardCeiling
	}
	// The controller ramps toward the pool's current recommendation.
	e.controller.SetTarget(dop)
	workers := workerCount(dop, opts, len(batches))
	logging.Debug("bulk operation starting",
		"operation", string(op), "entity", entity,
		"records", len(targets), "batches", len(batches), "workers", workers)

	feed := make(chan batch)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(feed)
		for _, b := range batches {
			select {
			case feed <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for b := range feed {
				if err := e.runBatch(gctx, op, entity, b, opts, acc); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	res := &Result{
		Errors:   acc.errors,
		Duration: time.Since(start),
		IDs:      acc.ids,
	}
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Index < res.Errors[j].Index })
	res.FailureCount = len(res.Errors)
	res.SuccessCount = completedCount(acc.ids)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", op, entity, err)
	}
	return res, nil
}

func completedCount(ids []uuid.UUID) int {
	n := 0
	for _, id := range ids {
		if id != uuid.Nil {
			n++
		}
	}
	return n
}

func partition(targets []dataverse.WireRecord, size int) []batch {
	var out []batch
	for off := 0; off < len(targets); off += size {
		end := off + size
		if end > len(targets) {
			end = len(targets)
		}
		out = append(out, batch{index: len(out), offset: off, targets: targets[off:end]})
	}
	return out
}

// workerCount bounds in-flight batches by the recommended parallelism,
// the caller's cap, and the batch count itself.
func workerCount(dop int, opts Options, batches int) int {
	n := dop
	if opts.MaxParallelBatches > 0 && opts.MaxParallelBatches < n {
		n = opts.MaxParallelBatches
	}
	if batches < n {
		n = batches
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runBatch submits one batch until it lands, a permanent fault surfaces,
// or the operation is cancelled. Throttles release the handle before
// sleeping so the next acquire can steer to a calmer source; the transient
// table-type race pins the same handle across its backoff.
func (e *Executor) runBatch(ctx context.Context, op dataverse.BulkOperation, entity string, b batch, opts Options, acc *accumulator) error {
	attempts := 0
	for {
		admit, err := e.controller.Acquire(ctx)
		if err != nil {
			return err
		}
		outcome, err := e.submitOnce(ctx, op, entity, b, opts, &attempts)
		admit()

		switch {
		case err == nil:
			e.controller.ObserveSuccess(outcome.Elapsed)
			telemetry.RecordBatch(ctx, string(op), entity, outcome.Size-outcome.Failed, outcome.Failed, outcome.Elapsed)
			telemetry.RecordParallelism(ctx, e.controller.Parallelism())
			acc.record(outcome, outcome.recordErrors(b))
			return nil

		case isThrottleErr(err):
			te, _ := dataverse.IsThrottle(err)
			e.tracker.Note(te.Source, te.RetryAfter)
			telemetry.RecordThrottle(ctx, te.Source, te.Code)
			if ffErr := e.controller.ObserveThrottle(te.RetryAfter); ffErr != nil {
				return ffErr
			}
			pause := te.RetryAfter
			if pause <= 0 {
				pause = defaultThrottleSleep
			}
			logging.Warn("service protection, pausing batch",
				"entity", entity, "batch", b.index, "source", te.Source,
				"code", te.Code, "retry_after", pause)
			if err := sleepCtx(ctx, pause); err != nil {
				return err
			}
			// Loop re-acquires admission and a (likely different) source.

		default:
			if opts.ContinueOnError {
				acc.record(BatchOutcome{
					Batch:    b.index,
					Offset:   b.offset,
					Size:     len(b.targets),
					IDs:      make([]uuid.UUID, len(b.targets)),
					Failed:   len(b.targets),
					Attempts: attempts,
				}, batchFailure(b, err))
				logging.Warn("batch failed, continuing",
					"entity", entity, "batch", b.index, "error", err)
				return nil
			}
			return err
		}
	}
}

// submitOnce acquires a handle and executes the batch, absorbing the
// transient table-type race with a fixed 500ms/1s backoff on the same
// handle.
func (e *Executor) submitOnce(ctx context.Context, op dataverse.BulkOperation, entity string, b batch, opts Options, attempts *int) (BatchOutcome, error) {
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return BatchOutcome{}, err
	}
	defer h.Close()

	req := &dataverse.BulkRequest{Operation: op, Entity: entity, Targets: b.targets}
	call := opts.callOptions()

	var resp *dataverse.BulkResponse
	var elapsed time.Duration

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second

	err = backoff.Retry(func() error {
		*attempts++
		attemptStart := time.Now()
		r, err := h.Client().ExecuteBulk(ctx, req, call)
		elapsed = time.Since(attemptStart)
		if err != nil {
			if dataverse.IsTransientRace(err) {
				logging.Debug("transient table-type race, retrying on same source",
					"entity", entity, "batch", b.index, "source", h.Source())
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, raceAttempts-1), ctx))
	if err != nil {
		return BatchOutcome{}, err
	}

	out := BatchOutcome{
		Batch:    b.index,
		Offset:   b.offset,
		Size:     len(b.targets),
		IDs:      resp.IDs,
		Failed:   len(resp.Errors),
		Source:   h.Source(),
		Elapsed:  elapsed,
		Attempts: *attempts,
	}
	out.itemErrors = resp.Errors
	return out, nil
}

func isThrottleErr(err error) bool {
	_, ok := dataverse.IsThrottle(err)
	return ok
}

// batchFailure marks every record of a failed batch with the fault.
func batchFailure(b batch, err error) []RecordError {
	code, msg := faultParts(err)
	out := make([]RecordError, len(b.targets))
	for i, t := range b.targets {
		id, _ := uuid.Parse(t.ID)
		out[i] = RecordError{Index: b.offset + i, ID: id, Code: code, Message: msg}
	}
	return out
}

func faultParts(err error) (code, msg string) {
	var fe *dataverse.FaultError
	if errors.As(err, &fe) {
		return fe.Code, fe.Message
	}
	return "", err.Error()
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
