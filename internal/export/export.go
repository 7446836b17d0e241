// Package export scans a source organization and writes the portable
// archive. Entities are scanned concurrently through the connection pool;
// pages within an entity are sequential. All archive writes funnel through
// a single goroutine, and the archive is finalized only after every entity
// has either completed or recorded its failure.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/throttle"
)

// defaultPageSize is used when the caller does not choose a page size.
const defaultPageSize = 500

// defaultThrottleSleep is slept when a scan throttle carries no hint.
const defaultThrottleSleep = 5 * time.Second

// OptionsError reports malformed export options.
type OptionsError struct {
	Msg string
}

func (e *OptionsError) Error() string { return e.Msg }

// Options tune one export run. Zero fields take defaults.
type Options struct {
	// Entities restricts the export; empty exports every schema entity.
	Entities []string
	// PageSize is records per scan page.
	PageSize int
	// MaxParallelEntities caps concurrent entity scans; zero uses the
	// pool's recommended parallelism.
	MaxParallelEntities int
	// AttachmentDir is where blobs referenced by file-typed fields live.
	// Empty skips attachment copying.
	AttachmentDir string
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	return o
}

// Validate rejects options no run could honor.
func (o Options) Validate() error {
	if o.PageSize < 0 {
		return &OptionsError{Msg: fmt.Sprintf("page size %d is negative", o.PageSize)}
	}
	if o.MaxParallelEntities < 0 {
		return &OptionsError{Msg: fmt.Sprintf("max parallel entities %d is negative", o.MaxParallelEntities)}
	}
	return nil
}

// EntityOutcome reports one entity's scan.
type EntityOutcome struct {
	Entity       string
	Records      int
	Associations int
	// Err is nil when the entity's section landed in the archive.
	Err error
}

// Result is the outcome of one export run.
type Result struct {
	// Outcomes holds one entry per requested entity, sorted by name.
	Outcomes     []EntityOutcome
	Records      int
	Associations int
	Attachments  int
	Duration     time.Duration
}

// Failed returns the outcomes that recorded an error.
func (r *Result) Failed() []EntityOutcome {
	var out []EntityOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Success reports whether every entity landed.
func (r *Result) Success() bool { return len(r.Failed()) == 0 }

// Exporter scans entities through the pool. One exporter serves many runs.
type Exporter struct {
	pool     *pool.Pool
	tracker  *throttle.Tracker
	reporter *progress.Reporter
}

// New wires an exporter to its pool and throttle tracker. Share the tracker
// with the pool so scan throttles steer later acquisitions; a nil reporter
// discards progress.
func New(p *pool.Pool, tracker *throttle.Tracker, reporter *progress.Reporter) *Exporter {
	if tracker == nil {
		tracker = throttle.NewTracker(0)
	}
	if reporter == nil {
		reporter = progress.NewReporter(nil, 0)
	}
	return &Exporter{pool: p, tracker: tracker, reporter: reporter}
}

// writeReq is one unit of work for the archive-writer goroutine: either an
// entity section or an attachment blob.
type writeReq struct {
	data *archive.EntityData

	blobName string
	blobPath string

	resp chan error
}

// m2mOwner names which entity's section carries a relationship's rows, and
// the entity on the far end.
type m2mOwner struct {
	relationship string
	target       string
}

// Run exports the schema's entities into a fresh archive at path. Per-entity
// failures are collected in the result; the returned error is reserved for
// run-level failures such as bad options, archive I/O, or cancellation.
func (e *Exporter) Run(ctx context.Context, s *schema.Schema, path string, opts Options) (*Result, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		e.reportConfig(err)
		return nil, err
	}
	opts = opts.withDefaults()

	selected, err := selectEntities(s, opts.Entities)
	if err != nil {
		e.reportConfig(err)
		return nil, err
	}
	sub := s
	if len(opts.Entities) > 0 {
		sub = schema.New(selected)
	}
	owners := assignM2MOwners(sub)

	w, err := archive.Create(path)
	if err != nil {
		return nil, err
	}
	if err := w.WriteSchema(sub); err != nil {
		w.Close()
		return nil, err
	}

	logging.Info("export starting", "path", path, "entities", len(selected), "page_size", opts.PageSize)

	reqs := make(chan writeReq)
	writerDone := make(chan struct{})
	var attachments int
	go func() {
		defer close(writerDone)
		stored := make(map[string]bool)
		for req := range reqs {
			var err error
			switch {
			case req.data != nil:
				err = w.AppendEntity(req.data)
			case stored[req.blobName]:
				// Two records can reference the same blob.
			default:
				err = copyBlob(w, req.blobName, req.blobPath)
				if err == nil {
					stored[req.blobName] = true
					attachments++
				}
			}
			req.resp <- err
		}
	}()

	var mu sync.Mutex
	outcomes := make(map[string]EntityOutcome, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers(ctx, opts, len(selected)))
	for i := range selected {
		ent := &selected[i]
		g.Go(func() error {
			out, err := e.scanEntity(gctx, ent, owners[ent.LogicalName], opts, reqs)
			mu.Lock()
			outcomes[ent.LogicalName] = out
			mu.Unlock()
			return err
		})
	}
	runErr := g.Wait()
	close(reqs)
	<-writerDone

	closeErr := w.Close()
	if runErr == nil {
		runErr = closeErr
	}

	res := &Result{Duration: time.Since(start), Attachments: attachments}
	for i := range selected {
		name := selected[i].LogicalName
		out, ok := outcomes[name]
		if !ok {
			out = EntityOutcome{Entity: name, Err: runErr}
			if runErr == nil {
				out.Err = errors.New("entity was not scanned")
			}
		}
		res.Outcomes = append(res.Outcomes, out)
		if out.Err == nil {
			res.Records += out.Records
			res.Associations += out.Associations
		}
	}
	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Entity < res.Outcomes[j].Entity })

	logging.Info("export finished",
		"path", path, "records", res.Records, "associations", res.Associations,
		"failed_entities", len(res.Failed()), "duration", res.Duration)
	if runErr != nil {
		return res, fmt.Errorf("export: %w", runErr)
	}
	return res, nil
}

func (e *Exporter) reportConfig(err error) {
	e.reporter.Error(progress.ErrorDetail{
		Kind:        progress.KindConfiguration,
		RecordIndex: -1,
		Message:     err.Error(),
	})
}

func (e *Exporter) workers(ctx context.Context, opts Options, entities int) int {
	n := opts.MaxParallelEntities
	if n <= 0 {
		n = e.pool.TotalRecommendedParallelism(ctx)
	}
	if entities < n {
		n = entities
	}
	if n < 1 {
		n = 1
	}
	return n
}

// selectEntities resolves the requested subset against the schema, keeping
// schema declaration order.
func selectEntities(s *schema.Schema, names []string) ([]schema.Entity, error) {
	if len(names) == 0 {
		return s.Entities, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if s.Index(n) < 0 {
			return nil, &OptionsError{Msg: fmt.Sprintf("entity %s is not in the schema", n)}
		}
		want[strings.ToLower(n)] = true
	}
	var out []schema.Entity
	for i := range s.Entities {
		if want[s.Entities[i].LogicalName] {
			out = append(out, s.Entities[i])
		}
	}
	return out, nil
}

// assignM2MOwners gives each many-to-many relationship exactly one owning
// entity: the first declarer in schema order. The owner's section carries
// the relationship's rows.
func assignM2MOwners(s *schema.Schema) map[string][]m2mOwner {
	claimed := make(map[string]bool)
	out := make(map[string][]m2mOwner)
	for i := range s.Entities {
		ent := &s.Entities[i]
		for _, rel := range ent.Relationships {
			if !rel.IsManyToMany || claimed[rel.Name] {
				continue
			}
			claimed[rel.Name] = true
			out[ent.LogicalName] = append(out[ent.LogicalName], m2mOwner{
				relationship: rel.Name,
				target:       rel.EntityB,
			})
		}
	}
	return out
}

// scanEntity pages through one entity, then its owned relationships, and
// sends the finished section to the writer goroutine. Scan failures land in
// the outcome; only writer failures and cancellation return an error, which
// aborts the whole run.
func (e *Exporter) scanEntity(ctx context.Context, ent *schema.Entity, owned []m2mOwner, opts Options, reqs chan<- writeReq) (EntityOutcome, error) {
	out := EntityOutcome{Entity: ent.LogicalName}

	total := e.recordCount(ctx, ent.LogicalName)
	task := e.reporter.Begin(progress.Event{Phase: progress.PhaseExporting, Entity: ent.LogicalName}, total)
	defer task.Done()

	records, err := e.scanPages(ctx, ent, opts.PageSize, task)
	if err != nil {
		return e.failEntity(ctx, out, err)
	}
	out.Records = len(records)

	data := &archive.EntityData{Entity: ent.LogicalName, Records: records}
	for _, own := range owned {
		rows, err := e.retrieveAssociations(ctx, own.relationship)
		if err != nil {
			return e.failEntity(ctx, out, err)
		}
		for _, row := range rows {
			data.Associations = append(data.Associations, archive.Association{
				Relationship: own.relationship,
				SourceID:     row.ID,
				TargetEntity: own.target,
				TargetIDs:    row.RelatedIDs,
			})
		}
	}
	out.Associations = len(data.Associations)

	if err := e.send(ctx, reqs, writeReq{data: data}); err != nil {
		return out, err
	}
	if opts.AttachmentDir != "" {
		if err := e.sendBlobs(ctx, reqs, records, opts.AttachmentDir); err != nil {
			return out, err
		}
	}
	return out, nil
}

// failEntity records a scan failure. Cancellation is promoted to a run
// error so sibling scans stop instead of each reporting the same cause.
func (e *Exporter) failEntity(ctx context.Context, out EntityOutcome, err error) (EntityOutcome, error) {
	if ctx.Err() != nil {
		out.Err = ctx.Err()
		return out, ctx.Err()
	}
	out.Err = err
	d := progress.Describe(err)
	d.Entity = out.Entity
	e.reporter.Error(d)
	logging.Warn("entity scan failed", "entity", out.Entity, "error", err)
	return out, nil
}

func (e *Exporter) scanPages(ctx context.Context, ent *schema.Entity, pageSize int, task *progress.Task) ([]schema.Record, error) {
	var records []schema.Record
	cookie := ""
	for {
		q := &dataverse.PageQuery{Entity: ent.LogicalName, PageSize: pageSize, PagingCookie: cookie}
		var page *dataverse.Page
		err := e.borrow(ctx, func(c *dataverse.Client) error {
			var err error
			page, err = c.RetrievePage(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, wr := range page.Records {
			rec, err := dataverse.DecodeRecord(ent, wr)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		task.Advance(len(page.Records))
		if !page.More {
			return records, nil
		}
		cookie = page.PagingCookie
	}
}

func (e *Exporter) retrieveAssociations(ctx context.Context, relationship string) ([]dataverse.AssociationRow, error) {
	var rows []dataverse.AssociationRow
	err := e.borrow(ctx, func(c *dataverse.Client) error {
		var err error
		rows, err = c.RetrieveAssociations(ctx, relationship)
		return err
	})
	return rows, err
}

// recordCount asks the server how many records the entity holds, for
// progress totals. Failures degrade to an unknown total.
func (e *Exporter) recordCount(ctx context.Context, entity string) int {
	var n int64
	err := e.borrow(ctx, func(c *dataverse.Client) error {
		var err error
		n, err = c.RecordCount(ctx, entity)
		return err
	})
	if err != nil {
		logging.Debug("record count unavailable", "entity", entity, "error", err)
		return 0
	}
	return int(n)
}

// borrow runs fn with a pooled client. Throttle rejections are noted with
// the tracker and slept out before retrying on a fresh handle, which the
// throttle-aware strategy steers toward a calmer source.
func (e *Exporter) borrow(ctx context.Context, fn func(*dataverse.Client) error) error {
	for {
		h, err := e.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		err = fn(h.Client())
		h.Close()
		te, ok := dataverse.IsThrottle(err)
		if !ok {
			return err
		}
		e.tracker.Note(te.Source, te.RetryAfter)
		pause := te.RetryAfter
		if pause <= 0 {
			pause = defaultThrottleSleep
		}
		logging.Warn("service protection during scan", "source", te.Source, "code", te.Code, "retry_after", pause)
		if err := sleepCtx(ctx, pause); err != nil {
			return err
		}
	}
}

func (e *Exporter) send(ctx context.Context, reqs chan<- writeReq, req writeReq) error {
	req.resp = make(chan error, 1)
	reqs <- req
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendBlobs copies every blob the records reference into the archive.
// Missing files are warned about and skipped.
func (e *Exporter) sendBlobs(ctx context.Context, reqs chan<- writeReq, records []schema.Record, dir string) error {
	sent := make(map[string]bool)
	for _, rec := range records {
		for _, v := range rec.Fields {
			ref, ok := v.(schema.BlobRef)
			if !ok || ref.Path == "" || sent[ref.Path] {
				continue
			}
			sent[ref.Path] = true
			p := filepath.Join(dir, filepath.FromSlash(ref.Path))
			if _, err := os.Stat(p); err != nil {
				e.reporter.Note(progress.Event{
					Phase:   progress.PhaseExporting,
					Message: fmt.Sprintf("attachment %s is missing, skipped", ref.Path),
				})
				logging.Warn("attachment missing", "path", p)
				continue
			}
			if err := e.send(ctx, reqs, writeReq{blobName: ref.Path, blobPath: p}); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyBlob(w *archive.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening attachment %s: %w", name, err)
	}
	defer f.Close()
	return w.AddAttachment(name, f)
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
