// Package progress is the structured event stream a migration run emits:
// phase transitions, throttled per-record progress, and classified errors.
// The engine produces events; sinks render them. The core never chooses a
// renderer.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arkfield/shuttle/internal/archive"
	"github.com/arkfield/shuttle/internal/bulk"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/ratelimit"
	"github.com/arkfield/shuttle/internal/schema"
)

// Phase names one stage of a migration run.
type Phase string

const (
	PhaseAnalyzing Phase = "analyzing"
	PhaseExporting Phase = "exporting"
	PhaseImporting Phase = "importing"
	PhaseDeferred  Phase = "deferred"
	PhaseM2M       Phase = "m2m"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Kind classifies a reported error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConfiguration     Kind = "configuration"
	KindConnectionFailed  Kind = "connection_failed"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindServiceProtection Kind = "service_protection"
	KindTransientRace     Kind = "transient_race"
	KindNotFound          Kind = "not_found"
	KindSchemaMismatch    Kind = "schema_mismatch"
	KindDmlBlocked        Kind = "dml_blocked"
	KindFatal             Kind = "fatal"
)

// Event is one update on the stream. Tier is 1-based; zero means the event
// is not tied to a tier.
type Event struct {
	Phase        Phase        `json:"phase"`
	Entity       string       `json:"entity,omitempty"`
	Field        string       `json:"field,omitempty"`
	Relationship string       `json:"relationship,omitempty"`
	Tier         int          `json:"tier,omitempty"`
	Current      int          `json:"current"`
	Total        int          `json:"total"`
	RPS          float64      `json:"rps,omitempty"`
	Message      string       `json:"message,omitempty"`
	Err          *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries the classified failure on error events. RecordIndex
// is -1 when the failure is not tied to one record.
type ErrorDetail struct {
	Kind        Kind   `json:"kind"`
	Source      string `json:"source,omitempty"`
	Entity      string `json:"entity,omitempty"`
	RecordIndex int    `json:"record_index"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
}

// Sink consumes events. The reporter serializes calls; a sink never sees
// two Emits at once from the same reporter.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = nopSink{}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Multi fans events out to every sink in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// DefaultCadence is how many records pass between progress emissions when
// the caller does not choose a cadence.
const DefaultCadence = 100

// Reporter throttles and serializes events to a sink. Phase boundaries
// always emit; record progress emits at most once per cadence records.
type Reporter struct {
	mu      sync.Mutex
	sink    Sink
	cadence int
}

// NewReporter builds a reporter over sink. A nil sink discards events;
// cadence 0 means DefaultCadence.
func NewReporter(sink Sink, cadence int) *Reporter {
	if sink == nil {
		sink = Discard
	}
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	return &Reporter{sink: sink, cadence: cadence}
}

func (r *Reporter) emit(ev Event) {
	r.mu.Lock()
	r.sink.Emit(ev)
	r.mu.Unlock()
}

// Note emits an event immediately, outside any cadence. Warnings and
// one-off messages go through here.
func (r *Reporter) Note(ev Event) {
	r.emit(ev)
}

// Error emits an error event.
func (r *Reporter) Error(detail ErrorDetail) {
	r.emit(Event{
		Phase:   PhaseError,
		Entity:  detail.Entity,
		Message: detail.Message,
		Err:     &detail,
	})
}

// Complete emits the run's terminal event.
func (r *Reporter) Complete(message string) {
	r.emit(Event{Phase: PhaseComplete, Message: message})
}

// Begin opens a progressing unit of work described by the template event
// and emits its boundary. Total may be zero when unknown.
func (r *Reporter) Begin(template Event, total int) *Task {
	template.Current = 0
	template.Total = total
	r.emit(template)
	return &Task{r: r, template: template, total: total, start: time.Now()}
}

// Task tracks one progressing unit: an entity scan, a tier's entity
// import, a relationship's association pass. Safe for concurrent Advance.
type Task struct {
	r        *Reporter
	template Event
	total    int
	start    time.Time

	mu       sync.Mutex
	count    int
	lastEmit int
	done     bool
}

// Advance adds n processed records and emits when a cadence boundary is
// crossed.
func (t *Task) Advance(n int) {
	t.mu.Lock()
	t.count += n
	if t.done || t.count-t.lastEmit < t.r.cadence {
		t.mu.Unlock()
		return
	}
	t.lastEmit = t.count
	ev := t.snapshot()
	t.mu.Unlock()
	t.r.emit(ev)
}

// Count returns how many records the task has recorded so far.
func (t *Task) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Done closes the task and emits its final state. Calling Done twice emits
// once.
func (t *Task) Done() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.lastEmit = t.count
	ev := t.snapshot()
	t.mu.Unlock()
	t.r.emit(ev)
}

// snapshot builds the emission for the current count. Callers hold t.mu.
func (t *Task) snapshot() Event {
	ev := t.template
	ev.Current = t.count
	ev.Total = t.total
	if elapsed := time.Since(t.start); elapsed > 0 && t.count > 0 {
		ev.RPS = float64(t.count) / elapsed.Seconds()
	}
	return ev
}

// Classify maps an error onto the reporting taxonomy. Emitters with better
// knowledge (the schema-mismatch check, configuration validation) set the
// kind themselves instead of relying on this.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	case dataverse.IsTransientRace(err):
		return KindTransientRace
	case errors.Is(err, dataverse.ErrNotFound):
		return KindNotFound
	case errors.Is(err, archive.ErrNoSchema), errors.Is(err, archive.ErrNoData):
		return KindValidation
	}

	var throttle *dataverse.ThrottleError
	if errors.As(err, &throttle) {
		return KindServiceProtection
	}
	var failFast *ratelimit.FailFastError
	if errors.As(err, &failFast) {
		return KindServiceProtection
	}
	var exhausted *pool.ExhaustedError
	if errors.As(err, &exhausted) {
		return KindPoolExhausted
	}
	var connect *pool.ConnectError
	if errors.As(err, &connect) {
		return KindConnectionFailed
	}
	var parse *schema.ParseError
	if errors.As(err, &parse) {
		return KindValidation
	}
	var options *bulk.OptionsError
	if errors.As(err, &options) {
		return KindConfiguration
	}
	return KindFatal
}

// ClassifyCode maps a per-record server fault code onto the taxonomy.
// Record-level rejections inside an accepted request carry only a code,
// so classification works from that instead of an error chain.
func ClassifyCode(code string) Kind {
	switch {
	case code == "":
		return KindFatal
	case dataverse.IsThrottleCode(code):
		return KindServiceProtection
	case code == dataverse.CodeObjectDoesNotExist:
		return KindNotFound
	}
	return KindValidation
}

// Describe builds the error detail for err: classified kind, source and
// fault code where the error chain carries them.
func Describe(err error) ErrorDetail {
	d := ErrorDetail{Kind: Classify(err), RecordIndex: -1}
	if err != nil {
		d.Message = err.Error()
	}
	var throttle *dataverse.ThrottleError
	if errors.As(err, &throttle) {
		d.Source = throttle.Source
		d.Code = throttle.Code
		return d
	}
	var fault *dataverse.FaultError
	if errors.As(err, &fault) {
		d.Code = fault.Code
		return d
	}
	var connect *pool.ConnectError
	if errors.As(err, &connect) {
		d.Source = connect.Source
	}
	return d
}
