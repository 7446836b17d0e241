package bulk

import (
	"fmt"

	"github.com/arkfield/shuttle/internal/dataverse"
)

// DefaultBatchSize is used when the caller does not choose one. The server
// accepts up to dataverse.BatchLimit records per request; 100 keeps
// per-request execution time low enough for the rate controller to steer.
const DefaultBatchSize = 100

// OptionsError reports contradictory or out-of-range executor options.
type OptionsError struct {
	Msg string
}

func (e *OptionsError) Error() string { return e.Msg }

// Options control one bulk operation.
type Options struct {
	// BatchSize caps records per request, at most dataverse.BatchLimit.
	// Zero means DefaultBatchSize.
	BatchSize int
	// ContinueOnError records failed batches and keeps going instead of
	// cancelling the remainder of the operation.
	ContinueOnError bool
	// Bypass skips classes of server-side custom logic.
	Bypass dataverse.BypassSet
	// BypassFlows suppresses the callback-registration expander job so
	// flow triggers do not fire for these writes.
	BypassFlows bool
	// SuppressDuplicateDetection disables duplicate rules for these
	// writes.
	SuppressDuplicateDetection bool
	// Tag is surfaced in server-side context for tracing.
	Tag string
	// MaxParallelBatches optionally caps in-flight batches below what the
	// pool and rate controller would allow.
	MaxParallelBatches int

	// OnBatch, when set, observes each completed batch. Calls are
	// serialized by the executor.
	OnBatch func(BatchOutcome)
}

func (o Options) withDefaults() Options {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Validate rejects impossible option combinations before any I/O.
func (o Options) Validate() error {
	if o.BatchSize < 0 {
		return &OptionsError{Msg: fmt.Sprintf("batch size must be positive, got %d", o.BatchSize)}
	}
	if o.BatchSize > dataverse.BatchLimit {
		return &OptionsError{Msg: fmt.Sprintf("batch size %d exceeds the server limit of %d", o.BatchSize, dataverse.BatchLimit)}
	}
	if o.MaxParallelBatches < 0 {
		return &OptionsError{Msg: fmt.Sprintf("max parallel batches must not be negative, got %d", o.MaxParallelBatches)}
	}
	return nil
}

func (o Options) callOptions() dataverse.CallOptions {
	return dataverse.CallOptions{
		Bypass:              o.Bypass,
		SuppressExpanderJob: o.BypassFlows,
		SuppressDuplicates:  o.SuppressDuplicateDetection,
		Tag:                 o.Tag,
	}
}
