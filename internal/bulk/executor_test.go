package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/ratelimit"
	"github.com/arkfield/shuttle/internal/schema"
	"github.com/arkfield/shuttle/internal/testutil/fakeorg"
	"github.com/arkfield/shuttle/internal/throttle"
)

func testExecutor(t *testing.T, orgs ...*fakeorg.Org) (*Executor, *throttle.Tracker) {
	t.Helper()
	return testExecutorCfg(t, ratelimit.ForPreset(ratelimit.Balanced), orgs...)
}

func testExecutorCfg(t *testing.T, cfg ratelimit.Config, orgs ...*fakeorg.Org) (*Executor, *throttle.Tracker) {
	t.Helper()
	tracker := throttle.NewTracker(0)
	sources := make([]pool.Source, len(orgs))
	for i, org := range orgs {
		sources[i] = org.Source(fmt.Sprintf("org%d", i), 4)
	}
	p, err := pool.New(sources, tracker, pool.Options{})
	if err != nil {
		t.Fatalf("building pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	ctrl, err := ratelimit.New(cfg, 0)
	if err != nil {
		t.Fatalf("building controller: %v", err)
	}
	return NewExecutor(p, ctrl, tracker), tracker
}

func testRecords(n int) []schema.Record {
	recs := make([]schema.Record, n)
	for i := range recs {
		recs[i] = schema.Record{
			ID:     uuid.New(),
			Fields: map[string]any{"name": fmt.Sprintf("record %d", i)},
		}
	}
	return recs
}

func TestCreateMultiplePartitionsIntoBatches(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	recs := testRecords(250)
	res, err := exec.CreateMultiple(context.Background(), "account", recs, Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("CreateMultiple: %v", err)
	}
	if res.SuccessCount != 250 || res.FailureCount != 0 {
		t.Fatalf("got success=%d failure=%d, want 250/0", res.SuccessCount, res.FailureCount)
	}
	if got := org.CallCount("CreateMultiple"); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
	if got := org.StoredCount("account"); got != 250 {
		t.Errorf("server stored %d records, want 250", got)
	}
	for i, rec := range recs {
		if res.IDs[i] != rec.ID {
			t.Fatalf("IDs[%d] = %s, want %s", i, res.IDs[i], rec.ID)
		}
	}

	var sizes []int
	for _, c := range org.BulkCalls() {
		sizes = append(sizes, len(c.Targets))
	}
	sort.Ints(sizes)
	if fmt.Sprint(sizes) != "[50 100 100]" {
		t.Errorf("batch sizes = %v, want [50 100 100]", sizes)
	}
}

func TestEmptyInputSucceedsWithoutCalls(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	res, err := exec.UpsertMultiple(context.Background(), "account", nil, Options{})
	if err != nil {
		t.Fatalf("UpsertMultiple: %v", err)
	}
	if res.SuccessCount != 0 || res.FailureCount != 0 || len(res.IDs) != 0 {
		t.Errorf("got %+v, want empty result", res)
	}
	if got := org.CallCount(""); got != 0 {
		t.Errorf("server saw %d calls, want 0", got)
	}
}

func TestOversizedBatchRejected(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	_, err := exec.CreateMultiple(context.Background(), "account", testRecords(1), Options{BatchSize: dataverse.BatchLimit + 1})
	var oe *OptionsError
	if !errors.As(err, &oe) {
		t.Fatalf("got %v, want OptionsError", err)
	}
	if got := org.CallCount(""); got != 0 {
		t.Errorf("server saw %d calls, want 0", got)
	}
}

func TestItemErrorsKeyedByInputIndex(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	recs := testRecords(5)
	// Pre-seeding records[3] makes its create a duplicate.
	org.SeedRecords("account", dataverse.EncodeRecord(recs[3]))

	res, err := exec.CreateMultiple(context.Background(), "account", recs, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("CreateMultiple: %v", err)
	}
	if res.SuccessCount != 4 || res.FailureCount != 1 {
		t.Fatalf("got success=%d failure=%d, want 4/1", res.SuccessCount, res.FailureCount)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(res.Errors))
	}
	e := res.Errors[0]
	if e.Index != 3 || e.ID != recs[3].ID || e.Code != fakeorg.CodeDuplicate {
		t.Errorf("error = %+v, want index 3 id %s code %s", e, recs[3].ID, fakeorg.CodeDuplicate)
	}
	if res.IDs[3] != uuid.Nil {
		t.Errorf("IDs[3] = %s, want zero", res.IDs[3])
	}
}

func TestThrottledBatchRetriesAfterPause(t *testing.T) {
	org := fakeorg.New(t)
	exec, tracker := testExecutor(t, org)
	org.Stub(1, fakeorg.ThrottleFault(1), nil)

	var outcomes []BatchOutcome
	res, err := exec.UpsertMultiple(context.Background(), "account", testRecords(20), Options{
		BatchSize: 5,
		OnBatch:   func(o BatchOutcome) { outcomes = append(outcomes, o) },
	})
	if err != nil {
		t.Fatalf("UpsertMultiple: %v", err)
	}
	if res.SuccessCount != 20 || res.FailureCount != 0 {
		t.Fatalf("got success=%d failure=%d, want 20/0", res.SuccessCount, res.FailureCount)
	}
	// The throttled batch is submitted twice: 4 batches + 1 retry.
	if got := org.CallCount("UpsertMultiple"); got != 5 {
		t.Errorf("server saw %d calls, want 5", got)
	}
	if tracker.Events() != 1 {
		t.Errorf("tracker recorded %d events, want 1", tracker.Events())
	}
	retried := 0
	for _, o := range outcomes {
		if o.Attempts == 2 {
			retried++
		}
	}
	if retried != 1 {
		t.Errorf("%d outcomes carry a retry, want exactly 1", retried)
	}
}

func TestTransientRaceRetriesOnSameSource(t *testing.T) {
	alpha := fakeorg.New(t)
	beta := fakeorg.New(t)
	exec, _ := testExecutor(t, alpha, beta)

	rec := testRecords(1)
	alpha.SeedRecords("account", dataverse.EncodeRecord(rec[0]))
	beta.SeedRecords("account", dataverse.EncodeRecord(rec[0]))
	alpha.Stub(2, fakeorg.RaceFault(), nil)
	beta.Stub(2, fakeorg.RaceFault(), nil)

	var outcomes []BatchOutcome
	res, err := exec.UpdateMultiple(context.Background(), "account", rec, Options{
		OnBatch: func(o BatchOutcome) { outcomes = append(outcomes, o) },
	})
	if err != nil {
		t.Fatalf("UpdateMultiple: %v", err)
	}
	if res.FailureCount != 0 || res.SuccessCount != 1 {
		t.Fatalf("got success=%d failure=%d, want 1/0", res.SuccessCount, res.FailureCount)
	}
	if len(outcomes) != 1 || outcomes[0].Attempts != 3 {
		t.Fatalf("outcomes = %+v, want one outcome with 3 attempts", outcomes)
	}

	// All three attempts pin the handle, so exactly one server saw traffic.
	a, b := alpha.CallCount("UpdateMultiple"), beta.CallCount("UpdateMultiple")
	if !(a == 3 && b == 0) && !(a == 0 && b == 3) {
		t.Errorf("calls split %d/%d across sources, want 3/0 on one side", a, b)
	}
}

func TestTransientRaceGivesUpAfterThreeAttempts(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)
	org.Stub(3, fakeorg.RaceFault(), nil)

	res, err := exec.CreateMultiple(context.Background(), "account", testRecords(2), Options{})
	if err == nil {
		t.Fatal("expected error after exhausting race retries")
	}
	if !dataverse.IsTransientRace(err) {
		t.Errorf("got %v, want the race fault", err)
	}
	if got := org.CallCount("CreateMultiple"); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
	if res == nil || res.SuccessCount != 0 {
		t.Errorf("result = %+v, want zero successes", res)
	}
}

func TestContinueOnErrorRecordsFailedBatch(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)
	org.Stub(1, fakeorg.Fault{Status: 500, Code: "0x80040220", Message: "dml operation blocked by server configuration"}, nil)

	res, err := exec.CreateMultiple(context.Background(), "account", testRecords(4), Options{
		BatchSize:          2,
		ContinueOnError:    true,
		MaxParallelBatches: 1,
	})
	if err != nil {
		t.Fatalf("CreateMultiple: %v", err)
	}
	if res.SuccessCount != 2 || res.FailureCount != 2 {
		t.Fatalf("got success=%d failure=%d, want 2/2", res.SuccessCount, res.FailureCount)
	}
	// Sequential submission pins the fault to the first batch.
	if res.Errors[0].Index != 0 || res.Errors[1].Index != 1 {
		t.Errorf("error indexes = %d,%d, want 0,1", res.Errors[0].Index, res.Errors[1].Index)
	}
	for _, e := range res.Errors {
		if e.Code != "0x80040220" {
			t.Errorf("error code = %q, want 0x80040220", e.Code)
		}
	}
}

func TestFaultCancelsRemainingBatches(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)
	org.Stub(1, fakeorg.Fault{Status: 500, Code: "0x80040220", Message: "dml operation blocked"}, nil)

	res, err := exec.CreateMultiple(context.Background(), "account", testRecords(6), Options{
		BatchSize:          2,
		MaxParallelBatches: 1,
	})
	if err == nil {
		t.Fatal("expected the fault to surface")
	}
	var fe *dataverse.FaultError
	if !errors.As(err, &fe) || fe.Code != "0x80040220" {
		t.Errorf("got %v, want fault 0x80040220", err)
	}
	if got := org.CallCount("CreateMultiple"); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
	if res.SuccessCount != 0 {
		t.Errorf("success = %d, want 0", res.SuccessCount)
	}
}

func TestDeleteMultipleReportsMissingRecords(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	recs := testRecords(3)
	for _, r := range recs {
		org.SeedRecords("contact", dataverse.EncodeRecord(r))
	}
	ids := []uuid.UUID{recs[0].ID, recs[1].ID, uuid.New(), recs[2].ID}

	res, err := exec.DeleteMultiple(context.Background(), "contact", ids, Options{})
	if err != nil {
		t.Fatalf("DeleteMultiple: %v", err)
	}
	if res.SuccessCount != 3 || res.FailureCount != 1 {
		t.Fatalf("got success=%d failure=%d, want 3/1", res.SuccessCount, res.FailureCount)
	}
	if res.Errors[0].Index != 2 || res.Errors[0].Code != fakeorg.CodeMissing {
		t.Errorf("error = %+v, want index 2 code %s", res.Errors[0], fakeorg.CodeMissing)
	}
	if got := org.StoredCount("contact"); got != 0 {
		t.Errorf("server still stores %d records, want 0", got)
	}
}

func TestRetryAfterBeyondToleranceFailsFast(t *testing.T) {
	cfg := ratelimit.ForPreset(ratelimit.Balanced)
	cfg.MaxRetryAfterTolerance = time.Second

	org := fakeorg.New(t)
	exec, _ := testExecutorCfg(t, cfg, org)
	org.Stub(1, fakeorg.ThrottleFault(30), nil)

	start := time.Now()
	_, err := exec.CreateMultiple(context.Background(), "account", testRecords(2), Options{})
	var ffe *ratelimit.FailFastError
	if !errors.As(err, &ffe) {
		t.Fatalf("got %v, want FailFastError", err)
	}
	if ffe.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", ffe.RetryAfter)
	}
	// Fail-fast aborts instead of honoring the pause.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, should not have slept out the retry-after", elapsed)
	}
}

func TestCallOptionsReachTheServer(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	_, err := exec.CreateMultiple(context.Background(), "account", testRecords(1), Options{
		Bypass:                     dataverse.BypassAll,
		BypassFlows:                true,
		SuppressDuplicateDetection: true,
		Tag:                        "migration-42",
	})
	if err != nil {
		t.Fatalf("CreateMultiple: %v", err)
	}

	calls := org.BulkCalls()
	if len(calls) != 1 {
		t.Fatalf("server saw %d calls, want 1", len(calls))
	}
	c := calls[0]
	if got := c.Header.Get("MSCRM.BypassBusinessLogicExecution"); got != "CustomSync,CustomAsync" {
		t.Errorf("bypass header = %q", got)
	}
	if got := c.Header.Get("MSCRM.SuppressCallbackRegistrationExpanderJob"); got != "true" {
		t.Errorf("expander header = %q", got)
	}
	if got := c.Header.Get("MSCRM.SuppressDuplicateDetection"); got != "true" {
		t.Errorf("duplicate header = %q", got)
	}
	if c.Tag != "migration-42" {
		t.Errorf("tag = %q, want migration-42", c.Tag)
	}
}

func TestCancellationReturnsPartialResult(t *testing.T) {
	org := fakeorg.New(t)
	exec, _ := testExecutor(t, org)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var fired bool
	opts := Options{
		BatchSize:          2,
		MaxParallelBatches: 1,
		OnBatch: func(BatchOutcome) {
			if !fired {
				fired = true
				cancel()
				close(done)
			}
		},
	}
	res, err := exec.CreateMultiple(ctx, "account", testRecords(10), opts)
	<-done
	if err == nil {
		t.Fatal("expected cancellation to surface")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if res.SuccessCount == 0 {
		t.Error("partial result should keep the completed batch")
	}
	if res.SuccessCount == 10 {
		t.Error("cancellation should have stopped later batches")
	}
}

func TestPartitionCoversAllRecords(t *testing.T) {
	tests := []struct {
		records int
		size    int
		batches int
		last    int
	}{
		{records: 10, size: 3, batches: 4, last: 1},
		{records: 9, size: 3, batches: 3, last: 3},
		{records: 1, size: 100, batches: 1, last: 1},
		{records: 1000, size: 1000, batches: 1, last: 1000},
	}
	for _, tt := range tests {
		targets := make([]dataverse.WireRecord, tt.records)
		got := partition(targets, tt.size)
		if len(got) != tt.batches {
			t.Errorf("partition(%d, %d) produced %d batches, want %d", tt.records, tt.size, len(got), tt.batches)
			continue
		}
		if n := len(got[len(got)-1].targets); n != tt.last {
			t.Errorf("partition(%d, %d) last batch size %d, want %d", tt.records, tt.size, n, tt.last)
		}
		total := 0
		for i, b := range got {
			if b.index != i {
				t.Errorf("batch %d carries index %d", i, b.index)
			}
			if b.offset != total {
				t.Errorf("batch %d offset %d, want %d", i, b.offset, total)
			}
			total += len(b.targets)
		}
		if total != tt.records {
			t.Errorf("partition(%d, %d) covers %d records", tt.records, tt.size, total)
		}
	}
}
