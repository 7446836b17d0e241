package dataverse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service-protection fault codes returned when a caller exceeds its
// per-user budgets.
const (
	CodeRateLimitExceeded        = "0x80072320" // too many requests in the sliding window
	CodeTimeLimitExceeded        = "0x80072321" // too much combined execution time
	CodeConcurrencyLimitExceeded = "0x80072326" // too many concurrent requests
)

// Per-record fault codes surfaced in bulk item errors.
const (
	CodeObjectDoesNotExist = "0x80040217"
	CodeDuplicateRecord    = "0x80040237"
)

// ErrNotFound is returned when a requested record, entity, or metadata
// resource does not exist on the server.
var ErrNotFound = errors.New("not found")

// ThrottleError is a service-protection rejection. The server asks the
// caller to back off for RetryAfter before submitting again.
type ThrottleError struct {
	Source     string
	Code       string
	RetryAfter time.Duration
	Message    string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("service protection on %s: %s (retry after %s)", e.Source, e.Code, e.RetryAfter)
}

// FaultError is a non-throttle server fault.
type FaultError struct {
	Status  int
	Code    string
	Message string
}

func (e *FaultError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server fault %s (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("server fault (http %d): %s", e.Status, e.Message)
}

// IsThrottle reports whether err is a service-protection rejection and
// returns it if so.
func IsThrottle(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsThrottleCode reports whether code is one of the service-protection
// fault codes.
func IsThrottleCode(code string) bool {
	switch code {
	case CodeRateLimitExceeded, CodeTimeLimitExceeded, CodeConcurrencyLimitExceeded:
		return true
	}
	return false
}

// IsTransientRace reports whether err is the table-type race the service
// hits when parallel bulk writes land on a freshly created table. The
// server surfaces it as a generic fault whose message names the dropped
// type; it resolves itself once the server finishes provisioning.
func IsTransientRace(err error) bool {
	var fe *FaultError
	if !errors.As(err, &fe) {
		return false
	}
	return strings.Contains(strings.ToLower(fe.Message), "cannot drop type")
}
