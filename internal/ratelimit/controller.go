// Package ratelimit adapts the number of concurrent batches submitted to
// the organization service. Parallelism starts at 1, ramps on sustained
// success, tightens against the service's aggregate execution-time budget,
// and collapses on throttle signals.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// HardCeiling is the service's per-user cap on concurrent requests.
// Parallelism never exceeds it regardless of configuration.
const HardCeiling = 52

// smoothing is the weight of each new batch duration in the moving
// average. ewma parameterizes by age; 2/s - 1 converts.
const (
	smoothing    = 0.3
	smoothingAge = 2/smoothing - 1
)

// Preset names a tuned configuration.
type Preset string

const (
	// Conservative suits production targets, delete-heavy work, and long
	// unattended jobs.
	Conservative Preset = "conservative"
	// Balanced suits mixed create/update traffic.
	Balanced Preset = "balanced"
	// Aggressive suits development targets and closely monitored jobs.
	Aggressive Preset = "aggressive"
)

// State is the controller's operating mode.
type State string

const (
	// StateRamp grows parallelism on success with no execution-time
	// ceiling yet.
	StateRamp State = "ramp"
	// StateCeiling means average batch duration crossed the slow-batch
	// threshold and the execution-time ceiling is in force.
	StateCeiling State = "ceiling"
	// StateBackoff follows a throttle; growth pauses until the cooldown
	// passes.
	StateBackoff State = "backoff"
	// StateFailFast is terminal; the server demanded a longer pause than
	// the configured tolerance.
	StateFailFast State = "failfast"
)

// Config tunes the controller. The zero value is not valid; start from a
// preset.
type Config struct {
	// CeilingFactor is F in ceiling = F / (D in seconds): the budget of
	// aggregate execution milliseconds per wall-clock second.
	CeilingFactor int
	// SlowBatchThreshold is the average duration above which the
	// execution-time ceiling engages.
	SlowBatchThreshold time.Duration
	// DecreaseFactor scales parallelism down on throttle.
	DecreaseFactor float64
	// SuccessesPerIncrease is the consecutive-success run required before
	// parallelism may grow by one.
	SuccessesPerIncrease int
	// MinIncreaseInterval is the shortest time between two increases.
	MinIncreaseInterval time.Duration
	// MaxRetryAfterTolerance bounds the throttle pause the controller will
	// absorb; beyond it the operation fails fast.
	MaxRetryAfterTolerance time.Duration
}

// ForPreset returns the tuned configuration for a preset. Unknown presets
// fall back to Balanced.
func ForPreset(p Preset) Config {
	cfg := Config{
		DecreaseFactor:         0.5,
		SuccessesPerIncrease:   5,
		MinIncreaseInterval:    2 * time.Second,
		MaxRetryAfterTolerance: 5 * time.Minute,
	}
	switch p {
	case Conservative:
		cfg.CeilingFactor = 140
		cfg.SlowBatchThreshold = 6000 * time.Millisecond
	case Aggressive:
		cfg.CeilingFactor = 320
		cfg.SlowBatchThreshold = 11000 * time.Millisecond
	default:
		cfg.CeilingFactor = 200
		cfg.SlowBatchThreshold = 8000 * time.Millisecond
	}
	return cfg
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.CeilingFactor <= 0 {
		return fmt.Errorf("ceiling factor must be positive, got %d", c.CeilingFactor)
	}
	if c.SlowBatchThreshold <= 0 {
		return fmt.Errorf("slow-batch threshold must be positive, got %s", c.SlowBatchThreshold)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		return fmt.Errorf("decrease factor must be in (0,1), got %g", c.DecreaseFactor)
	}
	if c.SuccessesPerIncrease <= 0 {
		return fmt.Errorf("successes per increase must be positive, got %d", c.SuccessesPerIncrease)
	}
	if c.MinIncreaseInterval < 0 {
		return fmt.Errorf("min increase interval must not be negative, got %s", c.MinIncreaseInterval)
	}
	if c.MaxRetryAfterTolerance <= 0 {
		return fmt.Errorf("retry-after tolerance must be positive, got %s", c.MaxRetryAfterTolerance)
	}
	return nil
}

// FailFastError reports a throttle pause longer than the configured
// tolerance. The operation should stop instead of sleeping.
type FailFastError struct {
	RetryAfter time.Duration
	Tolerance  time.Duration
}

func (e *FailFastError) Error() string {
	return fmt.Sprintf("server asked for a %s pause, tolerance is %s", e.RetryAfter, e.Tolerance)
}

// Controller is the adaptive admission gate. One controller serves one
// operation; all methods are safe for concurrent use.
type Controller struct {
	cfg Config
	now func() time.Time

	// slots carries one token per admissible batch. Resizing adds tokens
	// or records debt that swallows future releases.
	slots chan struct{}
	// failed closes when the controller declares fail-fast so blocked
	// acquirers wake immediately.
	failed chan struct{}

	mu              sync.Mutex
	p               int
	debt            int
	target          int // pool-recommended ceiling; 0 until known
	throttleCeiling int // set by the most recent throttle; 0 when lifted
	execCeiling     int // derived from the duration average; 0 until engaged
	avg             ewma.MovingAverage
	state           State
	successRun      int
	lastIncrease    time.Time
	cooldownUntil   time.Time
	failFast        *FailFastError
}

// New builds a controller. target is the pool-recommended parallelism
// ceiling; pass 0 when not yet known and update later with SetTarget.
func New(cfg Config, target int) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate controller config: %w", err)
	}
	c := &Controller{
		cfg:    cfg,
		now:    time.Now,
		slots:  make(chan struct{}, HardCeiling),
		failed: make(chan struct{}),
		p:      1,
		target: target,
		avg:    ewma.NewMovingAverage(smoothingAge),
		state:  StateRamp,
	}
	c.slots <- struct{}{}
	return c, nil
}

// Parallelism returns the current admission width P.
func (c *Controller) Parallelism() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// State returns the controller's current operating mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AverageBatch returns the smoothed batch duration, zero while the average
// is still warming up.
func (c *Controller) AverageBatch() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.avg.Value() * float64(time.Millisecond))
}

// SetTarget updates the pool-recommended ceiling. Shrinking below the
// current parallelism narrows the gate at once; in-flight batches finish
// but their slots are not re-issued.
func (c *Controller) SetTarget(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = n
	c.resize(min(c.p, c.effectiveCap()))
}

// Acquire admits one batch, waiting until the current parallelism allows
// it. The returned release must be called exactly once. Acquire fails
// immediately once the controller has declared fail-fast.
func (c *Controller) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-c.failed:
		return nil, c.failFastErr()
	default:
	}

	select {
	case <-c.slots:
	case <-c.failed:
		return nil, c.failFastErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(c.release)
	}, nil
}

func (c *Controller) failFastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failFast
}

func (c *Controller) release() {
	c.mu.Lock()
	if c.debt > 0 {
		c.debt--
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.slots <- struct{}{}
}

// ObserveSuccess records a completed batch and its elapsed wall time.
func (c *Controller) ObserveSuccess(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFailFast {
		return
	}
	now := c.now()
	if c.state == StateBackoff && !now.Before(c.cooldownUntil) {
		c.state = StateRamp
	}

	c.avg.Add(float64(elapsed.Milliseconds()))
	d := c.avg.Value() // milliseconds; 0 while warming up

	if d >= float64(c.cfg.SlowBatchThreshold.Milliseconds()) {
		c.execCeiling = int(math.Floor(float64(c.cfg.CeilingFactor) / (d / 1000)))
		if c.execCeiling < 1 {
			c.execCeiling = 1
		}
		if c.state == StateRamp {
			c.state = StateCeiling
		}
	} else if c.execCeiling > 0 {
		c.execCeiling = 0
		if c.state == StateCeiling {
			c.state = StateRamp
		}
	}

	if c.state == StateBackoff {
		c.successRun = 0
		return
	}

	c.successRun++
	if c.successRun < c.cfg.SuccessesPerIncrease {
		return
	}
	if !c.lastIncrease.IsZero() && now.Sub(c.lastIncrease) < c.cfg.MinIncreaseInterval {
		return
	}

	limit := c.effectiveCap()
	switch {
	case c.p < limit:
		c.resize(c.p + 1)
	case c.throttleCeiling > 0 && c.p == c.throttleCeiling:
		// Sustained success lifts the throttle ceiling one step at a time
		// until another ceiling binds.
		c.throttleCeiling++
		if c.throttleCeiling >= c.capWithoutThrottle() {
			c.throttleCeiling = 0
		}
	default:
		return
	}
	c.successRun = 0
	c.lastIncrease = now
}

// ObserveThrottle records a service-protection rejection. Parallelism
// drops immediately and the throttle ceiling pins regrowth. When the
// server's pause exceeds the tolerance the controller enters fail-fast and
// the returned error is non-nil.
func (c *Controller) ObserveThrottle(retryAfter time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failFast != nil {
		return c.failFast
	}
	if retryAfter > c.cfg.MaxRetryAfterTolerance {
		c.failFast = &FailFastError{RetryAfter: retryAfter, Tolerance: c.cfg.MaxRetryAfterTolerance}
		c.state = StateFailFast
		close(c.failed)
		return c.failFast
	}

	next := int(math.Floor(float64(c.p) * c.cfg.DecreaseFactor))
	if next < 1 {
		next = 1
	}
	if next >= c.p && c.p > 1 {
		next = c.p - 1
	}
	c.resize(next)
	c.throttleCeiling = c.p
	c.successRun = 0
	c.state = StateBackoff
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}
	c.cooldownUntil = c.now().Add(retryAfter)
	return nil
}

// effectiveCap is the lowest applicable ceiling. Callers hold c.mu.
func (c *Controller) effectiveCap() int {
	limit := c.capWithoutThrottle()
	if c.throttleCeiling > 0 && c.throttleCeiling < limit {
		limit = c.throttleCeiling
	}
	return limit
}

func (c *Controller) capWithoutThrottle() int {
	limit := HardCeiling
	if c.target > 0 && c.target < limit {
		limit = c.target
	}
	if c.execCeiling > 0 && c.execCeiling < limit {
		limit = c.execCeiling
	}
	return limit
}

// resize moves the gate to width n. Callers hold c.mu.
func (c *Controller) resize(n int) {
	if n < 1 {
		n = 1
	}
	if n > HardCeiling {
		n = HardCeiling
	}
	for n > c.p {
		if c.debt > 0 {
			c.debt--
		} else {
			select {
			case c.slots <- struct{}{}:
			default:
			}
		}
		c.p++
	}
	for n < c.p {
		select {
		case <-c.slots:
		default:
			c.debt++
		}
		c.p--
	}
}
