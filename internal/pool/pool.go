// Package pool multiplexes bulk traffic across one or more authenticated
// connections. Each source contributes up to MaxPoolSize cloned clients;
// callers borrow a handle per batch and return it immediately after.
//
// Source selection is pluggable. The default strategy steers new work away
// from sources currently under service protection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/telemetry"
	"github.com/arkfield/shuttle/internal/throttle"
)

// Strategy selects which source serves the next acquire.
type Strategy string

const (
	// StrategyRoundRobin cycles through sources in order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastConnections prefers the source with the fewest active
	// handles.
	StrategyLeastConnections Strategy = "least-connections"
	// StrategyThrottleAware skips sources under service protection and
	// round-robins the rest. It is the default.
	StrategyThrottleAware Strategy = "throttle-aware"
)

// Options tune pool behavior. Zero fields take defaults.
type Options struct {
	Strategy Strategy
	// AcquireTimeout bounds how long Acquire waits for a free handle.
	AcquireTimeout time.Duration
	// MaxIdleTime evicts handles that sat unused this long.
	MaxIdleTime time.Duration
	// MaxLifetime retires handles outright; an in-use handle is retired on
	// return rather than yanked.
	MaxLifetime time.Duration
	// ValidationInterval paces the background idle sweep.
	ValidationInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyThrottleAware
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.MaxIdleTime == 0 {
		o.MaxIdleTime = 5 * time.Minute
	}
	if o.MaxLifetime == 0 {
		o.MaxLifetime = time.Hour
	}
	if o.ValidationInterval == 0 {
		o.ValidationInterval = time.Minute
	}
	return o
}

type sourceSlot struct {
	src  Source
	name string
	max  int

	seedOnce sync.Once
	seed     *dataverse.Client
	seedErr  error

	mu     sync.Mutex
	idle   []*Handle
	active int
}

func (s *sourceSlot) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Handle is a borrowed client. It is single-owner until Close or Discard
// returns it; both fail with ErrDoubleRelease on a second call.
type Handle struct {
	id        uuid.UUID
	client    *dataverse.Client
	slot      *sourceSlot
	pool      *Pool
	createdAt time.Time
	lastUsed  time.Time
	released  atomic.Bool
}

// ID identifies the handle across hand-outs, for logging.
func (h *Handle) ID() uuid.UUID { return h.id }

// Client returns the underlying client. Valid only while the handle is
// held.
func (h *Handle) Client() *dataverse.Client { return h.client }

// Source returns the name of the source that produced the handle.
func (h *Handle) Source() string { return h.slot.name }

// Close returns the handle to the pool.
func (h *Handle) Close() error {
	if h.released.Swap(true) {
		return ErrDoubleRelease
	}
	h.pool.release(h, false)
	return nil
}

// Discard returns the handle's capacity to the pool but drops the
// underlying client, forcing the next acquire to clone afresh. Use it when
// the client itself misbehaved.
func (h *Handle) Discard() error {
	if h.released.Swap(true) {
		return ErrDoubleRelease
	}
	h.pool.release(h, true)
	return nil
}

// Pool hands out pooled clients across sources.
type Pool struct {
	opts    Options
	tracker *throttle.Tracker
	slots   []*sourceSlot
	byName  map[string]*sourceSlot
	names   []string
	sem     *semaphore.Weighted
	now     func() time.Time

	rr       atomic.Uint64
	requests atomic.Int64
	released chan struct{}

	stop        chan struct{}
	wg          sync.WaitGroup
	closed      atomic.Bool
	stopObserve func()
}

// New builds a pool over sources. A nil tracker gets a private one; share
// the tracker with the executor so throttle signals steer selection.
func New(sources []Source, tracker *throttle.Tracker, opts Options) (*Pool, error) {
	if len(sources) == 0 {
		return nil, errors.New("pool requires at least one source")
	}
	if tracker == nil {
		tracker = throttle.NewTracker(0)
	}
	opts = opts.withDefaults()
	switch opts.Strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyThrottleAware:
	default:
		return nil, fmt.Errorf("unknown pool strategy %q", opts.Strategy)
	}

	p := &Pool{
		opts:     opts,
		tracker:  tracker,
		byName:   make(map[string]*sourceSlot, len(sources)),
		now:      time.Now,
		released: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	var total int64
	for _, src := range sources {
		name := src.Name()
		if _, dup := p.byName[name]; dup {
			return nil, fmt.Errorf("duplicate source name %q", name)
		}
		if src.MaxPoolSize() <= 0 {
			return nil, fmt.Errorf("source %s: max pool size must be positive", name)
		}
		slot := &sourceSlot{src: src, name: name, max: src.MaxPoolSize()}
		p.slots = append(p.slots, slot)
		p.byName[name] = slot
		p.names = append(p.names, name)
		total += int64(src.MaxPoolSize())
	}
	p.sem = semaphore.NewWeighted(total)
	p.stopObserve = telemetry.ObservePool(func() telemetry.PoolStats {
		var ps telemetry.PoolStats
		for _, s := range p.Stats().Sources {
			ps.Active += s.Active
			ps.Idle += s.Idle
		}
		return ps
	})

	p.wg.Add(1)
	go p.reap()
	return p, nil
}

// Acquire borrows a handle, waiting up to AcquireTimeout for capacity.
// Timeout yields an ExhaustedError; caller cancellation yields the
// context's error.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, p.acquireErr(ctx, err)
	}

	for {
		candidates, expiry, waitForExpiry := p.candidates()
		for _, slot := range candidates {
			h, err := p.leaseFrom(acquireCtx, slot)
			if err != nil {
				p.sem.Release(1)
				return nil, err
			}
			if h != nil {
				p.requests.Add(1)
				return h, nil
			}
		}

		// Every eligible source is at capacity, or all sources are
		// throttled. Wait for a release, the soonest throttle expiry, or
		// the acquire deadline.
		var expiryC <-chan time.Time
		var timer *time.Timer
		if waitForExpiry {
			d := time.Until(expiry) + 10*time.Millisecond
			if d < 0 {
				d = 10 * time.Millisecond
			}
			timer = time.NewTimer(d)
			expiryC = timer.C
		}
		select {
		case <-p.released:
		case <-expiryC:
		case <-acquireCtx.Done():
			if timer != nil {
				timer.Stop()
			}
			p.sem.Release(1)
			return nil, p.acquireErr(ctx, acquireCtx.Err())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (p *Pool) acquireErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExhaustedError{Timeout: p.opts.AcquireTimeout}
	}
	return err
}

// candidates returns sources in preference order for the configured
// strategy. When the throttle-aware strategy finds every source marked, it
// returns no candidates plus the soonest expiry to wait for.
func (p *Pool) candidates() ([]*sourceSlot, time.Time, bool) {
	switch p.opts.Strategy {
	case StrategyLeastConnections:
		slots := append([]*sourceSlot(nil), p.slots...)
		sort.SliceStable(slots, func(i, j int) bool {
			ai, aj := slots[i].activeCount(), slots[j].activeCount()
			if ai != aj {
				return ai < aj
			}
			return slots[i].name < slots[j].name
		})
		return slots, time.Time{}, false
	case StrategyRoundRobin:
		return p.rotated(p.slots), time.Time{}, false
	default:
		avail := p.tracker.Available(p.names)
		if len(avail) == len(p.names) {
			return p.rotated(p.slots), time.Time{}, false
		}
		if len(avail) == 0 {
			if expiry, ok := p.tracker.SoonestExpiry(p.names); ok {
				return nil, expiry, true
			}
			return p.rotated(p.slots), time.Time{}, false
		}
		slots := make([]*sourceSlot, len(avail))
		for i, n := range avail {
			slots[i] = p.byName[n]
		}
		return p.rotated(slots), time.Time{}, false
	}
}

func (p *Pool) rotated(slots []*sourceSlot) []*sourceSlot {
	if len(slots) <= 1 {
		return slots
	}
	k := int((p.rr.Add(1) - 1) % uint64(len(slots)))
	out := make([]*sourceSlot, 0, len(slots))
	out = append(out, slots[k:]...)
	return append(out, slots[:k]...)
}

// leaseFrom hands out a handle from slot, reusing idle capacity before
// cloning. Returns (nil, nil) when the slot is at its per-source limit.
func (p *Pool) leaseFrom(ctx context.Context, slot *sourceSlot) (*Handle, error) {
	now := p.now()
	slot.mu.Lock()
	if slot.active >= slot.max {
		slot.mu.Unlock()
		return nil, nil
	}
	for len(slot.idle) > 0 {
		h := slot.idle[0]
		slot.idle = slot.idle[1:]
		if p.pastLifetime(h, now) {
			h.client.Close()
			continue
		}
		slot.active++
		h.lastUsed = now
		h.released.Store(false)
		slot.mu.Unlock()
		return h, nil
	}
	slot.active++ // reserve while cloning outside the lock
	slot.mu.Unlock()

	client, err := p.cloneSeed(ctx, slot)
	if err != nil {
		slot.mu.Lock()
		slot.active--
		slot.mu.Unlock()
		p.signalReleased()
		return nil, &ConnectError{Source: slot.name, Err: err}
	}
	return &Handle{
		id:        uuid.New(),
		client:    client,
		slot:      slot,
		pool:      p,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

func (p *Pool) cloneSeed(ctx context.Context, slot *sourceSlot) (*dataverse.Client, error) {
	slot.seedOnce.Do(func() {
		slot.seed, slot.seedErr = slot.src.Seed(ctx)
	})
	if slot.seedErr != nil {
		return nil, fmt.Errorf("seeding: %w", slot.seedErr)
	}
	clone, err := slot.seed.Clone()
	if err != nil {
		return nil, fmt.Errorf("cloning seed: %w", err)
	}
	return clone, nil
}

func (p *Pool) release(h *Handle, discard bool) {
	now := p.now()
	slot := h.slot
	slot.mu.Lock()
	slot.active--
	if discard || p.closed.Load() || p.pastLifetime(h, now) {
		slot.mu.Unlock()
		h.client.Close()
	} else {
		h.lastUsed = now
		slot.idle = append(slot.idle, h)
		slot.mu.Unlock()
	}
	p.sem.Release(1)
	p.signalReleased()
}

func (p *Pool) signalReleased() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

func (p *Pool) pastLifetime(h *Handle, now time.Time) bool {
	return p.opts.MaxLifetime > 0 && now.Sub(h.createdAt) >= p.opts.MaxLifetime
}

func (p *Pool) pastIdle(h *Handle, now time.Time) bool {
	return p.opts.MaxIdleTime > 0 && now.Sub(h.lastUsed) >= p.opts.MaxIdleTime
}

func (p *Pool) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictStale()
		}
	}
}

func (p *Pool) evictStale() {
	now := p.now()
	for _, slot := range p.slots {
		var drop []*Handle
		slot.mu.Lock()
		keep := slot.idle[:0]
		for _, h := range slot.idle {
			if p.pastLifetime(h, now) || p.pastIdle(h, now) {
				drop = append(drop, h)
			} else {
				keep = append(keep, h)
			}
		}
		slot.idle = keep
		slot.mu.Unlock()
		for _, h := range drop {
			h.client.Close()
		}
		if len(drop) > 0 {
			logging.Debug("evicted stale pooled clients", "source", slot.name, "count", len(drop))
		}
	}
}

// TotalRecommendedParallelism sums the server-advertised parallelism hints
// across sources, seeding lazily as needed. Sources whose seed cannot be
// built are skipped. The result is never below 1.
func (p *Pool) TotalRecommendedParallelism(ctx context.Context) int {
	total := 0
	for _, slot := range p.slots {
		slot.seedOnce.Do(func() {
			slot.seed, slot.seedErr = slot.src.Seed(ctx)
		})
		if slot.seedErr != nil {
			logging.Warn("no parallelism hint, seed unavailable", "source", slot.name, "error", slot.seedErr)
			continue
		}
		total += slot.seed.RecommendedParallelism()
	}
	if total < 1 {
		total = 1
	}
	return total
}

// SourceStats is a point-in-time view of one source.
type SourceStats struct {
	Name        string
	Active      int
	Idle        int
	MaxPoolSize int
	Throttled   bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Sources        []SourceStats
	Requests       int64
	ThrottleEvents int64
}

// Stats reports per-source counts and pool-wide aggregates.
func (p *Pool) Stats() Stats {
	st := Stats{
		Requests:       p.requests.Load(),
		ThrottleEvents: p.tracker.Events(),
	}
	for _, slot := range p.slots {
		slot.mu.Lock()
		s := SourceStats{
			Name:        slot.name,
			Active:      slot.active,
			Idle:        len(slot.idle),
			MaxPoolSize: slot.max,
			Throttled:   p.tracker.IsThrottled(slot.name),
		}
		slot.mu.Unlock()
		st.Sources = append(st.Sources, s)
	}
	return st
}

// Close stops the background sweep, drops idle handles, and disposes every
// source. Handles still outstanding are disposed as they are released.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.stopObserve()
	close(p.stop)
	p.wg.Wait()

	for _, slot := range p.slots {
		slot.mu.Lock()
		idle := slot.idle
		slot.idle = nil
		slot.mu.Unlock()
		for _, h := range idle {
			h.client.Close()
		}
		if err := slot.src.Close(); err != nil {
			logging.Warn("closing source", "source", slot.name, "error", err)
		}
	}
	return nil
}
