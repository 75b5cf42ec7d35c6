package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Trips decides which failures count against the breaker. Defaults to
	// DefaultTrips.
	Trips func(error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.Trips == nil {
		c.Trips = DefaultTrips
	}
	return c
}

// Breaker guards calls to one external service.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
	// gen changes on every state transition; outcomes of calls admitted
	// under an older generation are discarded.
	gen uint64
}

func newBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: now, state: StateClosed}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn unless the breaker is open. fn's error is always returned
// unchanged; a rejected call returns an error matching
// domain.ErrServiceUnavailable.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Breaker.Call.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	gen, err := b.admit()
	if err != nil {
		var zero T
		return zero, err
	}
	defer func() {
		// A panicking call counts as a failure and frees the half-open
		// trial before the panic continues.
		if r := recover(); r != nil {
			b.record(gen, errors.Errorf("panic in %s call: %v", b.name, r))
			panic(r)
		}
	}()
	res, err := fn(ctx)
	b.record(gen, err)
	return res, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.lastFailure.Add(b.cfg.RecoveryTimeout)) {
			return 0, errors.Wrapf(domain.ErrServiceUnavailable, "circuit %q open", b.name)
		}
		b.transition(StateHalfOpen)
		b.trial = true
	case StateHalfOpen:
		if b.trial {
			return 0, errors.Wrapf(domain.ErrServiceUnavailable, "circuit %q half-open, trial in flight", b.name)
		}
		b.trial = true
	}
	return b.gen, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	halfOpen := b.state == StateHalfOpen
	if halfOpen {
		b.trial = false
	}

	switch {
	case err == nil:
		b.failures = 0
		if halfOpen {
			b.transition(StateClosed)
		}
	case b.cfg.Trips(err):
		b.failures++
		b.lastFailure = b.now()
		if halfOpen || b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(s State) {
	b.state = s
	b.gen++
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.trial = false
	b.transition(StateClosed)
}

// Health is the administrative view of one breaker.
type Health struct {
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time"`
	Healthy         bool       `json:"healthy"`
}

func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Health{State: b.state, FailureCount: b.failures, Healthy: b.state == StateClosed}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		h.LastFailureTime = &t
	}
	return h
}

// Registry holds one lazily created breaker per service name. Breakers for
// different services share nothing but the registry map.
type Registry struct {
	defaults  BreakerConfig
	now       func() time.Time
	mu        sync.Mutex
	overrides map[string]BreakerConfig
	breakers  map[string]*Breaker
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now for every breaker in the registry.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithServiceConfig overrides the defaults for one service.
func WithServiceConfig(service string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[service] = cfg }
}

func NewRegistry(defaults BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults,
		now:       time.Now,
		overrides: make(map[string]BreakerConfig),
		breakers:  make(map[string]*Breaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Breaker returns the breaker for service, creating it on first use.
func (r *Registry) Breaker(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		cfg, custom := r.overrides[service]
		if !custom {
			cfg = r.defaults
		}
		b = newBreaker(service, cfg, r.now)
		r.breakers[service] = b
	}
	return b
}

func (r *Registry) Call(ctx context.Context, service string, fn func(context.Context) error) error {
	return r.Breaker(service).Call(ctx, fn)
}

// Reset closes the named breaker. It reports false when no breaker has been
// created for service yet.
func (r *Registry) Reset(service string) bool {
	r.mu.Lock()
	b, ok := r.breakers[service]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}

func (r *Registry) ResetAll() {
	for _, b := range r.snapshot() {
		b.Reset()
	}
}

// HealthStatus reports every registered breaker keyed by service name.
func (r *Registry) HealthStatus() map[string]Health {
	out := make(map[string]Health)
	for _, b := range r.snapshot() {
		out[b.name] = b.Health()
	}
	return out
}

// Services lists registered service names in sorted order.
func (r *Registry) Services() []string {
	bs := r.snapshot()
	names := make([]string, 0, len(bs))
	for _, b := range bs {
		names = append(names, b.name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}
