package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 1; i <= 3; i++ {
		err := reg.Call(ctx, "stripe", failing(&calls))
		if !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want the underlying error", i, err)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := reg.Breaker("stripe").State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	err := reg.Call(ctx, "stripe", failing(&calls))
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("4th call err = %v, want ErrServiceUnavailable", err)
	}
	if calls != 3 {
		t.Fatalf("open breaker executed the function (calls = %d)", calls)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	ctx := context.Background()
	calls := 0

	_ = reg.Call(ctx, "email", failing(&calls))
	if err := reg.Call(ctx, "email", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = reg.Call(ctx, "email", failing(&calls))

	h := reg.Breaker("email").Health()
	if h.State != StateClosed || h.FailureCount != 1 {
		t.Fatalf("health = %+v, want CLOSED with 1 failure", h)
	}
}

func TestBreaker_RecoveryTrialSucceeds(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()
	calls := 0

	_ = reg.Call(ctx, "s3", failing(&calls))
	clock.Advance(29 * time.Second)
	if err := reg.Call(ctx, "s3", failing(&calls)); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("before timeout err = %v, want ErrServiceUnavailable", err)
	}

	clock.Advance(time.Second)
	if err := reg.Call(ctx, "s3", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	h := reg.Breaker("s3").Health()
	if h.State != StateClosed || h.FailureCount != 0 {
		t.Fatalf("health = %+v, want CLOSED with 0 failures", h)
	}
}

func TestBreaker_RecoveryTrialFails(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()
	calls := 0

	_ = reg.Call(ctx, "render", failing(&calls))
	_ = reg.Call(ctx, "render", failing(&calls))
	firstFailure := *reg.Breaker("render").Health().LastFailureTime

	clock.Advance(10 * time.Second)
	if err := reg.Call(ctx, "render", failing(&calls)); !errors.Is(err, errBoom) {
		t.Fatalf("trial err = %v, want underlying error", err)
	}
	h := reg.Breaker("render").Health()
	if h.State != StateOpen {
		t.Fatalf("state = %s, want OPEN", h.State)
	}
	if !h.LastFailureTime.After(firstFailure) {
		t.Fatalf("last failure time not updated: %v", h.LastFailureTime)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if err := reg.Call(ctx, "render", failing(&calls)); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("after failed trial err = %v, want ErrServiceUnavailable", err)
	}
}

func TestBreaker_PanickingTrialReopens(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()
	calls := 0

	_ = reg.Call(ctx, "svc", failing(&calls))
	clock.Advance(time.Minute)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		_ = reg.Call(ctx, "svc", func(context.Context) error { panic("adapter bug") })
	}()
	if s := reg.Breaker("svc").State(); s != StateOpen {
		t.Fatalf("state after panicking trial = %s, want OPEN", s)
	}

	clock.Advance(time.Hour)
	if err := reg.Call(ctx, "svc", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("next trial err = %v", err)
	}
	if s := reg.Breaker("svc").State(); s != StateClosed {
		t.Fatalf("state = %s, want CLOSED", s)
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()
	calls := 0
	_ = reg.Call(ctx, "encoder", failing(&calls))
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = reg.Call(ctx, "encoder", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var admitted atomic.Int32
	for i := 0; i < 5; i++ {
		err := reg.Call(ctx, "encoder", func(context.Context) error {
			admitted.Add(1)
			return nil
		})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Errorf("concurrent call %d err = %v, want ErrServiceUnavailable", i, err)
		}
	}
	close(release)
	wg.Wait()

	if trialErr != nil {
		t.Fatalf("trial err = %v", trialErr)
	}
	if admitted.Load() != 0 {
		t.Fatalf("%d calls admitted alongside the trial", admitted.Load())
	}
	if got := reg.Breaker("encoder").State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	err := reg.Call(context.Background(), "stripe", func(context.Context) error {
		return Permanent(errors.New("card declined"))
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent error passed through", err)
	}
	if got := reg.Breaker("stripe").State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestRegistry_ResetAndHealth(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	ctx := context.Background()
	calls := 0
	_ = reg.Call(ctx, "a", failing(&calls))
	_ = reg.Call(ctx, "b", failing(&calls))
	_ = reg.Call(ctx, "c", func(context.Context) error { return nil })

	health := reg.HealthStatus()
	if len(health) != 3 {
		t.Fatalf("health has %d entries, want 3", len(health))
	}
	if health["a"].Healthy || health["a"].State != StateOpen {
		t.Errorf("a = %+v, want unhealthy OPEN", health["a"])
	}
	if !health["c"].Healthy || health["c"].LastFailureTime != nil {
		t.Errorf("c = %+v, want healthy with no failure time", health["c"])
	}

	if !reg.Reset("a") {
		t.Fatal("Reset(a) = false")
	}
	if reg.Reset("missing") {
		t.Fatal("Reset(missing) = true")
	}
	if h := reg.Breaker("a").Health(); h.State != StateClosed || h.FailureCount != 0 || h.LastFailureTime != nil {
		t.Fatalf("after reset a = %+v", h)
	}
	if reg.Breaker("b").State() != StateOpen {
		t.Fatal("reset of a touched b")
	}

	reg.ResetAll()
	for name, h := range reg.HealthStatus() {
		if !h.Healthy {
			t.Errorf("%s unhealthy after ResetAll: %+v", name, h)
		}
	}
	if got := reg.Services(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Services() = %v", got)
	}
}

func TestRegistry_ServiceOverride(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 5},
		WithServiceConfig("email", BreakerConfig{FailureThreshold: 1}))
	calls := 0
	_ = reg.Call(context.Background(), "email", failing(&calls))
	_ = reg.Call(context.Background(), "stripe", failing(&calls))

	if reg.Breaker("email").State() != StateOpen {
		t.Error("email breaker should open after one failure")
	}
	if reg.Breaker("stripe").State() != StateClosed {
		t.Error("stripe breaker should still be closed")
	}
}
