package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestMemory_JobLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateJob(ctx, &domain.Job{ID: "j1", Lane: domain.LaneDefault, Handler: "h", EnqueuedAt: t0}); err != nil {
		t.Fatal(err)
	}

	if err := m.SetStatus(ctx, "j1", domain.Completed, t0, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("queued -> completed err = %v, want ErrInvalidTransition", err)
	}
	if err := m.SetStatus(ctx, "j1", domain.Processing, t0.Add(time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.SetStatus(ctx, "j1", domain.Processing, t0.Add(time.Hour), nil); err != nil {
		t.Fatalf("repeat processing err = %v, want no-op", err)
	}
	if err := m.SetStatus(ctx, "j1", domain.Completed, t0.Add(2*time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.SetStatus(ctx, "j1", domain.Completed, t0.Add(time.Hour), nil); err != nil {
		t.Fatalf("repeat completed err = %v, want no-op", err)
	}
	if err := m.SetStatus(ctx, "j1", domain.Failed, t0.Add(time.Hour), &domain.JobError{Kind: "x"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed -> failed err = %v, want ErrInvalidTransition", err)
	}

	j, err := m.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != domain.Completed || j.Error != nil {
		t.Fatalf("job = %+v", j)
	}
	if !j.StartedAt.Equal(t0.Add(time.Second)) || !j.FinishedAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("timestamps overwritten: started %v finished %v", j.StartedAt, j.FinishedAt)
	}

	if _, err := m.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := m.SetStatus(ctx, "missing", domain.Processing, t0, nil); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMemory_PurgeFinished(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"old", "new", "running"} {
		_ = m.CreateJob(ctx, &domain.Job{ID: id, EnqueuedAt: t0})
		_ = m.SetStatus(ctx, id, domain.Processing, t0, nil)
	}
	_ = m.SetStatus(ctx, "old", domain.Completed, t0, nil)
	_ = m.SetStatus(ctx, "new", domain.Failed, t0.Add(48*time.Hour), &domain.JobError{Kind: "error", Message: "x"})

	n, err := m.PurgeFinished(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purged %d, %v; want 1", n, err)
	}
	if _, err := m.GetJob(ctx, "old"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatal("old job survived purge")
	}
	for _, id := range []string{"new", "running"} {
		if _, err := m.GetJob(ctx, id); err != nil {
			t.Fatalf("%s purged: %v", id, err)
		}
	}
}

func TestMemory_ConsumeAttemptIsBounded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v, _ := m.NextTokenVersion(ctx, "p1", "renders/p1.mp4", t0.Add(48*time.Hour), 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exceeded := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ConsumeAttempt(ctx, "p1", v)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAttemptsExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 3 || exceeded != 17 {
		t.Fatalf("ok = %d exceeded = %d, want 3 and 17", ok, exceeded)
	}
}

func TestMemory_NextTokenVersionSupersedes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v1, _ := m.NextTokenVersion(ctx, "p1", "f", t0, 2)
	_, _ = m.ConsumeAttempt(ctx, "p1", v1)
	v2, _ := m.NextTokenVersion(ctx, "p1", "f", t0.Add(time.Hour), 2)
	if v2 != v1+1 {
		t.Fatalf("v2 = %d, want %d", v2, v1+1)
	}
	if _, err := m.ConsumeAttempt(ctx, "p1", v1); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("old version err = %v, want ErrInvalidToken", err)
	}
	if err := m.SaveToken(ctx, "p1", v1, "stale"); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("SaveToken(stale) err = %v", err)
	}
	st, err := m.ConsumeAttempt(ctx, "p1", v2)
	if err != nil || st.AttemptsUsed != 1 {
		t.Fatalf("st = %+v, err = %v; attempts should restart at zero", st, err)
	}
}

func TestMemory_RenderStatusSync(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutRender("r1", domain.Processing)

	msg := "encoder crashed"
	if err := m.UpdateRenderStatus(ctx, "r1", domain.Failed, &msg); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateRenderStatus(ctx, "r1", domain.Failed, &msg); err != nil {
		t.Fatalf("repeat failed err = %v, want no-op", err)
	}
	if err := m.UpdateRenderStatus(ctx, "r1", domain.Completed, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failed -> completed err = %v", err)
	}
	status, got, _ := m.RenderStatus("r1")
	if status != domain.Failed || got != msg {
		t.Fatalf("render = %s %q", status, got)
	}
	if err := m.UpdateRenderStatus(ctx, "nope", domain.Failed, nil); err == nil {
		t.Fatal("expected error for unknown render")
	}
}

func TestMemory_RenderResubmitAndComplete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateRender(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}
	_ = m.UpdateRenderStatus(ctx, "r1", domain.Processing, nil)
	msg := "capture failed"
	_ = m.UpdateRenderStatus(ctx, "r1", domain.Failed, &msg)

	if err := m.CreateRender(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}
	r, err := m.GetRender(ctx, "r1")
	if err != nil || r.Status != domain.Queued || r.Error != nil || r.PurchaseID != "p1" {
		t.Fatalf("after resubmit = %+v, %v", r, err)
	}

	_ = m.UpdateRenderStatus(ctx, "r1", domain.Processing, nil)
	if err := m.CompleteRender(ctx, "r1", "renders/p1/r1.mp4"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteRender(ctx, "r1", "renders/p1/r1.mp4"); err != nil {
		t.Fatalf("repeat complete = %v, want no-op", err)
	}
	if err := m.CreateRender(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}
	if r, _ := m.GetRender(ctx, "r1"); r.Status != domain.Completed || r.ObjectRef != "renders/p1/r1.mp4" {
		t.Fatalf("completed render changed by resubmit: %+v", r)
	}
	if _, err := m.GetRender(ctx, "nope"); !errors.Is(err, domain.ErrRenderNotFound) {
		t.Fatalf("missing render err = %v", err)
	}
}

func TestMemory_HealthSnapshots(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.InsertHealthSnapshots(ctx, []HealthSnapshot{
		{Service: "a", State: "CLOSED", Healthy: true, CollectedAt: t0},
		{Service: "a", State: "OPEN", CollectedAt: t0.Add(2 * time.Hour)},
	})
	n, _ := m.PurgeHealthSnapshots(ctx, t0.Add(time.Hour))
	if n != 1 || len(m.HealthSnapshots()) != 1 || m.HealthSnapshots()[0].State != "OPEN" {
		t.Fatalf("purged %d, left %+v", n, m.HealthSnapshots())
	}
}
