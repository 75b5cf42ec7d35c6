package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/download"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/render"
	"github.com/SirClappington/renderq/internal/resilience"
	"github.com/SirClappington/renderq/internal/services"
	"github.com/SirClappington/renderq/internal/storage"
)

type fixture struct {
	h        http.Handler
	mem      *storage.Memory
	q        *queue.MemoryQ
	tokens   *download.Manager
	breakers *resilience.Registry
	clock    *time.Time
}

type failingMailer struct{}

func (failingMailer) Send(context.Context, services.Message) error {
	return resilience.Transient(errors.New("smtp 421"))
}

func newFixture(t *testing.T, mailer services.Mailer) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	now := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
	f := &fixture{mem: storage.NewMemory(), q: queue.NewMemoryQ(), clock: &now}
	f.breakers = resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
		resilience.WithClock(func() time.Time { return *f.clock }))

	tokens, err := download.NewManager(f.mem, []byte("api-test"), logger,
		download.WithClock(func() time.Time { return *f.clock }))
	if err != nil {
		t.Fatal(err)
	}
	f.tokens = tokens

	var opts []Option
	if mailer != nil {
		facade := resilience.NewFacade(f.breakers, logger)
		opts = append(opts, WithMailer(services.GuardMailer(facade, mailer, resilience.Policy{
			Service: services.NameMailer, Operation: "send", CircuitBreaker: true,
		})))
	}
	client := jobs.NewClient(f.mem, f.q, logger)
	f.h = NewServer(client, f.mem, tokens, f.breakers, logger, opts...).Routes()
	return f
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestSubmitRenderAndPollJob(t *testing.T) {
	f := newFixture(t, nil)

	w := do(t, f.h, http.MethodPost, "/v1/renders", map[string]string{
		"render_id": "r1", "purchase_id": "p1", "source": "https://example.test/card",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	jobID := decode[map[string]string](t, w)["job_id"]

	env, _ := f.q.Pop(context.Background(), []domain.Lane{domain.LaneHighPriority}, time.Millisecond)
	if env == nil || env.JobID != jobID || env.Handler != render.HandlerName {
		t.Fatalf("queued envelope = %+v", env)
	}
	if status, _, ok := f.mem.RenderStatus("r1"); !ok || status != domain.Queued {
		t.Fatalf("render row = %s %v", status, ok)
	}

	w = do(t, f.h, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[jobResponse](t, w); got.Status != "queued" || got.Lane != "high_priority" {
		t.Fatalf("job = %+v", got)
	}

	if w := do(t, f.h, http.MethodGet, "/v1/jobs/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", w.Code)
	}
	if w := do(t, f.h, http.MethodPost, "/v1/renders", map[string]string{"render_id": "r2"}); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete submit status = %d", w.Code)
	}
}

func TestSubmitRender_ResubmitRequeuesFailedRender(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body := map[string]string{"render_id": "r1", "purchase_id": "p1", "source": "https://example.test/card"}

	if w := do(t, f.h, http.MethodPost, "/v1/renders", body); w.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d", w.Code)
	}
	msg := "capture failed"
	_ = f.mem.UpdateRenderStatus(ctx, "r1", domain.Processing, nil)
	_ = f.mem.UpdateRenderStatus(ctx, "r1", domain.Failed, &msg)

	w := do(t, f.h, http.MethodPost, "/v1/renders", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resubmit = %d", w.Code)
	}
	first, _ := f.q.Pop(ctx, []domain.Lane{domain.LaneHighPriority}, time.Millisecond)
	second, _ := f.q.Pop(ctx, []domain.Lane{domain.LaneHighPriority}, time.Millisecond)
	if first == nil || second == nil || first.JobID == second.JobID {
		t.Fatalf("resubmit must enqueue a new job: %+v %+v", first, second)
	}
	if status, errMsg, _ := f.mem.RenderStatus("r1"); status != domain.Queued || errMsg != "" {
		t.Fatalf("render after resubmit = %s %q", status, errMsg)
	}
}

func TestValidateDownload_ErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tok, err := f.tokens.Issue(ctx, "p1", "renders/p1.mp4", time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, f.h, http.MethodPost, "/v1/downloads/validate", map[string]string{"token": tok})
	if w.Code != http.StatusOK {
		t.Fatalf("first download = %d %s", w.Code, w.Body)
	}
	if g := decode[grantResponse](t, w); g.FileRef != "renders/p1.mp4" || g.AttemptsUsed != 1 {
		t.Fatalf("grant = %+v", g)
	}

	w = do(t, f.h, http.MethodPost, "/v1/downloads/validate", map[string]string{"token": tok})
	if w.Code != http.StatusForbidden {
		t.Fatalf("exhausted = %d", w.Code)
	}
	exhausted := decode[map[string]string](t, w)["error"]

	w = do(t, f.h, http.MethodPost, "/v1/downloads/validate?token=garbage", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("garbage = %d", w.Code)
	}
	invalid := decode[map[string]string](t, w)["error"]

	fresh, _ := f.tokens.Issue(ctx, "p2", "f", time.Hour, 5)
	*f.clock = f.clock.Add(2 * time.Hour)
	w = do(t, f.h, http.MethodPost, "/v1/downloads/validate", map[string]string{"token": fresh})
	if w.Code != http.StatusGone {
		t.Fatalf("expired = %d", w.Code)
	}
	expired := decode[map[string]string](t, w)["error"]

	if exhausted == invalid || invalid == expired || expired == exhausted {
		t.Fatalf("token errors share a message: %q %q %q", exhausted, invalid, expired)
	}
}

func TestReissueLink(t *testing.T) {
	f := newFixture(t, nil)
	old, _ := f.tokens.Issue(context.Background(), "p1", "renders/p1.mp4", time.Hour, 3)

	w := do(t, f.h, http.MethodPost, "/v1/purchases/p1/download-link", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", w.Code, w.Body)
	}
	fresh := decode[map[string]string](t, w)["token"]
	if fresh == "" || fresh == old {
		t.Fatalf("token = %q", fresh)
	}
	if w := do(t, f.h, http.MethodPost, "/v1/downloads/validate", map[string]string{"token": old}); w.Code != http.StatusBadRequest {
		t.Fatalf("old token status = %d", w.Code)
	}
	if w := do(t, f.h, http.MethodPost, "/v1/purchases/nope/download-link", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown purchase status = %d", w.Code)
	}
}

func TestReissueLink_MailerOutageIsTryAgainLater(t *testing.T) {
	f := newFixture(t, failingMailer{})
	_, _ = f.tokens.Issue(context.Background(), "p1", "f", time.Hour, 3)

	w := do(t, f.h, http.MethodPost, "/v1/purchases/p1/download-link", map[string]string{"email": "b@example.test"})
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" {
		t.Fatalf("first failure = %d", w.Code)
	}
	failing := decode[map[string]string](t, w)["error"]

	// Threshold 1: the breaker is now open and rejects without calling out.
	if f.breakers.Breaker(services.NameMailer).State() != resilience.StateOpen {
		t.Fatal("breaker not open")
	}
	w = do(t, f.h, http.MethodPost, "/v1/purchases/p1/download-link", map[string]string{"email": "b@example.test"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open breaker = %d", w.Code)
	}
	if open := decode[map[string]string](t, w)["error"]; open != failing {
		t.Fatalf("open breaker message %q differs from failure message %q", open, failing)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.breakers.Call(context.Background(), "renderer", func(context.Context) error { return errors.New("down") })
	_ = f.breakers.Call(context.Background(), "mailer", func(context.Context) error { return errors.New("down") })

	w := do(t, f.h, http.MethodGet, "/v1/admin/services", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	health := decode[map[string]resilience.Health](t, w)
	if h := health["renderer"]; h.State != resilience.StateOpen || h.Healthy || h.LastFailureTime == nil {
		t.Fatalf("renderer = %+v", h)
	}

	if w := do(t, f.h, http.MethodPost, "/v1/admin/services/renderer/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset = %d", w.Code)
	}
	if h := f.breakers.Breaker("renderer").Health(); !h.Healthy || h.FailureCount != 0 {
		t.Fatalf("after reset = %+v", h)
	}
	if w := do(t, f.h, http.MethodPost, "/v1/admin/services/unknown/reset", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown reset = %d", w.Code)
	}

	if w := do(t, f.h, http.MethodPost, "/v1/admin/services/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset all = %d", w.Code)
	}
	for name, h := range f.breakers.HealthStatus() {
		if !h.Healthy {
			t.Errorf("%s still unhealthy", name)
		}
	}
}

func TestAdminHandler(t *testing.T) {
	reg := resilience.NewRegistry(resilience.BreakerConfig{})
	reg.Breaker("encoder")
	h := AdminHandler(reg, nil)

	w := do(t, h, http.MethodGet, "/v1/admin/services", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[map[string]resilience.Health](t, w); len(got) != 1 || !got["encoder"].Healthy {
		t.Fatalf("health = %+v", got)
	}
	if w := do(t, h, http.MethodGet, "/healthz", nil); w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}
}
