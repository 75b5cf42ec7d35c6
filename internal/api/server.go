// Package api is the HTTP surface: render submission, job status, download
// validation and reissue, and the breaker admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/download"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/render"
	"github.com/SirClappington/renderq/internal/services"
	"github.com/SirClappington/renderq/internal/storage"
)

// Jobs is satisfied by *jobs.Client.
type Jobs interface {
	Enqueue(ctx context.Context, lane domain.Lane, handler string, args any) (string, error)
	Status(ctx context.Context, id string) (*domain.Job, error)
}

// Tokens is satisfied by *download.Manager.
type Tokens interface {
	Validate(ctx context.Context, token string) (download.Grant, error)
	Reissue(ctx context.Context, purchaseID string) (string, error)
}

// Mailer is satisfied by services.Mailer, normally guarded by the facade.
type Mailer interface {
	Send(ctx context.Context, m services.Message) error
}

type Server struct {
	jobs     Jobs
	renders  storage.RenderCreator
	tokens   Tokens
	breakers Breakers
	mailer   Mailer
	logger   *zap.Logger
}

type Option func(*Server)

// WithMailer lets the reissue endpoint email the new link.
func WithMailer(m Mailer) Option {
	return func(s *Server) { s.mailer = m }
}

func NewServer(jobs Jobs, renders storage.RenderCreator, tokens Tokens, breakers Breakers, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{jobs: jobs, renders: renders, tokens: tokens, breakers: breakers, logger: logging.OrNop(logger)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := newRouter(s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/renders", s.submitRender)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/downloads/validate", s.validateDownload)
		r.Post("/purchases/{id}/download-link", s.reissueLink)
		r.Route("/admin/services", adminRoutes(s.breakers, s.logger))
	})
	return r
}

func newRouter(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(logger))
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	return r
}

func requestLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type submitRenderRequest struct {
	RenderID   string `json:"render_id"`
	PurchaseID string `json:"purchase_id"`
	Source     string `json:"source"`
	Format     string `json:"format"`
	Email      string `json:"email"`
}

func (s *Server) submitRender(w http.ResponseWriter, r *http.Request) {
	var req submitRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RenderID == "" || req.PurchaseID == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "render_id, purchase_id and source are required")
		return
	}
	if err := s.renders.CreateRender(r.Context(), req.RenderID, req.PurchaseID); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.jobs.Enqueue(r.Context(), domain.LaneHighPriority, render.HandlerName, render.Args{
		RenderID:   req.RenderID,
		PurchaseID: req.PurchaseID,
		Source:     req.Source,
		Format:     req.Format,
		Email:      req.Email,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(domain.Queued)})
}

type jobResponse struct {
	ID         string           `json:"id"`
	Lane       string           `json:"lane"`
	Handler    string           `json:"handler"`
	Status     string           `json:"status"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      *domain.JobError `json:"error,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID:         j.ID,
		Lane:       string(j.Lane),
		Handler:    j.Handler,
		Status:     string(j.Status),
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Error:      j.Error,
	})
}

type validateRequest struct {
	Token string `json:"token"`
}

type grantResponse struct {
	PurchaseID   string    `json:"purchase_id"`
	FileRef      string    `json:"file_ref"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptsUsed int       `json:"attempts_used"`
	MaxAttempts  int       `json:"max_attempts"`
}

func (s *Server) validateDownload(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token := req.Token
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	g, err := s.tokens.Validate(r.Context(), token)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{
		PurchaseID:   g.PurchaseID,
		FileRef:      g.FileRef,
		ExpiresAt:    g.ExpiresAt,
		AttemptsUsed: g.AttemptsUsed,
		MaxAttempts:  g.MaxAttempts,
	})
}

type reissueRequest struct {
	Email string `json:"email"`
}

// reissueLink retires the purchase's current link and returns a fresh one,
// optionally emailing it. A mail failure after the token is rotated surfaces
// as 503; the caller can simply ask again.
func (s *Server) reissueLink(w http.ResponseWriter, r *http.Request) {
	var req reissueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	purchaseID := chi.URLParam(r, "id")
	token, err := s.tokens.Reissue(r.Context(), purchaseID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Email != "" && s.mailer != nil {
		err := s.mailer.Send(r.Context(), services.Message{
			To:      req.Email,
			Subject: "Your new download link",
			Body:    "Download token: " + token + "\n",
		})
		if err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"purchase_id": purchaseID, "token": token})
}

// fail maps err to a response. Breaker rejections and exhausted external
// calls share one response so clients cannot tell them apart.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindServiceUnavailable, domain.KindExternalService:
		s.logger.Warn("request failed on external service", zap.Error(err))
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable, try again later")
	case domain.KindInvalidToken:
		writeError(w, http.StatusBadRequest, "this download link is not valid")
	case domain.KindTokenExpired:
		writeError(w, http.StatusGone, "this download link has expired, request a new one")
	case domain.KindAttemptsExceeded:
		writeError(w, http.StatusForbidden, "this download link has been used the maximum number of times, request a new one")
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
