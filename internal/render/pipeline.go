// Package render implements the render job: capture a source, optionally
// encode it, upload the artifact, mark the render completed, issue a download
// token for the purchase and email the link. Every external call goes
// through the resilience facade.
package render

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/download"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/resilience"
	"github.com/SirClappington/renderq/internal/services"
	"github.com/SirClappington/renderq/internal/storage"
)

const HandlerName = "render.process"

// Args is the render job payload.
type Args struct {
	RenderID   string `json:"render_id"`
	PurchaseID string `json:"purchase_id"`
	Source     string `json:"source"`
	Format     string `json:"format,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Settings tunes retries, per-call timeouts and the issued token.
type Settings struct {
	MaxRetries     int
	BackoffFactor  time.Duration
	CaptureTimeout time.Duration
	EncodeTimeout  time.Duration
	CallTimeout    time.Duration
	TokenTTL       time.Duration
	MaxAttempts    int
	// LinkBase prefixes the token in the emailed link.
	LinkBase string
}

type Deps struct {
	Renderer services.Renderer
	// Encoder is optional.
	Encoder services.Encoder
	Objects services.ObjectStore
	Mailer  services.Mailer
	Renders storage.RenderTracker
	Tokens  *download.Manager
}

type Pipeline struct {
	renders  storage.RenderTracker
	tokens   *download.Manager
	logger   *zap.Logger
	settings Settings

	capture resilience.Func[services.CaptureRequest, services.Artifact]
	encode  resilience.Func[services.Artifact, services.Artifact]
	upload  resilience.Func[uploadReq, string]
	send    resilience.Func[services.Message, struct{}]
}

type uploadReq struct {
	key      string
	artifact services.Artifact
}

func NewPipeline(f *resilience.Facade, d Deps, s Settings, logger *zap.Logger) *Pipeline {
	logger = logging.OrNop(logger)
	policy := func(service, op string, timeout time.Duration) resilience.Policy {
		if timeout <= 0 {
			timeout = s.CallTimeout
		}
		return resilience.Policy{
			Service:        service,
			Operation:      op,
			MaxRetries:     s.MaxRetries,
			BackoffFactor:  s.BackoffFactor,
			CircuitBreaker: true,
			Timeout:        timeout,
		}
	}

	p := &Pipeline{renders: d.Renders, tokens: d.Tokens, logger: logger, settings: s}

	p.capture = resilience.WithErrorRecovery(f, policy(services.NameRenderer, "capture", s.CaptureTimeout),
		d.Renderer.Capture, nil)
	if d.Encoder != nil {
		p.encode = resilience.WithErrorRecovery(f, policy(services.NameEncoder, "encode", s.EncodeTimeout),
			d.Encoder.Encode, nil)
	}
	p.upload = resilience.WithErrorRecovery(f, policy(services.NameObjectStore, "upload", 0),
		func(ctx context.Context, u uploadReq) (string, error) { return d.Objects.Upload(ctx, u.key, u.artifact) }, nil)
	// The link can always be re-sent through reissue, so a mail outage must
	// not fail a finished render.
	p.send = resilience.WithErrorRecovery(f, policy(services.NameMailer, "send", 0),
		func(ctx context.Context, m services.Message) (struct{}, error) { return struct{}{}, d.Mailer.Send(ctx, m) },
		func(_ context.Context, m services.Message) (struct{}, error) {
			logger.Warn("download link email not delivered, link stays available via reissue",
				zap.String("to", m.To),
			)
			return struct{}{}, nil
		})
	return p
}

// Register adds the render job to reg. Failures are mirrored onto the render
// entity by the worker pool.
func Register(reg *jobs.Registry, p *Pipeline) {
	jobs.Register(reg, jobs.Definition[Args]{
		Name:    HandlerName,
		Lane:    domain.LaneHighPriority,
		Handler: p.Run,
		Entity:  func(a Args) (string, bool) { return a.RenderID, a.RenderID != "" },
	})
}

// Run executes one render end to end. A render that is already completed is
// not captured again: Run only issues and sends its token when the purchase
// has none for the artifact, so running the same render twice is safe.
func (p *Pipeline) Run(ctx context.Context, a Args) error {
	if a.RenderID == "" || a.PurchaseID == "" || a.Source == "" {
		return errors.New("render job needs render_id, purchase_id and source")
	}
	log := p.logger.With(zap.String("render_id", a.RenderID), zap.String("purchase_id", a.PurchaseID))

	r, err := p.renders.GetRender(ctx, a.RenderID)
	if err != nil {
		return errors.Wrap(err, "load render")
	}
	if r.Status == domain.Completed {
		return p.redeliver(ctx, log, a, r.ObjectRef)
	}

	if err := p.renders.UpdateRenderStatus(ctx, a.RenderID, domain.Processing, nil); err != nil {
		return errors.Wrap(err, "mark render processing")
	}

	art, err := p.capture(ctx, services.CaptureRequest{RenderID: a.RenderID, Source: a.Source, Format: a.Format})
	if err != nil {
		return err
	}
	if p.encode != nil {
		if art, err = p.encode(ctx, art); err != nil {
			return err
		}
	}

	key := path.Join("renders", a.PurchaseID, a.RenderID+filepath.Ext(art.Path))
	ref, err := p.upload(ctx, uploadReq{key: key, artifact: art})
	if err != nil {
		return err
	}

	if err := p.renders.CompleteRender(ctx, a.RenderID, ref); err != nil {
		return errors.Wrap(err, "mark render completed")
	}
	log.Info("render completed", zap.String("object", ref))
	return p.deliver(ctx, log, a, ref)
}

func (p *Pipeline) redeliver(ctx context.Context, log *zap.Logger, a Args, ref string) error {
	if ref == "" {
		return errors.Errorf("render %s is completed but has no stored artifact", a.RenderID)
	}
	issued, err := p.tokens.Issued(ctx, a.PurchaseID, ref)
	if err != nil {
		return errors.Wrap(err, "check download token")
	}
	if issued {
		log.Info("render already delivered", zap.String("object", ref))
		return nil
	}
	log.Info("render completed earlier without a token, issuing", zap.String("object", ref))
	return p.deliver(ctx, log, a, ref)
}

// deliver issues the download token for ref and emails it when an address
// was given.
func (p *Pipeline) deliver(ctx context.Context, log *zap.Logger, a Args, ref string) error {
	token, err := p.tokens.Issue(ctx, a.PurchaseID, ref, p.settings.TokenTTL, p.settings.MaxAttempts)
	if err != nil {
		return errors.Wrap(err, "issue download token")
	}
	log.Debug("download token issued")

	if a.Email == "" {
		return nil
	}
	_, err = p.send(ctx, services.Message{
		To:      a.Email,
		Subject: "Your render is ready",
		Body:    fmt.Sprintf("Download your file: %s%s\n", p.settings.LinkBase, token),
	})
	return err
}
