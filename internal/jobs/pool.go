package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/storage"
)

const kindUnknownHandler = "unknown_handler"

// Pool runs worker loops that pop from lanes in priority order and execute
// jobs. A failing or panicking job never stops a loop.
type Pool struct {
	registry *Registry
	store    storage.JobStore
	backend  queue.Backend
	renders  storage.RenderStore
	logger   *zap.Logger
	now      func() time.Time

	lanes        []domain.Lane
	concurrency  int
	pollInterval time.Duration
	deadLetter   bool
	mw           Middleware
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithLanes sets the lanes to drain; earlier lanes always win.
func WithLanes(lanes ...domain.Lane) PoolOption {
	return func(p *Pool) { p.lanes = lanes }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithRenderSync mirrors job failures onto entities through rs.
func WithRenderSync(rs storage.RenderStore) PoolOption {
	return func(p *Pool) { p.renders = rs }
}

// WithDeadLetter toggles copying failed envelopes to the failed lane.
func WithDeadLetter(on bool) PoolOption {
	return func(p *Pool) { p.deadLetter = on }
}

// WithMiddleware appends middleware inside the built-in logging and
// recover steps.
func WithMiddleware(mws ...Middleware) PoolOption {
	return func(p *Pool) { p.mw = Chain(p.mw, Chain(mws...)) }
}

func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

func NewPool(registry *Registry, store storage.JobStore, backend queue.Backend, logger *zap.Logger, opts ...PoolOption) *Pool {
	logger = logging.OrNop(logger)
	p := &Pool{
		registry:     registry,
		store:        store,
		backend:      backend,
		logger:       logger,
		now:          time.Now,
		lanes:        []domain.Lane{domain.LaneHighPriority, domain.LaneDefault, domain.LaneCleanup},
		concurrency:  1,
		pollInterval: time.Second,
		deadLetter:   true,
		mw:           Chain(Logging(logger), Recover(logger)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Run starts the worker loops and blocks until ctx is cancelled. Jobs in
// flight when ctx ends run to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Any("lanes", p.lanes),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := p.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("dequeue error", zap.Error(err))
			p.sleep(ctx)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ProcessNext pops at most one envelope and processes it. It reports whether
// a job was found; the error is a dequeue error only, never a job failure.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	env, err := p.backend.Pop(ctx, p.lanes, p.pollInterval)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, nil
	}
	p.Process(context.WithoutCancel(ctx), env)
	return true, nil
}

// Process executes one envelope and persists the outcome.
func (p *Pool) Process(ctx context.Context, env *queue.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic outside handler",
				zap.String("job_id", env.JobID),
				zap.Any("panic", r),
			)
		}
	}()

	log := p.logger.With(zap.String("job_id", env.JobID), zap.String("handler", env.Handler))

	if err := p.store.SetStatus(ctx, env.JobID, domain.Processing, p.now().UTC(), nil); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
			// A job already processing or finished is never run again under
			// the same id.
			log.Warn("skipping redelivered job", zap.Error(err))
		default:
			// Still queued, so handing it back is safe.
			log.Error("failed to mark job processing, requeueing", zap.Error(err))
			if pushErr := p.backend.Push(ctx, env.Lane, *env); pushErr != nil {
				log.Error("failed to requeue job", zap.Error(pushErr))
			}
		}
		return
	}

	e, ok := p.registry.get(env.Handler)
	var runErr error
	if !ok {
		runErr = &domain.JobExecutionError{
			JobID: env.JobID, Handler: env.Handler, Kind: kindUnknownHandler,
			Err: errors.Errorf("no handler registered for %q", env.Handler),
		}
	} else {
		runErr = p.mw(ctx, env, func(ctx context.Context) error {
			return e.handler(ctx, env.Args)
		})
	}

	if runErr == nil {
		if err := p.store.SetStatus(ctx, env.JobID, domain.Completed, p.now().UTC(), nil); err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
		}
		return
	}

	p.fail(ctx, log, env, e, runErr)
}

func (p *Pool) fail(ctx context.Context, log *zap.Logger, env *queue.Envelope, e entry, runErr error) {
	jobErr := &domain.JobError{Kind: errorKind(runErr), Message: runErr.Error()}
	if err := p.store.SetStatus(ctx, env.JobID, domain.Failed, p.now().UTC(), jobErr); err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
	}

	if p.renders != nil && e.entity != nil {
		if id, ok := e.entity(env.Args); ok {
			msg := jobErr.Message
			if err := p.renders.UpdateRenderStatus(ctx, id, domain.Failed, &msg); err != nil {
				log.Warn("failed to propagate job failure to entity",
					zap.String("entity_id", id),
					zap.Error(err),
				)
			}
		}
	}

	if p.deadLetter {
		dl := *env
		dl.Error = jobErr
		if err := p.backend.Push(ctx, domain.LaneFailed, dl); err != nil {
			log.Warn("failed to dead-letter job", zap.Error(err))
		}
	}
}

func errorKind(err error) string {
	var pe *PanicError
	var je *domain.JobExecutionError
	switch {
	case errors.As(err, &je) && je.Kind != "":
		return je.Kind
	case errors.As(err, &pe):
		return "panic"
	}
	if k := domain.KindOf(err); k != domain.KindInternal {
		return string(k)
	}
	return string(domain.KindJobExecution)
}
