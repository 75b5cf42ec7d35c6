package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/resilience"
)

// LogMailer writes messages to the log instead of delivering them. It stands
// in for the email provider in local environments.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	logging.OrNop(m.Logger).Info("email",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return nil
}

type mailerFunc func(ctx context.Context, m Message) error

func (f mailerFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// GuardMailer routes every send through the facade under p. Failures surface
// as *domain.ExternalServiceError.
func GuardMailer(f *resilience.Facade, m Mailer, p resilience.Policy) Mailer {
	send := resilience.WithErrorRecovery(f, p, func(ctx context.Context, msg Message) (struct{}, error) {
		return struct{}{}, m.Send(ctx, msg)
	}, nil)
	return mailerFunc(func(ctx context.Context, msg Message) error {
		_, err := send(ctx, msg)
		return err
	})
}
