// Package download issues and validates signed, expiring, attempt-limited
// download tokens for purchased artifacts.
//
// A token embeds the purchase id, file reference, expiry and the purchase's
// token version, signed with an HMAC key derived from the server secret.
// Validation needs only the key and one conditional update on the purchase's
// attempt counter. Issuing a new token bumps the version, which retires every
// older token for that purchase.
package download

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/storage"
)

const (
	DefaultTTL         = 48 * time.Hour
	DefaultMaxAttempts = 5
)

// Grant is what a successful validation authorizes.
type Grant struct {
	PurchaseID   string
	FileRef      string
	ExpiresAt    time.Time
	AttemptsUsed int
	MaxAttempts  int
}

type Manager struct {
	store       storage.PurchaseStore
	signer      signer
	logger      *zap.Logger
	now         func() time.Time
	ttl         time.Duration
	maxAttempts int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDefaults sets the ttl and attempt limit used when Issue is given zero
// values and by Reissue.
func WithDefaults(ttl time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

func NewManager(store storage.PurchaseStore, secret []byte, logger *zap.Logger, opts ...Option) (*Manager, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:       store,
		signer:      signer{key: key},
		logger:      logging.OrNop(logger),
		now:         time.Now,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Issue starts a new token generation for the purchase and returns its token.
// Any earlier token for the purchase stops validating. Zero ttl or
// maxAttempts fall back to the manager defaults.
func (m *Manager) Issue(ctx context.Context, purchaseID, fileRef string, ttl time.Duration, maxAttempts int) (string, error) {
	if purchaseID == "" || fileRef == "" {
		return "", errors.New("issue token: purchase id and file ref are required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	if maxAttempts <= 0 {
		maxAttempts = m.maxAttempts
	}
	// Whole seconds, so the stored expiry equals the signed one.
	expires := m.now().UTC().Add(ttl).Truncate(time.Second)

	version, err := m.store.NextTokenVersion(ctx, purchaseID, fileRef, expires, maxAttempts)
	if err != nil {
		return "", err
	}
	token, err := m.signer.sign(Claims{
		PurchaseID: purchaseID,
		FileRef:    fileRef,
		ExpiresAt:  expires.Unix(),
		Version:    version,
	})
	if err != nil {
		return "", err
	}
	if err := m.store.SaveToken(ctx, purchaseID, version, token); err != nil {
		return "", errors.Wrapf(err, "save token for purchase %s", purchaseID)
	}

	m.logger.Info("download token issued",
		zap.String("purchase_id", purchaseID),
		zap.Int64("version", version),
		zap.Time("expires_at", expires),
		zap.Int("max_attempts", maxAttempts),
	)
	return token, nil
}

// Validate checks signature, then expiry, then consumes one attempt. The
// attempt is consumed in a single conditional update, so concurrent callers
// can never exceed the limit. Failures are domain.ErrInvalidToken,
// domain.ErrTokenExpired or domain.ErrAttemptsExceeded and are never retried.
func (m *Manager) Validate(ctx context.Context, token string) (Grant, error) {
	c, err := m.signer.verify(token)
	if err != nil {
		return Grant{}, err
	}
	if m.now().UTC().After(c.Expiry()) {
		return Grant{}, errors.Wrapf(domain.ErrTokenExpired, "token for purchase %s expired at %s",
			c.PurchaseID, c.Expiry().Format(time.RFC3339))
	}

	st, err := m.store.ConsumeAttempt(ctx, c.PurchaseID, c.Version)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPurchaseNotFound):
		return Grant{}, errors.Wrapf(domain.ErrInvalidToken, "unknown purchase %s", c.PurchaseID)
	case errors.Is(err, domain.ErrInvalidToken):
		return Grant{}, errors.Wrapf(domain.ErrInvalidToken, "token for purchase %s was superseded", c.PurchaseID)
	case errors.Is(err, domain.ErrAttemptsExceeded):
		m.logger.Info("download attempts exhausted",
			zap.String("purchase_id", c.PurchaseID),
			zap.Int("max_attempts", st.MaxAttempts),
		)
		return Grant{}, errors.Wrapf(domain.ErrAttemptsExceeded, "purchase %s used %d of %d downloads",
			c.PurchaseID, st.AttemptsUsed, st.MaxAttempts)
	default:
		return Grant{}, err
	}

	return Grant{
		PurchaseID:   c.PurchaseID,
		FileRef:      c.FileRef,
		ExpiresAt:    c.Expiry(),
		AttemptsUsed: st.AttemptsUsed,
		MaxAttempts:  st.MaxAttempts,
	}, nil
}

// Issued reports whether the purchase's current token was issued for fileRef.
func (m *Manager) Issued(ctx context.Context, purchaseID, fileRef string) (bool, error) {
	st, err := m.store.GetTokenState(ctx, purchaseID)
	if errors.Is(err, domain.ErrPurchaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Token != "" && st.FileRef == fileRef, nil
}

// Reissue retires the purchase's current token and issues a fresh one for the
// same file with the default ttl and the purchase's attempt limit, attempts
// reset to zero.
func (m *Manager) Reissue(ctx context.Context, purchaseID string) (string, error) {
	st, err := m.store.GetTokenState(ctx, purchaseID)
	if err != nil {
		return "", err
	}
	return m.Issue(ctx, purchaseID, st.FileRef, m.ttl, st.MaxAttempts)
}
