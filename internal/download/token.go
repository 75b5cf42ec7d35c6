package download

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/SirClappington/renderq/internal/domain"
)

const keyInfo = "renderq download token v1"

var enc = base64.RawURLEncoding

// Claims is the signed token payload.
type Claims struct {
	PurchaseID string `json:"pid"`
	FileRef    string `json:"ref"`
	ExpiresAt  int64  `json:"exp"`
	Version    int64  `json:"ver"`
}

func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0).UTC() }

// deriveKey stretches the configured secret into the HMAC key so the raw
// secret is never used directly as a MAC key.
func deriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty token signing secret")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive token key")
	}
	return key, nil
}

type signer struct{ key []byte }

func (s signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

// sign renders c as base64url(json) "." base64url(hmac).
func (s signer) sign(c Claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "encode claims")
	}
	payload := enc.EncodeToString(raw)
	return payload + "." + enc.EncodeToString(s.mac(payload)), nil
}

// verify checks the signature and decodes the claims. Every failure is
// domain.ErrInvalidToken.
func (s signer) verify(token string) (Claims, error) {
	var c Claims
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" || strings.Contains(sig, ".") {
		return c, errors.Wrap(domain.ErrInvalidToken, "malformed token")
	}
	got, err := enc.DecodeString(sig)
	if err != nil {
		return c, errors.Wrap(domain.ErrInvalidToken, "malformed signature")
	}
	if !hmac.Equal(got, s.mac(payload)) {
		return c, errors.Wrap(domain.ErrInvalidToken, "bad signature")
	}
	raw, err := enc.DecodeString(payload)
	if err != nil {
		return c, errors.Wrap(domain.ErrInvalidToken, "malformed payload")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, errors.Wrap(domain.ErrInvalidToken, "malformed claims")
	}
	if c.PurchaseID == "" || c.Version < 1 {
		return c, errors.Wrap(domain.ErrInvalidToken, "incomplete claims")
	}
	return c, nil
}
