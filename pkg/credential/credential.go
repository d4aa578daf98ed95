// Package credential issues and validates the short-lived bearer value a
// front-end holds after redeeming a magic link. The credential is bound to a
// session id, not to the identity, so a leaked credential never reveals who
// is answering.
package credential

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"formulation/internal/util"
)

const (
	defaultIssuer   = "formulation-core"
	defaultAudience = "formulation-api"
	defaultLeeway   = 30 * time.Second
)

// ErrInvalidCredential covers every verification failure: bad signature,
// expiry, revocation, wrong claims. Callers get no finer distinction.
var ErrInvalidCredential = errors.New("invalid session credential")

// Options configures claim validation behavior.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Issuer signs and validates HS256 session credentials.
type Issuer struct {
	secret   []byte
	ttl      time.Duration
	revoker  Revoker
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// New constructs an Issuer. The revoker may be nil, in which case revocation
// checks are skipped.
func New(secret []byte, ttl time.Duration, revoker Revoker, opts Options) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("credential secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("credential ttl must be positive")
	}
	if strings.TrimSpace(opts.Issuer) == "" {
		opts.Issuer = defaultIssuer
	}
	if strings.TrimSpace(opts.Audience) == "" {
		opts.Audience = defaultAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return &Issuer{
		secret:   secret,
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Mint creates a signed credential whose subject is the session id.
func (i *Issuer) Mint(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("session id required")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// SessionID validates a credential and returns the session id it is bound to.
func (i *Issuer) SessionID(token string) (string, error) {
	claims, err := i.parseAndVerify(token)
	if err != nil {
		return "", ErrInvalidCredential
	}
	if i.revoker != nil {
		revoked, err := i.revoker.IsRevoked(claims.ID)
		if err != nil {
			return "", err
		}
		if revoked {
			return "", ErrInvalidCredential
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidCredential
	}
	return claims.Subject, nil
}

// Revoke blocks a still-valid credential until its natural expiry.
func (i *Issuer) Revoke(token string) error {
	if i.revoker == nil {
		return nil
	}
	claims, err := i.parseAndVerify(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	return i.revoker.Revoke(claims.ID, ttl)
}

func (i *Issuer) parseAndVerify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithLeeway(i.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
