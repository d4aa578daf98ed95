package store

import (
	"context"
	"errors"
	"time"

	"formulation/pkg/domain"
)

var (
	// ErrTokenInvalid is the single outcome for a magic-link token that is
	// absent, already used, or expired. The cases are deliberately not
	// distinguishable from outside.
	ErrTokenInvalid = errors.New("invalid or expired token")
	// ErrSessionNotFound indicates no session matches the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive indicates a write against a completed session.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrIncompleteSession indicates completion was requested before every
	// question had a response.
	ErrIncompleteSession = errors.New("session has unanswered questions")
)

// TokenStore persists single-use magic-link tokens. Raw token values are
// returned to the caller once and stored only as hashes.
type TokenStore interface {
	// Issue creates a token for the identity and returns the raw value.
	Issue(ctx context.Context, identity domain.Identity, ttl time.Duration) (string, error)
	// Redeem atomically consumes the token and returns its identity.
	// A second Redeem of the same raw value fails with ErrTokenInvalid.
	Redeem(ctx context.Context, raw string) (domain.Identity, error)
	// SweepExpired deletes tokens past their expiry, used or not.
	// Idempotent and safe to run concurrently from any number of workers.
	SweepExpired(ctx context.Context) (int64, error)
}

// SessionStore persists sessions and their encrypted responses. Callers hand
// it ciphertext; plaintext never reaches this layer.
type SessionStore interface {
	// ActiveByIdentity returns the identity's non-completed session, or
	// (nil, nil) when there is none.
	ActiveByIdentity(ctx context.Context, identity domain.Identity) (*domain.Session, error)
	// Create persists a new active session with the given question order.
	Create(ctx context.Context, identity domain.Identity, order []int) (*domain.Session, error)
	// ByID fetches a session or ErrSessionNotFound.
	ByID(ctx context.Context, sessionID string) (*domain.Session, error)
	// ByShareID fetches a session that was explicitly shared.
	ByShareID(ctx context.Context, shareID string) (*domain.Session, error)
	// UpsertResponse stores the response, replacing any previous one for
	// the same (session, question), and advances the session's current
	// index only when the question sits at the current position.
	UpsertResponse(ctx context.Context, resp *domain.Response) error
	// Responses returns all stored responses for the session.
	Responses(ctx context.Context, sessionID string) ([]*domain.Response, error)
	// ResponseCount returns how many question slots are filled.
	ResponseCount(ctx context.Context, sessionID string) (int, error)
	// Complete transitions an active session with all slots filled to
	// completed, minting a share id only when one is requested. A session
	// completed without sharing may still mint its share id on the first
	// later share request.
	Complete(ctx context.Context, sessionID string, wantsReminder, wantsShare bool) (string, error)
}
