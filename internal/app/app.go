// Package app hosts the session coordinator: the single orchestrator every
// front-end (web, chat bot) talks to. It owns token issuance and redemption,
// session resumption, encrypted answer submission, and completion/sharing.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"formulation/internal/delivery"
	"formulation/pkg/answercrypt"
	"formulation/pkg/domain"
	"formulation/pkg/question"
	"formulation/pkg/store"
)

const (
	defaultTokenTTL    = 15 * time.Minute
	retryAttempts      = 3
	retryBaseBackoff   = 50 * time.Millisecond
	percentDenominator = question.CatalogSize
)

// Config wires the coordinator's collaborators. Everything is injected once
// at construction; there is no module-level mutable state.
type Config struct {
	Tokens    store.TokenStore
	Sessions  store.SessionStore
	Cipher    *answercrypt.Cipher
	Orders    *question.OrderGenerator
	Publisher delivery.Publisher
	TokenTTL  time.Duration
}

// Coordinator implements the public questionnaire contract.
type Coordinator struct {
	tokens    store.TokenStore
	sessions  store.SessionStore
	cipher    *answercrypt.Cipher
	orders    *question.OrderGenerator
	publisher delivery.Publisher
	tokenTTL  time.Duration
}

// Status summarizes a session's progress.
type Status struct {
	Answered  int `json:"answered"`
	Remaining int `json:"remaining"`
	Percent   int `json:"percent"`
}

// SharedAnswer is one decrypted entry of a shared session's read-only view.
// IntegrityOK is false when the stored ciphertext failed authentication; the
// answer text is withheld in that case but the rest of the view survives.
type SharedAnswer struct {
	Position    int    `json:"position"`
	QuestionID  int    `json:"questionId"`
	Question    string `json:"question"`
	Answer      string `json:"answer,omitempty"`
	Skipped     bool   `json:"skipped"`
	IntegrityOK bool   `json:"integrityOk"`
}

// SharedView is the decrypted presentation of a shared, completed session.
type SharedView struct {
	SessionID   string         `json:"sessionId"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Answers     []SharedAnswer `json:"answers"`
}

// New constructs the coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Tokens == nil || cfg.Sessions == nil {
		return nil, errors.New("token and session stores are required")
	}
	if cfg.Cipher == nil {
		return nil, errors.New("answer cipher is required")
	}
	if cfg.Orders == nil {
		cfg.Orders = question.NewOrderGenerator()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = delivery.NewLogPublisher()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Coordinator{
		tokens:    cfg.Tokens,
		sessions:  cfg.Sessions,
		cipher:    cfg.Cipher,
		orders:    cfg.Orders,
		publisher: cfg.Publisher,
		tokenTTL:  cfg.TokenTTL,
	}, nil
}

// RequestMagicLink issues a single-use token for the identity and hands it to
// the delivery collaborator. It reveals nothing about whether the identity
// was previously seen.
func (c *Coordinator) RequestMagicLink(ctx context.Context, identity domain.Identity) error {
	if !identity.Valid() {
		return ErrInvalidIdentity
	}
	var raw string
	err := c.withRetry(ctx, func() error {
		var err error
		raw, err = c.tokens.Issue(ctx, identity, c.tokenTTL)
		return err
	})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	job := delivery.MagicLinkJob{
		Identity:  identity,
		Token:     raw,
		ExpiresAt: time.Now().UTC().Add(c.tokenTTL),
	}
	if err := c.publisher.PublishMagicLink(ctx, job); err != nil {
		// Delivery is best effort; the token stays redeemable if the
		// message reaches the respondent through another channel.
		slog.Warn("magic link delivery failed", "identity", identity.Kind, "err", err)
	}
	return nil
}

// VerifyMagicLink redeems a token and resolves or creates the identity's
// session. The token is consumed even if the caller never uses the session.
func (c *Coordinator) VerifyMagicLink(ctx context.Context, raw string) (*domain.Session, error) {
	identity, err := c.tokens.Redeem(ctx, raw)
	if err != nil {
		if errors.Is(err, store.ErrTokenInvalid) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("redeem token: %w", err)
	}
	return c.StartOrResume(ctx, identity)
}

// StartOrResume returns the identity's active session, creating one with a
// fresh question order when none exists. A web respondent and a bot
// respondent sharing the same identity land on the same session.
func (c *Coordinator) StartOrResume(ctx context.Context, identity domain.Identity) (*domain.Session, error) {
	if !identity.Valid() {
		return nil, ErrInvalidIdentity
	}
	var sess *domain.Session
	err := c.withRetry(ctx, func() error {
		var err error
		sess, err = c.sessions.ActiveByIdentity(ctx, identity)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	sess, err = c.sessions.Create(ctx, identity, c.orders.Generate())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("session created", "session_id", sess.ID, "identity_kind", identity.Kind)
	return sess, nil
}

// Session resolves a session by id.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := c.sessions.ByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// SubmitAnswer validates and stores one answer. Text answers are encrypted
// before they ever reach the store; a nil text with skipped=true records an
// explicit skip that still fills the question's slot.
func (c *Coordinator) SubmitAnswer(ctx context.Context, sessionID string, questionID int, text *string, skipped bool) (*domain.Response, error) {
	sess, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrSessionNotActive
	}
	if !sess.HasQuestion(questionID) {
		return nil, ErrUnknownQuestion
	}
	if text == nil && !skipped {
		return nil, ErrEmptyAnswer
	}

	resp := &domain.Response{
		SessionID:  sessionID,
		QuestionID: questionID,
		Skipped:    text == nil && skipped,
	}
	if text != nil {
		sealed, err := c.cipher.Seal(sessionID, []byte(*text))
		if err != nil {
			return nil, fmt.Errorf("encrypt answer: %w", err)
		}
		resp.Ciphertext = sealed.Ciphertext
		resp.Nonce = sealed.Nonce
		resp.Digest = c.cipher.Digest(sessionID, questionID, sealed.Ciphertext)
	}
	if err := c.sessions.UpsertResponse(ctx, resp); err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			return nil, ErrSessionNotFound
		case errors.Is(err, store.ErrSessionNotActive):
			return nil, ErrSessionNotActive
		default:
			return nil, fmt.Errorf("store answer: %w", err)
		}
	}
	return resp, nil
}

// Status reports progress for the session.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (Status, error) {
	if _, err := c.Session(ctx, sessionID); err != nil {
		return Status{}, err
	}
	var answered int
	err := c.withRetry(ctx, func() error {
		var err error
		answered, err = c.sessions.ResponseCount(ctx, sessionID)
		return err
	})
	if err != nil {
		return Status{}, fmt.Errorf("count answers: %w", err)
	}
	return Status{
		Answered:  answered,
		Remaining: percentDenominator - answered,
		Percent:   answered * 100 / percentDenominator,
	}, nil
}

// Finish completes the session. A share id is minted only when requested and
// is returned empty otherwise.
func (c *Coordinator) Finish(ctx context.Context, sessionID string, wantsReminder, wantsShare bool) (string, error) {
	shareID, err := c.sessions.Complete(ctx, sessionID, wantsReminder, wantsShare)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			return "", ErrSessionNotFound
		case errors.Is(err, store.ErrIncompleteSession):
			return "", ErrIncompleteSession
		case errors.Is(err, store.ErrSessionNotActive):
			return "", ErrSessionNotActive
		default:
			return "", fmt.Errorf("complete session: %w", err)
		}
	}
	slog.Info("session completed", "session_id", sessionID, "shared", shareID != "")
	return shareID, nil
}

// SharedView decrypts a shared session for read-only presentation. A single
// corrupted response is flagged in place rather than failing the whole view.
func (c *Coordinator) SharedView(ctx context.Context, shareID string) (*SharedView, error) {
	sess, err := c.sessions.ByShareID(ctx, shareID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load shared session: %w", err)
	}
	responses, err := c.sessions.Responses(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	byQuestion := make(map[int]*domain.Response, len(responses))
	for _, resp := range responses {
		byQuestion[resp.QuestionID] = resp
	}

	view := &SharedView{
		SessionID:   sess.ID,
		CompletedAt: sess.CompletedAt,
		Answers:     make([]SharedAnswer, 0, len(sess.QuestionOrder)),
	}
	for pos, questionID := range sess.QuestionOrder {
		q, _ := question.ByID(questionID)
		entry := SharedAnswer{
			Position:   pos + 1,
			QuestionID: questionID,
			Question:   q.Text,
		}
		resp, ok := byQuestion[questionID]
		switch {
		case !ok:
			// Complete sessions have every slot filled; a hole here
			// means the row was deleted out of band.
			entry.IntegrityOK = false
		case resp.Skipped:
			entry.Skipped = true
			entry.IntegrityOK = true
		default:
			entry.IntegrityOK = true
			if !c.cipher.VerifyDigest(sess.ID, questionID, resp.Ciphertext, resp.Digest) {
				entry.IntegrityOK = false
				slog.Warn("response digest mismatch", "session_id", sess.ID, "question_id", questionID)
				break
			}
			plaintext, err := c.cipher.Open(sess.ID, answercrypt.Sealed{Ciphertext: resp.Ciphertext, Nonce: resp.Nonce})
			if err != nil {
				entry.IntegrityOK = false
				slog.Warn("response decrypt failed", "session_id", sess.ID, "question_id", questionID, "err", err)
				break
			}
			entry.Answer = string(plaintext)
		}
		view.Answers = append(view.Answers, entry)
	}
	return view, nil
}

// withRetry runs fn up to retryAttempts times with jittered backoff, giving
// transient store failures a chance to clear. Sentinel domain errors are
// never retried.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(retryBaseBackoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || isPermanent(err) {
			return err
		}
	}
	return err
}

func isPermanent(err error) bool {
	return errors.Is(err, store.ErrTokenInvalid) ||
		errors.Is(err, store.ErrSessionNotFound) ||
		errors.Is(err, store.ErrSessionNotActive) ||
		errors.Is(err, store.ErrIncompleteSession) ||
		errors.Is(err, domain.ErrInvalidIdentity) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
