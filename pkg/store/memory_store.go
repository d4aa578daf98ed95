package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"formulation/internal/util"
	"formulation/pkg/domain"
)

// MemoryStore keeps tokens, sessions, and responses in memory. Single
// instance only; used in tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	tokens    map[string]*domain.AuthToken // keyed by token hash
	sessions  map[string]*domain.Session
	responses map[string]map[int]*domain.Response // sessionID -> questionID
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		tokens:    make(map[string]*domain.AuthToken),
		sessions:  make(map[string]*domain.Session),
		responses: make(map[string]map[int]*domain.Response),
	}
}

// SetClock overrides the store clock for expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// --- TokenStore ---

func (s *MemoryStore) Issue(_ context.Context, identity domain.Identity, ttl time.Duration) (string, error) {
	if !identity.Valid() {
		return "", domain.ErrInvalidIdentity
	}
	raw, err := generateRawToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	now := s.now()
	s.tokens[tokenHash(raw)] = &domain.AuthToken{
		ID:        util.NewID(),
		TokenHash: tokenHash(raw),
		Identity:  identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Unlock()
	return raw, nil
}

func (s *MemoryStore) Redeem(_ context.Context, raw string) (domain.Identity, error) {
	hash := tokenHash(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	for storedHash, token := range s.tokens {
		if !constantTimeEqual(storedHash, hash) {
			continue
		}
		now := s.now()
		if token.UsedAt != nil || !token.ExpiresAt.After(now) {
			return domain.Identity{}, ErrTokenInvalid
		}
		used := now
		token.UsedAt = &used
		return token.Identity, nil
	}
	return domain.Identity{}, ErrTokenInvalid
}

func (s *MemoryStore) SweepExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var deleted int64
	for hash, token := range s.tokens {
		if !token.ExpiresAt.After(now) {
			delete(s.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

// --- SessionStore ---

func (s *MemoryStore) ActiveByIdentity(_ context.Context, identity domain.Identity) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Identity.Key() == identity.Key() && sess.State == domain.StateActive {
			return copySession(sess), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Create(_ context.Context, identity domain.Identity, order []int) (*domain.Session, error) {
	if !identity.Valid() {
		return nil, domain.ErrInvalidIdentity
	}
	sess := &domain.Session{
		ID:            util.NewID(),
		Identity:      identity,
		QuestionOrder: append([]int(nil), order...),
		CurrentIndex:  0,
		State:         domain.StateActive,
		CreatedAt:     s.now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.responses[sess.ID] = make(map[int]*domain.Response)
	s.mu.Unlock()
	return copySession(sess), nil
}

func (s *MemoryStore) ByID(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) ByShareID(_ context.Context, shareID string) (*domain.Session, error) {
	if shareID == "" {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ShareID == shareID && sess.State == domain.StateShared {
			return copySession(sess), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) UpsertResponse(_ context.Context, resp *domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[resp.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State != domain.StateActive {
		return ErrSessionNotActive
	}
	now := s.now()
	stored := &domain.Response{
		SessionID:  resp.SessionID,
		QuestionID: resp.QuestionID,
		Ciphertext: append([]byte(nil), resp.Ciphertext...),
		Nonce:      append([]byte(nil), resp.Nonce...),
		Digest:     append([]byte(nil), resp.Digest...),
		Skipped:    resp.Skipped,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, ok := s.responses[resp.SessionID][resp.QuestionID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.responses[resp.SessionID][resp.QuestionID] = stored
	if sess.CurrentIndex < len(sess.QuestionOrder) && sess.QuestionOrder[sess.CurrentIndex] == resp.QuestionID {
		sess.CurrentIndex++
	}
	return nil
}

func (s *MemoryStore) Responses(_ context.Context, sessionID string) ([]*domain.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQuestion, ok := s.responses[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]*domain.Response, 0, len(byQuestion))
	for _, resp := range byQuestion {
		out = append(out, copyResponse(resp))
	}
	return out, nil
}

// PutResponse stores a response verbatim, bypassing state checks and pointer
// bookkeeping. Test hook in the spirit of SetClock, for staging corrupted or
// out-of-band rows.
func (s *MemoryStore) PutResponse(resp *domain.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQuestion, ok := s.responses[resp.SessionID]
	if !ok {
		byQuestion = make(map[int]*domain.Response)
		s.responses[resp.SessionID] = byQuestion
	}
	byQuestion[resp.QuestionID] = copyResponse(resp)
}

func (s *MemoryStore) ResponseCount(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses[sessionID]), nil
}

func (s *MemoryStore) Complete(_ context.Context, sessionID string, wantsReminder, wantsShare bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	switch sess.State {
	case domain.StateActive:
		if len(s.responses[sessionID]) < len(sess.QuestionOrder) {
			return "", ErrIncompleteSession
		}
		now := s.now()
		sess.State = domain.StateCompleted
		sess.CompletedAt = &now
		sess.WantsReminder = wantsReminder
		if wantsShare {
			sess.ShareID = uuid.NewString()
			sess.State = domain.StateShared
		}
		return sess.ShareID, nil
	case domain.StateCompleted:
		if !wantsShare || sess.ShareID != "" {
			return "", ErrSessionNotActive
		}
		sess.ShareID = uuid.NewString()
		sess.State = domain.StateShared
		return sess.ShareID, nil
	default:
		return "", ErrSessionNotActive
	}
}

func copyResponse(resp *domain.Response) *domain.Response {
	out := *resp
	out.Ciphertext = append([]byte(nil), resp.Ciphertext...)
	out.Nonce = append([]byte(nil), resp.Nonce...)
	out.Digest = append([]byte(nil), resp.Digest...)
	return &out
}

func copySession(sess *domain.Session) *domain.Session {
	out := *sess
	out.QuestionOrder = append([]int(nil), sess.QuestionOrder...)
	if sess.CompletedAt != nil {
		completed := *sess.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
