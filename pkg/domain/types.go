package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

type SessionState string

const (
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateShared    SessionState = "shared"
)

type IdentityKind string

const (
	IdentityEmail    IdentityKind = "email"
	IdentityPlatform IdentityKind = "platform"
)

// Identity is the stable key a respondent is looked up by: either an email
// address or a (platform, platform user id) pair. The same identity reached
// from the web and from a chat bot resolves to the same session.
type Identity struct {
	Kind           IdentityKind `json:"kind"`
	Email          string       `json:"email,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	PlatformUserID string       `json:"platformUserId,omitempty"`
}

// ErrInvalidIdentity is returned when neither variant is well formed.
var ErrInvalidIdentity = errors.New("invalid identity")

// NewEmailIdentity normalizes and validates an email identity.
func NewEmailIdentity(email string) (Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{Kind: IdentityEmail, Email: email}, nil
}

// NewPlatformIdentity builds an identity for a chat platform user.
func NewPlatformIdentity(platform, userID string) (Identity, error) {
	platform = strings.TrimSpace(strings.ToLower(platform))
	userID = strings.TrimSpace(userID)
	if platform == "" || userID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{Kind: IdentityPlatform, Platform: platform, PlatformUserID: userID}, nil
}

// Key returns the canonical store lookup key for the identity.
func (id Identity) Key() string {
	switch id.Kind {
	case IdentityEmail:
		return "email:" + id.Email
	case IdentityPlatform:
		return fmt.Sprintf("platform:%s:%s", id.Platform, id.PlatformUserID)
	default:
		return ""
	}
}

// Valid reports whether the identity carries a usable variant.
func (id Identity) Valid() bool {
	return id.Key() != ""
}

// Session is one respondent's pass through the questionnaire. QuestionOrder
// is a permutation of the full catalog fixed at creation time; CurrentIndex
// only moves forward while the session is active.
type Session struct {
	ID            string       `json:"id"`
	Identity      Identity     `json:"identity"`
	QuestionOrder []int        `json:"questionOrder"`
	CurrentIndex  int          `json:"currentIndex"`
	State         SessionState `json:"state"`
	ShareID       string       `json:"shareId,omitempty"`
	WantsReminder bool         `json:"wantsReminder,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

// Active reports whether the session still accepts answers.
func (s *Session) Active() bool {
	return s.State == StateActive
}

// HasQuestion reports whether the question id belongs to this session's order.
func (s *Session) HasQuestion(questionID int) bool {
	for _, id := range s.QuestionOrder {
		if id == questionID {
			return true
		}
	}
	return false
}

// Response is the stored answer slot for one (session, question) pair.
// Answer text lives only in Ciphertext; a skipped response has no payload but
// still occupies its slot.
type Response struct {
	SessionID  string    `json:"sessionId"`
	QuestionID int       `json:"questionId"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Digest     []byte    `json:"-"`
	Skipped    bool      `json:"skipped"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AuthToken is a single-use magic-link credential. The raw token value is
// never stored; only its hash is.
type AuthToken struct {
	ID        string
	TokenHash string
	Identity  Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}
