package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"formulation/pkg/domain"
)

// GORM models used for persistence.
type AuthTokenModel struct {
	ID          string         `gorm:"primaryKey"`
	TokenHash   string         `gorm:"uniqueIndex;not null"`
	IdentityKey string         `gorm:"index;not null"`
	Identity    datatypes.JSON `gorm:"not null"`
	IssuedAt    time.Time      `gorm:"not null"`
	ExpiresAt   time.Time      `gorm:"not null;index"`
	UsedAt      *time.Time
}

func (AuthTokenModel) TableName() string { return "auth_tokens" }

type SessionModel struct {
	ID            string         `gorm:"primaryKey"`
	IdentityKey   string         `gorm:"index;not null"`
	Identity      datatypes.JSON `gorm:"not null"`
	QuestionOrder datatypes.JSON `gorm:"not null"`
	CurrentIndex  int            `gorm:"not null"`
	State         string         `gorm:"not null;index"`
	ShareID       *string        `gorm:"uniqueIndex"`
	WantsReminder bool           `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
	CompletedAt   *time.Time
}

func (SessionModel) TableName() string { return "sessions" }

type ResponseModel struct {
	SessionID  string    `gorm:"primaryKey"`
	QuestionID int       `gorm:"primaryKey"`
	Ciphertext []byte
	Nonce      []byte
	Digest     []byte
	Skipped    bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ResponseModel) TableName() string { return "responses" }

func identityJSON(identity domain.Identity) (datatypes.JSON, error) {
	raw, err := json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func identityFromJSON(raw datatypes.JSON) (domain.Identity, error) {
	var identity domain.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return domain.Identity{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	return identity, nil
}

func orderJSON(order []int) (datatypes.JSON, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal question order: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func orderFromJSON(raw datatypes.JSON) ([]int, error) {
	var order []int
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("unmarshal question order: %w", err)
	}
	return order, nil
}

func sessionToDomain(m *SessionModel) (*domain.Session, error) {
	identity, err := identityFromJSON(m.Identity)
	if err != nil {
		return nil, err
	}
	order, err := orderFromJSON(m.QuestionOrder)
	if err != nil {
		return nil, err
	}
	s := &domain.Session{
		ID:            m.ID,
		Identity:      identity,
		QuestionOrder: order,
		CurrentIndex:  m.CurrentIndex,
		State:         domain.SessionState(m.State),
		WantsReminder: m.WantsReminder,
		CreatedAt:     m.CreatedAt,
		CompletedAt:   m.CompletedAt,
	}
	if m.ShareID != nil {
		s.ShareID = *m.ShareID
	}
	return s, nil
}

func responseToDomain(m *ResponseModel) *domain.Response {
	return &domain.Response{
		SessionID:  m.SessionID,
		QuestionID: m.QuestionID,
		Ciphertext: m.Ciphertext,
		Nonce:      m.Nonce,
		Digest:     m.Digest,
		Skipped:    m.Skipped,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
