package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"formulation/internal/util"
	"formulation/pkg/domain"
)

const migrateLockID int64 = 35403540

// GormStore implements TokenStore and SessionStore on GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent instances do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AuthTokenModel{}, &SessionModel{}, &ResponseModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// --- TokenStore ---

// Issue creates a single-use token and returns the raw value. Only the
// sha256 hash of the raw value is stored.
func (s *GormStore) Issue(ctx context.Context, identity domain.Identity, ttl time.Duration) (string, error) {
	if !identity.Valid() {
		return "", domain.ErrInvalidIdentity
	}
	raw, err := generateRawToken()
	if err != nil {
		return "", err
	}
	identityRaw, err := identityJSON(identity)
	if err != nil {
		return "", err
	}
	now := s.now()
	row := AuthTokenModel{
		ID:          util.NewID(),
		TokenHash:   tokenHash(raw),
		IdentityKey: identity.Key(),
		Identity:    identityRaw,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	return raw, nil
}

// Redeem consumes a token exactly once. Absent, already-used, and expired
// tokens all return ErrTokenInvalid: the conditional update is the only
// arbiter, so two concurrent redeems of the same raw value cannot both
// succeed. Update and read-back share one transaction so a concurrent sweep
// at the expiry boundary cannot delete the row between them.
func (s *GormStore) Redeem(ctx context.Context, raw string) (domain.Identity, error) {
	var identity domain.Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&AuthTokenModel{}).
			Where("token_hash = ? AND used_at IS NULL AND expires_at > ?", tokenHash(raw), now).
			Update("used_at", now)
		if res.Error != nil {
			return fmt.Errorf("redeem token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrTokenInvalid
		}
		var row AuthTokenModel
		if err := tx.Where("token_hash = ?", tokenHash(raw)).First(&row).Error; err != nil {
			return fmt.Errorf("load redeemed token: %w", err)
		}
		id, err := identityFromJSON(row.Identity)
		if err != nil {
			return err
		}
		identity = id
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

// SweepExpired deletes tokens past expiry, used or not.
func (s *GormStore) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&AuthTokenModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- SessionStore ---

// ActiveByIdentity returns the identity's active session, or (nil, nil).
func (s *GormStore) ActiveByIdentity(ctx context.Context, identity domain.Identity) (*domain.Session, error) {
	var row SessionModel
	err := s.db.WithContext(ctx).
		Where("identity_key = ? AND state = ?", identity.Key(), string(domain.StateActive)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return sessionToDomain(&row)
}

// Create persists a new active session with the given question order.
func (s *GormStore) Create(ctx context.Context, identity domain.Identity, order []int) (*domain.Session, error) {
	if !identity.Valid() {
		return nil, domain.ErrInvalidIdentity
	}
	identityRaw, err := identityJSON(identity)
	if err != nil {
		return nil, err
	}
	orderRaw, err := orderJSON(order)
	if err != nil {
		return nil, err
	}
	row := SessionModel{
		ID:            util.NewID(),
		IdentityKey:   identity.Key(),
		Identity:      identityRaw,
		QuestionOrder: orderRaw,
		CurrentIndex:  0,
		State:         string(domain.StateActive),
		CreatedAt:     s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sessionToDomain(&row)
}

// ByID fetches a session by primary key.
func (s *GormStore) ByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	var row SessionModel
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sessionToDomain(&row)
}

// ByShareID only resolves sessions that were explicitly shared.
func (s *GormStore) ByShareID(ctx context.Context, shareID string) (*domain.Session, error) {
	if shareID == "" {
		return nil, ErrSessionNotFound
	}
	var row SessionModel
	err := s.db.WithContext(ctx).
		Where("share_id = ? AND state = ?", shareID, string(domain.StateShared)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load shared session: %w", err)
	}
	return sessionToDomain(&row)
}

// UpsertResponse stores one response per (session, question) and advances the
// session pointer only when the answered question sits at the current
// position. The session row is locked for the duration so a double submit
// cannot advance the pointer twice.
func (s *GormStore) UpsertResponse(ctx context.Context, resp *domain.Response) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess SessionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", resp.SessionID).
			First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if sess.State != string(domain.StateActive) {
			return ErrSessionNotActive
		}
		order, err := orderFromJSON(sess.QuestionOrder)
		if err != nil {
			return err
		}

		now := s.now()
		row := ResponseModel{
			SessionID:  resp.SessionID,
			QuestionID: resp.QuestionID,
			Ciphertext: resp.Ciphertext,
			Nonce:      resp.Nonce,
			Digest:     resp.Digest,
			Skipped:    resp.Skipped,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "nonce", "digest", "skipped", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("save response: %w", err)
		}

		if sess.CurrentIndex < len(order) && order[sess.CurrentIndex] == resp.QuestionID {
			if err := tx.Model(&SessionModel{}).
				Where("id = ?", sess.ID).
				Update("current_index", sess.CurrentIndex+1).Error; err != nil {
				return fmt.Errorf("advance session: %w", err)
			}
		}
		return nil
	})
}

// Responses returns all stored responses for the session.
func (s *GormStore) Responses(ctx context.Context, sessionID string) ([]*domain.Response, error) {
	var rows []ResponseModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("question_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	out := make([]*domain.Response, 0, len(rows))
	for i := range rows {
		out = append(out, responseToDomain(&rows[i]))
	}
	return out, nil
}

// ResponseCount returns how many question slots are filled.
func (s *GormStore) ResponseCount(ctx context.Context, sessionID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return int(count), nil
}

// Complete transitions the session state machine under a row lock.
func (s *GormStore) Complete(ctx context.Context, sessionID string, wantsReminder, wantsShare bool) (string, error) {
	var shareID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess SessionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).
			First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		switch sess.State {
		case string(domain.StateActive):
			order, err := orderFromJSON(sess.QuestionOrder)
			if err != nil {
				return err
			}
			var count int64
			if err := tx.Model(&ResponseModel{}).
				Where("session_id = ?", sessionID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("count responses: %w", err)
			}
			if int(count) < len(order) {
				return ErrIncompleteSession
			}
			now := s.now()
			updates := map[string]any{
				"state":          string(domain.StateCompleted),
				"completed_at":   now,
				"wants_reminder": wantsReminder,
			}
			if wantsShare {
				shareID = uuid.NewString()
				updates["state"] = string(domain.StateShared)
				updates["share_id"] = shareID
			}
			if err := tx.Model(&SessionModel{}).Where("id = ?", sess.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("complete session: %w", err)
			}
			return nil
		case string(domain.StateCompleted):
			// Answer content is frozen; the only move left is minting the
			// share id on the first share request.
			if !wantsShare || sess.ShareID != nil {
				return ErrSessionNotActive
			}
			shareID = uuid.NewString()
			if err := tx.Model(&SessionModel{}).Where("id = ?", sess.ID).Updates(map[string]any{
				"state":    string(domain.StateShared),
				"share_id": shareID,
			}).Error; err != nil {
				return fmt.Errorf("share session: %w", err)
			}
			return nil
		default:
			return ErrSessionNotActive
		}
	})
	if err != nil {
		return "", err
	}
	return shareID, nil
}

func generateRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func tokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual avoids leaking hash prefixes through comparison timing in
// the memory store; Postgres lookups go through the unique index instead.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
