package services

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/pkg/logger"
	"gorm.io/gorm"
)

// ChallengeService owns the single-use ceremony flow rows. A flow moves
// issued -> consumed or issued -> expired, one way only.
type ChallengeService struct {
	DB  *gorm.DB
	TTL time.Duration

	// Now is the clock used for every expiry comparison. Overridable in
	// tests; defaults to UTC wall time.
	Now func() time.Time
}

func NewChallengeService(db *gorm.DB, ttl time.Duration) *ChallengeService {
	return &ChallengeService{
		DB:  db,
		TTL: ttl,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

func newFlowID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating flow id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Begin inserts a new flow row binding the serialized ceremony session to
// the relying-party values it was issued under. userID is nil for
// username-less login flows.
func (s *ChallengeService) Begin(tx *gorm.DB, kind models.ChallengeKind, userID *string, session *webauthn.SessionData, rpID, origin string) (*models.Challenge, error) {
	flowID, err := newFlowID()
	if err != nil {
		return nil, err
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("serializing ceremony session: %w", err)
	}

	now := s.Now()
	challenge := &models.Challenge{
		ID:          flowID,
		UserID:      userID,
		Kind:        kind,
		SessionData: string(sessionJSON),
		RPID:        rpID,
		Origin:      origin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.TTL),
	}
	if err := tx.Create(challenge).Error; err != nil {
		return nil, fmt.Errorf("saving challenge: %w", err)
	}
	return challenge, nil
}

// Validate fetches a flow and checks it is usable for the given kind.
// The four failure modes are distinct sentinels; expiry is checked even
// when the flow was never consumed.
func (s *ChallengeService) Validate(tx *gorm.DB, flowID string, kind models.ChallengeKind) (*models.Challenge, error) {
	var challenge models.Challenge
	if err := tx.First(&challenge, "id = ?", flowID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrUnknownFlow
		}
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	if challenge.Kind != kind {
		return nil, ErrFlowKindMismatch
	}
	if challenge.ConsumedAt != nil {
		return nil, ErrFlowConsumed
	}
	if challenge.ExpiresAt.Before(s.Now()) {
		return nil, ErrFlowExpired
	}
	return &challenge, nil
}

// Consume marks a flow used. The consumed_at guard makes consumption
// at-most-once even when two finishers validated the same flow before
// either committed; the loser observes ErrFlowConsumed.
func (s *ChallengeService) Consume(tx *gorm.DB, challenge *models.Challenge) error {
	now := s.Now()
	result := tx.Model(&models.Challenge{}).
		Where("id = ? AND consumed_at IS NULL", challenge.ID).
		Update("consumed_at", now)
	if result.Error != nil {
		return fmt.Errorf("consuming challenge: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFlowConsumed
	}
	challenge.ConsumedAt = &now
	return nil
}

// Session deserializes the ceremony session stored on the flow row.
func (s *ChallengeService) Session(challenge *models.Challenge) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return nil, fmt.Errorf("deserializing ceremony session: %w", err)
	}
	return &session, nil
}

// SweepExpired deletes challenge rows past their expiry (consumed or not)
// and removes orphaned users: accounts with no credentials, no password,
// no remaining flow, created before the grace window. Expired rows are
// already unusable, so the sweep is hygiene, not a safety mechanism.
func (s *ChallengeService) SweepExpired(orphanGrace time.Duration) (int64, error) {
	now := s.Now()

	result := s.DB.Where("expires_at < ?", now).Delete(&models.Challenge{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweeping challenges: %w", result.Error)
	}
	swept := result.RowsAffected

	cutoff := now.Add(-orphanGrace)
	orphans := s.DB.
		Where("created_at < ?", cutoff).
		Where("password_hash IS NULL").
		Where("id NOT IN (?)", s.DB.Model(&models.Credential{}).Select("user_id")).
		Where("id NOT IN (?)", s.DB.Model(&models.Challenge{}).Select("user_id").Where("user_id IS NOT NULL")).
		Delete(&models.User{})
	if orphans.Error != nil {
		return swept, fmt.Errorf("sweeping orphaned users: %w", orphans.Error)
	}

	if swept > 0 || orphans.RowsAffected > 0 {
		logger.Info("challenge_sweep", map[string]interface{}{
			"challenges_deleted": swept,
			"orphans_deleted":    orphans.RowsAffected,
		})
	}
	return swept, nil
}
