package services

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"crypto/rand"

	"github.com/passlane/backend/internal/config"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/pkg/logger"
	"github.com/passlane/backend/pkg/utils"
	"gorm.io/gorm"
)

const resetTokenTTL = 30 * time.Minute

// ResetMailer delivers password-reset tokens. Mail transport is a
// collaborator concern; the default implementation only logs that a
// token was issued.
type ResetMailer interface {
	SendResetToken(email, token string) error
}

type logResetMailer struct{}

func (logResetMailer) SendResetToken(email, _ string) error {
	logger.Info("password_reset_token_issued", map[string]interface{}{
		"email": email,
	})
	return nil
}

// PasswordService is the optional password auth path. It is constructed
// only when the capability is enabled in config; its routes are never
// mounted otherwise. Passkeys remain the primary path either way.
type PasswordService struct {
	DB     *gorm.DB
	Auth   config.AuthConfig
	Mailer ResetMailer

	Now func() time.Time
}

func NewPasswordService(db *gorm.DB, auth config.AuthConfig, mailer ResetMailer) *PasswordService {
	if mailer == nil {
		mailer = logResetMailer{}
	}
	return &PasswordService{
		DB:     db,
		Auth:   auth,
		Mailer: mailer,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *PasswordService) bootstrapRole(email string) (models.UserRole, error) {
	for _, admin := range s.Auth.BootstrapAdminEmails {
		if admin == email {
			return models.UserRoleAdmin, nil
		}
	}
	if s.Auth.FirstUserIsAdmin {
		var count int64
		if err := s.DB.Model(&models.User{}).Count(&count).Error; err != nil {
			return "", fmt.Errorf("counting users: %w", err)
		}
		if count == 0 {
			return models.UserRoleAdmin, nil
		}
	}
	return models.UserRoleUser, nil
}

// RegisterUser creates a password-backed account.
func (s *PasswordService) RegisterUser(email, password string) (*models.User, error) {
	var existing models.User
	err := s.DB.First(&existing, "email = ?", email).Error
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up email: %w", err)
	}

	role, err := s.bootstrapRole(email)
	if err != nil {
		return nil, err
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := models.User{
		Role:         role,
		Email:        &email,
		PasswordHash: &hash,
	}
	if err := s.DB.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	logger.Info("user_registered", map[string]interface{}{
		"user_id": user.ID,
		"role":    user.Role,
	})
	return &user, nil
}

// AuthenticateUser verifies email+password. The error is deliberately
// coarse: callers cannot distinguish unknown email from wrong password.
func (s *PasswordService) AuthenticateUser(email, password string) (*models.User, error) {
	var user models.User
	if err := s.DB.First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user.PasswordHash == nil || !utils.VerifyPassword(password, *user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// RequestPasswordReset issues a single-use reset token. Unknown emails are
// silently accepted so the endpoint cannot be used to probe accounts.
func (s *PasswordService) RequestPasswordReset(email string) error {
	var user models.User
	if err := s.DB.First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("looking up user: %w", err)
	}

	raw := make([]byte, 36)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	row := models.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: hashToken(token),
		ExpiresAt: s.Now().Add(resetTokenTTL),
	}
	if err := s.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("saving reset token: %w", err)
	}

	return s.Mailer.SendResetToken(email, token)
}

// ConfirmPasswordReset consumes a reset token and sets the new password.
func (s *PasswordService) ConfirmPasswordReset(rawToken, newPassword string) (*models.User, error) {
	var row models.PasswordResetToken
	if err := s.DB.First(&row, "token_hash = ? AND used = ?", hashToken(rawToken), false).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidResetToken
		}
		return nil, fmt.Errorf("looking up reset token: %w", err)
	}
	if row.ExpiresAt.Before(s.Now()) {
		return nil, ErrResetTokenExpired
	}

	var user models.User
	if err := s.DB.First(&user, "id = ?", row.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	hash, err := utils.HashPassword(newPassword)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&row).Update("used", true).Error; err != nil {
			return err
		}
		return tx.Model(&user).Update("password_hash", hash).Error
	})
	if err != nil {
		return nil, fmt.Errorf("confirming reset: %w", err)
	}

	logger.Info("password_reset_confirmed", map[string]interface{}{
		"user_id": user.ID,
	})
	return &user, nil
}
