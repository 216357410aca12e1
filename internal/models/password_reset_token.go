package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PasswordResetToken is only used when the password capability is enabled.
// The raw token is mailed to the user; the row stores a SHA-256 hash.
type PasswordResetToken struct {
	ID        string    `json:"-" gorm:"type:varchar(36);primaryKey"`
	UserID    string    `json:"-" gorm:"type:varchar(32);not null;index"`
	TokenHash string    `json:"-" gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt time.Time `json:"-" gorm:"not null"`
	Used      bool      `json:"-" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"-" gorm:"not null"`
}

func (p *PasswordResetToken) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (PasswordResetToken) TableName() string {
	return "password_reset_tokens"
}
