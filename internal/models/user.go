package models

import (
	"time"

	"github.com/passlane/backend/internal/ids"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// User is an account. Accounts are created speculatively at the start of a
// registration ceremony (before any credential exists) or at password
// sign-up. They are soft-disabled, never deleted.
//
// Email and PasswordHash are only populated when the password capability is
// enabled; the default auth path is passkeys.
type User struct {
	ID           string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	Role         UserRole   `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	Scopes       string     `json:"scopes" gorm:"type:text;not null;default:''"`
	Email        *string    `json:"email,omitempty" gorm:"type:varchar(320);uniqueIndex"`
	PasswordHash *string    `json:"-" gorm:"type:text"`
	CreatedAt    time.Time  `json:"createdAt" gorm:"not null"`
	DisabledAt   *time.Time `json:"disabledAt,omitempty"`
}

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		id, err := ids.New(ids.KindUser)
		if err != nil {
			return err
		}
		u.ID = id
	}
	if u.Role == "" {
		u.Role = UserRoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (User) TableName() string {
	return "users"
}
