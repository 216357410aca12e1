package models

import (
	"time"

	"github.com/passlane/backend/internal/ids"
	"gorm.io/gorm"
)

// Credential is a WebAuthn public-key credential ("passkey") bound to a
// user. The internal ID (prefix 'k') is distinct from CredentialID, which
// is the base64url-encoded identifier issued by the authenticator.
//
// Credentials are soft-revoked, never deleted: a revoked row keeps its
// uniqueIndex so the same authenticator cannot be silently re-registered.
type Credential struct {
	ID              string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	UserID          string     `json:"userID" gorm:"type:varchar(32);not null;index"`
	CredentialID    string     `json:"-" gorm:"type:text;not null;uniqueIndex"`
	PublicKey       []byte     `json:"-" gorm:"type:bytea;not null"`
	SignCount       uint32     `json:"-" gorm:"not null;default:0"`
	AttestationType string     `json:"-" gorm:"type:varchar(30)"`
	AAGUID          string     `json:"aaguid,omitempty" gorm:"type:varchar(36)"`
	Transports      string     `json:"-" gorm:"type:text"`
	BackupEligible  bool       `json:"-" gorm:"not null;default:false"`
	BackupState     bool       `json:"-" gorm:"not null;default:false"`
	Name            *string    `json:"name,omitempty" gorm:"type:varchar(64)"`
	CreatedAt       time.Time  `json:"createdAt" gorm:"not null;index"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
}

func (c *Credential) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		id, err := ids.New(ids.KindCredential)
		if err != nil {
			return err
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (Credential) TableName() string {
	return "credentials"
}
