package models

import (
	"time"

	"github.com/passlane/backend/internal/ids"
	"gorm.io/gorm"
)

// Device is a client-held keypair used to self-sign short-lived
// proof-of-possession tokens. The server stores only the public half, as
// the JSON-serialized JWK the client submitted, plus its RFC 7638
// thumbprint. The thumbprint uniqueIndex is what makes binding idempotent:
// the same key material always resolves to the same device row.
type Device struct {
	ID           string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	UserID       string     `json:"userID" gorm:"type:varchar(32);not null;index"`
	PublicKeyJWK string     `json:"-" gorm:"type:text;not null"`
	Fingerprint  string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	Label        *string    `json:"label,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time  `json:"createdAt" gorm:"not null"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

func (d *Device) BeforeCreate(_ *gorm.DB) error {
	if d.ID == "" {
		id, err := ids.New(ids.KindDevice)
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (Device) TableName() string {
	return "devices"
}
