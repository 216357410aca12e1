package models

import "time"

type ChallengeKind string

const (
	ChallengeRegister      ChallengeKind = "register"
	ChallengeAuthenticate  ChallengeKind = "authenticate"
	ChallengeAddCredential ChallengeKind = "add_credential"
)

// Challenge is the single-use server-side state of one ceremony flow.
//
// SessionData holds the serialized go-webauthn session (challenge bytes and
// expected user handle); RPID and Origin record the relying-party binding
// the challenge was issued under. Verification always reads these from the
// row, never from client input.
//
// Lifecycle: issued -> consumed (ConsumedAt set) or expired. Rows are never
// resurrected; expired rows are removed by the sweeper.
type Challenge struct {
	ID          string        `json:"-" gorm:"type:varchar(64);primaryKey"`
	UserID      *string       `json:"-" gorm:"type:varchar(32);index"`
	Kind        ChallengeKind `json:"-" gorm:"type:varchar(20);not null"`
	SessionData string        `json:"-" gorm:"type:text;not null"`
	RPID        string        `json:"-" gorm:"type:varchar(255);not null"`
	Origin      string        `json:"-" gorm:"type:varchar(512);not null"`
	CreatedAt   time.Time     `json:"-" gorm:"not null"`
	ExpiresAt   time.Time     `json:"-" gorm:"not null;index"`
	ConsumedAt  *time.Time    `json:"-"`
}

func (Challenge) TableName() string {
	return "challenges"
}
