package services

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/passlane/backend/internal/config"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxPasskeyNameLength = 64

// PasskeyService orchestrates the WebAuthn ceremonies and manages stored
// credentials. All mutation funnels through here; transport adapters never
// write rows directly.
type PasskeyService struct {
	DB         *gorm.DB
	WebAuthn   *webauthn.WebAuthn
	Challenges *ChallengeService
	RP         config.RelyingPartyConfig
}

func NewPasskeyService(db *gorm.DB, rp config.RelyingPartyConfig, challenges *ChallengeService) (*PasskeyService, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  rp.ID,
		RPDisplayName:         rp.DisplayName,
		RPOrigins:             []string{rp.Origin},
		AttestationPreference: protocol.ConveyancePreference(rp.Attestation),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.UserVerificationRequirement(rp.UserVerification),
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: challenges.TTL,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: challenges.TTL,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &PasskeyService{DB: db, WebAuthn: wa, Challenges: challenges, RP: rp}, nil
}

// webAuthnUser adapts a User row plus its stored credentials to the
// interface go-webauthn verifies against.
type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func decodeCredentialID(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func webauthnCredential(row models.Credential) (webauthn.Credential, error) {
	rawID, err := decodeCredentialID(row.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decoding stored credential id: %w", err)
	}

	var transports []protocol.AuthenticatorTransport
	if row.Transports != "" {
		var ts []string
		if err := json.Unmarshal([]byte(row.Transports), &ts); err == nil {
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
	}

	var aaguid []byte
	if row.AAGUID != "" {
		if parsed, err := uuid.Parse(row.AAGUID); err == nil {
			aaguid = parsed[:]
		}
	}

	return webauthn.Credential{
		ID:              rawID,
		PublicKey:       row.PublicKey,
		AttestationType: row.AttestationType,
		Transport:       transports,
		Authenticator: webauthn.Authenticator{
			AAGUID:    aaguid,
			SignCount: row.SignCount,
		},
		Flags: webauthn.CredentialFlags{
			BackupEligible: row.BackupEligible,
			BackupState:    row.BackupState,
		},
	}, nil
}

func credentialRow(userID string, cred *webauthn.Credential) models.Credential {
	var transportsJSON string
	if len(cred.Transport) > 0 {
		ts := make([]string, len(cred.Transport))
		for i, t := range cred.Transport {
			ts[i] = string(t)
		}
		if encoded, err := json.Marshal(ts); err == nil {
			transportsJSON = string(encoded)
		}
	}

	var aaguid string
	if parsed, err := uuid.FromBytes(cred.Authenticator.AAGUID); err == nil {
		aaguid = parsed.String()
	}

	return models.Credential{
		UserID:          userID,
		CredentialID:    encodeCredentialID(cred.ID),
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		AttestationType: cred.AttestationType,
		AAGUID:          aaguid,
		Transports:      transportsJSON,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}
}

func (s *PasskeyService) loadWebAuthnUser(tx *gorm.DB, userID string) (*webAuthnUser, error) {
	var user models.User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	var rows []models.Credential
	if err := tx.Where("user_id = ? AND revoked_at IS NULL", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := webauthnCredential(row)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return &webAuthnUser{user: user, creds: creds}, nil
}

// StartRegistration opens a register ceremony for a brand-new account. The
// User row is created before any credential exists so the challenge has a
// subject to bind to; if the ceremony is abandoned the row is cleaned up
// by the orphan sweep.
func (s *PasskeyService) StartRegistration() (string, *protocol.CredentialCreation, error) {
	var (
		flowID  string
		options *protocol.CredentialCreation
	)
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		user := models.User{}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		waUser := &webAuthnUser{user: user}
		creation, session, err := s.WebAuthn.BeginRegistration(waUser)
		if err != nil {
			return fmt.Errorf("beginning registration: %w", err)
		}

		challenge, err := s.Challenges.Begin(tx, models.ChallengeRegister, &user.ID, session, s.RP.ID, s.RP.Origin)
		if err != nil {
			return err
		}

		flowID = challenge.ID
		options = creation
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return flowID, options, nil
}

// FinishRegistration verifies the attestation against the stored flow,
// consumes the flow and stores the first credential. The credential insert
// is the last step: nothing partial is written when verification fails.
func (s *PasskeyService) FinishRegistration(flowID string, response *protocol.ParsedCredentialCreationData) (*models.User, error) {
	var user *models.User
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.Challenges.Validate(tx, flowID, models.ChallengeRegister)
		if err != nil {
			return err
		}
		session, err := s.Challenges.Session(challenge)
		if err != nil {
			return err
		}

		waUser, err := s.loadWebAuthnUser(tx, *challenge.UserID)
		if err != nil {
			return err
		}

		cred, err := s.WebAuthn.CreateCredential(waUser, *session, response)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}

		if err := s.Challenges.Consume(tx, challenge); err != nil {
			return err
		}

		row := credentialRow(waUser.user.ID, cred)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("saving credential: %w", err)
		}

		user = &waUser.user
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("passkey_registered", map[string]interface{}{
		"user_id": user.ID,
	})
	return user, nil
}

// StartLogin opens a username-less authenticate ceremony. No owner is
// bound; the account is discovered from whichever credential the client
// asserts with.
func (s *PasskeyService) StartLogin() (string, *protocol.CredentialAssertion, error) {
	assertion, session, err := s.WebAuthn.BeginDiscoverableLogin()
	if err != nil {
		return "", nil, fmt.Errorf("beginning login: %w", err)
	}

	challenge, err := s.Challenges.Begin(s.DB, models.ChallengeAuthenticate, nil, session, s.RP.ID, s.RP.Origin)
	if err != nil {
		return "", nil, err
	}
	return challenge.ID, assertion, nil
}

// FinishLogin verifies the assertion against the stored flow, rejects
// revoked credentials and cloned authenticators, updates the signature
// counter and returns the owning user.
func (s *PasskeyService) FinishLogin(flowID string, response *protocol.ParsedCredentialAssertionData) (*models.User, error) {
	var user *models.User
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.Challenges.Validate(tx, flowID, models.ChallengeAuthenticate)
		if err != nil {
			return err
		}
		session, err := s.Challenges.Session(challenge)
		if err != nil {
			return err
		}

		var stored models.Credential
		encodedID := encodeCredentialID(response.RawID)
		if err := tx.First(&stored, "credential_id = ? AND revoked_at IS NULL", encodedID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownCredential
			}
			return fmt.Errorf("loading credential: %w", err)
		}

		waUser, err := s.loadWebAuthnUser(tx, stored.UserID)
		if err != nil {
			return err
		}

		cred, err := s.WebAuthn.ValidateDiscoverableLogin(
			func(rawID, userHandle []byte) (webauthn.User, error) {
				return waUser, nil
			},
			*session,
			response,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		if cred.Authenticator.CloneWarning {
			return fmt.Errorf("%w: signature counter did not advance", ErrVerificationFailed)
		}

		if err := s.Challenges.Consume(tx, challenge); err != nil {
			return err
		}

		now := s.Challenges.Now()
		updates := map[string]interface{}{
			"sign_count":   cred.Authenticator.SignCount,
			"last_used_at": now,
		}
		if err := tx.Model(&models.Credential{}).Where("id = ?", stored.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating credential: %w", err)
		}

		user = &waUser.user
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("passkey_login", map[string]interface{}{
		"user_id": user.ID,
	})
	return user, nil
}

// StartAddPasskey opens an add_credential ceremony for an authenticated
// user. Existing active credentials populate the exclusion list so the
// same authenticator cannot be registered twice.
func (s *PasskeyService) StartAddPasskey(user *models.User) (string, *protocol.CredentialCreation, error) {
	waUser, err := s.loadWebAuthnUser(s.DB, user.ID)
	if err != nil {
		return "", nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(waUser.creds))
	for _, cred := range waUser.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}

	creation, session, err := s.WebAuthn.BeginRegistration(waUser, webauthn.WithExclusions(exclusions))
	if err != nil {
		return "", nil, fmt.Errorf("beginning add-credential: %w", err)
	}

	challenge, err := s.Challenges.Begin(s.DB, models.ChallengeAddCredential, &user.ID, session, s.RP.ID, s.RP.Origin)
	if err != nil {
		return "", nil, err
	}
	return challenge.ID, creation, nil
}

// FinishAddPasskey completes the ceremony and attaches the new credential
// to the already-authenticated user. The flow must belong to that user.
func (s *PasskeyService) FinishAddPasskey(flowID string, response *protocol.ParsedCredentialCreationData, user *models.User) (*models.Credential, error) {
	var row models.Credential
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.Challenges.Validate(tx, flowID, models.ChallengeAddCredential)
		if err != nil {
			return err
		}
		if challenge.UserID == nil || *challenge.UserID != user.ID {
			return ErrFlowOwnershipMismatch
		}
		session, err := s.Challenges.Session(challenge)
		if err != nil {
			return err
		}

		waUser, err := s.loadWebAuthnUser(tx, user.ID)
		if err != nil {
			return err
		}

		cred, err := s.WebAuthn.CreateCredential(waUser, *session, response)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}

		if err := s.Challenges.Consume(tx, challenge); err != nil {
			return err
		}

		row = credentialRow(user.ID, cred)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("saving credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("passkey_added", map[string]interface{}{
		"user_id":       user.ID,
		"credential_id": row.ID,
	})
	return &row, nil
}

// ListPasskeys returns all of the user's credentials, revoked included,
// ordered by creation time.
func (s *PasskeyService) ListPasskeys(user *models.User) ([]models.Credential, error) {
	var rows []models.Credential
	if err := s.DB.Where("user_id = ?", user.ID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing passkeys: %w", err)
	}
	return rows, nil
}

// RenamePasskey trims and length-caps the label. An empty name clears the
// label. Revoked credentials cannot be renamed.
func (s *PasskeyService) RenamePasskey(user *models.User, credentialID string, name string) (*models.Credential, error) {
	var cred models.Credential
	if err := s.DB.First(&cred, "id = ? AND user_id = ?", credentialID, user.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if cred.RevokedAt != nil {
		return nil, ErrCredentialRevoked
	}

	trimmed := strings.TrimSpace(name)
	// The cap is 64 characters, not bytes; multibyte labels count per rune.
	if utf8.RuneCountInString(trimmed) > maxPasskeyNameLength {
		return nil, ErrNameTooLong
	}

	var value *string
	if trimmed != "" {
		value = &trimmed
	}
	if err := s.DB.Model(&cred).Update("name", value).Error; err != nil {
		return nil, fmt.Errorf("renaming credential: %w", err)
	}
	cred.Name = value
	return &cred, nil
}

// RevokePasskey soft-revokes one credential while enforcing the
// last-passkey invariant.
//
// The exclusive lock on the owning User row is the per-user mutex that
// serializes concurrent revocations; relational engines disallow FOR
// UPDATE combined with aggregate counting, so the aggregate root row
// stands in for the count. The surrounding transaction rolls back on any
// error, releasing the lock promptly.
func (s *PasskeyService) RevokePasskey(user *models.User, credentialID string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		// sqlite has no FOR UPDATE; its single-writer model already
		// serializes these transactions.
		lockTx := tx
		if tx.Dialector.Name() == "postgres" {
			lockTx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var locked models.User
		if err := lockTx.Select("id").First(&locked, "id = ?", user.ID).Error; err != nil {
			return fmt.Errorf("locking user row: %w", err)
		}

		var cred models.Credential
		if err := tx.First(&cred, "id = ? AND user_id = ?", credentialID, user.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCredentialNotFound
			}
			return fmt.Errorf("loading credential: %w", err)
		}
		if cred.RevokedAt != nil {
			return ErrCredentialRevoked
		}

		var active int64
		if err := tx.Model(&models.Credential{}).
			Where("user_id = ? AND revoked_at IS NULL", user.ID).
			Count(&active).Error; err != nil {
			return fmt.Errorf("counting active credentials: %w", err)
		}
		if active <= 1 {
			return ErrLastPasskey
		}

		now := s.Challenges.Now()
		if err := tx.Model(&cred).Update("revoked_at", now).Error; err != nil {
			return fmt.Errorf("revoking credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("passkey_revoked", map[string]interface{}{
		"user_id":       user.ID,
		"credential_id": credentialID,
	})
	return nil
}

// CleanupExpiredChallenges delegates to the challenge sweep.
func (s *PasskeyService) CleanupExpiredChallenges(orphanGrace time.Duration) (int64, error) {
	return s.Challenges.SweepExpired(orphanGrace)
}
