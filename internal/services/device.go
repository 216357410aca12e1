package services

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/pkg/logger"
	"gorm.io/gorm"
)

// Audience values scope a device token to exactly one transport. A token
// minted for one transport never verifies on another; matching is exact,
// with no wildcard or prefix rules.
const (
	AudienceHTTP = "passlane:http"
	AudienceWS   = "passlane:ws"
	AudienceSSE  = "passlane:sse"
)

// AuthContext is the minimal authenticated identity returned by token
// verification. Authorization is never derived from it; callers load the
// User row for role and scopes.
type AuthContext struct {
	UserID   string
	DeviceID string
}

// DeviceService binds client-submitted public keys to users and verifies
// the short-lived ES256 tokens those keys sign.
type DeviceService struct {
	DB *gorm.DB

	Now func() time.Time
}

func NewDeviceService(db *gorm.DB) *DeviceService {
	return &DeviceService{
		DB:  db,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// fingerprint computes the RFC 7638 thumbprint of the submitted JWK: a
// SHA-256 over the canonical sorted serialization of only the essential
// key fields (kty, crv, x, y). Ornamental JWK fields never change it.
func fingerprint(rawJWK []byte) (string, *jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal(rawJWK, &key); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if !key.Valid() || !key.IsPublic() {
		return "", nil, ErrMalformedKey
	}
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return hex.EncodeToString(thumb), &key, nil
}

// RegisterDevice resolves key material to a stable device id. Binding is
// idempotent: the fingerprint lookup runs before any insert, so the same
// key always yields the same id no matter who submits it or when. Empty
// key material is valid and means "no device bound for this call".
func (s *DeviceService) RegisterDevice(userID string, rawJWK json.RawMessage, label *string) (string, error) {
	if len(rawJWK) == 0 || string(rawJWK) == "null" {
		return "", nil
	}

	fp, _, err := fingerprint(rawJWK)
	if err != nil {
		return "", err
	}

	var existing models.Device
	err = s.DB.First(&existing, "fingerprint = ?", fp).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("looking up device: %w", err)
	}

	device := models.Device{
		UserID:       userID,
		PublicKeyJWK: string(rawJWK),
		Fingerprint:  fp,
		Label:        label,
	}
	if err := s.DB.Create(&device).Error; err != nil {
		// Two first-time submitters of the same key can race past the
		// lookup; the loser's insert hits the fingerprint uniqueIndex.
		// Re-resolve so both callers get the same id.
		var winner models.Device
		if lookupErr := s.DB.First(&winner, "fingerprint = ?", fp).Error; lookupErr == nil {
			return winner.ID, nil
		}
		return "", fmt.Errorf("saving device: %w", err)
	}

	logger.Info("device_registered", map[string]interface{}{
		"user_id":   userID,
		"device_id": device.ID,
	})
	return device.ID, nil
}

// VerifyToken is the single verification path shared by all three
// transports. It checks, in order: the kid header, device existence and
// revocation, stored key integrity, signature and time claims, exact
// audience, and finally subject resolution.
func (s *DeviceService) VerifyToken(raw string, expectedAudience string) (*AuthContext, error) {
	var deviceID string

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(s.Now),
		jwt.WithExpirationRequired(),
	)

	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, ErrMissingKeyID
		}

		var device models.Device
		if err := s.DB.First(&device, "id = ?", kid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrUnknownDevice
			}
			return nil, fmt.Errorf("loading device: %w", err)
		}
		if device.RevokedAt != nil {
			return nil, ErrDeviceRevoked
		}

		var key jose.JSONWebKey
		if err := json.Unmarshal([]byte(device.PublicKeyJWK), &key); err != nil {
			return nil, ErrInvalidDeviceKey
		}
		publicKey, ok := key.Key.(*ecdsa.PublicKey)
		if !ok {
			return nil, ErrInvalidDeviceKey
		}

		deviceID = device.ID
		return publicKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingKeyID),
			errors.Is(err, ErrUnknownDevice),
			errors.Is(err, ErrDeviceRevoked),
			errors.Is(err, ErrInvalidDeviceKey):
			return nil, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if len(claims.Audience) == 0 {
		return nil, ErrMissingAudience
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != expectedAudience {
		return nil, ErrInvalidAudience
	}

	var user models.User
	if err := s.DB.First(&user, "id = ?", claims.Subject).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	return &AuthContext{UserID: user.ID, DeviceID: deviceID}, nil
}

// ListDevices returns the user's devices, revoked included, ordered by
// creation time.
func (s *DeviceService) ListDevices(user *models.User) ([]models.Device, error) {
	var rows []models.Device
	if err := s.DB.Where("user_id = ?", user.ID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return rows, nil
}

// RevokeDevice soft-revokes a device; its tokens fail verification from
// then on. Device rows are never deleted.
func (s *DeviceService) RevokeDevice(user *models.User, deviceID string) error {
	var device models.Device
	if err := s.DB.First(&device, "id = ? AND user_id = ?", deviceID, user.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("loading device: %w", err)
	}
	if device.RevokedAt != nil {
		return ErrDeviceRevoked
	}

	now := s.Now()
	if err := s.DB.Model(&device).Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}

	logger.Info("device_revoked", map[string]interface{}{
		"user_id":   user.ID,
		"device_id": deviceID,
	})
	return nil
}
