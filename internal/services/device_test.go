package services

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/passlane/backend/internal/ids"
	"github.com/passlane/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDeviceKey(t *testing.T) (*ecdsa.PrivateKey, json.RawMessage) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	jwk := jose.JSONWebKey{Key: priv.Public()}
	raw, err := jwk.MarshalJSON()
	require.NoError(t, err)
	return priv, raw
}

func mintDeviceToken(t *testing.T, priv *ecdsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func deviceClaims(userID, audience string, lifetime time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return claims
}

func createUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := models.User{}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)
	other := createUser(t, db)

	_, rawJWK := newDeviceKey(t)

	first, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)
	assert.True(t, ids.Is(ids.KindDevice, first))

	// Same key again, even from another caller, resolves to the same id.
	second, err := svc.RegisterDevice(other.ID, rawJWK, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int64
	require.NoError(t, db.Model(&models.Device{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegisterDeviceConcurrentSameKey(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	_, rawJWK := newDeviceKey(t)

	const workers = 8
	results := make(chan string, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.RegisterDevice(user.ID, rawJWK, nil)
			results <- id
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[string]bool)
	for id := range results {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "all racing callers must resolve to one device id")

	var count int64
	require.NoError(t, db.Model(&models.Device{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegisterDeviceFingerprintIgnoresOrnamentalFields(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	_, rawJWK := newDeviceKey(t)

	var decorated map[string]interface{}
	require.NoError(t, json.Unmarshal(rawJWK, &decorated))
	decorated["alg"] = "ES256"
	decorated["use"] = "sig"
	decoratedJWK, err := json.Marshal(decorated)
	require.NoError(t, err)

	first, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)
	second, err := svc.RegisterDevice(user.ID, decoratedJWK, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRegisterDeviceEmptyKey(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	id, err := svc.RegisterDevice(user.ID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = svc.RegisterDevice(user.ID, json.RawMessage("null"), nil)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRegisterDeviceMalformedKey(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	_, err := svc.RegisterDevice(user.ID, json.RawMessage(`{"kty":"EC"}`), nil)
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = svc.RegisterDevice(user.ID, json.RawMessage(`not json`), nil)
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestVerifyTokenHappyPath(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	for _, audience := range []string{AudienceHTTP, AudienceWS, AudienceSSE} {
		token := mintDeviceToken(t, priv, deviceID, deviceClaims(user.ID, audience, time.Minute))
		authCtx, err := svc.VerifyToken(token, audience)
		require.NoError(t, err, "audience %s", audience)
		assert.Equal(t, user.ID, authCtx.UserID)
		assert.Equal(t, deviceID, authCtx.DeviceID)
	}
}

func TestVerifyTokenAudienceIsolation(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	audiences := []string{AudienceHTTP, AudienceWS, AudienceSSE}
	for _, minted := range audiences {
		token := mintDeviceToken(t, priv, deviceID, deviceClaims(user.ID, minted, time.Minute))
		for _, expected := range audiences {
			_, err := svc.VerifyToken(token, expected)
			if minted == expected {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAudience, "minted %s verified as %s", minted, expected)
			}
		}
	}
}

func TestVerifyTokenMissingAudience(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	token := mintDeviceToken(t, priv, deviceID, deviceClaims(user.ID, "", time.Minute))
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrMissingAudience)
}

func TestVerifyTokenExpired(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	token := mintDeviceToken(t, priv, deviceID, deviceClaims(user.ID, AudienceHTTP, -time.Minute))
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyTokenMissingExpiry(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	// No exp claim at all; an old iat alone must not make it pass.
	claims := jwt.RegisteredClaims{
		Subject:  user.ID,
		Audience: jwt.ClaimStrings{AudienceHTTP},
		IssuedAt: jwt.NewNumericDate(time.Now().UTC().Add(-365 * 24 * time.Hour)),
	}
	token := mintDeviceToken(t, priv, deviceID, claims)
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenKeyIDErrors(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	_, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	noKid := mintDeviceToken(t, priv, "", deviceClaims(user.ID, AudienceHTTP, time.Minute))
	_, err = svc.VerifyToken(noKid, AudienceHTTP)
	assert.ErrorIs(t, err, ErrMissingKeyID)

	unknownKid := mintDeviceToken(t, priv, "daaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", deviceClaims(user.ID, AudienceHTTP, time.Minute))
	_, err = svc.VerifyToken(unknownKid, AudienceHTTP)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestVerifyTokenWrongKey(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	_, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	// Signed with a key that is not the one bound to the device.
	impostor, _ := newDeviceKey(t)
	token := mintDeviceToken(t, impostor, deviceID, deviceClaims(user.ID, AudienceHTTP, time.Minute))
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenRevokedDevice(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeDevice(user, deviceID))

	token := mintDeviceToken(t, priv, deviceID, deviceClaims(user.ID, AudienceHTTP, time.Minute))
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrDeviceRevoked)

	err = svc.RevokeDevice(user, deviceID)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestVerifyTokenUnknownSubject(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	priv, rawJWK := newDeviceKey(t)
	deviceID, err := svc.RegisterDevice(user.ID, rawJWK, nil)
	require.NoError(t, err)

	token := mintDeviceToken(t, priv, deviceID, deviceClaims("uaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", AudienceHTTP, time.Minute))
	_, err = svc.VerifyToken(token, AudienceHTTP)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRevokeDeviceNotFound(t *testing.T) {
	db := newTestDB(t)
	svc := NewDeviceService(db)
	user := createUser(t, db)

	err := svc.RevokeDevice(user, "daaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
