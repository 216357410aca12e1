package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/glebarez/sqlite"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"
	"github.com/passlane/backend/internal/config"
	"github.com/passlane/backend/internal/database"
	"github.com/passlane/backend/internal/middleware"
	"github.com/passlane/backend/internal/realtime"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/logger"
	"github.com/passlane/backend/pkg/utils"
	"gorm.io/gorm"
)

var testRP = virtualwebauthn.RelyingParty{
	Name:   "Passlane Test",
	ID:     "localhost",
	Origin: "http://localhost:8080",
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	hub      *realtime.Hub
	devices  *services.DeviceService
	passkeys *services.PasskeyService
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWithAuth(t, config.AuthConfig{})
}

func setupTestEnvWithAuth(t *testing.T, authCfg config.AuthConfig) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating schema: %v", err)
	}

	rpCfg := config.RelyingPartyConfig{
		ID:               testRP.ID,
		DisplayName:      testRP.Name,
		Origin:           testRP.Origin,
		UserVerification: "preferred",
		Attestation:      "none",
	}

	challengeService := services.NewChallengeService(db, 5*time.Minute)
	passkeyService, err := services.NewPasskeyService(db, rpCfg, challengeService)
	if err != nil {
		t.Fatalf("failed constructing passkey service: %v", err)
	}
	deviceService := services.NewDeviceService(db)
	auditService := services.NewAuditService(db)
	hub := realtime.NewHub()

	passkeyHandler := NewPasskeyHandler(passkeyService, deviceService, auditService, hub)
	deviceHandler := NewDeviceHandler(deviceService, auditService)
	realtimeHandler := NewRealtimeHandler(deviceService, hub)
	authMiddleware := middleware.NewAuthMiddleware(db, deviceService)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/passkey/register/start", passkeyHandler.RegisterStart)
	authRoutes.Post("/passkey/register/finish", passkeyHandler.RegisterFinish)
	authRoutes.Post("/passkey/login/start", passkeyHandler.LoginStart)
	authRoutes.Post("/passkey/login/finish", passkeyHandler.LoginFinish)
	authRoutes.Post("/passkey/add/start", authMiddleware.RequireAuth, passkeyHandler.AddStart)
	authRoutes.Post("/passkey/add/finish", authMiddleware.RequireAuth, passkeyHandler.AddFinish)
	authRoutes.Get("/passkeys", authMiddleware.RequireAuth, passkeyHandler.List)
	authRoutes.Put("/passkeys/:id", authMiddleware.RequireAuth, passkeyHandler.Rename)
	authRoutes.Post("/passkeys/:id/revoke", authMiddleware.RequireAuth, passkeyHandler.Revoke)
	authRoutes.Get("/devices", authMiddleware.RequireAuth, deviceHandler.List)
	authRoutes.Post("/devices/:id/revoke", authMiddleware.RequireAuth, deviceHandler.Revoke)

	if authCfg.PasswordEnabled {
		passwordService := services.NewPasswordService(db, authCfg, nil)
		authHandler := NewAuthHandler(passwordService, auditService)
		authRoutes.Post("/register", authHandler.Register)
		authRoutes.Post("/login", authHandler.Login)
		authRoutes.Post("/password-reset/request", authHandler.ResetRequest)
		authRoutes.Post("/password-reset/confirm", authHandler.ResetConfirm)
	}

	realtimeRoutes := api.Group("/realtime")
	realtimeRoutes.Get("/ws", realtimeHandler.WSUpgrade, realtimeHandler.WS())
	realtimeRoutes.Get("/events", realtimeHandler.Events)

	return &testEnv{
		app:      app,
		db:       db,
		hub:      hub,
		devices:  deviceService,
		passkeys: passkeyService,
	}
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in envelope, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// --- virtual authenticator plumbing ---

// attestationFor answers the creation options from a start call with a
// browser-shaped attestation response.
func attestationFor(t *testing.T, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, options any) json.RawMessage {
	t.Helper()

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("failed marshaling creation options: %v", err)
	}

	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("failed parsing attestation options: %v", err)
	}

	return json.RawMessage(virtualwebauthn.CreateAttestationResponse(testRP, auth, cred, *parsed))
}

// assertionFor answers the request options from a login start call with a
// discoverable-credential assertion for the given user handle.
func assertionFor(t *testing.T, userID string, cred virtualwebauthn.Credential, options any) json.RawMessage {
	t.Helper()

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("failed marshaling assertion options: %v", err)
	}

	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("failed parsing assertion options: %v", err)
	}

	auth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(userID),
	})
	auth.AddCredential(cred)

	return json.RawMessage(virtualwebauthn.CreateAssertionResponse(testRP, auth, cred, *parsed))
}

// --- device key plumbing ---

type testDevice struct {
	key *ecdsa.PrivateKey
	jwk json.RawMessage
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed generating device key: %v", err)
	}

	jwk := jose.JSONWebKey{Key: priv.Public()}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		t.Fatalf("failed marshaling device JWK: %v", err)
	}

	return &testDevice{key: priv, jwk: raw}
}

func (d *testDevice) token(t *testing.T, deviceID, userID, audience string) string {
	t.Helper()

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = deviceID

	signed, err := token.SignedString(d.key)
	if err != nil {
		t.Fatalf("failed signing device token: %v", err)
	}
	return signed
}

type registeredUser struct {
	userID   string
	deviceID string
	device   *testDevice
	auth     virtualwebauthn.Authenticator
	cred     virtualwebauthn.Credential
}

// registerViaAPI runs the register start/finish ceremony over HTTP,
// binding a fresh device key in the finish call.
func registerViaAPI(t *testing.T, env *testEnv) *registeredUser {
	t.Helper()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	device := newTestDevice(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkey/register/start", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	start := dataMap(t, decodeJSONMap(t, resp))
	flowID, _ := start["flow_id"].(string)
	if flowID == "" {
		t.Fatalf("missing flow_id in start response: %+v", start)
	}

	finishBody := map[string]any{
		"flow_id":               flowID,
		"credential":            attestationFor(t, auth, cred, start["options"]),
		"device_public_key_jwk": device.jwk,
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkey/register/finish", finishBody, nil)
	assertStatus(t, resp, http.StatusCreated)
	finish := dataMap(t, decodeJSONMap(t, resp))

	userID, _ := finish["user_id"].(string)
	deviceID, _ := finish["device_id"].(string)
	if userID == "" || deviceID == "" {
		t.Fatalf("missing user_id/device_id in finish response: %+v", finish)
	}

	return &registeredUser{
		userID:   userID,
		deviceID: deviceID,
		device:   device,
		auth:     auth,
		cred:     cred,
	}
}

func (u *registeredUser) httpToken(t *testing.T) string {
	return u.device.token(t, u.deviceID, u.userID, services.AudienceHTTP)
}
