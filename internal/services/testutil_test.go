package services

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/passlane/backend/internal/config"
	"github.com/passlane/backend/internal/database"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/pkg/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testSetupOnce sync.Once

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "opening in-memory sqlite database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db), "migrating schema")
	return db
}

func testRPConfig() config.RelyingPartyConfig {
	return config.RelyingPartyConfig{
		ID:               "localhost",
		DisplayName:      "Passlane Test",
		Origin:           "http://localhost:8080",
		UserVerification: "preferred",
		Attestation:      "none",
	}
}

func testRelyingParty() virtualwebauthn.RelyingParty {
	rp := testRPConfig()
	return virtualwebauthn.RelyingParty{
		Name:   rp.DisplayName,
		ID:     rp.ID,
		Origin: rp.Origin,
	}
}

func newTestPasskeyService(t *testing.T, db *gorm.DB) *PasskeyService {
	t.Helper()

	challenges := NewChallengeService(db, 5*time.Minute)
	svc, err := NewPasskeyService(db, testRPConfig(), challenges)
	require.NoError(t, err, "constructing passkey service")
	return svc
}

// attestationResponse drives a virtual authenticator through the create
// ceremony and parses the result the way a transport adapter would.
func attestationResponse(t *testing.T, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, creation *protocol.CredentialCreation) *protocol.ParsedCredentialCreationData {
	t.Helper()

	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(t, err)

	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(testRelyingParty(), auth, cred, *parsedOptions)

	var ccr protocol.CredentialCreationResponse
	require.NoError(t, json.Unmarshal([]byte(attestation), &ccr))

	parsed, err := ccr.Parse()
	require.NoError(t, err)
	return parsed
}

// assertionResponse answers a get ceremony with a discoverable credential
// held by an authenticator that knows the user handle.
func assertionResponse(t *testing.T, userID string, cred virtualwebauthn.Credential, assertion *protocol.CredentialAssertion) *protocol.ParsedCredentialAssertionData {
	t.Helper()

	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(t, err)

	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	auth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(userID),
	})
	auth.AddCredential(cred)

	response := virtualwebauthn.CreateAssertionResponse(testRelyingParty(), auth, cred, *parsedOptions)

	var car protocol.CredentialAssertionResponse
	require.NoError(t, json.Unmarshal([]byte(response), &car))

	parsed, err := car.Parse()
	require.NoError(t, err)
	return parsed
}

// registerPasskey runs a full registration ceremony and returns the new
// user plus the virtual credential for later assertions.
func registerPasskey(t *testing.T, svc *PasskeyService) (*models.User, virtualwebauthn.Credential) {
	t.Helper()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	flowID, creation, err := svc.StartRegistration()
	require.NoError(t, err)

	parsed := attestationResponse(t, auth, cred, creation)
	user, err := svc.FinishRegistration(flowID, parsed)
	require.NoError(t, err)
	return user, cred
}
