package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB           DBConfig
	Server       ServerConfig
	RelyingParty RelyingPartyConfig
	Challenge    ChallengeConfig
	Sweep        SweepConfig
	JWT          JWTConfig
	Auth         AuthConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type ServerConfig struct {
	Port string
}

// RelyingPartyConfig is the WebAuthn relying-party binding. Every
// challenge is issued under these values and verified against them.
type RelyingPartyConfig struct {
	ID               string
	DisplayName      string
	Origin           string
	UserVerification string
	Attestation      string
}

type ChallengeConfig struct {
	TTL time.Duration
}

// SweepConfig controls the background cleanup of expired challenge rows
// and of orphaned users (accounts created at registration start that never
// finished a ceremony and hold no credentials).
type SweepConfig struct {
	Interval    time.Duration
	OrphanGrace time.Duration
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// AuthConfig resolves the optional password capability once at startup.
// When PasswordEnabled is false the password routes are never mounted.
type AuthConfig struct {
	PasswordEnabled      bool
	FirstUserIsAdmin     bool
	BootstrapAdminEmails []string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "passlane"),
			Password: getEnv("DB_PASSWORD", "passlane_secret"),
			Name:     getEnv("DB_NAME", "passlane"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		RelyingParty: RelyingPartyConfig{
			ID:               getEnv("RP_ID", "localhost"),
			DisplayName:      getEnv("RP_DISPLAY_NAME", "Passlane"),
			Origin:           getEnv("RP_ORIGIN", "http://localhost:8080"),
			UserVerification: getEnv("RP_USER_VERIFICATION", "preferred"),
			Attestation:      getEnv("RP_ATTESTATION", "none"),
		},
		Challenge: ChallengeConfig{
			TTL: getEnvAsDuration("CHALLENGE_TTL", 5*time.Minute),
		},
		Sweep: SweepConfig{
			Interval:    getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
			OrphanGrace: getEnvAsDuration("SWEEP_ORPHAN_GRACE", 24*time.Hour),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Auth: AuthConfig{
			PasswordEnabled:      getEnvAsBool("PASSWORD_AUTH_ENABLED", false),
			FirstUserIsAdmin:     getEnvAsBool("FIRST_USER_IS_ADMIN", false),
			BootstrapAdminEmails: getEnvAsList("BOOTSTRAP_ADMIN_EMAILS"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
