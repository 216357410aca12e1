package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/logger"
	"github.com/passlane/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	currentUserKey = "currentUser"
	authContextKey = "authContext"
)

type AuthMiddleware struct {
	DB      *gorm.DB
	Devices *services.DeviceService
}

func NewAuthMiddleware(db *gorm.DB, devices *services.DeviceService) *AuthMiddleware {
	return &AuthMiddleware{DB: db, Devices: devices}
}

func CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: "http://localhost:3001,http://127.0.0.1:3001",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	})
}

func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if token == authHeader {
		return ""
	}
	return token
}

// RequireAuth protects a route with a bearer token. A device-signed token
// (audience passlane:http) is tried first, then a server-minted access
// token. Either way the current user is loaded fresh from the Users
// table; role and scopes are never trusted from token claims.
//
// Failures are logged with their specific reason but surfaced uniformly
// as 401 so the response cannot be used to probe credentials.
func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("auth_missing_bearer", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID := ""
	if authCtx, err := a.Devices.VerifyToken(token, services.AudienceHTTP); err == nil {
		userID = authCtx.UserID
		c.Locals(authContextKey, authCtx)
	} else if claims, accessErr := utils.ValidateToken(token); accessErr == nil {
		userID = claims.UserID
	} else {
		logger.Warn("auth_token_rejected", map[string]interface{}{
			"ip":     c.IP(),
			"path":   c.Path(),
			"reason": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var user models.User
	if err := a.DB.First(&user, "id = ?", userID).Error; err != nil {
		logger.Warn("auth_user_not_found", map[string]interface{}{
			"ip":      c.IP(),
			"path":    c.Path(),
			"user_id": userID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if user.DisabledAt != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	c.Locals(currentUserKey, &user)
	return c.Next()
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if user.Role != models.UserRoleAdmin {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

// GetAuthContext returns the verified device identity for the call, or
// nil when the caller authenticated with an access token instead.
func GetAuthContext(c *fiber.Ctx) *services.AuthContext {
	value := c.Locals(authContextKey)
	if value == nil {
		return nil
	}
	authCtx, ok := value.(*services.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
