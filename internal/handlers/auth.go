package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/utils"
)

// AuthHandler serves the optional email+password capability. It is only
// constructed, and its routes only mounted, when the capability is
// enabled at startup.
type AuthHandler struct {
	Passwords *services.PasswordService
	Audit     *services.AuditService
}

func NewAuthHandler(passwords *services.PasswordService, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{Passwords: passwords, Audit: audit}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "email and password (min 8 chars) are required")
	}

	user, err := h.Passwords.RegisterUser(req.Email, req.Password)
	switch {
	case errors.Is(err, services.ErrEmailTaken):
		return utils.Error(c, fiber.StatusConflict, "email already registered")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to register")
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.registered",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"token": token, "user": user})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "email and password are required")
	}

	user, err := h.Passwords.AuthenticateUser(req.Email, req.Password)
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		return utils.Error(c, fiber.StatusUnauthorized, "invalid email or password")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to log in")
	}
	if user.DisabledAt != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid email or password")
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}

type resetRequestRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetRequest always answers 200 so the endpoint cannot be used to probe
// which emails have accounts.
func (h *AuthHandler) ResetRequest(c *fiber.Ctx) error {
	var req resetRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	if err := h.Passwords.RequestPasswordReset(req.Email); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to request reset")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if the account exists, a reset token has been sent",
	})
}

type resetConfirmRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *AuthHandler) ResetConfirm(c *fiber.Ctx) error {
	var req resetConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "token and password (min 8 chars) are required")
	}

	user, err := h.Passwords.ConfirmPasswordReset(req.Token, req.Password)
	switch {
	case errors.Is(err, services.ErrInvalidResetToken):
		return utils.Error(c, fiber.StatusBadRequest, "invalid reset token")
	case errors.Is(err, services.ErrResetTokenExpired):
		return utils.Error(c, fiber.StatusGone, "reset token expired")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to reset password")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_reset",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}
