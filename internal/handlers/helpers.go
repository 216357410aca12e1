package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/utils"
)

var validate = validator.New()

func getRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

// flowError translates challenge lifecycle and verification failures to
// HTTP responses. Shared by every ceremony finish endpoint so the four
// flow failure modes stay distinguishable to clients.
func flowError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrUnknownFlow):
		return utils.Error(c, fiber.StatusNotFound, "unknown flow")
	case errors.Is(err, services.ErrFlowKindMismatch):
		return utils.Error(c, fiber.StatusBadRequest, "flow kind mismatch")
	case errors.Is(err, services.ErrFlowConsumed):
		return utils.Error(c, fiber.StatusConflict, "flow already used")
	case errors.Is(err, services.ErrFlowExpired):
		return utils.Error(c, fiber.StatusGone, "flow expired")
	case errors.Is(err, services.ErrFlowOwnershipMismatch):
		return utils.Error(c, fiber.StatusForbidden, "flow belongs to another user")
	case errors.Is(err, services.ErrVerificationFailed),
		errors.Is(err, services.ErrUnknownCredential):
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	case errors.Is(err, services.ErrMalformedKey):
		return utils.Error(c, fiber.StatusBadRequest, "malformed device public key")
	}
	return utils.Error(c, fiber.StatusInternalServerError, "internal error")
}
