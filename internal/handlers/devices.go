package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/passlane/backend/internal/middleware"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/utils"
)

type DeviceHandler struct {
	Devices *services.DeviceService
	Audit   *services.AuditService
}

func NewDeviceHandler(devices *services.DeviceService, audit *services.AuditService) *DeviceHandler {
	return &DeviceHandler{Devices: devices, Audit: audit}
}

func (h *DeviceHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	rows, err := h.Devices.ListDevices(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list devices")
	}
	if rows == nil {
		rows = []models.Device{}
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"devices": rows})
}

func (h *DeviceHandler) Revoke(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID := c.Params("id")
	err := h.Devices.RevokeDevice(user, deviceID)
	switch {
	case errors.Is(err, services.ErrDeviceNotFound):
		return utils.Error(c, fiber.StatusNotFound, "device not found")
	case errors.Is(err, services.ErrDeviceRevoked):
		return utils.Error(c, fiber.StatusConflict, "device already revoked")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to revoke device")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.device_revoked",
		ResourceType: "device",
		ResourceID:   &deviceID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "device revoked"})
}
