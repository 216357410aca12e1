package handlers

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/gofiber/fiber/v2"
	"github.com/passlane/backend/internal/middleware"
	"github.com/passlane/backend/internal/models"
	"github.com/passlane/backend/internal/realtime"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/utils"
)

type PasskeyHandler struct {
	Passkeys *services.PasskeyService
	Devices  *services.DeviceService
	Audit    *services.AuditService
	Hub      *realtime.Hub
}

func NewPasskeyHandler(passkeys *services.PasskeyService, devices *services.DeviceService, audit *services.AuditService, hub *realtime.Hub) *PasskeyHandler {
	return &PasskeyHandler{Passkeys: passkeys, Devices: devices, Audit: audit, Hub: hub}
}

// finishRequest is the shared body of every ceremony finish call. The
// device key is optional; when present the device is bound in the same
// call and its id returned alongside the user.
type finishRequest struct {
	FlowID             string          `json:"flow_id" validate:"required"`
	Credential         json.RawMessage `json:"credential" validate:"required"`
	DevicePublicKeyJWK json.RawMessage `json:"device_public_key_jwk,omitempty"`
	DeviceLabel        *string         `json:"device_label,omitempty"`
}

func parseFinishRequest(c *fiber.Ctx) (*finishRequest, error) {
	var req finishRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return nil, utils.Error(c, fiber.StatusBadRequest, "flow_id and credential are required")
	}
	return &req, nil
}

func (h *PasskeyHandler) RegisterStart(c *fiber.Ctx) error {
	flowID, options, err := h.Passkeys.StartRegistration()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"flow_id": flowID,
		"options": options,
	})
}

func (h *PasskeyHandler) RegisterFinish(c *fiber.Ctx) error {
	req, err := parseFinishRequest(c)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	user, err := h.Passkeys.FinishRegistration(req.FlowID, parsed)
	if err != nil {
		return flowError(c, err)
	}

	deviceID, err := h.Devices.RegisterDevice(user.ID, req.DevicePublicKeyJWK, req.DeviceLabel)
	if err != nil {
		return flowError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.passkey_registered",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"user_id":   user.ID,
		"device_id": deviceID,
		"role":      user.Role,
	})
}

func (h *PasskeyHandler) LoginStart(c *fiber.Ctx) error {
	flowID, options, err := h.Passkeys.StartLogin()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin login")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"flow_id": flowID,
		"options": options,
	})
}

func (h *PasskeyHandler) LoginFinish(c *fiber.Ctx) error {
	req, err := parseFinishRequest(c)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	user, err := h.Passkeys.FinishLogin(req.FlowID, parsed)
	if err != nil {
		return flowError(c, err)
	}

	deviceID, err := h.Devices.RegisterDevice(user.ID, req.DevicePublicKeyJWK, req.DeviceLabel)
	if err != nil {
		return flowError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.passkey_login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"user_id":   user.ID,
		"device_id": deviceID,
		"role":      user.Role,
	})
}

func (h *PasskeyHandler) AddStart(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	flowID, options, err := h.Passkeys.StartAddPasskey(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin add-passkey")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"flow_id": flowID,
		"options": options,
	})
}

func (h *PasskeyHandler) AddFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	req, err := parseFinishRequest(c)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	cred, err := h.Passkeys.FinishAddPasskey(req.FlowID, parsed, user)
	if err != nil {
		return flowError(c, err)
	}

	deviceID, err := h.Devices.RegisterDevice(user.ID, req.DevicePublicKeyJWK, req.DeviceLabel)
	if err != nil {
		return flowError(c, err)
	}

	h.Hub.Publish(user.ID, realtime.Event{
		Type: "passkey_added",
		Data: fiber.Map{"credential_id": cred.ID},
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.passkey_added",
		ResourceType: "credential",
		ResourceID:   &cred.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"user_id":   user.ID,
		"device_id": deviceID,
		"role":      user.Role,
	})
}

func (h *PasskeyHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	rows, err := h.Passkeys.ListPasskeys(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list passkeys")
	}
	if rows == nil {
		rows = []models.Credential{}
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"passkeys": rows})
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (h *PasskeyHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	cred, err := h.Passkeys.RenamePasskey(user, c.Params("id"), req.Name)
	switch {
	case errors.Is(err, services.ErrCredentialNotFound):
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	case errors.Is(err, services.ErrCredentialRevoked):
		return utils.Error(c, fiber.StatusConflict, "passkey is revoked")
	case errors.Is(err, services.ErrNameTooLong):
		return utils.Error(c, fiber.StatusBadRequest, "name too long")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to rename passkey")
	}

	return utils.Success(c, fiber.StatusOK, cred)
}

func (h *PasskeyHandler) Revoke(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentialID := c.Params("id")
	err := h.Passkeys.RevokePasskey(user, credentialID)
	switch {
	case errors.Is(err, services.ErrCredentialNotFound):
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	case errors.Is(err, services.ErrCredentialRevoked):
		return utils.Error(c, fiber.StatusConflict, "passkey already revoked")
	case errors.Is(err, services.ErrLastPasskey):
		return utils.ErrorCode(c, fiber.StatusConflict, "LAST_PASSKEY", "cannot revoke the last active passkey")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to revoke passkey")
	}

	h.Hub.Publish(user.ID, realtime.Event{
		Type: "passkey_revoked",
		Data: fiber.Map{"credential_id": credentialID},
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.passkey_revoked",
		ResourceType: "credential",
		ResourceID:   &credentialID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey revoked"})
}
