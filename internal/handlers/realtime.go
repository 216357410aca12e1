package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/passlane/backend/internal/realtime"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/logger"
	"github.com/passlane/backend/pkg/utils"
	"github.com/valyala/fasthttp"
)

const (
	wsAuthContextKey = "wsAuthContext"
	wsAuthFailedKey  = "wsAuthFailed"

	sseHeartbeatInterval = 15 * time.Second
)

// RealtimeHandler serves the two live transports. Both verify a
// device-signed token with their own audience before any event flows.
type RealtimeHandler struct {
	Devices *services.DeviceService
	Hub     *realtime.Hub
}

func NewRealtimeHandler(devices *services.DeviceService, hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{Devices: devices, Hub: hub}
}

// WSUpgrade verifies the token query parameter before the protocol
// upgrade. Verification failure is recorded rather than returned: the
// handshake still completes so the connection can be closed with a
// policy-violation close code instead of an opaque HTTP error.
func (h *RealtimeHandler) WSUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	authCtx, err := h.Devices.VerifyToken(c.Query("token"), services.AudienceWS)
	if err != nil {
		logger.Warn("ws_auth_rejected", map[string]interface{}{
			"ip":     c.IP(),
			"reason": err.Error(),
		})
		c.Locals(wsAuthFailedKey, true)
		return c.Next()
	}

	c.Locals(wsAuthContextKey, authCtx)
	return c.Next()
}

func (h *RealtimeHandler) WS() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		if failed, _ := conn.Locals(wsAuthFailedKey).(bool); failed {
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
				deadline,
			)
			return
		}

		authCtx, ok := conn.Locals(wsAuthContextKey).(*services.AuthContext)
		if !ok {
			return
		}

		events, cancel := h.Hub.Subscribe(authCtx.UserID)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := conn.WriteJSON(realtime.Event{
			Type: "connected",
			Data: fiber.Map{
				"user_id":   authCtx.UserID,
				"device_id": authCtx.DeviceID,
			},
		}); err != nil {
			return
		}

		for {
			select {
			case event, open := <-events:
				if !open {
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}

func sseToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader != "" {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if token != authHeader {
			return token
		}
	}
	return c.Query("token")
}

// Events streams the user's events as server-sent events, with periodic
// comment-line heartbeats to keep intermediaries from timing the
// connection out.
func (h *RealtimeHandler) Events(c *fiber.Ctx) error {
	authCtx, err := h.Devices.VerifyToken(sseToken(c), services.AudienceSSE)
	if err != nil {
		logger.Warn("sse_auth_rejected", map[string]interface{}{
			"ip":     c.IP(),
			"reason": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	userID := authCtx.UserID
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		events, cancel := h.Hub.Subscribe(userID)
		defer cancel()

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case event, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}
