package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/passlane/backend/internal/config"
	"github.com/passlane/backend/internal/database"
	"github.com/passlane/backend/internal/handlers"
	"github.com/passlane/backend/internal/middleware"
	"github.com/passlane/backend/internal/realtime"
	"github.com/passlane/backend/internal/services"
	"github.com/passlane/backend/pkg/logger"
	"github.com/passlane/backend/pkg/utils"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	challengeService := services.NewChallengeService(db, cfg.Challenge.TTL)
	passkeyService, err := services.NewPasskeyService(db, cfg.RelyingParty, challengeService)
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}
	deviceService := services.NewDeviceService(db)
	auditService := services.NewAuditService(db)
	hub := realtime.NewHub()

	passkeyHandler := handlers.NewPasskeyHandler(passkeyService, deviceService, auditService, hub)
	deviceHandler := handlers.NewDeviceHandler(deviceService, auditService)
	realtimeHandler := handlers.NewRealtimeHandler(deviceService, hub)

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

	// Password routes only exist when the capability was enabled at
	// startup; the flag is never consulted per request.
	if cfg.Auth.PasswordEnabled {
		passwordService := services.NewPasswordService(db, cfg.Auth, nil)
		authHandler := handlers.NewAuthHandler(passwordService, auditService)
		authRoutes.Post("/register", authHandler.Register)
		authRoutes.Post("/login", authHandler.Login)
		authRoutes.Post("/password-reset/request", authHandler.ResetRequest)
		authRoutes.Post("/password-reset/confirm", authHandler.ResetConfirm)
	}

	realtimeRoutes := api.Group("/realtime")
	realtimeRoutes.Get("/ws", realtimeHandler.WSUpgrade, realtimeHandler.WS())
	realtimeRoutes.Get("/events", realtimeHandler.Events)

	stopSweep := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Sweep.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := passkeyService.CleanupExpiredChallenges(cfg.Sweep.OrphanGrace); err != nil {
					logger.Error("challenge_sweep_failed", err, nil)
				}
			case <-stopSweep:
				return
			}
		}
	}()

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":             cfg.Server.Port,
		"address":          listenAddr,
		"rp_id":            cfg.RelyingParty.ID,
		"password_enabled": cfg.Auth.PasswordEnabled,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		close(stopSweep)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
