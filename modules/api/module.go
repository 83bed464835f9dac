// Package api serves the WebSocket client channel and the administrative REST API.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/modules/audit"
	"github.com/example/support-relay/modules/broadcast"
	"github.com/example/support-relay/modules/history"
	"github.com/example/support-relay/modules/relay"
	"github.com/example/support-relay/modules/session"
)

// Lifecycle is the session surface the transport drives.
type Lifecycle interface {
	Connect(connectionID string) error
	Register(ctx context.Context, connectionID string, req session.RegisterRequest) (support.Participant, error)
	Send(ctx context.Context, connectionID string, req session.SendRequest) (support.Message, error)
	DeleteMessage(ctx context.Context, connectionID, messageID, affiliationID string) (int64, error)
	DeleteStoredMessage(ctx context.Context, messageID string) (int64, error)
	ManualDisconnect(ctx context.Context, requesterID, affiliationID string) (int, error)
	AffiliationConnectionID(ctx context.Context, connectionID, affiliationID string) (string, bool, error)
	Disconnect(ctx context.Context, connectionID, reason string) (int, error)
	Stats() session.Stats
}

// QueueInspector reports outbound queue state.
type QueueInspector interface {
	Status() relay.Status
}

// PresenceView reports who is online.
type PresenceView interface {
	IsAdminOnline(ctx context.Context) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditLog lists recent lifecycle events.
type AuditLog interface {
	Entries(limit int) []audit.Entry
}

// Config holds server configuration.
type Config struct {
	Addr           string
	AllowedOrigins string
	Version        string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	RateLimit      RateLimitConfig
}

// Deps are the collaborators the API serves.
type Deps struct {
	Sessions Lifecycle
	Hub      *broadcast.Hub
	Queues   QueueInspector
	Presence PresenceView
	Store    Pinger
	Audit    AuditLog
	// Health lists the modules reported by GET /api/v1/health.
	Health map[string]mono.HealthCheckableModule
}

// Module implements the HTTP and WebSocket server using Fiber.
type Module struct {
	cfg            Config
	deps           Deps
	history        history.HistoryPort
	app            *fiber.App
	limiterStorage fiber.Storage
	startedAt      time.Time
	logger         types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.DependentModule = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates the API module.
func NewModule(cfg Config, deps Deps, logger types.Logger) *Module {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "*"
	}
	return &Module{
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *Module) Dependencies() []string {
	return []string{"history"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *Module) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "history":
		m.history = history.NewHistoryAdapter(container)
	}
}

// Start builds the Fiber app and starts listening.
func (m *Module) Start(_ context.Context) error {
	if m.history == nil {
		return fmt.Errorf("history dependency not set")
	}
	if m.cfg.RateLimit.Max > 0 && m.cfg.RateLimit.RedisAddr != "" {
		m.limiterStorage = newLimiterStorage(m.cfg.RateLimit)
	}
	m.app = m.newApp()

	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(m.cfg.Addr); err != nil {
			errCh <- err
		}
	}()

	// Wait briefly to catch immediate startup errors
	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.startedAt = time.Now()
	m.logger.Info("HTTP server started", "addr", m.cfg.Addr)
	return nil
}

// Stop stops accepting connections. Open WebSocket clients are closed by the broadcast module.
func (m *Module) Stop(ctx context.Context) error {
	if m.app != nil {
		if err := m.app.ShutdownWithContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	if m.limiterStorage != nil {
		if err := m.limiterStorage.Close(); err != nil {
			m.logger.Warn("Failed to close limiter storage", "error", err)
		}
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Health returns the health status of the module.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"addr": m.cfg.Addr,
		},
	}
}

func (m *Module) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Support Relay",
		DisableStartupMessage: true,
		UnescapePath:          true,
		ErrorHandler:          m.errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: m.cfg.AllowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	m.registerRoutes(app)
	return app
}

func (m *Module) registerRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "support-relay",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(m.handleWebSocket))

	v1 := app.Group("/api/v1")
	if m.cfg.RateLimit.Max > 0 {
		v1.Use(m.rateLimiter())
	}
	v1.Get("/messages/:affiliationId", m.getMessages)
	v1.Delete("/messages/:messageId", m.deleteMessage)
	v1.Get("/queue-status", m.queueStatus)
	v1.Get("/health", m.healthReport)
	v1.Get("/store/ping", m.storePing)
	v1.Get("/server-info", m.serverInfo)
	v1.Get("/audit", m.auditEntries)
	v1.Get("/history/cache-stats", m.cacheStats)
}

// errorHandler handles errors globally.
func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	m.logger.Error("HTTP error", "code", code, "message", message, "error", err)

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}
