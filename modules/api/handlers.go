package api

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/example/support-relay/modules/history"
	"github.com/example/support-relay/modules/session"
)

const requestTimeout = 10 * time.Second

var serverFeatures = []string{
	"realtime_messaging",
	"ordered_delivery",
	"retry_with_backoff",
	"multi_admin_fanout",
	"presence_broadcast",
	"message_history",
	"history_cache",
	"media_attachments",
	"manual_disconnect",
	"rate_limiting",
	"audit_trail",
	"prometheus_metrics",
}

// getMessages handles GET /api/v1/messages/:affiliationId
func (m *Module) getMessages(c *fiber.Ctx) error {
	if m.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "history_unavailable",
			Message: "History service is not available",
		})
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 0)
	if page < 1 || limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "page must be >= 1 and limit must be >= 0",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	resp, err := m.history.Fetch(ctx, history.FetchRequest{
		AffiliationID: c.Params("affiliationId"),
		Page:          page,
		Limit:         limit,
	})
	if err != nil {
		m.logger.Error("Failed to fetch history", "affiliationID", c.Params("affiliationId"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "history_error",
			Message: "Failed to fetch messages",
		})
	}
	return c.JSON(resp)
}

// deleteMessage handles DELETE /api/v1/messages/:messageId
func (m *Module) deleteMessage(c *fiber.Ctx) error {
	messageID := strings.TrimSpace(c.Params("messageId"))

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	n, err := m.deps.Sessions.DeleteStoredMessage(ctx, messageID)
	if errors.Is(err, session.ErrInvalidRequest) {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "message id is required",
		})
	}
	if err != nil {
		m.logger.Error("Failed to delete message", "messageID", messageID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "delete_failed",
			Message: "Failed to delete message",
		})
	}
	return c.JSON(DeleteMessageResponse{
		Success:      true,
		Message:      "Message deleted successfully",
		DeletedID:    messageID,
		AffectedRows: n,
	})
}

// queueStatus handles GET /api/v1/queue-status
func (m *Module) queueStatus(c *fiber.Ctx) error {
	admin, err := m.deps.Presence.IsAdminOnline(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "presence registry unavailable")
	}
	online, err := m.deps.Presence.Count(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "presence registry unavailable")
	}

	return c.JSON(QueueStatusResponse{
		Status:          m.deps.Queues.Status(),
		ConnectionStats: m.deps.Sessions.Stats(),
		OnlineUsers:     online,
		AdminOnline:     admin,
		ServerTime:      time.Now().UTC(),
	})
}

// healthReport handles GET /api/v1/health
func (m *Module) healthReport(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:      "OK",
		Timestamp:   time.Now().UTC(),
		Connections: m.deps.Sessions.Stats(),
		Uptime:      time.Since(m.startedAt).Round(time.Second).String(),
		Modules:     make(map[string]ModuleHealth, len(m.deps.Health)),
	}
	if admin, err := m.deps.Presence.IsAdminOnline(ctx); err == nil {
		resp.AdminOnline = admin
	}
	if n, err := m.deps.Presence.Count(ctx); err == nil {
		resp.ConnectedUsers = n
	}

	names := make([]string, 0, len(m.deps.Health))
	for name := range m.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := m.deps.Health[name].Health(ctx)
		resp.Modules[name] = ModuleHealth{Healthy: h.Healthy, Message: h.Message, Details: h.Details}
		if !h.Healthy {
			resp.Status = "DEGRADED"
		}
	}

	status := fiber.StatusOK
	if resp.Status != "OK" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(resp)
}

// storePing handles GET /api/v1/store/ping
func (m *Module) storePing(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	if err := m.deps.Store.Ping(ctx); err != nil {
		m.logger.Error("Store ping failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "store_unavailable",
			Message: "Database connection failed",
		})
	}
	return c.JSON(StorePingResponse{
		Success:    true,
		Message:    "Database connection successful",
		ServerTime: time.Now().UTC(),
	})
}

// serverInfo handles GET /api/v1/server-info
func (m *Module) serverInfo(c *fiber.Ctx) error {
	return c.JSON(ServerInfoResponse{
		Version:    m.cfg.Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(m.startedAt).Round(time.Second).String(),
		Features:   serverFeatures,
	})
}

// auditEntries handles GET /api/v1/audit
func (m *Module) auditEntries(c *fiber.Ctx) error {
	if m.deps.Audit == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "audit trail unavailable")
	}
	entries := m.deps.Audit.Entries(c.QueryInt("limit", 100))
	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

// cacheStats handles GET /api/v1/history/cache-stats
func (m *Module) cacheStats(c *fiber.Ctx) error {
	if m.history == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "history service unavailable")
	}
	resp, err := m.history.CacheStats(c.UserContext())
	if err != nil {
		m.logger.Error("Failed to read cache stats", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read cache stats")
	}
	return c.JSON(resp)
}
