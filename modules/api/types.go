package api

import (
	"time"

	"github.com/example/support-relay/modules/relay"
	"github.com/example/support-relay/modules/session"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DeleteMessagePayload is the payload of a delete_message request.
type DeleteMessagePayload struct {
	MessageID     string `json:"message_id"`
	AffiliationID string `json:"affiliation_id"`
}

// AffiliationPayload carries an affiliation id.
type AffiliationPayload struct {
	AffiliationID string `json:"affiliation_id"`
}

// AffiliationConnectionPayload answers get_affiliation_connection_id.
// ConnectionID is null when no connection matches.
type AffiliationConnectionPayload struct {
	AffiliationID string  `json:"affiliation_id"`
	ConnectionID  *string `json:"connection_id"`
}

// ManualDisconnectPayload reports a manual disconnect.
type ManualDisconnectPayload struct {
	AffiliationID string `json:"affiliation_id"`
	Disconnected  int    `json:"disconnected"`
}

// DeleteMessageResponse is returned by DELETE /api/v1/messages/:messageId.
type DeleteMessageResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedID    string `json:"deleted_id"`
	AffectedRows int64  `json:"affected_rows"`
}

// QueueStatusResponse is returned by GET /api/v1/queue-status.
type QueueStatusResponse struct {
	relay.Status
	ConnectionStats session.Stats `json:"connection_stats"`
	OnlineUsers     int           `json:"online_users"`
	AdminOnline     bool          `json:"admin_online"`
	ServerTime      time.Time     `json:"server_time"`
}

// ModuleHealth is one module's health in the health response.
type ModuleHealth struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status         string                  `json:"status"`
	Timestamp      time.Time               `json:"timestamp"`
	AdminOnline    bool                    `json:"admin_online"`
	ConnectedUsers int                     `json:"connected_users"`
	Connections    session.Stats           `json:"connection_stats"`
	Uptime         string                  `json:"uptime"`
	Modules        map[string]ModuleHealth `json:"modules"`
}

// StorePingResponse is returned by GET /api/v1/store/ping.
type StorePingResponse struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	ServerTime time.Time `json:"server_time"`
}

// ServerInfoResponse is returned by GET /api/v1/server-info.
type ServerInfoResponse struct {
	Version    string   `json:"version"`
	GoVersion  string   `json:"go_version"`
	Platform   string   `json:"platform"`
	Arch       string   `json:"arch"`
	Goroutines int      `json:"goroutines"`
	Uptime     string   `json:"uptime"`
	Features   []string `json:"features"`
}
