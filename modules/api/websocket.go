package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/modules/broadcast"
	"github.com/example/support-relay/modules/relay"
	"github.com/example/support-relay/modules/session"
)

// Inbound event types.
const (
	InboundRegister          = "register"
	InboundSend              = "send"
	InboundDeleteMessage     = "delete_message"
	InboundManualDisconnect  = "manual_disconnect"
	InboundAffiliationConnID = "get_affiliation_connection_id"
	InboundReceiveMessage    = "receive_message"
	InboundHeartbeat         = "heartbeat"
)

// handleWebSocket owns one client connection from upgrade to close.
func (m *Module) handleWebSocket(c *websocket.Conn) {
	connID := uuid.New().String()
	client := broadcast.NewClient(connID, c, 0, m.logger)
	m.deps.Hub.Add(client)

	if err := m.deps.Sessions.Connect(connID); err != nil {
		m.logger.Error("Failed to open connection", "connectionID", connID, "error", err)
		m.deps.Hub.Remove(connID)
		client.Close()
		return
	}
	go client.WritePump(m.cfg.PingInterval)

	reason := "client closed"
	defer func() {
		// Out of the hub first so the presence broadcast below skips it.
		m.deps.Hub.Remove(connID)
		client.Close()
		abandoned, err := m.deps.Sessions.Disconnect(context.Background(), connID, reason)
		if err != nil {
			m.logger.Warn("Disconnect failed", "connectionID", connID, "error", err)
		}
		// The conn is pooled and reused once this handler returns.
		<-client.Stopped()
		m.logger.Info("Client disconnected", "connectionID", connID, "reason", reason, "abandoned", abandoned)
	}()

	m.logger.Info("Client connected", "connectionID", connID, "remote", c.RemoteAddr().String())
	m.deps.Hub.Send(connID, broadcast.EventConnected, "", broadcast.ConnectedPayload{ConnectionID: connID})

	_ = c.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Error("WebSocket read error", "connectionID", connID, "error", err)
				reason = "transport error"
			}
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		var env broadcast.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.sendError(connID, "", broadcast.KindInvalidRequest, "Invalid message format", "")
			continue
		}
		m.dispatch(context.Background(), connID, env)
	}
}

// dispatch handles one inbound frame. Frames from a connection are
// dispatched in arrival order, which keeps sends in submission order.
func (m *Module) dispatch(ctx context.Context, connID string, env broadcast.Envelope) {
	switch env.Type {
	case InboundRegister:
		var req session.RegisterRequest
		if !m.decode(connID, env, &req) {
			return
		}
		p, err := m.deps.Sessions.Register(ctx, connID, req)
		if err != nil {
			m.replyError(connID, env.RequestID, err, "")
			return
		}
		m.deps.Hub.Send(connID, broadcast.EventRegistered, env.RequestID, p)

	case InboundSend:
		var req session.SendRequest
		if !m.decode(connID, env, &req) {
			return
		}
		if _, err := m.deps.Sessions.Send(ctx, connID, req); err != nil {
			m.replyError(connID, env.RequestID, err, req.MessageID)
		}

	case InboundDeleteMessage:
		var req DeleteMessagePayload
		if !m.decode(connID, env, &req) {
			return
		}
		if _, err := m.deps.Sessions.DeleteMessage(ctx, connID, req.MessageID, req.AffiliationID); err != nil {
			if errors.Is(err, session.ErrNotRegistered) || errors.Is(err, session.ErrDisconnected) {
				m.replyError(connID, env.RequestID, err, req.MessageID)
				return
			}
			m.sendError(connID, env.RequestID, broadcast.KindDeleteMessageError, err.Error(), req.MessageID)
		}

	case InboundManualDisconnect:
		var req AffiliationPayload
		if !m.decode(connID, env, &req) {
			return
		}
		n, err := m.deps.Sessions.ManualDisconnect(ctx, connID, req.AffiliationID)
		if err != nil {
			m.replyError(connID, env.RequestID, err, "")
			return
		}
		m.deps.Hub.Send(connID, broadcast.EventManualDisconnected, env.RequestID, ManualDisconnectPayload{
			AffiliationID: req.AffiliationID,
			Disconnected:  n,
		})

	case InboundAffiliationConnID:
		var req AffiliationPayload
		if !m.decode(connID, env, &req) {
			return
		}
		id, ok, err := m.deps.Sessions.AffiliationConnectionID(ctx, connID, req.AffiliationID)
		if err != nil {
			m.replyError(connID, env.RequestID, err, "")
			return
		}
		resp := AffiliationConnectionPayload{AffiliationID: req.AffiliationID}
		if ok {
			resp.ConnectionID = &id
		}
		m.deps.Hub.Send(connID, broadcast.EventAffiliationConnID, env.RequestID, resp)

	case InboundReceiveMessage:
		m.logger.Debug("Delivery acknowledged by client", "connectionID", connID, "payload", string(env.Payload))

	case InboundHeartbeat:
		m.deps.Hub.Send(connID, broadcast.EventHeartbeatAck, env.RequestID, map[string]time.Time{
			"server_time": time.Now().UTC(),
		})

	default:
		m.sendError(connID, env.RequestID, broadcast.KindUnknownType, "Unknown message type: "+env.Type, "")
	}
}

func (m *Module) decode(connID string, env broadcast.Envelope, v any) bool {
	if len(env.Payload) == 0 {
		m.sendError(connID, env.RequestID, broadcast.KindInvalidRequest, env.Type+" requires a payload", "")
		return false
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		m.sendError(connID, env.RequestID, broadcast.KindInvalidRequest, "Invalid "+env.Type+" payload", "")
		return false
	}
	return true
}

func (m *Module) replyError(connID, requestID string, err error, messageID string) {
	m.sendError(connID, requestID, errorKind(err), err.Error(), messageID)
}

func (m *Module) sendError(connID, requestID, kind, message, messageID string) {
	m.deps.Hub.SendError(connID, requestID, broadcast.ErrorPayload{
		Kind:      kind,
		Message:   message,
		MessageID: messageID,
	})
}

// errorKind maps a lifecycle error onto its client-facing kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrRateLimited):
		return broadcast.KindRateLimited
	case errors.Is(err, session.ErrNotRegistered), errors.Is(err, session.ErrDisconnected),
		errors.Is(err, relay.ErrConnectionClosed):
		return broadcast.KindNotRegistered
	case errors.Is(err, support.ErrInvalidMessage):
		return broadcast.KindInvalidMessage
	case errors.Is(err, relay.ErrQueueFull):
		return broadcast.KindQueueFull
	case errors.Is(err, session.ErrInvalidRegistration), errors.Is(err, session.ErrInvalidRequest):
		return broadcast.KindInvalidRequest
	default:
		return broadcast.KindInternal
	}
}
