package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mythosmud/server/internal/auth"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/middleware"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS layer in front of the
	// upgrade; browsers send credentials on the same request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RealTimeHandler owns the transport endpoints and the command
// endpoint.
type RealTimeHandler struct {
	mgr          *connection.Manager
	svc          *realtime.Service
	validator    *auth.Validator
	writeTimeout time.Duration
}

// NewRealTimeHandler creates the real-time transport handler.
func NewRealTimeHandler(mgr *connection.Manager, svc *realtime.Service, validator *auth.Validator, writeTimeout time.Duration) *RealTimeHandler {
	return &RealTimeHandler{mgr: mgr, svc: svc, validator: validator, writeTimeout: writeTimeout}
}

// authenticate validates the token and checks it matches the player in
// the path. Transports pass the token as a query parameter because
// EventSource cannot set headers; the Authorization header works too.
func (h *RealTimeHandler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.PlayerClaims, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.BearerToken(r)
	}
	if token == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return nil, false
	}

	claims, err := h.validator.Validate(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return nil, false
	}

	if pathPlayer := chi.URLParam(r, "playerID"); pathPlayer != "" && pathPlayer != claims.PlayerID {
		http.Error(w, `{"error":"token does not match player"}`, http.StatusForbidden)
		return nil, false
	}
	return claims, true
}

func sessionID(r *http.Request) string {
	return r.URL.Query().Get("session_id")
}

// HandleWebSocket upgrades and serves a websocket game connection.
func (h *RealTimeHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	session := sessionID(r)
	if session == "" {
		http.Error(w, `{"error":"missing session_id"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.mgr.Attach(claims.PlayerID, claims.Name, claims.IsAdmin, session, connection.TransportWebSocket)
	if err != nil {
		writeAttachError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("handlers: websocket upgrade failed", "playerId", claims.PlayerID, "err", err)
		h.mgr.Detach(conn.ID, connection.CloseTransportError)
		return
	}

	connection.ServeWebSocket(h.mgr, conn, ws, h.writeTimeout, func(c *connection.Conn, data []byte) {
		h.handleInbound(r, c, claims, data)
	})
}

// HandleSSE attaches and streams a server-sent-events game connection.
func (h *RealTimeHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	session := sessionID(r)
	if session == "" {
		http.Error(w, `{"error":"missing session_id"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.mgr.Attach(claims.PlayerID, claims.Name, claims.IsAdmin, session, connection.TransportSSE)
	if err != nil {
		writeAttachError(w, err)
		return
	}

	connection.ServeSSE(h.mgr, conn, w, r)
}

// inboundFrame is the shape of every client-to-server websocket frame:
// a frame type and a type-specific data object.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleInbound parses one websocket frame and pushes any response
// back down the same connection. Frame types are command, ping and
// ack; a command frame carries the command in data.
func (h *RealTimeHandler) handleInbound(r *http.Request, c *connection.Conn, claims *auth.PlayerClaims, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.Enqueue(errorEnvelope("protocol_error", "malformed frame"))
		return
	}

	switch frame.Type {
	case "ping":
		c.Enqueue(pongEnvelope(map[string]any{"server_ts": time.Now().UTC()}))

	case "ack":
		// Delivery acknowledgment; counts as client activity.
		c.Touch()

	case "command":
		var cmd realtime.Command
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &cmd); err != nil {
				c.Enqueue(errorEnvelope("invalid_command", "malformed command payload"))
				return
			}
		}
		result, err := h.svc.HandleCommand(r.Context(), claims.PlayerID, claims.IsAdmin, cmd)
		if err != nil {
			code, _ := commandError(err)
			c.Enqueue(errorEnvelope(code, err.Error()))
			return
		}
		if cmd.Type == "ping" {
			c.Enqueue(pongEnvelope(result))
			return
		}
		c.Enqueue(resultEnvelope(cmd.Type, result))

	default:
		c.Enqueue(errorEnvelope("protocol_error", "unknown frame type"))
	}
}

// HandleCommand is the HTTP command endpoint used by SSE clients,
// which have no inbound channel of their own.
func (h *RealTimeHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	playerID := middleware.GetPlayerID(r.Context())
	admin := middleware.IsAdmin(r.Context())

	var cmd realtime.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed command payload"})
		return
	}

	result, err := h.svc.HandleCommand(r.Context(), playerID, admin, cmd)
	if err != nil {
		code, status := commandError(err)
		writeJSON(w, status, map[string]any{"error": code, "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// commandError maps a command error to a stable code and HTTP status.
func commandError(err error) (string, int) {
	switch {
	case errors.Is(err, realtime.ErrNotAuthorized):
		return "not_authorized", http.StatusForbidden
	case errors.Is(err, realtime.ErrRateLimited):
		return "rate_limited", http.StatusTooManyRequests
	case errors.Is(err, realtime.ErrUnknownCommand):
		return "unknown_command", http.StatusBadRequest
	case errors.Is(err, realtime.ErrMissingField):
		return "missing_field", http.StatusBadRequest
	case errors.Is(err, realtime.ErrEmptyMessage):
		return "empty_message", http.StatusBadRequest
	case errors.Is(err, realtime.ErrMessageTooLong):
		return "message_too_long", http.StatusBadRequest
	case errors.Is(err, realtime.ErrUnknownTarget):
		return "unknown_target", http.StatusUnprocessableEntity
	case errors.Is(err, realtime.ErrNotInWorld):
		return "not_in_world", http.StatusConflict
	case errors.Is(err, movement.ErrNoExit):
		return "no_exit", http.StatusUnprocessableEntity
	case errors.Is(err, movement.ErrUnknownRoom):
		return "unknown_room", http.StatusUnprocessableEntity
	case errors.Is(err, movement.ErrStateForbidsMovement):
		return "state_forbids_movement", http.StatusUnprocessableEntity
	case errors.Is(err, movement.ErrUnknownPlayer):
		return "not_in_world", http.StatusConflict
	case errors.Is(err, movement.ErrConcurrentMove):
		return "concurrent_move", http.StatusConflict
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func writeAttachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connection.ErrMaxConnections):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "max_connections_exceeded"})
	case errors.Is(err, connection.ErrSessionConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session_conflict"})
	case errors.Is(err, connection.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "shutting_down"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "attach_failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
