package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"

	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/service"
)

const (
	Subprotocol    = "drawcast-v1"
	requestTimeout = 10 * time.Second
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
	Logger  *slog.Logger
}

func NewHandler(svc *service.Service, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service: svc,
		Hub:     hub,
		Logger:  logger.With("component", "ws"),
	}
}

// NewWsUpgrader accepts the listed origins only. With no origins configured
// the upgrader falls back to gorilla's same-host check.
func (h *Handler) NewWsUpgrader(allowedOrigins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
	}
	if len(allowedOrigins) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		}
	}
	return upgrader
}

// ServeWS handles websocket requests from the peer. The bearer token travels
// as the second subprotocol since browsers cannot set headers on upgrades.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 || strings.TrimSpace(protocolsSplit[0]) != Subprotocol {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	user, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("failed to upgrade ws connection", "error", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		h.Logger.Info("rejected ws connection", "error", authErr)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	socketId, err := uuid.NewV4()
	if err != nil {
		h.Logger.Error("failed to generate socket id", "error", err)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, user, socketId.String(), h, h.Logger)

	if !h.Hub.open(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
		)
		conn.Close()
		return
	}

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx.Done())

	// The socket id lets REST callers exclude this connection from broadcasts
	h.reply(client, responseMessage{
		Type: "connection_established",
		Data: map[string]any{"socketId": client.socketId},
	})
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sessionMessage struct {
	SessionId string `json:"sessionId"`
}

type drawMessage struct {
	SessionId string         `json:"sessionId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	// RequestId is echoed back so the client can match the response.
	RequestId uint32 `json:"requestId"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		client.logger.Info("invalid JSON", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var resp responseMessage

	switch msg.Type {
	case "load":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			client.logger.Info("invalid load data", "error", err)
			return
		}
		resp = h.handleLoad(ctx, sessionMsg)

	case "subscribe":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			client.logger.Info("invalid subscribe data", "error", err)
			return
		}
		resp = h.handleSubscribe(ctx, client, sessionMsg)

	case "unsubscribe":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			client.logger.Info("invalid unsubscribe data", "error", err)
			return
		}
		resp = h.handleUnsubscribe(ctx, client, sessionMsg)

	case "draw":
		var drawMsg drawMessage
		if err := json.Unmarshal(msg.Data, &drawMsg); err != nil {
			client.logger.Info("invalid draw data", "error", err)
			return
		}
		resp = h.handleDraw(ctx, client, drawMsg)

	case "undo", "redo":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			client.logger.Info("invalid undo/redo data", "type", msg.Type, "error", err)
			return
		}
		resp = h.handleUndoRedo(ctx, client, sessionMsg, msg.Type == "redo")

	default:
		client.logger.Info("unknown message type", "type", msg.Type)
	}

	if resp.Type != "" {
		h.reply(client, resp)
	}
}

// HandleWsClose drops the connection from every presence list it joined.
func (h *Handler) HandleWsClose(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	for sessionId := range client.presence {
		if err := h.Service.LeaveSession(ctx, sessionId, client.user); err != nil {
			client.logger.Warn("failed to leave session on close", "sessionId", sessionId, "error", err)
		}
		delete(client.presence, sessionId)
	}
}

func (h *Handler) reply(client *Client, resp responseMessage) {
	respBytes, err := json.Marshal(resp)
	if err != nil {
		client.logger.Error("error marshaling response JSON", "type", resp.Type, "error", err)
		return
	}
	client.trySend(respBytes)
}

func (h *Handler) handleLoad(ctx context.Context, sessionMsg sessionMessage) responseMessage {
	resp := responseMessage{
		Type: "load_response",
	}

	steps, err := h.Service.History(ctx, sessionMsg.SessionId)
	if err != nil {
		h.logFailure("history", sessionMsg.SessionId, err)
		resp.Data = map[string]any{"success": false, "error": clientError(err), "sessionId": sessionMsg.SessionId, "steps": []models.DrawingStep{}}
		return resp
	}

	resp.Data = map[string]any{"success": true, "sessionId": sessionMsg.SessionId, "steps": steps}
	return resp
}

func (h *Handler) handleSubscribe(ctx context.Context, client *Client, sessionMsg sessionMessage) responseMessage {
	resp := responseMessage{
		Type: "subscribe_response",
	}

	if _, joined := client.presence[sessionMsg.SessionId]; joined {
		resp.Data = map[string]any{"success": true, "sessionId": sessionMsg.SessionId}
		return resp
	}

	members, err := h.Service.JoinSession(ctx, sessionMsg.SessionId, client.user)
	if err != nil {
		h.logFailure("join session", sessionMsg.SessionId, err)
		resp.Data = map[string]any{"success": false, "error": clientError(err), "sessionId": sessionMsg.SessionId}
		return resp
	}

	// Respond only once events for the session reach this client
	if err := h.Hub.subscribe(ctx, client, sessionMsg.SessionId); err != nil {
		h.logFailure("subscribe", sessionMsg.SessionId, err)
		// The hub may still apply a subscribe that timed out here
		h.Hub.unsubscribe(client, sessionMsg.SessionId)
		leaveCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if leaveErr := h.Service.LeaveSession(leaveCtx, sessionMsg.SessionId, client.user); leaveErr != nil {
			h.logFailure("leave session", sessionMsg.SessionId, leaveErr)
		}
		resp.Data = map[string]any{"success": false, "error": clientError(err), "sessionId": sessionMsg.SessionId}
		return resp
	}
	client.presence[sessionMsg.SessionId] = struct{}{}

	resp.Data = map[string]any{"success": true, "sessionId": sessionMsg.SessionId, "members": members}

	return resp
}

func (h *Handler) handleUnsubscribe(ctx context.Context, client *Client, sessionMsg sessionMessage) responseMessage {
	resp := responseMessage{
		Type: "unsubscribe_response",
	}

	if _, joined := client.presence[sessionMsg.SessionId]; !joined {
		resp.Data = map[string]any{"success": false, "error": "not subscribed", "sessionId": sessionMsg.SessionId}
		return resp
	}

	h.Hub.unsubscribe(client, sessionMsg.SessionId)
	delete(client.presence, sessionMsg.SessionId)

	if err := h.Service.LeaveSession(ctx, sessionMsg.SessionId, client.user); err != nil {
		h.logFailure("leave session", sessionMsg.SessionId, err)
	}
	resp.Data = map[string]any{"success": true, "sessionId": sessionMsg.SessionId}

	return resp
}

func (h *Handler) handleDraw(ctx context.Context, client *Client, drawMsg drawMessage) responseMessage {
	resp := responseMessage{
		Type: "draw_response",
	}

	user := client.user
	step, err := h.Service.AppendStep(ctx, service.AppendParams{
		User:      &user,
		SessionId: drawMsg.SessionId,
		Type:      drawMsg.Type,
		Data:      drawMsg.Data,
		SocketId:  client.socketId,
	})
	if err != nil {
		h.logFailure("append step", drawMsg.SessionId, err)
		resp.Data = map[string]any{
			"success":   false,
			"error":     clientError(err),
			"sessionId": drawMsg.SessionId,
			"requestId": drawMsg.RequestId,
		}
		return resp
	}

	resp.Data = map[string]any{
		"success":   true,
		"sessionId": drawMsg.SessionId,
		"requestId": drawMsg.RequestId,
		"step":      step.Step,
	}

	return resp
}

func (h *Handler) handleUndoRedo(ctx context.Context, client *Client, sessionMsg sessionMessage, isRedo bool) responseMessage {
	resp := responseMessage{Type: "undo_response"}
	op := h.Service.Undo
	if isRedo {
		resp.Type = "redo_response"
		op = h.Service.Redo
	}

	user := client.user
	step, err := op(ctx, service.UndoRedoParams{
		User:      &user,
		SessionId: sessionMsg.SessionId,
		SocketId:  client.socketId,
	})
	if err != nil {
		h.logFailure(resp.Type, sessionMsg.SessionId, err)
		resp.Data = map[string]any{
			"success":   false,
			"error":     clientError(err),
			"sessionId": sessionMsg.SessionId,
		}
		return resp
	}

	resp.Data = map[string]any{
		"success":   true,
		"sessionId": sessionMsg.SessionId,
		"step":      step,
	}

	return resp
}

func (h *Handler) logFailure(op string, sessionId string, err error) {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) || errors.Is(err, service.ErrNothingToUndo) || errors.Is(err, service.ErrNothingToRedo) {
		h.Logger.Info(op+" rejected", "sessionId", sessionId, "error", err)
		return
	}
	h.Logger.Error(op+" failed", "sessionId", sessionId, "error", err)
}

// clientError is the message a client may see; internal failures stay in
// the logs.
func clientError(err error) string {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return validationErr.Message
	case errors.Is(err, service.ErrNothingToUndo):
		return service.ErrNothingToUndo.Error()
	case errors.Is(err, service.ErrNothingToRedo):
		return service.ErrNothingToRedo.Error()
	case errors.Is(err, errTooManySubscriptions):
		return errTooManySubscriptions.Error()
	default:
		return "internal error"
	}
}
