package rest

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/service"
)

// SocketIdHeader names the websocket connection that should not receive the
// broadcast caused by a request.
const SocketIdHeader = "X-Socket-ID"

type Handler struct {
	Service        *service.Service
	Logger         *slog.Logger
	AllowAnonymous bool
}

func NewHandler(svc *service.Service, allowAnonymous bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	registerJSONFieldNames()
	return &Handler{
		Service:        svc,
		Logger:         logger.With("component", "rest"),
		AllowAnonymous: allowAnonymous,
	}
}

type broadcastRequest struct {
	Type      string         `json:"type" binding:"required"`
	Data      map[string]any `json:"data" binding:"required"`
	SessionId string         `json:"sessionId" binding:"required"`
	// UserId is accepted for compatibility; the author is always the
	// authenticated user.
	UserId *string `json:"userId"`
}

type sessionRequest struct {
	SessionId string `json:"sessionId" binding:"required"`
}

type stepResponse struct {
	Status string `json:"status"`
	Step   int    `json:"step"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type historyResponse struct {
	Steps []models.DrawingStep `json:"steps"`
}

func (h *Handler) HandleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if !h.bind(c, &req) {
		return
	}

	step, err := h.Service.AppendStep(c.Request.Context(), service.AppendParams{
		User:      currentUser(c),
		SessionId: req.SessionId,
		Type:      req.Type,
		Data:      req.Data,
		SocketId:  c.GetHeader(SocketIdHeader),
	})
	if err != nil {
		h.fail(c, "Failed to broadcast drawing step", err)
		return
	}

	c.JSON(http.StatusOK, stepResponse{Status: "success", Step: step.Step})
}

func (h *Handler) HandleUndo(c *gin.Context) {
	var req sessionRequest
	if !h.bind(c, &req) {
		return
	}

	step, err := h.Service.Undo(c.Request.Context(), service.UndoRedoParams{
		User:      currentUser(c),
		SessionId: req.SessionId,
		SocketId:  c.GetHeader(SocketIdHeader),
	})
	if err != nil {
		h.fail(c, "Failed to undo", err)
		return
	}

	c.JSON(http.StatusOK, stepResponse{Status: "success", Step: step})
}

func (h *Handler) HandleRedo(c *gin.Context) {
	var req sessionRequest
	if !h.bind(c, &req) {
		return
	}

	step, err := h.Service.Redo(c.Request.Context(), service.UndoRedoParams{
		User:      currentUser(c),
		SessionId: req.SessionId,
		SocketId:  c.GetHeader(SocketIdHeader),
	})
	if err != nil {
		h.fail(c, "Failed to redo", err)
		return
	}

	c.JSON(http.StatusOK, stepResponse{Status: "success", Step: step})
}

func (h *Handler) HandleHistory(c *gin.Context) {
	steps, err := h.Service.History(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		h.fail(c, "Failed to load history", err)
		return
	}
	if steps == nil {
		steps = []models.DrawingStep{}
	}

	c.JSON(http.StatusOK, historyResponse{Steps: steps})
}

type loginRequest struct {
	Provider string `json:"provider" binding:"required,oneof=github google"`
	Code     string `json:"code" binding:"required"`
}

type loginResponse struct {
	Name     string `json:"name"`
	Id       string `json:"id"`
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

func (h *Handler) HandleLogin(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}

	user, token, err := h.Service.Login(c.Request.Context(), req.Provider, req.Code)
	if err != nil {
		h.Logger.Warn("login failed", "provider", req.Provider, "error", err)
		c.JSON(http.StatusUnauthorized, errorResponse{Status: "error", Message: "login failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Name:     user.Name,
		Id:       user.Id,
		Provider: user.Provider,
		Token:    token,
	})
}

type getUserResponse struct {
	Name      string `json:"name"`
	Id        string `json:"id"`
	Email     string `json:"email"`
	Provider  string `json:"provider"`
	StepCount int    `json:"stepCount"`
}

func (h *Handler) HandleGetMe(c *gin.Context) {
	user := currentUser(c)
	c.JSON(http.StatusOK, getUserResponse{
		Name:      user.Name,
		Id:        user.Id,
		Email:     user.Email,
		Provider:  user.Provider,
		StepCount: user.StepCount,
	})
}

type deleteUserResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) HandleDeleteMe(c *gin.Context) {
	if err := h.Service.DeleteUser(c.Request.Context(), *currentUser(c)); err != nil {
		h.Logger.Error("delete user failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Message: "failed to delete user"})
		return
	}

	c.JSON(http.StatusOK, deleteUserResponse{Success: true})
}

// fail maps a service error to its response. Persistence details are logged
// and never sent to the client.
func (h *Handler) fail(c *gin.Context, message string, err error) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, validationResponse{
			Message: validationErr.Message,
			Errors:  map[string]string{validationErr.Field: validationErr.Message},
		})
	case errors.Is(err, service.ErrNothingToUndo):
		c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Message: service.ErrNothingToUndo.Error()})
	case errors.Is(err, service.ErrNothingToRedo):
		c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Message: service.ErrNothingToRedo.Error()})
	default:
		h.Logger.Error(message, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Message: message})
	}
}

const userContextKey = "user"

// Authenticate resolves the bearer token into the request's user. When
// required is false a request without a token passes through anonymously;
// a token that does not verify is always rejected.
func (h *Handler) Authenticate(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := getTokenFromAuthHeader(c.GetHeader("Authorization"))
		if token == "" && !required {
			c.Next()
			return
		}

		user, err := h.Service.AuthenticateToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, service.ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Status: "error", Message: "invalid token"})
				return
			}
			h.Logger.Error("authentication failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Status: "error", Message: "authentication failed"})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// currentUser is nil for anonymous requests.
func currentUser(c *gin.Context) *models.User {
	value, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, ok := value.(models.User)
	if !ok {
		return nil
	}
	return &user
}

func getTokenFromAuthHeader(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
}
