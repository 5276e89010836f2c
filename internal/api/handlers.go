package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomchat/internal/auth"
	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/service/chat"
	"roomchat/internal/service/completion"
)

// connectionHeader lets a client name its own websocket connection so
// server-pushed replies are not echoed back to the tab that asked for them.
const connectionHeader = "X-Connection-ID"

// Completer produces the next assistant message for a conversation.
type Completer interface {
	Complete(ctx context.Context, userID int64, turns []models.Turn) (completion.Reply, error)
}

// Options carries the optional knobs of a Handler.
type Options struct {
	PublicBaseURL  string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Handler wires HTTP routes to the chat store, the completion gateway and
// the realtime hub.
type Handler struct {
	chats      *chat.Service
	auth       *auth.Service
	completion Completer
	hub        *realtime.Hub
	upgrader   websocket.Upgrader
	publicURL  string
	logger     *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chats *chat.Service, authService *auth.Service, completer Completer, hub *realtime.Hub, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chats:      chats,
		auth:       authService,
		completion: completer,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		publicURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:    logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.GET("/shared/:token", h.sharedPage)
	router.GET("/ws", h.auth.Middleware(), h.serveWS)

	api := router.Group("/api")
	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/login", h.loginUser)
	api.GET("/shared/:token", h.getSharedChat)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logoutUser)
	authed.POST("/auth/logout-all", h.logoutEverywhere)
	authed.GET("/auth/me", h.me)

	authed.POST("/chats", h.createChat)
	authed.GET("/chats", h.listChats)
	authed.GET("/chats/:id", h.getChat)
	authed.PATCH("/chats/:id", h.renameChat)
	authed.DELETE("/chats/:id", h.deleteChat)
	authed.POST("/chats/:id/messages", h.appendMessage)
	authed.DELETE("/chats/:id/messages", h.clearMessages)
	authed.POST("/chats/:id/share", h.shareChat)
	authed.POST("/chats/:id/reply", h.replyToChat)
	authed.POST("/completions", h.complete)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r credentialsRequest) credentials() auth.Credentials {
	return auth.Credentials{Username: r.Username, Password: r.Password}
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.credentials())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.credentials())
	if err != nil {
		h.writeError(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.auth.SetSessionCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"expires_at": time.Now().Add(h.auth.TokenTTL()).UTC(),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token", zap.Error(err))
		}
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutEverywhere(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		h.logger.Error("revoke user tokens", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.auth.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"rooms":       len(h.hub.Rooms()),
		"connections": h.hub.Connections(),
	})
}

// originChecker accepts handshakes without an Origin header (non-browser
// clients) and those whose origin is listed. "*" allows any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
