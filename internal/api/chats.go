package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/render"
)

type createChatRequest struct {
	Title string `json:"title"`
}

type renameChatRequest struct {
	Title string `json:"title"`
}

type messageRequest struct {
	Role        string              `json:"role"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
}

type completionRequest struct {
	Messages []struct {
		Role  string `json:"role"`
		Text  string `json:"text"`
		Image string `json:"image"`
	} `json:"messages"`
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.chats.CreateChat(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chats, err := h.chats.ListChats(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) getChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	found, err := h.chats.GetChat(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *Handler) renameChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req renameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated, err := h.chats.RenameChat(c.Request.Context(), c.Param("id"), userID, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID := c.Param("id")
	removed, err := h.chats.DeleteChat(c.Request.Context(), chatID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if removed {
		h.hub.CloseRoom(chatID)
	}
	c.JSON(http.StatusOK, gin.H{"message": "chat deleted"})
}

func (h *Handler) appendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	role, err := models.NormalizeRole(req.Role)
	if err != nil {
		h.writeError(c, err)
		return
	}
	chatID := c.Param("id")
	updated, err := h.chats.AppendMessage(c.Request.Context(), chatID, userID, models.NewMessage{
		Role:        role,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, updated)
}

func (h *Handler) clearMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	cleared, err := h.chats.ClearMessages(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleared)
}

func (h *Handler) shareChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	token, err := h.chats.ShareChat(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shareUrl": h.shareURL(c, token),
		"token":    token,
	})
}

// replyToChat asks the completion gateway for the next assistant message,
// stores it and pushes it to the chat's room.
func (h *Handler) replyToChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID := c.Param("id")
	history, err := h.chats.History(c.Request.Context(), chatID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(history) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat has no messages"})
		return
	}
	reply, err := h.completion.Complete(c.Request.Context(), userID, models.Turns(history))
	if err != nil {
		h.writeError(c, err)
		return
	}
	updated, err := h.chats.AppendMessage(c.Request.Context(), chatID, userID, models.NewMessage{
		Role: models.RoleAssistant,
		Text: reply.Text,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.fanOut(c, updated, userID)
	c.JSON(http.StatusCreated, gin.H{
		"chat":     updated,
		"reply":    reply.Text,
		"fallback": reply.Fallback,
	})
}

func (h *Handler) complete(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
		return
	}
	turns := make([]models.Turn, 0, len(req.Messages))
	for i, m := range req.Messages {
		role, err := models.NormalizeRole(m.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("messages[%d]: %v", i, err)})
			return
		}
		turns = append(turns, models.Turn{Role: role, Text: m.Text, Image: strings.TrimSpace(m.Image)})
	}
	reply, err := h.completion.Complete(c.Request.Context(), userID, turns)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if reply.Fallback {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "completion failed",
			"fallback": reply.Text,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": reply.Text})
}

func (h *Handler) getSharedChat(c *gin.Context) {
	shared, err := h.chats.GetSharedChat(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared)
}

func (h *Handler) sharedPage(c *gin.Context) {
	shared, err := h.chats.GetSharedChat(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.String(http.StatusNotFound, "shared chat not found")
			return
		}
		h.logger.Error("load shared chat", zap.Error(err))
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}
	var buf bytes.Buffer
	if err := render.SharedChat(&buf, shared); err != nil {
		h.logger.Error("render shared chat", zap.String("chat_id", shared.ID), zap.Error(err))
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}
	render.SecurityHeaders(c.Writer.Header())
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// fanOut sends the chat's newest message to every connection in its room
// except the one named by the request's connection header. Client-written
// messages are relayed by the client itself through new-message.
func (h *Handler) fanOut(c *gin.Context, updated *models.Chat, userID int64) {
	if len(updated.Messages) == 0 {
		return
	}
	last := updated.Messages[len(updated.Messages)-1]
	delivered := h.hub.Broadcast(updated.ID, realtime.EventMessageReceived, realtime.MessagePayload{
		ChatID:  updated.ID,
		UserID:  userID,
		Message: last,
	}, c.GetHeader(connectionHeader))
	if delivered > 0 {
		h.logger.Debug("message fanned out",
			zap.String("chat_id", updated.ID),
			zap.Int("subscribers", delivered),
		)
	}
}

// shareURL builds the public link for a share token, using the configured
// base URL or the host the request came in on.
func (h *Handler) shareURL(c *gin.Context, token string) string {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/shared/" + token
}
