package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomchat/internal/realtime"
)

// serveWS upgrades an authenticated request and blocks until the socket
// closes. Room membership is checked against the chat store on every join.
func (h *Handler) serveWS(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		h.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	conn := realtime.NewConn(ws, userID, h.logger)
	h.logger.Debug("websocket connected", zap.Int64("user_id", userID), zap.String("conn_id", conn.ID()))
	conn.Serve(c.Request.Context(), h.hub, h.chats)
}
