package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"roomchat/internal/models"
)

// RoomGuard decides whether a user may subscribe to a chat room.
type RoomGuard interface {
	CanJoin(ctx context.Context, userID int64, chatID string) (bool, error)
}

var ErrNotInRoom = errors.New("connection is not in that room")

// Session handles the inbound events of one connection. The user id comes
// from the authenticated handshake and is stamped on everything relayed.
type Session struct {
	hub    *Hub
	guard  RoomGuard
	conn   Sender
	logger *zap.Logger
}

func NewSession(hub *Hub, guard RoomGuard, conn Sender, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		hub:    hub,
		guard:  guard,
		conn:   conn,
		logger: logger.With(zap.String("conn_id", conn.ID()), zap.Int64("user_id", conn.UserID())),
	}
}

// Dispatch routes one inbound envelope. Rejected events are answered with an
// error event and the cause is returned.
func (s *Session) Dispatch(ctx context.Context, env Envelope) error {
	var err error
	switch env.Event {
	case EventJoinRoom, EventJoinChat:
		err = s.join(ctx, env.Data)
	case EventLeaveRoom:
		if chatID, ok := s.hub.Leave(s.conn.ID()); ok {
			s.logger.Debug("left room", zap.String("chat_id", chatID))
		}
	case EventTyping:
		err = s.typing(env.Data)
	case EventNewMessage:
		err = s.newMessage(env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", models.ErrValidation, env.Event)
	}
	if err != nil {
		s.reject(env.Event, err)
	}
	return err
}

func (s *Session) join(ctx context.Context, data json.RawMessage) error {
	chatID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if s.guard != nil {
		ok, err := s.guard.CanJoin(ctx, s.conn.UserID(), chatID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("join %s: %w", chatID, models.ErrNotFound)
		}
	}
	if err := s.hub.Join(s.conn.ID(), chatID); err != nil {
		return err
	}
	s.logger.Debug("joined room", zap.String("chat_id", chatID))
	s.hub.SendTo(s.conn.ID(), EventJoined, JoinedPayload{
		ChatID:       chatID,
		Members:      s.hub.RoomSize(chatID),
		ConnectionID: s.conn.ID(),
	})
	return nil
}

func (s *Session) typing(data json.RawMessage) error {
	var in TypingPayload
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: typing payload", models.ErrValidation)
	}
	if err := s.inRoom(in.ChatID); err != nil {
		return err
	}
	s.hub.Broadcast(in.ChatID, EventUserTyping, TypingPayload{
		ChatID: in.ChatID,
		UserID: s.conn.UserID(),
	}, s.conn.ID())
	return nil
}

func (s *Session) newMessage(data json.RawMessage) error {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: message payload", models.ErrValidation)
	}
	if err := s.inRoom(in.ChatID); err != nil {
		return err
	}
	role, err := models.NormalizeRole(in.Message.Role)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.Message.Text) == "" && len(in.Message.Attachments) == 0 {
		return fmt.Errorf("%w: message is empty", models.ErrValidation)
	}
	attachments := in.Message.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	s.hub.Broadcast(in.ChatID, EventMessageReceived, MessagePayload{
		ChatID: in.ChatID,
		UserID: s.conn.UserID(),
		Message: models.Message{
			ChatID:      in.ChatID,
			Role:        role,
			Text:        in.Message.Text,
			Attachments: attachments,
			CreatedAt:   time.Now().UTC(),
		},
	}, s.conn.ID())
	return nil
}

func (s *Session) inRoom(chatID string) error {
	current, ok := s.hub.Room(s.conn.ID())
	if !ok || chatID == "" || current != chatID {
		return ErrNotInRoom
	}
	return nil
}

func (s *Session) reject(event EventType, err error) {
	var msg string
	switch {
	case errors.Is(err, models.ErrNotFound):
		msg = "chat not found"
	case errors.Is(err, ErrNotInRoom):
		msg = ErrNotInRoom.Error()
	case errors.Is(err, models.ErrValidation):
		msg = err.Error()
	default:
		s.logger.Error("realtime event failed", zap.String("event", string(event)), zap.Error(err))
		msg = "internal error"
	}
	s.hub.SendTo(s.conn.ID(), EventError, ErrorPayload{Event: event, Message: msg})
}
