package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"roomchat/internal/models"
)

// EventType names a realtime event on the wire.
type EventType string

// Client to server.
const (
	EventJoinRoom   EventType = "join-room"
	EventJoinChat   EventType = "join-chat" // older clients
	EventLeaveRoom  EventType = "leave-room"
	EventTyping     EventType = "typing"
	EventNewMessage EventType = "new-message"
)

// Server to client.
const (
	EventUserTyping      EventType = "user-typing"
	EventMessageReceived EventType = "message-received"
	EventJoined          EventType = "joined"
	EventChatDeleted     EventType = "chat-deleted"
	EventError           EventType = "error"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomPayload struct {
	ChatID string `json:"chatId"`
}

// JoinedPayload confirms a join. ConnectionID is what the client sends back
// in the X-Connection-ID header so server-pushed replies it asked for are not
// echoed to it.
type JoinedPayload struct {
	ChatID       string `json:"chatId"`
	Members      int    `json:"members"`
	ConnectionID string `json:"connectionId"`
}

type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID int64  `json:"userId"`
}

// MessagePayload carries a chat message to the other subscribers of a room.
type MessagePayload struct {
	ChatID  string         `json:"chatId"`
	UserID  int64          `json:"userId"`
	Message models.Message `json:"message"`
}

type ErrorPayload struct {
	Event   EventType `json:"event,omitempty"`
	Message string    `json:"message"`
}

// inboundMessage is new-message as sent by clients; role is still raw.
type inboundMessage struct {
	ChatID  string `json:"chatId"`
	Message struct {
		Role        string              `json:"role"`
		Text        string              `json:"text"`
		Attachments []models.Attachment `json:"attachments"`
	} `json:"message"`
}

func encodeFrame(event EventType, payload any) ([]byte, error) {
	frame, err := json.Marshal(struct {
		Event EventType `json:"event"`
		Data  any       `json:"data"`
	}{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return frame, nil
}

// decodeRoom accepts both {"chatId": "..."} and a bare JSON string.
func decodeRoom(data json.RawMessage) (string, error) {
	var chatID string
	if err := json.Unmarshal(data, &chatID); err != nil {
		var payload RoomPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", fmt.Errorf("%w: room payload", models.ErrValidation)
		}
		chatID = payload.ChatID
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return "", fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}
	return chatID, nil
}
