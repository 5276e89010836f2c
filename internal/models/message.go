package models

import (
	"fmt"
	"strings"
	"time"
)

// Role is the canonical speaker tag stored with every message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// roleBot is the display alias some clients send for the assistant.
const roleBot = "bot"

// NormalizeRole maps an ingress role string onto the canonical Role.
func NormalizeRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleUser):
		return RoleUser, nil
	case string(RoleAssistant), roleBot:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, raw)
	}
}

// Attachment references a file shown alongside a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Message is one entry of a chat's ordered conversation.
type Message struct {
	ID          int64        `json:"id"`
	ChatID      string       `json:"chat_id"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewMessage is the input of an append; Role must already be canonical.
type NewMessage struct {
	Role        Role
	Text        string
	Attachments []Attachment
}

// Turn is one message as seen by the completion gateway.
type Turn struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Turns converts stored messages into gateway turns, keeping order. The first
// image attachment of a message becomes its image.
func Turns(messages []Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		t := Turn{Role: m.Role, Text: m.Text}
		for _, att := range m.Attachments {
			if strings.HasPrefix(att.Type, "image/") && att.URL != "" {
				t.Image = att.URL
				break
			}
		}
		turns = append(turns, t)
	}
	return turns
}
