package models

import "time"

// DefaultChatTitle is used when a chat is created without a title.
const DefaultChatTitle = "New chat"

// Chat is a conversation owned by one user.
type Chat struct {
	ID         string    `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	ShareToken string    `json:"share_token,omitempty"`
	IsShared   bool      `json:"is_shared"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatSummary is a chat without its message bodies, used for listings.
type ChatSummary struct {
	ID           string    `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Title        string    `json:"title"`
	IsShared     bool      `json:"is_shared"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReadOnly strips owner-only fields before a chat is served through a share link.
func (c *Chat) ReadOnly() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ShareToken = ""
	cp.OwnerID = 0
	return &cp
}
