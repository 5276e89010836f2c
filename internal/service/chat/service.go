package chat

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomchat/internal/models"
)

const (
	// TitleRunes is how much of the first message becomes the chat title.
	TitleRunes     = 30
	MaxTitleRunes  = 200
	MaxMessageSize = 100_000
	shareTokenSize = 16
)

// Service is the chat store: chats, their ordered messages and share links.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	clock  atomic.Int64
}

// NewService builds a chat store on top of a migrated database.
func NewService(db *sql.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger, now: time.Now}
}

// activity returns a strictly increasing stamp used to order chat listings,
// so two mutations in the same clock tick still sort deterministically.
func (s *Service) activity(t time.Time) int64 {
	next := t.UnixNano()
	for {
		last := s.clock.Load()
		if next <= last {
			next = last + 1
		}
		if s.clock.CompareAndSwap(last, next) {
			return next
		}
	}
}

// CreateChat inserts an empty chat for the owner. An empty title falls back
// to the default one.
func (s *Service) CreateChat(ctx context.Context, ownerID int64, title string) (*models.Chat, error) {
	if ownerID <= 0 {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrValidation)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultChatTitle
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	chat := &models.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, activity, user_id, title, is_shared, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, s.activity(now), ownerID, title, false, now, now,
	)
	if err != nil {
		return nil, storageErr("create chat", err)
	}
	s.logger.Info("chat created", zap.String("chat_id", chat.ID), zap.Int64("owner_id", ownerID))
	return chat, nil
}

// ListChats returns the owner's chats without messages, most recently
// updated first.
func (s *Service) ListChats(ctx context.Context, ownerID int64) ([]models.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.title, c.is_shared, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id)
		 FROM chats c WHERE c.user_id = ? ORDER BY c.activity DESC`,
		ownerID,
	)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	chats := make([]models.ChatSummary, 0)
	for rows.Next() {
		var c models.ChatSummary
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.IsShared, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, storageErr("scan chat", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return chats, nil
}

// GetChat returns one owned chat with its ordered messages.
func (s *Service) GetChat(ctx context.Context, chatID string, ownerID int64) (*models.Chat, error) {
	return s.loadChat(ctx, s.db, `c.id = ? AND c.user_id = ?`, chatID, ownerID)
}

// GetSharedChat resolves a share token. Unknown tokens and chats whose
// sharing is off are both reported as not found.
func (s *Service) GetSharedChat(ctx context.Context, token string) (*models.Chat, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("shared chat: %w", models.ErrNotFound)
	}
	chat, err := s.loadChat(ctx, s.db, `c.share_token = ? AND c.is_shared = ?`, token, true)
	if err != nil {
		return nil, err
	}
	return chat.ReadOnly(), nil
}

// History returns the ordered messages of an owned chat.
func (s *Service) History(ctx context.Context, chatID string, ownerID int64) ([]models.Message, error) {
	chat, err := s.GetChat(ctx, chatID, ownerID)
	if err != nil {
		return nil, err
	}
	return chat.Messages, nil
}

// CanJoin reports whether userID may subscribe to the chat's realtime room.
func (s *Service) CanJoin(ctx context.Context, userID int64, chatID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ? AND user_id = ?)`, chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, storageErr("verify chat", err)
	}
	return exists, nil
}

// AppendMessage adds a message at the end of the chat. When the chat goes
// from zero to one message, its title becomes the leading runes of that
// message's text.
func (s *Service) AppendMessage(ctx context.Context, chatID string, ownerID int64, msg models.NewMessage) (*models.Chat, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("%w: encode attachments: %v", models.ErrValidation, err)
	}

	var chat *models.Chat
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()
		// the touch locks the chat row, so concurrent appends count in turn
		res, err := tx.ExecContext(ctx,
			`UPDATE chats SET activity = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			s.activity(now), now, chatID, ownerID,
		)
		if err := affectedOne(res, err, "append message"); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID,
		).Scan(&count); err != nil {
			return storageErr("count messages", err)
		}

		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (chat_id, role, text, attachments, created_at) VALUES (?, ?, ?, ?, ?)`,
			chatID, msg.Role, msg.Text, string(rawAttachments), now,
		); err != nil {
			return storageErr("insert message", err)
		}

		if title := DeriveTitle(msg.Text); count == 0 && title != "" {
			if _, err = tx.ExecContext(ctx,
				`UPDATE chats SET title = ? WHERE id = ?`, title, chatID,
			); err != nil {
				return storageErr("derive title", err)
			}
		}

		chat, err = s.loadChat(ctx, tx, `c.id = ?`, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("message appended",
		zap.String("chat_id", chatID),
		zap.String("role", string(msg.Role)),
		zap.Int("messages", len(chat.Messages)),
	)
	return chat, nil
}

// RenameChat overrides the chat title.
func (s *Service) RenameChat(ctx context.Context, chatID string, ownerID int64, title string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, activity = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, s.activity(now), now, chatID, ownerID,
	)
	if err := affectedOne(res, err, "rename chat"); err != nil {
		return nil, err
	}
	return s.GetChat(ctx, chatID, ownerID)
}

// ClearMessages empties the conversation but keeps the chat and its title.
func (s *Service) ClearMessages(ctx context.Context, chatID string, ownerID int64) (*models.Chat, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE chats SET activity = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			s.activity(now), now, chatID, ownerID,
		)
		if err := affectedOne(res, err, "clear messages"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
			return storageErr("clear messages", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat cleared", zap.String("chat_id", chatID))
	return s.GetChat(ctx, chatID, ownerID)
}

// DeleteChat removes the chat and its messages and reports whether anything
// was removed. Deleting a chat that does not exist (or is not owned) is not
// an error.
func (s *Service) DeleteChat(ctx context.Context, chatID string, ownerID int64) (bool, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE id = ? AND user_id = ?)`,
			chatID, ownerID,
		); err != nil {
			return storageErr("delete messages", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, ownerID)
		if err != nil {
			return storageErr("delete chat", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted > 0 {
		s.logger.Info("chat deleted", zap.String("chat_id", chatID), zap.Int64("owner_id", ownerID))
	}
	return deleted > 0, nil
}

// ShareChat turns sharing on and returns the chat's share token, issuing one
// only if the chat never had one.
func (s *Service) ShareChat(ctx context.Context, chatID string, ownerID int64) (string, error) {
	candidate, err := newShareToken()
	if err != nil {
		return "", storageErr("share chat", err)
	}
	var token string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		// COALESCE keeps a token issued by a concurrent call
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET share_token = COALESCE(share_token, ?), is_shared = ? WHERE id = ? AND user_id = ?`,
			candidate, true, chatID, ownerID,
		); err != nil {
			return storageErr("share chat", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT share_token FROM chats WHERE id = ? AND user_id = ?`, chatID, ownerID,
		).Scan(&token); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("share chat: %w", models.ErrNotFound)
			}
			return storageErr("lookup share token", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("chat shared", zap.String("chat_id", chatID))
	return token, nil
}

// DeriveTitle returns the automatic title for a first message: its leading
// TitleRunes runes, as typed. It is empty when that prefix is only blanks.
func DeriveTitle(text string) string {
	if utf8.RuneCountInString(text) > TitleRunes {
		text = string([]rune(text)[:TitleRunes])
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return text
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Service) loadChat(ctx context.Context, q queryer, where string, args ...any) (*models.Chat, error) {
	var (
		chat  models.Chat
		token sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT c.id, c.user_id, c.title, c.share_token, c.is_shared, c.created_at, c.updated_at FROM chats c WHERE `+where,
		args...,
	).Scan(&chat.ID, &chat.OwnerID, &chat.Title, &token, &chat.IsShared, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get chat: %w", models.ErrNotFound)
		}
		return nil, storageErr("get chat", err)
	}
	chat.ShareToken = token.String

	rows, err := q.QueryContext(ctx,
		`SELECT id, chat_id, role, text, attachments, created_at FROM messages WHERE chat_id = ? ORDER BY id ASC`,
		chat.ID,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	chat.Messages = make([]models.Message, 0)
	for rows.Next() {
		var (
			m   models.Message
			raw string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Text, &raw, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.Attachments = []models.Attachment{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &m.Attachments); err != nil {
				return nil, storageErr("decode attachments", err)
			}
		}
		chat.Messages = append(chat.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return &chat, nil
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return storageErr(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
}

func validateTitle(title string) error {
	err := validation.Validate(title,
		validation.Required,
		validation.RuneLength(1, MaxTitleRunes),
	)
	if err != nil {
		return fmt.Errorf("%w: title %v", models.ErrValidation, err)
	}
	return nil
}

func validateMessage(msg models.NewMessage) error {
	err := validation.ValidateStruct(&msg,
		validation.Field(&msg.Role, validation.Required, validation.In(models.RoleUser, models.RoleAssistant)),
		validation.Field(&msg.Text, validation.RuneLength(0, MaxMessageSize)),
		validation.Field(&msg.Attachments, validation.Each(validation.By(validateAttachment))),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("%w: message needs text or attachments", models.ErrValidation)
	}
	return nil
}

func validateAttachment(value interface{}) error {
	att, ok := value.(models.Attachment)
	if !ok {
		return errors.New("must be an attachment")
	}
	return validation.ValidateStruct(&att,
		validation.Field(&att.Type, validation.Required),
		validation.Field(&att.URL, validation.Required),
	)
}

func newShareToken() (string, error) {
	buf := make([]byte, shareTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
