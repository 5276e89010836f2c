package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"roomchat/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Credentials is the register/login payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks the credential shape for registration.
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Username, validation.Required, validation.RuneLength(3, 64)),
		validation.Field(&c.Password, validation.Required, validation.RuneLength(6, 72)),
	)
}

// Register creates a user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, creds Credentials) (*models.User, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, creds.Username,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup user: %w: %v", models.ErrStorage, err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		creds.Username, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w: %v", models.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w: %v", models.ErrStorage, err)
	}
	s.logger.Info("user registered", zap.Int64("user_id", id), zap.String("username", creds.Username))
	return &models.User{ID: id, Username: creds.Username, PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login checks the credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, creds Credentials) (*models.User, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", models.ErrValidation)
	}
	user, err := s.findUser(ctx, `username = ?`, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.findUser(ctx, `id = ?`, id)
}

func (s *Service) findUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE `+where, arg,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w: %v", models.ErrStorage, err)
	}
	return &user, nil
}
