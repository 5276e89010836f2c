package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"roomchat/internal/config"
	"roomchat/internal/models"
	"roomchat/internal/worker"
)

// Reply is what callers show to the user. When the provider failed, Text is
// the configured fallback and Fallback is set.
type Reply struct {
	Text     string `json:"text"`
	Model    string `json:"model,omitempty"`
	Fallback bool   `json:"fallback"`
}

// Runner executes a job on behalf of a user. *worker.Dispatcher satisfies it.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(ctx context.Context) error) error
}

// Service is the completion gateway: it turns a conversation into the next
// assistant message.
type Service struct {
	cfg     config.CompletionConfig
	factory ModelFactory
	runner  Runner
	logger  *zap.Logger

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewService wires the gateway. runner may be nil, in which case calls run on
// the caller's goroutine.
func NewService(cfg config.CompletionConfig, factory ModelFactory, runner Runner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		factory: factory,
		runner:  runner,
		logger:  logger,
		models:  make(map[string]model.BaseChatModel),
	}
}

// Complete generates a reply, turning provider failures into the fallback
// text. The returned error is only set when the request could not be
// scheduled at all (see worker.ErrDispatcherBusy).
func (s *Service) Complete(ctx context.Context, userID int64, turns []models.Turn) (Reply, error) {
	text, modelName, err := s.Generate(ctx, userID, turns)
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, worker.ErrDispatcherClosed) {
			return Reply{}, err
		}
		s.logger.Warn("completion failed, using fallback",
			zap.Int64("user_id", userID),
			zap.String("model", modelName),
			zap.Error(err),
		)
		return Reply{Text: s.cfg.FallbackText, Model: modelName, Fallback: true}, nil
	}
	return Reply{Text: text, Model: modelName}, nil
}

// Generate calls the provider and returns the raw outcome together with the
// model that served it.
func (s *Service) Generate(ctx context.Context, userID int64, turns []models.Turn) (string, string, error) {
	if len(turns) == 0 {
		return "", "", fmt.Errorf("%w: at least one message is required", models.ErrValidation)
	}
	modelName := s.cfg.TextModel
	if HasImage(turns) {
		modelName = s.cfg.VisionModel
	}
	input := s.buildInput(turns)

	var text string
	call := func(ctx context.Context) error {
		if s.cfg.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
			defer cancel()
		}
		chatModel, err := s.model(ctx, modelName)
		if err != nil {
			return err
		}
		start := time.Now()
		out, err := chatModel.Generate(ctx, input,
			model.WithTemperature(s.cfg.Temperature),
			model.WithMaxTokens(s.cfg.MaxTokens),
		)
		if err != nil {
			return fmt.Errorf("%w: generate: %v", models.ErrUpstream, err)
		}
		text = strings.TrimSpace(out.Content)
		if text == "" {
			return fmt.Errorf("%w: empty completion", models.ErrUpstream)
		}
		s.logger.Debug("completion",
			zap.String("model", modelName),
			zap.Int("turns", len(turns)),
			zap.Duration("latency", time.Since(start)),
		)
		return nil
	}

	var err error
	if s.runner != nil {
		err = s.runner.Do(ctx, userID, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", modelName, err
	}
	return text, modelName, nil
}

// HasImage reports whether any turn carries an image.
func HasImage(turns []models.Turn) bool {
	for _, t := range turns {
		if t.Image != "" {
			return true
		}
	}
	return false
}

func (s *Service) buildInput(turns []models.Turn) []*schema.Message {
	input := make([]*schema.Message, 0, len(turns)+1)
	if s.cfg.SystemPrompt != "" {
		input = append(input, schema.SystemMessage(s.cfg.SystemPrompt))
	}
	for _, t := range turns {
		input = append(input, s.toSchema(t))
	}
	return input
}

func (s *Service) toSchema(t models.Turn) *schema.Message {
	role := schema.User
	if t.Role == models.RoleAssistant {
		role = schema.Assistant
	}
	if t.Image == "" || role != schema.User {
		return &schema.Message{Role: role, Content: t.Text}
	}
	text := strings.TrimSpace(t.Text)
	if text == "" {
		text = s.cfg.ImagePrompt
	}
	return &schema.Message{
		Role: role,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: text},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: t.Image}},
		},
	}
}

// model returns the cached chat model for name, building it on first use.
func (s *Service) model(ctx context.Context, name string) (model.BaseChatModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[name]; ok {
		return m, nil
	}
	if s.factory == nil {
		return nil, fmt.Errorf("%w: no completion provider configured", models.ErrUpstream)
	}
	m, err := s.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: init model %s: %v", models.ErrUpstream, name, err)
	}
	s.models[name] = m
	return m, nil
}
