package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/RichardoC/luna/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// ErrMissingToken means the service has no credential for the gateway.
var ErrMissingToken = errors.New("gateway token is not configured")

// Messages returned to the app when the gateway fails.
const (
	RateLimitedMessage = "I'm receiving too many messages right now. Please wait a moment and try again. 💜"
	UnavailableMessage = "Service temporarily unavailable. Please try again later."
	TroubleMessage     = "I'm having trouble responding right now. Please try again in a moment."
)

// The OpenAI-compatible client reports HTTP failures only in its error text.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

type Config struct {
	BaseURL      string
	Token        string
	Model        string
	SystemPrompt string
}

// Service relays a conversation to the LLM gateway with Luna's system prompt
// in front and hands back the reply as it streams.
type Service struct {
	cfg    Config
	logger *zap.Logger
	model  llms.Model
}

type Option func(*Service)

// WithModel uses m instead of building a gateway client from Config.
func WithModel(m llms.Model) Option {
	return func(s *Service) { s.model = m }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// client builds the gateway client per request so a service started without
// a token still answers, with ErrMissingToken.
func (s *Service) client() (llms.Model, error) {
	if s.model != nil {
		return s.model, nil
	}
	if s.cfg.Token == "" {
		return nil, ErrMissingToken
	}
	llm, err := openai.New(
		openai.WithToken(s.cfg.Token),
		openai.WithBaseURL(s.cfg.BaseURL),
		openai.WithModel(s.cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway client: %w", err)
	}
	return llm, nil
}

// Stream sends turns to the gateway and calls onChunk with every non-empty
// piece of the reply, in order. An error from onChunk stops the stream.
func (s *Service) Stream(ctx context.Context, turns []models.Turn, onChunk func(text string) error) error {
	llm, err := s.client()
	if err != nil {
		return err
	}

	content := s.buildMessages(turns)
	s.logger.Debug("Relaying conversation",
		zap.Int("turns", len(turns)),
		zap.String("model", s.cfg.Model))

	_, err = llm.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onChunk(string(chunk))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to generate completion: %w", err)
	}
	return nil
}

func (s *Service) buildMessages(turns []models.Turn) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(turns)+1)
	if s.cfg.SystemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, s.cfg.SystemPrompt))
	}
	for _, t := range turns {
		role := llms.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, t.Content))
	}
	return content
}

// Classify turns a Stream error into the status code and message the chat
// endpoint answers with.
func Classify(err error) (int, string) {
	if errors.Is(err, ErrMissingToken) {
		return http.StatusInternalServerError, ErrMissingToken.Error()
	}
	switch UpstreamStatus(err) {
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests, RateLimitedMessage
	case http.StatusPaymentRequired:
		return http.StatusPaymentRequired, UnavailableMessage
	default:
		return http.StatusInternalServerError, TroubleMessage
	}
}

// UpstreamStatus extracts the gateway's HTTP status from err, or 0.
func UpstreamStatus(err error) int {
	if err == nil {
		return 0
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
