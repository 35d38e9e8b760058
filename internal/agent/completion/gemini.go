package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/request"
	errx "github.com/maestro-chat/server/internal/core/error"
	logx "github.com/maestro-chat/server/pkg/logger"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	EmptyReply string
}

// GeminiClient answers payloads with a Gemini chat model instead of the
// OpenAI-compatible endpoint. Failures are classified the same way.
type GeminiClient struct {
	chat       einomodel.BaseChatModel
	timeout    time.Duration
	emptyReply string
	handlers   []einocb.Handler
}

// NewGeminiClient creates the Gemini client and chat model.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, opts ...Option) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini chat model")
		return nil, fmt.Errorf("error creating Gemini chat model: %w", err)
	}

	return newGeminiClient(chatModel, cfg, opts...), nil
}

func newGeminiClient(chat einomodel.BaseChatModel, cfg GeminiConfig, opts ...Option) *GeminiClient {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	emptyReply := cfg.EmptyReply
	if strings.TrimSpace(emptyReply) == "" {
		emptyReply = model.DefaultEmptyReply
	}
	return &GeminiClient{
		chat:       chat,
		timeout:    cfg.Timeout,
		emptyReply: emptyReply,
		handlers:   o.handlers,
	}
}

// Complete generates one reply. The chat model reports its own lifecycle to
// the attached handlers.
func (g *GeminiClient) Complete(ctx context.Context, req request.Payload) (string, error) {
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      "GeminiClient",
		Type:      "Gemini",
		Component: components.ComponentOfChatModel,
	}, g.handlers...)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.chat.Generate(ctx, req.Turns(), einomodel.WithTemperature(req.Temperature))
	if err != nil {
		return "", classifyGemini(err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return g.emptyReply, nil
	}
	return out.Content, nil
}

// classifyGemini maps API status errors to ServerError before falling back
// to transport classification.
func classifyGemini(err error) *errx.CompletionError {
	if code, ok := geminiStatus(err); ok && code != 0 {
		ce := errx.NewServerError(code, err.Error())
		ce.Err = err
		return ce
	}
	return errx.Classify(err)
}

func geminiStatus(err error) (int, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := any(e).(type) {
		case genai.APIError:
			return v.Code, true
		case *genai.APIError:
			if v != nil {
				return v.Code, true
			}
		}
	}
	return 0, false
}
