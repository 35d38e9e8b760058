package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/request"
	errx "github.com/maestro-chat/server/internal/core/error"
)

const (
	maxBodyBytes  = 4 << 20
	maxErrSnippet = 400
)

// Config configures the OpenAI-compatible HTTP client.
type Config struct {
	URL        string
	APIKey     string        // optional bearer token
	Timeout    time.Duration // transport deadline for one exchange
	EmptyReply string        // returned when the endpoint offers no candidate
}

// Client performs one POST per Complete call against an OpenAI-compatible
// chat completions endpoint. It never retries.
type Client struct {
	url        string
	apiKey     string
	emptyReply string
	httpClient *http.Client
	handlers   []einocb.Handler
}

// Option customises a client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	handlers   []einocb.Handler
}

// WithHTTPClient replaces the transport; its Timeout is overridden by Config.Timeout when set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCallbacks attaches Eino callback handlers observing every exchange.
func WithCallbacks(handlers ...einocb.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, handlers...) }
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("completion url is empty")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	} else {
		cp := *httpClient
		httpClient = &cp
	}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	emptyReply := cfg.EmptyReply
	if strings.TrimSpace(emptyReply) == "" {
		emptyReply = model.DefaultEmptyReply
	}

	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		emptyReply: emptyReply,
		httpClient: httpClient,
		handlers:   o.handlers,
	}, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends the payload and returns the first candidate's text. Every
// failure is returned as *errx.CompletionError.
func (c *Client) Complete(ctx context.Context, req request.Payload) (string, error) {
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      "CompletionClient",
		Type:      "OpenAICompatible",
		Component: components.ComponentOfChatModel,
	}, c.handlers...)
	cfg := &einomodel.Config{Model: req.Model, Temperature: req.Temperature}
	ctx = einocb.OnStart(ctx, &einomodel.CallbackInput{Messages: req.Turns(), Config: cfg})

	text, usage, err := c.exchange(ctx, req)
	if err != nil {
		cerr := errx.Classify(err)
		einocb.OnError(ctx, cerr)
		return "", cerr
	}

	einocb.OnEnd(ctx, &einomodel.CallbackOutput{
		Message:    schema.AssistantMessage(text, nil),
		Config:     cfg,
		TokenUsage: usage,
	})
	return text, nil
}

func (c *Client) exchange(ctx context.Context, req request.Payload) (string, *einomodel.TokenUsage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", nil, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, errx.NewServerError(resp.StatusCode, truncate(string(body), maxErrSnippet))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, errx.NewMalformedResponse(fmt.Errorf("decode completion response: %w", err))
	}

	var usage *einomodel.TokenUsage
	if parsed.Usage != nil {
		usage = &einomodel.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}

	if len(parsed.Choices) == 0 {
		return c.emptyReply, usage, nil
	}
	content := parsed.Choices[0].Message.Content
	if content == nil || strings.TrimSpace(*content) == "" {
		return c.emptyReply, usage, nil
	}
	return *content, usage, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
