package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	agentmodel "github.com/maestro-chat/server/internal/agent/model"
	logx "github.com/maestro-chat/server/pkg/logger"
)

// newModelHandler builds a typed ModelCallbackHandler that logs the windowed
// context, the reply, token usage and failures around completion calls.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input == nil {
				return ctx
			}
			ev := logx.Debug().
				Str("component", info.Name).
				Str("type", info.Type).
				Int("turns", len(input.Messages)).
				Str("user", lastUserContent(input.Messages))
			if input.Config != nil {
				ev = ev.Str("model", input.Config.Model).Float32("temperature", input.Config.Temperature)
			}
			ev.Msg("completion start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			if output == nil {
				return ctx
			}
			ev := logx.Debug().Str("component", info.Name).Str("type", info.Type)
			if output.Message != nil {
				ev = ev.Int("reply_len", len(output.Message.Content))
			}
			if u := output.TokenUsage; u != nil {
				modelName := ""
				if output.Config != nil {
					modelName = output.Config.Model
				}
				inC, outC, totalC := agentmodel.ComputeCost(u.PromptTokens, u.CompletionTokens, agentmodel.ResolvePricing(modelName))
				ev = ev.
					Int("prompt_tokens", u.PromptTokens).
					Int("completion_tokens", u.CompletionTokens).
					Int("total_tokens", u.TotalTokens).
					Float64("input_cost_usd", inC).
					Float64("output_cost_usd", outC).
					Float64("total_cost_usd", totalC)
			}
			ev.Msg("completion end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("component", info.Name).Str("type", info.Type).Msg("completion failed")
			return ctx
		},
	}
}

// NewModelCallbacks constructs a callbacks.Handler for completion lifecycle events.
func NewModelCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler()).
		Handler()
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
