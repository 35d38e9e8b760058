package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/maestro-chat/server/internal/agent/model"
	errx "github.com/maestro-chat/server/internal/core/error"
)

type fakeChatModel struct {
	reply       *schema.Message
	err         error
	block       bool
	gotTurns    []*schema.Message
	temperature float32
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.gotTurns = input
	if o := einomodel.GetCommonOptions(nil, opts...); o.Temperature != nil {
		f.temperature = *o.Temperature
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func TestGeminiComplete_Success(t *testing.T) {
	fake := &fakeChatModel{reply: schema.AssistantMessage("Bravissimo!", nil)}
	client := newGeminiClient(fake, GeminiConfig{Model: "gemini-2.5-flash"})

	text, err := client.Complete(context.Background(), testPayload())
	if err != nil {
		t.Fatal(err)
	}
	if text != "Bravissimo!" {
		t.Errorf("unexpected reply %q", text)
	}
	if len(fake.gotTurns) != 3 || fake.gotTurns[0].Role != schema.System {
		t.Errorf("expected the full window, got %+v", fake.gotTurns)
	}
	if fake.temperature != 1.0 {
		t.Errorf("expected temperature 1.0, got %v", fake.temperature)
	}
}

func TestGeminiComplete_EmptyReply(t *testing.T) {
	for name, reply := range map[string]*schema.Message{
		"nil":   nil,
		"blank": schema.AssistantMessage(" ", nil),
	} {
		t.Run(name, func(t *testing.T) {
			client := newGeminiClient(&fakeChatModel{reply: reply}, GeminiConfig{})
			text, err := client.Complete(context.Background(), testPayload())
			if err != nil {
				t.Fatal(err)
			}
			if text != model.DefaultEmptyReply {
				t.Errorf("expected fallback reply, got %q", text)
			}
		})
	}
}

func TestGeminiComplete_APIErrorIsServerError(t *testing.T) {
	apiErr := &genai.APIError{Code: 503, Message: "model overloaded", Status: "UNAVAILABLE"}
	fake := &fakeChatModel{err: fmt.Errorf("generate content failed: %w", apiErr)}
	client := newGeminiClient(fake, GeminiConfig{})

	_, err := client.Complete(context.Background(), testPayload())
	ce := wantKind(t, err, errx.KindServerError)
	if ce.Code != 503 {
		t.Errorf("expected code 503, got %d", ce.Code)
	}
}

func TestGeminiComplete_Timeout(t *testing.T) {
	client := newGeminiClient(&fakeChatModel{block: true}, GeminiConfig{Timeout: 30 * time.Millisecond})
	_, err := client.Complete(context.Background(), testPayload())
	wantKind(t, err, errx.KindTimeout)
}

func TestGeminiComplete_UnknownError(t *testing.T) {
	client := newGeminiClient(&fakeChatModel{err: errors.New("quota exhausted")}, GeminiConfig{})
	_, err := client.Complete(context.Background(), testPayload())
	ce := wantKind(t, err, errx.KindUnknown)
	if ce.Message() != "Connection error: quota exhausted" {
		t.Errorf("unexpected banner %q", ce.Message())
	}
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{Model: "gemini-2.5-flash"}); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
