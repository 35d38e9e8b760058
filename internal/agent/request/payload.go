package request

import (
	"github.com/cloudwego/eino/schema"

	"github.com/maestro-chat/server/internal/agent/model"
)

// Message is one entry of the wire payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the body sent to an OpenAI-compatible completions endpoint.
// It is built once per exchange and never modified afterwards.
type Payload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	Stream      bool      `json:"stream"`
	Private     bool      `json:"private"`
}

// Assemble converts a context window into a request payload. Streaming is
// always disabled; replies are delivered whole.
func Assemble(window []*schema.Message, gen model.GenerationConfig) Payload {
	messages := make([]Message, 0, len(window))
	for _, m := range window {
		if m == nil {
			continue
		}
		messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
	}
	return Payload{
		Model:       gen.Model,
		Messages:    messages,
		Temperature: gen.Temperature,
		Stream:      false,
		Private:     gen.Private,
	}
}

// Turns rebuilds the Eino messages of the payload for chat-model backends
// and callback observers.
func (p Payload) Turns() []*schema.Message {
	out := make([]*schema.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, &schema.Message{Role: schema.RoleType(m.Role), Content: m.Content})
	}
	return out
}
