package conversations

import (
	"github.com/cloudwego/eino/schema"

	"github.com/maestro-chat/server/internal/agent/model"
)

// WindowBuilder selects the turns sent to the completion endpoint: the
// persona directive followed by the most recent size+1 messages. The extra
// slot is the user turn being answered, which is already part of history
// when the window is built.
type WindowBuilder struct {
	directive string
	size      int
}

func NewWindowBuilder(policy model.Policy) *WindowBuilder {
	size := policy.WindowSize
	if size < 0 {
		size = 0
	}
	return &WindowBuilder{
		directive: policy.Directive,
		size:      size,
	}
}

// Size is the number of prior turns kept besides the current one.
func (b *WindowBuilder) Size() int {
	return b.size
}

// Build returns min(len(history), size+1)+1 messages in history order,
// directive first.
func (b *WindowBuilder) Build(history []model.Message) []*schema.Message {
	recent := trimTail(history, b.size+1)

	messages := make([]*schema.Message, 0, len(recent)+1)
	messages = append(messages, schema.SystemMessage(b.directive))
	for _, msg := range recent {
		messages = append(messages, toSchema(msg))
	}
	return messages
}

// toSchema maps a turn to its transport role. Anything that is not a user
// turn was spoken by the persona.
func toSchema(msg model.Message) *schema.Message {
	if msg.IsUser() {
		return schema.UserMessage(msg.Text)
	}
	return schema.AssistantMessage(msg.Text, nil)
}

// ====================== Helper function ======================
func trimTail(messages []model.Message, maxTurns int) []model.Message {
	if len(messages) <= maxTurns {
		return messages
	}
	return messages[len(messages)-maxTurns:]
}
