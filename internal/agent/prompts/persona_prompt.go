package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/maestro-chat/server/internal/agent/model"
)

//go:embed template/persona_prompt.txt
var personaPrompt string

// RenderPersonaDirective renders the persona's system directive via the Eino
// prompt component. Handlers, when given, observe the render.
func RenderPersonaDirective(ctx context.Context, persona model.Persona, handlers ...einocb.Handler) (string, error) {
	if strings.TrimSpace(persona.Name) == "" {
		return "", fmt.Errorf("persona name is empty")
	}
	if strings.TrimSpace(persona.Creator) == "" {
		return "", fmt.Errorf("persona creator is empty")
	}

	if len(handlers) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      "PersonaDirective",
			Type:      "GoTemplate",
			Component: components.ComponentOfPrompt,
		}, handlers...)
	}

	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(personaPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Name":         persona.Name,
		"Creator":      persona.Creator,
		"CreatorLower": strings.ToLower(persona.Creator),
	})
	if err != nil {
		return "", fmt.Errorf("persona prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("persona prompt render: empty result")
	}
	return strings.TrimSpace(msgs[0].Content), nil
}
