package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/maestro-chat/server/internal/agent/model"
)

func TestRenderPersonaDirective(t *testing.T) {
	persona := model.DefaultPersona(model.PersonaConfig{})
	directive, err := RenderPersonaDirective(context.Background(), persona)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	for _, want := range []string{
		"You are Antonio Vivaldi",
		"'The Four Seasons'",
		`If someone asks about "Kregg" or "kregg"`,
	} {
		if !strings.Contains(directive, want) {
			t.Errorf("directive missing %q", want)
		}
	}
	if strings.Contains(directive, "{{") {
		t.Error("directive still contains template markers")
	}
}

func TestRenderPersonaDirective_CustomPersona(t *testing.T) {
	persona := model.DefaultPersona(model.PersonaConfig{Name: "Il Prete Rosso", Creator: "Ada"})
	directive, err := RenderPersonaDirective(context.Background(), persona)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.HasPrefix(directive, "You are Il Prete Rosso,") {
		t.Errorf("unexpected directive start: %.40s", directive)
	}
	if !strings.Contains(directive, `"Ada" or "ada"`) {
		t.Error("expected creator trigger rule for Ada")
	}
}

func TestRenderPersonaDirective_RejectsEmptyPersona(t *testing.T) {
	if _, err := RenderPersonaDirective(context.Background(), model.Persona{Creator: "x"}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := RenderPersonaDirective(context.Background(), model.Persona{Name: "x"}); err == nil {
		t.Error("expected error for empty creator")
	}
}
