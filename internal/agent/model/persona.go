package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultWindowSize is the number of prior turns sent along with the
	// turn being answered.
	DefaultWindowSize = 10
	// DefaultTemperature keeps the persona consistent while letting phrasing vary.
	DefaultTemperature float32 = 1.0
	DefaultModel               = "openai"

	DefaultEmptyReply   = "I apologize, but I seem to have lost my train of thought. Could you rephrase your question?"
	DefaultFailureReply = "Ah, it seems we're experiencing some technical difficulties. Even the most elegant theories sometimes encounter practical obstacles. Please try again."
	DefaultGreeting     = "Buongiorno, my friend! I am Antonio Vivaldi, Il Prete Rosso, composer and virtuoso of Venice. I am delighted to share my passion for music, the art of composition, and the beauty of the Baroque. What musical curiosity brings you to me today?"
)

// Persona describes the character the assistant plays.
type Persona struct {
	Name    string
	Creator string // trigger phrase answered with the creator rule

	Greeting     string // seed turn of every conversation
	EmptyReply   string // used when the endpoint returns no candidate
	FailureReply string // appended when an exchange fails
}

// DefaultPersona returns the Venetian composer persona with the given name
// and creator overrides applied when non-empty.
func DefaultPersona(cfg PersonaConfig) Persona {
	p := Persona{
		Name:         "Antonio Vivaldi",
		Creator:      "Kregg",
		Greeting:     DefaultGreeting,
		EmptyReply:   DefaultEmptyReply,
		FailureReply: DefaultFailureReply,
	}
	if s := strings.TrimSpace(cfg.Name); s != "" {
		p.Name = s
	}
	if s := strings.TrimSpace(cfg.Creator); s != "" {
		p.Creator = s
	}
	return p
}

// GenerationConfig holds the fixed sampling parameters of every request.
type GenerationConfig struct {
	Model       string
	Temperature float32
	Private     bool
}

// DefaultGeneration returns the generation parameters for the given model.
func DefaultGeneration(model string) GenerationConfig {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return GenerationConfig{
		Model:       model,
		Temperature: DefaultTemperature,
		Private:     false,
	}
}

// Policy is the immutable configuration a conversation is constructed with.
// Independent conversations may run with different policies.
type Policy struct {
	Directive    string
	Greeting     string
	FailureReply string
	WindowSize   int
	Generation   GenerationConfig
}

// NewPolicy combines a rendered persona directive with the persona's fixed
// turns and the default window.
func NewPolicy(p Persona, directive string, gen GenerationConfig) Policy {
	return Policy{
		Directive:    directive,
		Greeting:     p.Greeting,
		FailureReply: p.FailureReply,
		WindowSize:   DefaultWindowSize,
		Generation:   gen,
	}
}

// Validate checks that the policy can seed and drive a conversation.
func (p Policy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Directive) == "" {
		errs = append(errs, errors.New("persona directive is empty"))
	}
	if strings.TrimSpace(p.Greeting) == "" {
		errs = append(errs, errors.New("seed greeting is empty"))
	}
	if strings.TrimSpace(p.FailureReply) == "" {
		errs = append(errs, errors.New("failure reply is empty"))
	}
	if p.WindowSize < 0 {
		errs = append(errs, fmt.Errorf("window size %d is negative", p.WindowSize))
	}
	if strings.TrimSpace(p.Generation.Model) == "" {
		errs = append(errs, errors.New("model identifier is empty"))
	}
	return errors.Join(errs...)
}
