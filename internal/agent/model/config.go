package model

import "time"

// ================ Config ================
type CompletionConfig struct {
	Backend string        `envconfig:"COMPLETION_BACKEND" default:"openai"`
	URL     string        `envconfig:"COMPLETION_URL" default:"https://text.pollinations.ai/openai"`
	APIKey  string        `envconfig:"COMPLETION_API_KEY"`
	Model   string        `envconfig:"COMPLETION_MODEL" default:"openai"`
	Timeout time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"60s"`
}

type GeminiConfig struct {
	APIKey  string `envconfig:"GEMINI_API_KEY"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`
	Model   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
}

type PersonaConfig struct {
	Name    string `envconfig:"PERSONA_NAME" default:"Antonio Vivaldi"`
	Creator string `envconfig:"PERSONA_CREATOR" default:"Kregg"`
}

type RelayConfig struct {
	Enabled bool          `envconfig:"RELAY_ENABLED" default:"false"`
	TTL     time.Duration `envconfig:"RELAY_TTL" default:"24h"`
}

type ServerConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)
