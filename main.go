package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/maestro-chat/server/internal/agent/completion"
	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/observers"
	"github.com/maestro-chat/server/internal/agent/prompts"
	"github.com/maestro-chat/server/internal/agent/relay"
	"github.com/maestro-chat/server/internal/agent/session"
	"github.com/maestro-chat/server/internal/api"
	"github.com/maestro-chat/server/internal/core"
	logx "github.com/maestro-chat/server/pkg/logger"
	pkgredis "github.com/maestro-chat/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the server,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis  pkgredis.Config
	Relay  model.RelayConfig
	Server model.ServerConfig

	// LLM provider
	Completion model.CompletionConfig
	Gemini     model.GeminiConfig

	// Persona
	Persona model.PersonaConfig
}

func loadConfig(envFile string) (AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logx.Warn().Err(err).Str("file", envFile).Msg("could not load env file")
		}
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process environment config: %w", err)
	}
	return cfg, nil
}

// buildAgent renders the persona directive and wires the completion backend.
func buildAgent(ctx context.Context, cfg AppConfig) (session.Completer, model.Policy, error) {
	persona := model.DefaultPersona(cfg.Persona)

	directive, err := prompts.RenderPersonaDirective(ctx, persona, observers.NewPromptCallbacks())
	if err != nil {
		return nil, model.Policy{}, err
	}

	var (
		completer session.Completer
		modelName string
	)
	switch cfg.Completion.Backend {
	case model.BackendGemini:
		modelName = cfg.Gemini.Model
		completer, err = completion.NewGeminiClient(ctx, completion.GeminiConfig{
			APIKey:     cfg.Gemini.APIKey,
			BaseURL:    cfg.Gemini.BaseURL,
			Model:      modelName,
			Timeout:    cfg.Completion.Timeout,
			EmptyReply: persona.EmptyReply,
		}, completion.WithCallbacks(observers.NewModelCallbacks()))
	case model.BackendOpenAI, "":
		modelName = cfg.Completion.Model
		completer, err = completion.NewClient(completion.Config{
			URL:        cfg.Completion.URL,
			APIKey:     cfg.Completion.APIKey,
			Timeout:    cfg.Completion.Timeout,
			EmptyReply: persona.EmptyReply,
		}, completion.WithCallbacks(observers.NewModelCallbacks()))
	default:
		return nil, model.Policy{}, fmt.Errorf("unknown completion backend %q", cfg.Completion.Backend)
	}
	if err != nil {
		return nil, model.Policy{}, err
	}

	policy := model.NewPolicy(persona, directive, model.DefaultGeneration(modelName))
	if err := policy.Validate(); err != nil {
		return nil, model.Policy{}, err
	}
	return completer, policy, nil
}

func main() {
	envFile := pflag.String("env-file", ".env", "path of the env file to load")
	demo := pflag.Bool("demo", false, "run a scripted conversation and exit")
	pflag.Parse()

	logx.Init()
	cfg, err := loadConfig(*envFile)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to load config")
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Environment})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	completer, policy, err := buildAgent(ctx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build agent")
	}

	if *demo {
		if err := runDemo(ctx, completer, policy); err != nil {
			logx.Fatal().Err(err).Msg("demo failed")
		}
		return
	}

	if err := runServer(ctx, cfg, completer, policy); err != nil {
		logx.Fatal().Err(err).Msg("server failed")
	}
}

func runServer(ctx context.Context, cfg AppConfig, completer session.Completer, policy model.Policy) error {
	var opts []api.Option
	if cfg.Relay.Enabled {
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return fmt.Errorf("initialise redis client: %w", err)
		}
		defer rdb.Close()
		logx.Info().Str("url", cfg.Redis.URL).Dur("ttl", cfg.Relay.TTL).Msg("relay enabled")
		opts = append(opts, api.WithRelay(relay.New(rdb, cfg.Relay.TTL)))
	}

	handler := api.NewHandler(func(id string) (*session.Conversation, error) {
		return session.New(completer, policy, session.WithID(id))
	}, opts...)

	// no WriteTimeout: event streams stay open
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.NewRouter(handler),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", srv.Addr).Str("model", policy.Generation.Model).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logx.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := handler.Close(shutdownCtx); err != nil {
		logx.Warn().Err(err).Msg("exchanges still in flight at shutdown")
	}
	logx.Info().Msg("server stopped")
	return nil
}

func runDemo(ctx context.Context, completer session.Completer, policy model.Policy) error {
	conv, err := session.New(completer, policy, session.WithID("demo-conversation"))
	if err != nil {
		return err
	}

	testQueries := []struct {
		description string
		query       string
	}{
		{
			description: "Signature work",
			query:       "Tell me about the Four Seasons",
		},
		{
			description: "Creator rule",
			query:       "Who is Kregg?",
		},
		{
			description: "Follow-up relying on context",
			query:       "Which of those concertos was your favourite to perform?",
		},
	}

	fmt.Printf("%s\n", conv.Messages().Get()[0].Text)
	for i, test := range testQueries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Printf("\nTest %d: %s\n", i+1, test.description)
		fmt.Printf("Query: %q\n", test.query)

		conv.Submit(ctx, test.query)
		conv.Wait()

		msgs := conv.Messages().Get()
		fmt.Printf("Response %d: %s\n", i+1, msgs[len(msgs)-1].Text)
		if banner := conv.Error().Get(); banner != "" {
			fmt.Printf("Error: %s\n", banner)
			conv.DismissError()
		}
	}
	return nil
}
