// Package config reads process configuration from STORYLINE_*
// environment variables. Subcommand flags override whatever the
// environment provides; zero values defer to the defaults of the
// component they configure.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/narrata/storyline/internal/arbiter/openaicompat"
)

// Env is the environment-derived configuration.
type Env struct {
	// Arbiter endpoint. An empty base URL falls back to the adapter's
	// local default.
	ArbiterBaseURL string        `env:"STORYLINE_ARBITER_BASE_URL"`
	ArbiterPath    string        `env:"STORYLINE_ARBITER_PATH"`
	ArbiterAPIKey  string        `env:"STORYLINE_ARBITER_API_KEY"`
	ArbiterModel   string        `env:"STORYLINE_ARBITER_MODEL" envDefault:"local-judge"`
	ArbiterTimeout time.Duration `env:"STORYLINE_ARBITER_TIMEOUT"`

	// StateDB is the sqlite session store path. Empty keeps sessions
	// in memory only.
	StateDB string `env:"STORYLINE_STATE_DB"`

	// EvalInterval overrides the story's checkpoint evaluation interval.
	EvalInterval int `env:"STORYLINE_EVAL_INTERVAL"`

	// ExcerptLines bounds the conversation excerpt shown to the arbiter.
	ExcerptLines int `env:"STORYLINE_EXCERPT_LINES"`

	// IdleEvalEvery turns on timed evaluations when set.
	IdleEvalEvery time.Duration `env:"STORYLINE_IDLE_EVAL_EVERY"`
}

// FromEnv parses the environment.
func FromEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ArbiterConfig maps the environment onto the chat completions adapter.
func (e Env) ArbiterConfig() openaicompat.Config {
	return openaicompat.Config{
		BaseURL: e.ArbiterBaseURL,
		Path:    e.ArbiterPath,
		APIKey:  e.ArbiterAPIKey,
		Model:   e.ArbiterModel,
		Timeout: e.ArbiterTimeout,
	}
}
