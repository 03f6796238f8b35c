package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/voxmux/voxmux/internal/policy"
)

// validModerationCategories lists the categories the moderator knows.
var validModerationCategories = []string{
	string(policy.CategoryJailbreak),
	string(policy.CategoryViolenceThreats),
	string(policy.CategorySelfHarm),
	string(policy.CategoryHateSpeech),
	string(policy.CategoryIllegalActivity),
	string(policy.CategoryExplicitContent),
	string(policy.CategoryHarassment),
}

// validProviderNames lists known provider names per pluggable concern.
// Used by [Validate] to warn about unrecognised provider names.
var validProviderNames = map[string][]string{
	"facts.embedding_provider": {"openai", "ollama"},
	"summariser.provider":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with secrets resolved from the environment. It is a convenience
// wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], resolves
// credential references and validates the result. Useful in tests where
// configs are constructed from string literals. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	resolveSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets fills the Credential fields from the environment variables
// the config names. TTS, facts and summariser credentials inherit the
// connection credential when they name no variable of their own.
func resolveSecrets(cfg *Config) {
	cfg.Connection.Credential = lookupSecret("connection.credential_env", cfg.Connection.CredentialEnv)
	cfg.TTS.Credential = inheritSecret(cfg, "tts.credential_env", cfg.TTS.CredentialEnv)
	cfg.Facts.Credential = inheritSecret(cfg, "facts.credential_env", cfg.Facts.CredentialEnv)
	cfg.Summariser.Credential = inheritSecret(cfg, "summariser.credential_env", cfg.Summariser.CredentialEnv)
}

func lookupSecret(field, env string) string {
	if env == "" {
		return ""
	}
	v := os.Getenv(env)
	if v == "" {
		slog.Warn("credential environment variable is empty", "field", field, "env", env)
	}
	return v
}

func inheritSecret(cfg *Config, field, env string) string {
	if env == "" {
		return cfg.Connection.Credential
	}
	return lookupSecret(field, env)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Connection
	if cfg.Connection.Credential == "" {
		slog.Warn("no upstream credential resolved; provider connections will fail",
			"env", cfg.Connection.CredentialEnv)
	}

	// Arbitrator
	for _, f := range []struct {
		name string
		v    int
	}{
		{"arbitrator.min_delay_before_reflex_ms", cfg.Arbitrator.MinDelayBeforeReflexMs},
		{"arbitrator.max_reflex_duration_ms", cfg.Arbitrator.MaxReflexDurationMs},
		{"arbitrator.transition_gap_ms", cfg.Arbitrator.TransitionGapMs},
		{"arbitrator.preempt_threshold_ms", cfg.Arbitrator.PreemptThresholdMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}
	if cfg.Arbitrator.TransitionGapMs > 100 {
		slog.Warn("arbitrator.transition_gap_ms exceeds 100; the handover pause will be audible",
			"transition_gap_ms", cfg.Arbitrator.TransitionGapMs)
	}

	// Reflex
	for i, ph := range cfg.Reflex.Phrases {
		if ph.Text == "" {
			errs = append(errs, fmt.Errorf("reflex.phrases[%d].text is required", i))
		}
	}

	// Policy
	switch cfg.Policy.PIIRedactionMode {
	case "", policy.RedactionModeRedact, policy.RedactionModeFlag:
	default:
		errs = append(errs, fmt.Errorf("policy.pii_redaction_mode %q is invalid; valid values: redact, flag", cfg.Policy.PIIRedactionMode))
	}
	if t := cfg.Policy.CancelOutputThreshold; t < 0 || t > 4 {
		errs = append(errs, fmt.Errorf("policy.cancel_output_threshold %d is out of range [0, 4]", t))
	}
	for _, c := range cfg.Policy.ModerationCategories {
		if !slices.Contains(validModerationCategories, c) {
			errs = append(errs, fmt.Errorf("policy.moderation_categories value %q is unknown; valid values: %v", c, validModerationCategories))
		}
	}

	// Fallback
	if m := cfg.Fallback.Mode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("fallback.mode %q is invalid", m))
	}
	for mode, phrases := range cfg.Fallback.Phrases {
		if !mode.IsValid() {
			errs = append(errs, fmt.Errorf("fallback.phrases key %q is not a fallback mode", mode))
		}
		for i, p := range phrases {
			if p == "" {
				errs = append(errs, fmt.Errorf("fallback.phrases[%s][%d] is empty", mode, i))
			}
		}
	}

	// TTS
	if b := cfg.TTS.Backend; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("tts.backend %q is invalid; valid values: openai, elevenlabs, coqui", b))
	}
	if cfg.TTS.Backend == TTSCoqui && cfg.TTS.BaseURL == "" {
		errs = append(errs, errors.New("tts.base_url is required when tts.backend is coqui"))
	}

	// Audit
	if cfg.Audit.Enabled && cfg.Audit.DatabasePath == "" && cfg.Audit.JSONLDir == "" {
		slog.Warn("audit is enabled with no database path and no jsonl dir; events will only reach the process log")
	}

	// Session
	if cfg.Session.MaxIdleMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.max_idle_minutes must not be negative, got %d", cfg.Session.MaxIdleMinutes))
	}
	if cfg.Session.DeleteGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.delete_grace_seconds must not be negative, got %d", cfg.Session.DeleteGraceSeconds))
	}

	// Facts
	if b := cfg.Facts.Backend; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("facts.backend %q is invalid; valid values: none, static, postgres", b))
	}
	if cfg.Facts.Backend == FactsStatic && cfg.Facts.Path == "" {
		errs = append(errs, errors.New("facts.path is required when facts.backend is static"))
	}
	if cfg.Facts.Backend == FactsPostgres {
		if cfg.Facts.PostgresDSN == "" {
			errs = append(errs, errors.New("facts.postgres_dsn is required when facts.backend is postgres"))
		}
		if cfg.Facts.EmbeddingProvider == "" {
			errs = append(errs, errors.New("facts.embedding_provider is required when facts.backend is postgres"))
		}
		if cfg.Facts.EmbeddingProvider != "" && cfg.Facts.EmbeddingDimensions <= 0 {
			slog.Warn("facts.embedding_provider is configured but facts.embedding_dimensions is not set; defaulting to 1536")
		}
	}
	validateProviderName("facts.embedding_provider", cfg.Facts.EmbeddingProvider)

	// Summariser
	if cfg.Summariser.Enabled && cfg.Summariser.Provider == "" {
		errs = append(errs, errors.New("summariser.provider is required when summariser is enabled"))
	}
	validateProviderName("summariser.provider", cfg.Summariser.Provider)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [validProviderNames] list for the given field.
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	known, ok := validProviderNames[field]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", known,
	)
}
