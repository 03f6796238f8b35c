package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/lane"
	"github.com/voxmux/voxmux/internal/policy"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
connection:
  endpoint: "wss://example.com/v1/realtime"
  credential_env: VOXMUX_UPSTREAM_KEY
  model: gpt-realtime
  voice: alloy
arbitrator:
  lane_a_enabled: false
  min_delay_before_reflex_ms: 250
  max_reflex_duration_ms: 1500
  transition_gap_ms: 20
  preempt_threshold_ms: 400
reflex:
  voice: echo
  phrases:
    - text: "One sec."
      weight: 2
    - text: "Mmhmm"
      weight: 3
policy:
  enable_pii_redaction: true
  pii_redaction_mode: flag
  cancel_output_threshold: 3
  evaluate_deltas: true
  moderation_categories: [JAILBREAK, SELF_HARM]
fallback:
  mode: refuse_politely
  voice: nova
  phrases:
    refuse_politely: ["I can't help with that."]
tts:
  backend: elevenlabs
  model: eleven_flash_v2_5
audit:
  enabled: true
  database_path: /var/lib/voxmux/voxmux.db
  wal_mode: true
  jsonl_dir: /var/lib/voxmux/audit
  include_transcripts: true
  include_audio: true
session:
  max_idle_minutes: 10
  delete_grace_seconds: 2
facts:
  backend: static
  path: /etc/voxmux/facts.yaml
summariser:
  enabled: true
  provider: openai
  model: gpt-4o-mini
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Connection.Endpoint != "wss://example.com/v1/realtime" {
		t.Errorf("endpoint: got %q", cfg.Connection.Endpoint)
	}
	if cfg.Connection.CredentialEnv != "VOXMUX_UPSTREAM_KEY" {
		t.Errorf("credential_env: got %q", cfg.Connection.CredentialEnv)
	}
	if cfg.Arbitrator.LaneAEnabled {
		t.Error("lane_a_enabled should be false")
	}
	if cfg.Arbitrator.MinDelayBeforeReflexMs != 250 {
		t.Errorf("min_delay_before_reflex_ms: got %d, want 250", cfg.Arbitrator.MinDelayBeforeReflexMs)
	}
	if len(cfg.Reflex.Phrases) != 2 || cfg.Reflex.Phrases[0] != (lane.WeightedPhrase{Text: "One sec.", Weight: 2}) {
		t.Errorf("reflex.phrases: got %+v", cfg.Reflex.Phrases)
	}
	if cfg.Policy.PIIRedactionMode != policy.RedactionModeFlag {
		t.Errorf("pii_redaction_mode: got %q, want flag", cfg.Policy.PIIRedactionMode)
	}
	if cfg.Policy.CancelOutputThreshold != 3 {
		t.Errorf("cancel_output_threshold: got %d, want 3", cfg.Policy.CancelOutputThreshold)
	}
	if !cfg.Policy.EvaluateDeltas {
		t.Error("evaluate_deltas should be true")
	}
	if len(cfg.Policy.ModerationCategories) != 2 {
		t.Errorf("moderation_categories: got %v", cfg.Policy.ModerationCategories)
	}
	if cfg.Fallback.Mode != lane.ModeRefusePolitely {
		t.Errorf("fallback.mode: got %q, want refuse_politely", cfg.Fallback.Mode)
	}
	if got := cfg.Fallback.Phrases[lane.ModeRefusePolitely]; len(got) != 1 || got[0] != "I can't help with that." {
		t.Errorf("fallback.phrases: got %v", got)
	}
	if cfg.TTS.Backend != config.TTSElevenLabs || cfg.TTS.Model != "eleven_flash_v2_5" {
		t.Errorf("tts: got %+v", cfg.TTS)
	}
	if !cfg.Audit.IncludeTranscripts || !cfg.Audit.IncludeAudio {
		t.Error("audit include flags should be true")
	}
	if cfg.Audit.IncludeTranscriptDeltas {
		t.Error("include_transcript_deltas should keep its false default")
	}
	if cfg.Session.MaxIdleMinutes != 10 || cfg.Session.DeleteGraceSeconds != 2 {
		t.Errorf("session: got %+v", cfg.Session)
	}
	if cfg.Facts.Backend != config.FactsStatic || cfg.Facts.Path != "/etc/voxmux/facts.yaml" {
		t.Errorf("facts: got %+v", cfg.Facts)
	}
	if !cfg.Summariser.Enabled || cfg.Summariser.Provider != "openai" {
		t.Errorf("summariser: got %+v", cfg.Summariser)
	}
}

func TestLoadFromReader_EmptyInputYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := config.Default()
	if cfg.Server.ListenAddr != want.Server.ListenAddr {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, want.Server.ListenAddr)
	}
	if cfg.Arbitrator != want.Arbitrator {
		t.Errorf("arbitrator: got %+v, want %+v", cfg.Arbitrator, want.Arbitrator)
	}
	if cfg.Session != want.Session {
		t.Errorf("session: got %+v, want %+v", cfg.Session, want.Session)
	}
}

func TestLoadFromReader_PartialInputKeepsDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
policy:
  evaluate_deltas: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Policy.EvaluateDeltas {
		t.Error("evaluate_deltas should be true")
	}
	if cfg.Policy.CancelOutputThreshold != 4 {
		t.Errorf("cancel_output_threshold should keep default 4, got %d", cfg.Policy.CancelOutputThreshold)
	}
	if !cfg.Arbitrator.LaneAEnabled {
		t.Error("lane_a_enabled should keep default true")
	}
	if cfg.Arbitrator.MinDelayBeforeReflexMs != 100 {
		t.Errorf("min_delay_before_reflex_ms should keep default 100, got %d", cfg.Arbitrator.MinDelayBeforeReflexMs)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
arbitrator:
  lane_a_enabled: true
  reflex_delay_ms: 100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "reflex_delay_ms") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_ResolvesCredentials(t *testing.T) {
	t.Setenv("VOXMUX_TEST_UPSTREAM_KEY", "sk-upstream")
	t.Setenv("VOXMUX_TEST_TTS_KEY", "sk-tts")

	yaml := `
connection:
  credential_env: VOXMUX_TEST_UPSTREAM_KEY
tts:
  credential_env: VOXMUX_TEST_TTS_KEY
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Connection.Credential != "sk-upstream" {
		t.Errorf("connection credential: got %q, want sk-upstream", cfg.Connection.Credential)
	}
	if cfg.TTS.Credential != "sk-tts" {
		t.Errorf("tts credential: got %q, want sk-tts", cfg.TTS.Credential)
	}
	// Sections naming no variable inherit the connection credential.
	if cfg.Facts.Credential != "sk-upstream" {
		t.Errorf("facts credential should inherit connection, got %q", cfg.Facts.Credential)
	}
	if cfg.Summariser.Credential != "sk-upstream" {
		t.Errorf("summariser credential should inherit connection, got %q", cfg.Summariser.Credential)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key file",
			yaml:    "server:\n  tls:\n    cert_file: /tmp/cert.pem\n",
			wantErr: "server.tls.key_file",
		},
		{
			name:    "negative arbitrator delay",
			yaml:    "arbitrator:\n  min_delay_before_reflex_ms: -1\n",
			wantErr: "arbitrator.min_delay_before_reflex_ms",
		},
		{
			name:    "empty reflex phrase",
			yaml:    "reflex:\n  phrases:\n    - text: \"\"\n      weight: 1\n",
			wantErr: "reflex.phrases[0].text",
		},
		{
			name:    "bad pii mode",
			yaml:    "policy:\n  pii_redaction_mode: scrub\n",
			wantErr: "policy.pii_redaction_mode",
		},
		{
			name:    "threshold out of range",
			yaml:    "policy:\n  cancel_output_threshold: 9\n",
			wantErr: "cancel_output_threshold",
		},
		{
			name:    "unknown moderation category",
			yaml:    "policy:\n  moderation_categories: [GOSSIP]\n",
			wantErr: "GOSSIP",
		},
		{
			name:    "bad fallback mode",
			yaml:    "fallback:\n  mode: shout\n",
			wantErr: "fallback.mode",
		},
		{
			name:    "bad fallback phrase key",
			yaml:    "fallback:\n  phrases:\n    yell_loudly: [\"NO\"]\n",
			wantErr: "not a fallback mode",
		},
		{
			name:    "empty fallback phrase",
			yaml:    "fallback:\n  phrases:\n    refuse_politely: [\"\"]\n",
			wantErr: "is empty",
		},
		{
			name:    "negative idle minutes",
			yaml:    "session:\n  max_idle_minutes: -5\n",
			wantErr: "session.max_idle_minutes",
		},
		{
			name:    "bad tts backend",
			yaml:    "tts:\n  backend: espeak\n",
			wantErr: "tts.backend",
		},
		{
			name:    "coqui tts without base url",
			yaml:    "tts:\n  backend: coqui\n",
			wantErr: "tts.base_url",
		},
		{
			name:    "bad facts backend",
			yaml:    "facts:\n  backend: redis\n",
			wantErr: "facts.backend",
		},
		{
			name:    "static facts without path",
			yaml:    "facts:\n  backend: static\n",
			wantErr: "facts.path",
		},
		{
			name:    "postgres facts without dsn",
			yaml:    "facts:\n  backend: postgres\n",
			wantErr: "facts.postgres_dsn",
		},
		{
			name:    "postgres facts without embedding provider",
			yaml:    "facts:\n  backend: postgres\n  postgres_dsn: postgres://localhost/voxmux\n",
			wantErr: "facts.embedding_provider",
		},
		{
			name:    "summariser enabled without provider",
			yaml:    "summariser:\n  enabled: true\n  provider: \"\"\n",
			wantErr: "summariser.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loudest
session:
  max_idle_minutes: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "server.log_level") {
		t.Errorf("error should mention server.log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "session.max_idle_minutes") {
		t.Errorf("error should mention session.max_idle_minutes, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "voxmux.yaml")
	content := "server:\n  listen_addr: \":7070\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen_addr: got %q, want :7070", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/voxmux.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error should mention open, got: %v", err)
	}
}
