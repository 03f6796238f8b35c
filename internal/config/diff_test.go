package config_test

import (
	"slices"
	"testing"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/lane"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got sections %v", d.Sections())
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if !slices.Contains(d.Sections(), "server.log_level") {
		t.Errorf("Sections() should contain server.log_level, got %v", d.Sections())
	}
}

func TestDiff_TracksEachSection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{
			name:    "arbitrator timing",
			mutate:  func(c *config.Config) { c.Arbitrator.TransitionGapMs = 25 },
			section: "arbitrator",
		},
		{
			name:    "reflex phrases",
			mutate:  func(c *config.Config) { c.Reflex.Phrases = []lane.WeightedPhrase{{Text: "One sec.", Weight: 1}} },
			section: "reflex",
		},
		{
			name:    "reflex voice",
			mutate:  func(c *config.Config) { c.Reflex.Voice = "echo" },
			section: "reflex",
		},
		{
			name:    "policy knob",
			mutate:  func(c *config.Config) { c.Policy.EvaluateDeltas = true },
			section: "policy",
		},
		{
			name:    "policy categories",
			mutate:  func(c *config.Config) { c.Policy.ModerationCategories = []string{"JAILBREAK"} },
			section: "policy",
		},
		{
			name:    "fallback mode",
			mutate:  func(c *config.Config) { c.Fallback.Mode = lane.ModeEscalate },
			section: "fallback",
		},
		{
			name: "fallback phrases",
			mutate: func(c *config.Config) {
				c.Fallback.Phrases = map[lane.Mode][]string{lane.ModeRefusePolitely: {"No."}}
			},
			section: "fallback",
		},
		{
			name:    "session idle",
			mutate:  func(c *config.Config) { c.Session.MaxIdleMinutes = 5 },
			section: "session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)

			d := config.Diff(old, new)
			sections := d.Sections()
			if !slices.Contains(sections, tt.section) {
				t.Errorf("Sections() should contain %q, got %v", tt.section, sections)
			}
			if len(sections) != 1 {
				t.Errorf("expected exactly one changed section, got %v", sections)
			}
		})
	}
}

func TestDiff_IgnoresRestartOnlySections(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.Connection.Model = "other-model"
	new.Audit.JSONLDir = "/elsewhere"
	new.Facts.Backend = config.FactsStatic
	new.Facts.Path = "/etc/voxmux/facts.yaml"

	if d := config.Diff(old, new); d.Any() {
		t.Errorf("restart-only sections should not appear in the diff, got %v", d.Sections())
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogWarn
	new.Policy.CancelOutputThreshold = 3
	new.Session.DeleteGraceSeconds = 10

	d := config.Diff(old, new)
	want := []string{"server.log_level", "policy", "session"}
	got := d.Sections()
	for _, s := range want {
		if !slices.Contains(got, s) {
			t.Errorf("Sections() should contain %q, got %v", s, got)
		}
	}
	if len(got) != len(want) {
		t.Errorf("expected %d sections, got %v", len(want), got)
	}
}
