package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	path := writeConfig(t, "provider:\n  name: gemini\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Audio.Source != SourceMic || cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Errorf("audio defaults not applied: %+v", cfg.Audio)
	}
	if cfg.Chunking.DurationSeconds != 5 || cfg.Chunking.QueueDepth != 4 {
		t.Errorf("chunking defaults not applied: %+v", cfg.Chunking)
	}
	if cfg.Provider.MaxRetries != 3 || cfg.Provider.MaxConsecutiveFailures != 5 {
		t.Errorf("provider defaults not applied: %+v", cfg.Provider)
	}
	if cfg.GeminiAPIKey != "test-key" {
		t.Errorf("GeminiAPIKey = %q, want value from environment", cfg.GeminiAPIKey)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "my-project")
	path := writeConfig(t, `
audio:
  source: wav
  wav_path: session.wav
  sample_rate: 8000
chunking:
  duration_seconds: 2.5
  overlap_fraction: 0.25
provider:
  name: gcloud
  language: en-US
  region: global
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Audio.Source != SourceWAV || cfg.Audio.WAVPath != "session.wav" {
		t.Errorf("audio overrides not applied: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("sample_rate = %d, want 8000", cfg.Audio.SampleRate)
	}
	if cfg.Chunking.OverlapFraction != 0.25 {
		t.Errorf("overlap_fraction = %g, want 0.25", cfg.Chunking.OverlapFraction)
	}
	if d := cfg.Chunking.ChunkDuration(); d.Seconds() != 2.5 {
		t.Errorf("ChunkDuration() = %v, want 2.5s", d)
	}
	if cfg.Provider.Region != "global" || cfg.GCPProject != "my-project" {
		t.Errorf("gcloud settings not applied: region=%q project=%q", cfg.Provider.Region, cfg.GCPProject)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMissingCredentialFailsBeforeStart(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	cases := []struct {
		provider string
		wantVar  string
	}{
		{ProviderGemini, "GEMINI_API_KEY"},
		{ProviderGeminiLive, "GEMINI_API_KEY"},
		{ProviderGCloud, "GOOGLE_CLOUD_PROJECT"},
	}
	for _, tc := range cases {
		path := writeConfig(t, "provider:\n  name: "+tc.provider+"\n")
		_, err := Load(path)
		if err == nil {
			t.Errorf("%s: expected credential error", tc.provider)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantVar) {
			t.Errorf("%s: error %q does not name %s", tc.provider, err, tc.wantVar)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown source", func(c *Config) { c.Audio.Source = "tape" }},
		{"wav without path", func(c *Config) { c.Audio.Source = SourceWAV }},
		{"audiosocket without address", func(c *Config) {
			c.Audio.Source = SourceAudioSocket
			c.Audio.ListenAddress = ""
		}},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Audio.Channels = 0 }},
		{"zero frame size", func(c *Config) { c.Audio.FrameSize = 0 }},
		{"zero chunk duration", func(c *Config) { c.Chunking.DurationSeconds = 0 }},
		{"overlap of one", func(c *Config) { c.Chunking.OverlapFraction = 1 }},
		{"negative overlap", func(c *Config) { c.Chunking.OverlapFraction = -0.5 }},
		{"zero queue depth", func(c *Config) { c.Chunking.QueueDepth = 0 }},
		{"unknown provider", func(c *Config) { c.Provider.Name = "whisperx" }},
		{"negative retries", func(c *Config) { c.Provider.MaxRetries = -1 }},
		{"zero failure cap", func(c *Config) { c.Provider.MaxConsecutiveFailures = 0 }},
		{"publish without address", func(c *Config) {
			c.Publish.Enabled = true
			c.Publish.Address = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.GeminiAPIKey = "key"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	cfg.GeminiAPIKey = "key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
