// Package config loads and validates the service configuration: a YAML file
// for tunables and a .env file (or the process environment) for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Audio source kinds.
const (
	SourceMic         = "mic"
	SourceWAV         = "wav"
	SourceAudioSocket = "audiosocket"
)

// Provider names.
const (
	ProviderGemini     = "gemini"
	ProviderGeminiLive = "gemini-live"
	ProviderGCloud     = "gcloud"
)

// Config is the complete tool configuration.
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Provider ProviderConfig `yaml:"provider"`
	Publish  PublishConfig  `yaml:"publish"`

	// Credentials come from the environment, never the YAML file.
	GeminiAPIKey string `yaml:"-"`
	GCPProject   string `yaml:"-"`
}

// AudioConfig describes the capture source and format.
type AudioConfig struct {
	Source        string `yaml:"source"`
	Device        int    `yaml:"device"` // -1 selects the default input device
	WAVPath       string `yaml:"wav_path"`
	WAVPaced      bool   `yaml:"wav_paced"`
	ListenAddress string `yaml:"listen_address"` // audiosocket source
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	FrameSize     int    `yaml:"frame_size"` // samples per frame
}

// ChunkingConfig describes window assembly and the capture→transmit handoff.
type ChunkingConfig struct {
	DurationSeconds float64 `yaml:"duration_seconds"`
	OverlapFraction float64 `yaml:"overlap_fraction"`
	QueueDepth      int     `yaml:"queue_depth"`
}

// ProviderConfig describes the transcription backend.
type ProviderConfig struct {
	Name                    string  `yaml:"name"`
	Model                   string  `yaml:"model"`
	Language                string  `yaml:"language"`
	Region                  string  `yaml:"region"` // gcloud only
	SystemInstruction       string  `yaml:"system_instruction"`
	SpeechEndTimeoutSeconds float64 `yaml:"speech_end_timeout_seconds"`
	RequestTimeoutSeconds   float64 `yaml:"request_timeout_seconds"`
	MaxRetries              int     `yaml:"max_retries"`
	MaxConsecutiveFailures  int     `yaml:"max_consecutive_failures"`
}

// PublishConfig describes the optional Redis fan-out of final lines.
type PublishConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Channel string `yaml:"channel"`
}

// Load reads the YAML file, applies defaults, pulls credentials from the
// environment (after loading .env if present), and validates everything.
// Credential problems surface here, before any audio device is opened.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	config.GCPProject = os.Getenv("GOOGLE_CLOUD_PROJECT")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Source:        SourceMic,
			Device:        -1,
			ListenAddress: ":8090",
			SampleRate:    16000,
			Channels:      1,
			FrameSize:     1024,
		},
		Chunking: ChunkingConfig{
			DurationSeconds: 5,
			OverlapFraction: 0,
			QueueDepth:      4,
		},
		Provider: ProviderConfig{
			Name:                    ProviderGemini,
			Language:                "pt-BR",
			Region:                  "us",
			SystemInstruction:       "Act as a live transcriber: write back only what you hear, with no explanation.",
			SpeechEndTimeoutSeconds: 2,
			RequestTimeoutSeconds:   30,
			MaxRetries:              3,
			MaxConsecutiveFailures:  5,
		},
		Publish: PublishConfig{
			Address: "localhost:6379",
			Channel: "transcripts",
		},
	}
}

// Validate checks every section and the provider's credential.
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if c.Publish.Enabled && c.Publish.Address == "" {
		return fmt.Errorf("publish config: address is required when publishing is enabled")
	}

	switch c.Provider.Name {
	case ProviderGemini, ProviderGeminiLive:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY not set (add it to .env or the environment)")
		}
	case ProviderGCloud:
		if c.GCPProject == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT not set (add it to .env or the environment)")
		}
	}

	return nil
}

// Validate checks the capture section.
func (a *AudioConfig) Validate() error {
	switch a.Source {
	case SourceMic:
	case SourceWAV:
		if a.WAVPath == "" {
			return fmt.Errorf("wav_path is required for the wav source")
		}
	case SourceAudioSocket:
		if a.ListenAddress == "" {
			return fmt.Errorf("listen_address is required for the audiosocket source")
		}
	default:
		return fmt.Errorf("unknown source %q (want %s, %s or %s)", a.Source, SourceMic, SourceWAV, SourceAudioSocket)
	}

	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", a.Channels)
	}
	if a.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", a.FrameSize)
	}
	return nil
}

// Validate checks the chunking section.
func (ch *ChunkingConfig) Validate() error {
	if ch.DurationSeconds <= 0 {
		return fmt.Errorf("duration_seconds must be positive, got %g", ch.DurationSeconds)
	}
	if ch.OverlapFraction < 0 || ch.OverlapFraction >= 1 {
		return fmt.Errorf("overlap_fraction must be in [0,1), got %g", ch.OverlapFraction)
	}
	if ch.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", ch.QueueDepth)
	}
	return nil
}

// Validate checks the provider section.
func (p *ProviderConfig) Validate() error {
	switch p.Name {
	case ProviderGemini, ProviderGeminiLive, ProviderGCloud:
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s or %s)",
			p.Name, ProviderGemini, ProviderGeminiLive, ProviderGCloud)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be positive, got %d", p.MaxConsecutiveFailures)
	}
	return nil
}

// ChunkDuration returns the chunk window as a time.Duration.
func (ch *ChunkingConfig) ChunkDuration() time.Duration {
	return time.Duration(ch.DurationSeconds * float64(time.Second))
}

// SpeechEndTimeout returns the voice activity timeout as a time.Duration.
func (p *ProviderConfig) SpeechEndTimeout() time.Duration {
	return time.Duration(p.SpeechEndTimeoutSeconds * float64(time.Second))
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (p *ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds * float64(time.Second))
}
