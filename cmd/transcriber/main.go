package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/duboc/mic-transcriber/internal/audio"
	"github.com/duboc/mic-transcriber/internal/config"
	"github.com/duboc/mic-transcriber/internal/display"
	"github.com/duboc/mic-transcriber/internal/metrics"
	"github.com/duboc/mic-transcriber/internal/pipeline"
	"github.com/duboc/mic-transcriber/internal/publish"
	"github.com/duboc/mic-transcriber/internal/reconcile"
	"github.com/duboc/mic-transcriber/internal/transcriber"
)

func main() {
	var (
		configFile  string
		provider    string
		source      string
		listDevices bool
	)
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&provider, "provider", "", "Override the configured provider (gemini, gemini-live, gcloud)")
	flag.StringVar(&source, "source", "", "Override the configured source (mic, wav, audiosocket)")
	flag.BoolVar(&listDevices, "list-devices", false, "List input devices and exit")
	flag.Parse()

	if listDevices {
		devices, err := audio.ListInputDevices()
		if err != nil {
			log.Fatalf("Failed to list input devices: %v", err)
		}
		fmt.Println("Available input devices:")
		for _, d := range devices {
			marker := ""
			if d.Default {
				marker = " (default)"
			}
			fmt.Printf("  %d: %s%s\n", d.Index, d.Name, marker)
		}
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if provider != "" {
		cfg.Provider.Name = provider
	}
	if source != "" {
		cfg.Audio.Source = source
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Transcription failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	sessionID := uuid.New().String()
	m := metrics.NewSessionMetrics(cfg.Provider.Name, sessionID, cfg.Audio.SampleRate, cfg.Audio.Channels)
	rec := reconcile.New()
	console := display.New(os.Stdout)

	var sink pipeline.FinalSink
	if cfg.Publish.Enabled {
		pub, err := publish.New(ctx, publish.Config{
			Address: cfg.Publish.Address,
			Channel: cfg.Publish.Channel,
		}, sessionID)
		if err != nil {
			return err
		}
		defer pub.Close()
		sink = pub
	}

	src, err := newSource(cfg)
	if err != nil {
		return err
	}

	pipeConfig := pipeline.Config{
		QueueDepth:             cfg.Chunking.QueueDepth,
		DropOldest:             cfg.Chunking.OverlapFraction > 0,
		MaxRetries:             cfg.Provider.MaxRetries,
		MaxConsecutiveFailures: cfg.Provider.MaxConsecutiveFailures,
		RequestTimeout:         cfg.Provider.RequestTimeout(),
	}

	var p *pipeline.Pipeline
	switch cfg.Provider.Name {
	case config.ProviderGemini:
		buffer, err := audio.NewChunkBuffer(audio.BufferConfig{
			SampleRate:      cfg.Audio.SampleRate,
			Channels:        cfg.Audio.Channels,
			ChunkDuration:   cfg.Chunking.ChunkDuration(),
			OverlapFraction: cfg.Chunking.OverlapFraction,
		})
		if err != nil {
			src.Close()
			return err
		}
		t, err := transcriber.NewGeminiTranscriber(transcriber.GeminiConfig{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.Provider.Model,
			SystemInstruction: cfg.Provider.SystemInstruction,
			RequestTimeout:    cfg.Provider.RequestTimeout(),
		})
		if err != nil {
			src.Close()
			return err
		}
		defer t.Close()
		p = pipeline.NewBatch(pipeConfig, src, buffer, t, rec, console, m, sink)

	case config.ProviderGeminiLive:
		t, err := transcriber.NewGeminiLiveTranscriber(transcriber.GeminiLiveConfig{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.Provider.Model,
			SystemInstruction: cfg.Provider.SystemInstruction,
			SampleRate:        cfg.Audio.SampleRate,
		})
		if err != nil {
			src.Close()
			return err
		}
		p = pipeline.NewStream(pipeConfig, src, t, rec, console, m, sink)

	case config.ProviderGCloud:
		t, err := transcriber.NewGCloudTranscriber(ctx, transcriber.GCloudConfig{
			ProjectID:        cfg.GCPProject,
			Region:           cfg.Provider.Region,
			Model:            cfg.Provider.Model,
			Language:         cfg.Provider.Language,
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			SpeechEndTimeout: cfg.Provider.SpeechEndTimeout(),
		})
		if err != nil {
			src.Close()
			return err
		}
		p = pipeline.NewStream(pipeConfig, src, t, rec, console, m, sink)

	default:
		src.Close()
		return fmt.Errorf("unknown provider: %s", cfg.Provider.Name)
	}

	log.Printf("Session %s started (provider %s, source %s)", sessionID, cfg.Provider.Name, cfg.Audio.Source)
	log.Printf("Listening... press Ctrl+C to stop")

	runErr := p.Run(ctx)

	m.Finalize()
	log.Printf("Session ended:\n%s", m.Summary())

	return runErr
}

func newSource(cfg *config.Config) (audio.Source, error) {
	sourceConfig := audio.SourceConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
		Device:     cfg.Audio.Device,
	}

	switch cfg.Audio.Source {
	case config.SourceMic:
		return audio.NewMicSource(sourceConfig)
	case config.SourceWAV:
		return audio.NewFileSource(cfg.Audio.WAVPath, sourceConfig, cfg.Audio.WAVPaced)
	case config.SourceAudioSocket:
		return audio.NewSocketSource(cfg.Audio.ListenAddress, sourceConfig)
	default:
		return nil, fmt.Errorf("unknown source: %s", cfg.Audio.Source)
	}
}
