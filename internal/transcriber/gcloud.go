package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// GCloudConfig configures the Google Cloud Speech-to-Text v2 provider.
type GCloudConfig struct {
	ProjectID        string
	Region           string
	Model            string
	Language         string
	SampleRate       int
	Channels         int
	SpeechEndTimeout time.Duration
}

// GCloudTranscriber streams PCM into the Speech v2 recognizer. Two knobs the
// pipeline depends on are set here and nowhere else: the explicit LINEAR16
// decoding config (auto-detection stalls on headerless PCM) and the voice
// activity speech-end timeout (short utterances would otherwise wait on the
// model's long default silence window).
type GCloudTranscriber struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	config  GCloudConfig
	results chan Event

	audioBuffer []byte
	bufferMu    sync.Mutex

	cancel      context.CancelFunc
	stopSending chan struct{}
	wg          sync.WaitGroup
	closeOne    sync.Once
}

// NewGCloudTranscriber opens the gRPC stream and sends the configuration
// request. Authentication uses Application Default Credentials.
func NewGCloudTranscriber(ctx context.Context, config GCloudConfig) (*GCloudTranscriber, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("google cloud project ID is required")
	}
	if config.Region == "" {
		config.Region = "us"
	}
	if config.Model == "" {
		config.Model = "chirp_3"
	}
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.SpeechEndTimeout <= 0 {
		config.SpeechEndTimeout = 2 * time.Second
	}

	var opts []option.ClientOption
	if config.Region != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", config.Region)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, mapGRPCError(err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, mapGRPCError(err)
	}

	configReq := &speechpb.StreamingRecognizeRequest{
		Recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", config.ProjectID, config.Region),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(config.SampleRate),
							AudioChannelCount: int32(config.Channels),
						},
					},
					LanguageCodes: []string{config.Language},
					Model:         config.Model,
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults:            true,
					EnableVoiceActivityEvents: true,
					VoiceActivityTimeout: &speechpb.StreamingRecognitionFeatures_VoiceActivityTimeout{
						SpeechEndTimeout: durationpb.New(config.SpeechEndTimeout),
					},
				},
			},
		},
	}

	if err := stream.Send(configReq); err != nil {
		cancel()
		client.Close()
		return nil, mapGRPCError(err)
	}

	gct := &GCloudTranscriber{
		client:      client,
		stream:      stream,
		config:      config,
		results:     make(chan Event, 100),
		cancel:      cancel,
		stopSending: make(chan struct{}),
	}

	go gct.handleResults()

	gct.wg.Add(1)
	go gct.audioSender()

	log.Printf("Speech v2 stream opened (model %s, language %s, region %s)",
		config.Model, config.Language, config.Region)

	return gct, nil
}

// ProcessAudio buffers PCM for the sender goroutine.
func (gct *GCloudTranscriber) ProcessAudio(audioData []byte) error {
	gct.bufferMu.Lock()
	defer gct.bufferMu.Unlock()
	gct.audioBuffer = append(gct.audioBuffer, audioData...)
	return nil
}

func (gct *GCloudTranscriber) audioSender() {
	defer gct.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gct.sendBufferedAudio()
		case <-gct.stopSending:
			gct.sendBufferedAudio()
			return
		}
	}
}

func (gct *GCloudTranscriber) sendBufferedAudio() {
	gct.bufferMu.Lock()
	data := gct.audioBuffer
	gct.audioBuffer = nil
	gct.bufferMu.Unlock()

	if len(data) == 0 {
		return
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: data},
	}
	if err := gct.stream.Send(req); err != nil && err != io.EOF {
		log.Printf("Failed to send audio to Speech v2: %v", err)
	}
}

func (gct *GCloudTranscriber) handleResults() {
	defer close(gct.results)

	for {
		resp, err := gct.stream.Recv()
		if err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				log.Printf("Speech v2 stream error: %v", mapGRPCError(err))
			}
			return
		}

		switch resp.SpeechEventType {
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_BEGIN:
			log.Printf("Speech activity began")
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END:
			log.Printf("Speech activity ended")
		}

		if len(resp.Results) == 0 {
			continue
		}
		result := resp.Results[0]
		if len(result.Alternatives) == 0 {
			continue
		}

		event := Event{
			Text:    result.Alternatives[0].Transcript,
			IsFinal: result.IsFinal,
		}
		if result.ResultEndOffset != nil {
			event.End = result.ResultEndOffset.AsDuration()
		}
		gct.results <- event
	}
}

// Results returns the event stream. The channel closes when the server ends
// the stream or the transcriber is closed.
func (gct *GCloudTranscriber) Results() <-chan Event {
	return gct.results
}

// Close half-closes the send side so the server can flush pending finals,
// then tears down the stream and client.
func (gct *GCloudTranscriber) Close() error {
	var err error
	gct.closeOne.Do(func() {
		close(gct.stopSending)
		gct.wg.Wait()
		_ = gct.stream.CloseSend()
		// Give the server a moment to flush pending final results.
		time.Sleep(500 * time.Millisecond)
		gct.cancel()
		err = gct.client.Close()
	})
	return err
}

func mapGRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	case codes.Aborted, codes.Internal:
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	return err
}
