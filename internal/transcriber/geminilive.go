package transcriber

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const geminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

// GeminiLiveConfig configures the streaming Gemini Live provider.
type GeminiLiveConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
	SampleRate        int
}

// GeminiLiveTranscriber streams PCM to a Gemini Live session over a
// websocket. Text parts arriving before a turn completes are surfaced as
// interim events; turn completion finalizes the accumulated text.
type GeminiLiveTranscriber struct {
	conn    *websocket.Conn
	config  GeminiLiveConfig
	results chan Event

	audioBuffer []byte
	bufferMu    sync.Mutex

	turnText strings.Builder

	stopSending chan struct{}
	wg          sync.WaitGroup
	closeOne    sync.Once
}

type liveSetup struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
		} `json:"generationConfig"`
		SystemInstruction *liveSystemInstruction `json:"systemInstruction,omitempty"`
	} `json:"setup"`
}

type liveSystemInstruction struct {
	Parts []livePart `json:"parts"`
}

type livePart struct {
	Text string `json:"text,omitempty"`
}

type liveRealtimeInput struct {
	RealtimeInput struct {
		MediaChunks []liveMediaChunk `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type liveMediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type liveServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []livePart `json:"parts"`
		} `json:"modelTurn,omitempty"`
		TurnComplete bool `json:"turnComplete,omitempty"`
	} `json:"serverContent,omitempty"`
}

// NewGeminiLiveTranscriber dials the Live endpoint and performs session setup
// before any audio is accepted.
func NewGeminiLiveTranscriber(config GeminiLiveConfig) (*GeminiLiveTranscriber, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash-exp"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	url := fmt.Sprintf("%s?key=%s", geminiLiveURL, config.APIKey)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Gemini Live: %v", ErrNetworkUnavailable, err)
	}

	var setup liveSetup
	setup.Setup.Model = "models/" + strings.TrimPrefix(config.Model, "models/")
	setup.Setup.GenerationConfig.ResponseModalities = []string{"TEXT"}
	if config.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &liveSystemInstruction{
			Parts: []livePart{{Text: config.SystemInstruction}},
		}
	}

	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send session setup: %w", err)
	}

	// The first server message acknowledges the session.
	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no setup acknowledgement: %v", ErrStreamClosed, err)
	}
	var ack liveServerMessage
	if err := json.Unmarshal(message, &ack); err != nil || ack.SetupComplete == nil {
		conn.Close()
		return nil, &ProtocolError{Provider: "gemini-live", Detail: "expected setupComplete, got " + truncate(message)}
	}

	glt := &GeminiLiveTranscriber{
		conn:        conn,
		config:      config,
		results:     make(chan Event, 100),
		audioBuffer: make([]byte, 0, config.SampleRate/2),
		stopSending: make(chan struct{}),
	}

	go glt.handleResults()

	glt.wg.Add(1)
	go glt.audioSender()

	log.Printf("Gemini Live session started (model %s)", config.Model)

	return glt, nil
}

// ProcessAudio buffers PCM for the sender goroutine.
func (glt *GeminiLiveTranscriber) ProcessAudio(audioData []byte) error {
	glt.bufferMu.Lock()
	defer glt.bufferMu.Unlock()
	glt.audioBuffer = append(glt.audioBuffer, audioData...)
	return nil
}

// audioSender flushes buffered audio every 100ms so each websocket message
// carries a reasonable media chunk instead of one tiny frame.
func (glt *GeminiLiveTranscriber) audioSender() {
	defer glt.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			glt.sendBufferedAudio()
		case <-glt.stopSending:
			glt.sendBufferedAudio()
			return
		}
	}
}

func (glt *GeminiLiveTranscriber) sendBufferedAudio() {
	glt.bufferMu.Lock()
	defer glt.bufferMu.Unlock()

	if len(glt.audioBuffer) == 0 {
		return
	}

	var msg liveRealtimeInput
	msg.RealtimeInput.MediaChunks = []liveMediaChunk{{
		MimeType: fmt.Sprintf("audio/pcm;rate=%d", glt.config.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(glt.audioBuffer),
	}}

	if err := glt.conn.WriteJSON(msg); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Printf("Failed to send audio to Gemini Live: %v", err)
		}
	}
	glt.audioBuffer = glt.audioBuffer[:0]
}

func (glt *GeminiLiveTranscriber) handleResults() {
	for {
		_, message, err := glt.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Gemini Live websocket error: %v", err)
			}
			close(glt.results)
			return
		}

		var msg liveServerMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse Gemini Live message: %v", err)
			continue
		}

		if msg.ServerContent == nil {
			continue
		}

		if msg.ServerContent.ModelTurn != nil {
			for _, part := range msg.ServerContent.ModelTurn.Parts {
				if part.Text == "" {
					continue
				}
				glt.turnText.WriteString(part.Text)
			}
			if glt.turnText.Len() > 0 {
				glt.results <- Event{Text: strings.TrimSpace(glt.turnText.String()), IsFinal: false}
			}
		}

		if msg.ServerContent.TurnComplete {
			text := strings.TrimSpace(glt.turnText.String())
			glt.turnText.Reset()
			if text != "" {
				glt.results <- Event{Text: text, IsFinal: true}
			}
		}
	}
}

// Results returns the event stream. The channel closes when the server ends
// the session.
func (glt *GeminiLiveTranscriber) Results() <-chan Event {
	return glt.results
}

// Close flushes buffered audio and tears down the websocket.
func (glt *GeminiLiveTranscriber) Close() error {
	var err error
	glt.closeOne.Do(func() {
		close(glt.stopSending)
		glt.wg.Wait()
		_ = glt.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = glt.conn.Close()
	})
	return err
}
